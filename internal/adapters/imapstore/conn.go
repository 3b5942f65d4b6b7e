package imapstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/mikey/mailwatch/internal/core"
	"github.com/mikey/mailwatch/internal/utils"
	"go.uber.org/zap"
)

// Servers are allowed to drop idle connections after 30 minutes; restart
// well before that.
const idleRestart = 25 * time.Minute

type conn struct {
	cli     *imapclient.Client
	logger  *zap.Logger
	signals chan core.StoreSignal

	// While IDLE runs no other command can be sent on the connection, so
	// the idle loop and the commands hand it back and forth: wake asks the
	// loop to leave IDLE, resume tells it the last pending command is done.
	wake   chan struct{}
	resume chan struct{}

	mu         sync.Mutex
	subscribed bool
	closed     bool
	pending    int
}

// push hands a signal to the consumer without ever blocking the client's
// reader goroutine. A full channel means a signal is already pending, and
// one pending signal is enough to trigger a fetch.
func (c *conn) push(sig core.StoreSignal) {
	select {
	case c.signals <- sig:
	default:
	}
}

// beginCommand registers a pending command and kicks the idle loop off the
// connection so the command is not stuck behind IDLE.
func (c *conn) beginCommand() {
	c.mu.Lock()
	c.pending++
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *conn) endCommand() {
	c.mu.Lock()
	c.pending--
	idle := c.pending == 0
	c.mu.Unlock()
	if idle {
		select {
		case c.resume <- struct{}{}:
		default:
		}
	}
}

// run executes fn with the idle loop suspended, bounded by ctx. On expiry
// the caller gets ctx.Err() back immediately; fn finishes in the
// background so the connection's command stream stays consistent.
func (c *conn) run(ctx context.Context, fn func() error) error {
	c.beginCommand()
	done := make(chan error, 1)
	go func() {
		err := fn()
		c.endCommand()
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *conn) Select(ctx context.Context, folder string) (uint32, error) {
	var next uint32
	err := c.run(ctx, func() error {
		data, err := c.cli.Select(folder, nil).Wait()
		if err != nil {
			return fmt.Errorf("failed to select folder %s: %w", folder, err)
		}
		next = uint32(data.UIDNext)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

// Subscribe starts the idle loop and returns the signal channel. The
// channel is closed after a terminal SignalClosed when the connection is
// lost or the context is cancelled.
func (c *conn) Subscribe(ctx context.Context) (<-chan core.StoreSignal, error) {
	c.mu.Lock()
	if c.subscribed {
		c.mu.Unlock()
		return nil, fmt.Errorf("connection already subscribed")
	}
	c.subscribed = true
	c.mu.Unlock()

	go c.idleLoop(ctx)
	return c.signals, nil
}

// idleLoop holds IDLE whenever no command needs the connection. A wake
// from beginCommand ends the current IDLE so fetches and flag writes run
// immediately; once the last pending command resumes the loop, it idles
// again.
func (c *conn) idleLoop(ctx context.Context) {
	defer func() {
		c.push(core.StoreSignal{Kind: core.SignalClosed})
		close(c.signals)
	}()

	for {
		// Drop a stale wake from a command that already finished; a
		// live command is visible through the pending count.
		select {
		case <-c.wake:
		default:
		}

		c.mu.Lock()
		busy := c.pending > 0
		closed := c.closed
		c.mu.Unlock()
		if closed || ctx.Err() != nil {
			return
		}
		if busy {
			select {
			case <-c.resume:
			case <-ctx.Done():
				return
			}
			continue
		}

		idle, err := c.cli.Idle()
		if err != nil {
			c.logger.Debug("Failed to enter idle", zap.Error(err))
			return
		}

		select {
		case <-ctx.Done():
			_ = idle.Close()
			_ = idle.Wait()
			return
		case <-time.After(idleRestart):
			if err := endIdle(idle); err != nil {
				c.logger.Debug("Idle terminated", zap.Error(err))
				return
			}
		case <-c.wake:
			if err := endIdle(idle); err != nil {
				c.logger.Debug("Idle terminated", zap.Error(err))
				return
			}
		}
	}
}

func endIdle(idle *imapclient.IdleCommand) error {
	if err := idle.Close(); err != nil {
		return err
	}
	return idle.Wait()
}

// FetchSince retrieves envelope summaries for all messages with an id
// strictly greater than sinceID, in ascending id order.
func (c *conn) FetchSince(ctx context.Context, sinceID uint32) ([]core.MessageSummary, error) {
	var msgs []*imapclient.FetchMessageBuffer
	err := c.run(ctx, func() error {
		var set imap.UIDSet
		set.AddRange(imap.UID(sinceID+1), 0)

		fetched, err := c.cli.Fetch(set, &imap.FetchOptions{
			UID:           true,
			Envelope:      true,
			Flags:         true,
			BodyStructure: &imap.FetchItemBodyStructure{},
		}).Collect()
		if err != nil {
			return fmt.Errorf("failed to fetch messages since %d: %w", sinceID, err)
		}
		msgs = fetched
		return nil
	})
	if err != nil {
		return nil, err
	}

	summaries := make([]core.MessageSummary, 0, len(msgs))
	for _, msg := range msgs {
		// A fetch of n:* returns the highest-id message even when
		// nothing newer than n exists; drop anything at or below the
		// watermark.
		if uint32(msg.UID) <= sinceID {
			continue
		}
		summaries = append(summaries, summarize(msg))
	}
	return summaries, nil
}

func summarize(msg *imapclient.FetchMessageBuffer) core.MessageSummary {
	s := core.MessageSummary{ID: uint32(msg.UID)}

	if env := msg.Envelope; env != nil {
		// Decoded header words are not guaranteed to be valid UTF-8.
		s.Subject = utils.SanitizeUTF8(env.Subject)
		s.Date = env.Date
		if len(env.From) > 0 {
			s.From = core.Address{Name: env.From[0].Name, Address: env.From[0].Addr()}
		}
		for _, to := range env.To {
			s.To = append(s.To, core.Address{Name: to.Name, Address: to.Addr()})
		}
	}

	for _, flag := range msg.Flags {
		switch flag {
		case imap.FlagSeen:
			s.Seen = true
		case imap.FlagFlagged:
			s.Flagged = true
		case imap.FlagAnswered:
			s.Answered = true
		default:
			// Non-system keywords double as labels.
			if !strings.HasPrefix(string(flag), "\\") {
				s.Labels = append(s.Labels, string(flag))
			}
		}
	}

	if bs, ok := msg.BodyStructure.(*imap.BodyStructureMultiPart); ok {
		s.HasAttachments = strings.EqualFold(bs.Subtype, "mixed")
	}
	return s
}

// AddLabel stores a keyword flag on the message.
func (c *conn) AddLabel(ctx context.Context, id uint32, label string) error {
	return c.store(ctx, id, imap.StoreFlagsAdd, imap.Flag(label))
}

// SetFlag sets or clears the standard flagged marker.
func (c *conn) SetFlag(ctx context.Context, id uint32, flagged bool) error {
	op := imap.StoreFlagsAdd
	if !flagged {
		op = imap.StoreFlagsDel
	}
	return c.store(ctx, id, op, imap.FlagFlagged)
}

func (c *conn) store(ctx context.Context, id uint32, op imap.StoreFlagsOp, flag imap.Flag) error {
	return c.run(ctx, func() error {
		var set imap.UIDSet
		set.AddNum(imap.UID(id))
		err := c.cli.Store(set, &imap.StoreFlags{
			Op:     op,
			Silent: true,
			Flags:  []imap.Flag{flag},
		}, nil).Close()
		if err != nil {
			return fmt.Errorf("failed to store flag %s on message %d: %w", flag, id, err)
		}
		return nil
	})
}

func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	// Kick the idle loop off the connection so logout is not stuck
	// behind IDLE. Best-effort; the server may already be gone.
	c.beginCommand()
	_ = c.cli.Logout().Wait()
	c.endCommand()
	return c.cli.Close()
}
