// Package imapstore implements the mail-store ports on top of IMAP with
// IDLE push notifications.
package imapstore

import (
	"context"
	"fmt"
	"mime"

	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-sasl"
	"github.com/mikey/mailwatch/internal/core"
	"go.uber.org/zap"
)

// Store dials authenticated IMAP connections for configured accounts.
type Store struct {
	logger *zap.Logger
}

// NewStore creates an IMAP-backed mail store.
func NewStore(logger *zap.Logger) *Store {
	return &Store{logger: logger}
}

// Connect dials the account's endpoint, authenticates with password or
// bearer token, and returns a connection ready for Select.
func (s *Store) Connect(ctx context.Context, account core.Account) (core.MailConnection, error) {
	c := &conn{
		logger: s.logger.With(zap.String("account", account.Name)),
		// Buffered so the client's reader goroutine never blocks on a
		// slow consumer; overflow collapses into the pending signal.
		signals: make(chan core.StoreSignal, 16),
		wake:    make(chan struct{}, 1),
		resume:  make(chan struct{}, 1),
	}

	opts := &imapclient.Options{
		WordDecoder: &mime.WordDecoder{CharsetReader: charset.Reader},
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					c.push(core.StoreSignal{Kind: core.SignalExists})
				}
			},
			Expunge: func(seqNum uint32) {
				c.push(core.StoreSignal{Kind: core.SignalExpunge})
			},
		},
	}

	addr := fmt.Sprintf("%s:%d", account.Host, account.Port)
	var cli *imapclient.Client
	var err error
	if account.TLS {
		cli, err = imapclient.DialTLS(addr, opts)
	} else {
		cli, err = imapclient.DialStartTLS(addr, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	switch account.Auth {
	case core.AuthBearer:
		err = cli.Authenticate(sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: account.Username,
			Token:    account.Token,
			Host:     account.Host,
			Port:     account.Port,
		}))
	default:
		err = cli.Login(account.Username, account.Password).Wait()
	}
	if err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("authentication failed for %s: %w", account.Username, err)
	}

	c.cli = cli
	return c, nil
}
