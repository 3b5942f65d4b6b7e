package di

import (
	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/mikey/mailwatch/internal/adapters/imapstore"
	"github.com/mikey/mailwatch/internal/bus"
	"github.com/mikey/mailwatch/internal/config"
	"github.com/mikey/mailwatch/internal/core"
	"github.com/mikey/mailwatch/internal/factory"
	"github.com/mikey/mailwatch/internal/logging"
	"github.com/mikey/mailwatch/internal/notify"
	"github.com/mikey/mailwatch/internal/triage"
	"github.com/mikey/mailwatch/internal/watcher"
	"github.com/mikey/mailwatch/internal/whitelist"
)

// BuildContainer creates and configures a dependency injection container
func BuildContainer() (*dig.Container, error) {
	container := dig.New()

	// Register configuration
	if err := container.Provide(config.New); err != nil {
		return nil, err
	}

	// Register logger
	if err := container.Provide(logging.InitLogger); err != nil {
		return nil, err
	}

	// Register factories
	if err := container.Provide(factory.NewLLMFactory); err != nil {
		return nil, err
	}
	if err := container.Provide(factory.NewCacheFactory); err != nil {
		return nil, err
	}

	// Register event bus
	if err := container.Provide(bus.New); err != nil {
		return nil, err
	}

	// Register accounts
	if err := container.Provide(func(cfg *config.Config, logger *zap.Logger) ([]core.Account, error) {
		accounts, err := cfg.GetAccounts()
		if err != nil {
			return nil, err
		}
		logger.Info("Loaded accounts", zap.Int("count", len(accounts)))
		return accounts, nil
	}); err != nil {
		return nil, err
	}

	// Register mail store
	if err := container.Provide(func(logger *zap.Logger) core.MailStore {
		return imapstore.NewStore(logger)
	}); err != nil {
		return nil, err
	}

	// Register LLM client
	if err := container.Provide(func(f *factory.LLMFactory) (core.LLMClient, error) {
		return f.CreateLLMClient()
	}); err != nil {
		return nil, err
	}

	// Register negotiated capabilities
	if err := container.Provide(func(llm core.LLMClient) core.Capabilities {
		return core.Capabilities{Sampling: llm != nil}
	}); err != nil {
		return nil, err
	}

	// Register cache repository; a nil repository disables sender caching
	if err := container.Provide(func(f *factory.CacheFactory) (core.CacheRepository, error) {
		if !f.IsCacheEnabled() {
			return nil, nil
		}
		return f.CreateCacheRepository()
	}); err != nil {
		return nil, err
	}

	// Register trusted-domain checker
	if err := container.Provide(func(cfg *config.Config, logger *zap.Logger) *whitelist.Checker {
		return whitelist.NewChecker(cfg.GetTriage().TrustedDomains, logger)
	}); err != nil {
		return nil, err
	}

	// Register notifier
	if err := container.Provide(func(cfg *config.Config, logger *zap.Logger) *notify.Notifier {
		return notify.New(cfg.GetNotify(), logger)
	}); err != nil {
		return nil, err
	}

	// Register watcher
	if err := container.Provide(func(
		store core.MailStore,
		eventBus *bus.Bus,
		logger *zap.Logger,
		cfg *config.Config,
		accounts []core.Account,
	) *watcher.Watcher {
		return watcher.New(store, eventBus, logger, cfg.GetWatcher(), accounts)
	}); err != nil {
		return nil, err
	}

	// Register triage engine. The watcher doubles as the connection
	// provider for label and flag writes; resource notifications are off
	// unless an external notifier is attached.
	if err := container.Provide(func(
		eventBus *bus.Bus,
		cfg *config.Config,
		llm core.LLMClient,
		w *watcher.Watcher,
		notifier *notify.Notifier,
		cache core.CacheRepository,
		trusted *whitelist.Checker,
		logger *zap.Logger,
	) *triage.Engine {
		var resources core.ResourceNotifier
		return triage.New(eventBus, cfg.GetTriage(), llm, w, notifier, resources, cache, trusted, logger)
	}); err != nil {
		return nil, err
	}

	return container, nil
}
