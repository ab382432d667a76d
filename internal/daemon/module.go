// Package daemon composes the chat core with fx: one store, one bus, one
// realtime connection, one sync engine and one outbox sender per profile.
package daemon

import (
	"context"
	"fmt"

	"github.com/estay-app/chatd/internal/bus"
	"github.com/estay-app/chatd/internal/config"
	"github.com/estay-app/chatd/internal/lock"
	"github.com/estay-app/chatd/internal/logging"
	"github.com/estay-app/chatd/internal/outbox"
	"github.com/estay-app/chatd/internal/profile"
	"github.com/estay-app/chatd/internal/rest"
	"github.com/estay-app/chatd/internal/rt"
	"github.com/estay-app/chatd/internal/status"
	"github.com/estay-app/chatd/internal/store"
	intsync "github.com/estay-app/chatd/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideRestClient,
			provideRegistry,
			provideManager,
			provideSyncEngine,
			provideSender,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg, err := config.Load(profile.ConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", profile.ConfigPath(), err)
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRestClient(cfg *config.Config) *rest.Client {
	return rest.NewClient(cfg.APIBaseURL)
}

func provideRegistry() *rt.Registry {
	return rt.NewRegistry()
}

func provideManager(cfg *config.Config, client *rest.Client, reg *rt.Registry, machine *status.Machine, logger *zap.Logger) *rt.Manager {
	return rt.NewManager(cfg.RealtimeURL, cfg.Realtime, rt.DialWebsocket, client, reg, machine, logger)
}

func provideSyncEngine(cfg *config.Config, db *store.DB, b *bus.Bus, client *rest.Client, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, client, cfg.Username, cfg.Token, logger)
}

func provideSender(cfg *config.Config, db *store.DB, mgr *rt.Manager, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, mgr, b, cfg.Username, cfg.Token, logger)
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, mgr *rt.Manager, engine *intsync.Engine, sender *outbox.Sender, db *store.DB, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The engine is the fan-in listener for all inbound events.
			mgr.Registry().Add(engine)
			mgr.Start()

			sender.Start(context.Background())

			if cfg.UserID != "" {
				mgr.Connect(cfg.UserID)
			} else {
				logger.Info("no user id configured, realtime stays disconnected")
			}
			return nil
		},
		OnStop: func(_ context.Context) error {
			sender.Stop()
			mgr.Registry().Remove(engine)
			mgr.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
