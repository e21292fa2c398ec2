package daemon

import (
	"context"

	"github.com/tmarotta/quill/internal/api"
	"github.com/tmarotta/quill/internal/bus"
	"github.com/tmarotta/quill/internal/config"
	"github.com/tmarotta/quill/internal/dedup"
	"github.com/tmarotta/quill/internal/lock"
	"github.com/tmarotta/quill/internal/logging"
	"github.com/tmarotta/quill/internal/media"
	"github.com/tmarotta/quill/internal/outbox"
	"github.com/tmarotta/quill/internal/profile"
	"github.com/tmarotta/quill/internal/realtime"
	"github.com/tmarotta/quill/internal/remote"
	"github.com/tmarotta/quill/internal/status"
	"github.com/tmarotta/quill/internal/store"
	intsync "github.com/tmarotta/quill/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideLedger,
			provideReplyTargets,
			provideRemote,
			provideChannel,
			provideUploader,
			provideDrainer,
			provideCoordinator,
			provideMerger,
			provideEngine,
			provideAPI,
			provideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideConfig(logger *zap.Logger) (*config.Config, error) {
	cfg, err := config.Load(profile.ConfigPath())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.Info("configuration loaded", zap.String("remote", cfg.RemoteURL))
	return cfg, nil
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

func provideLedger() *dedup.Ledger {
	return dedup.NewLedger()
}

func provideReplyTargets() *intsync.ReplyTargets {
	return intsync.NewReplyTargets()
}

func provideRemote(cfg *config.Config) remote.Service {
	return remote.NewClient(cfg.RemoteURL, cfg.APIKey, cfg.AccessToken)
}

func provideChannel(cfg *config.Config, logger *zap.Logger) realtime.Channel {
	return realtime.NewSocket(cfg.RemoteURL, cfg.APIKey, cfg.AccessToken, logger)
}

func provideUploader(cfg *config.Config) media.Uploader {
	return media.NewClient(cfg.MediaURL, cfg.APIKey)
}

func provideDrainer(db *store.DB, svc remote.Service, up media.Uploader, ledger *dedup.Ledger,
	cfg *config.Config, b *bus.Bus, logger *zap.Logger) *outbox.Drainer {
	return outbox.NewDrainer(db, svc, up, ledger, b, cfg.UserID, logger)
}

func provideCoordinator(db *store.DB, svc remote.Service, ledger *dedup.Ledger,
	drainer *outbox.Drainer, replies *intsync.ReplyTargets, cfg *config.Config,
	b *bus.Bus, logger *zap.Logger) *intsync.Coordinator {
	return intsync.NewCoordinator(db, svc, ledger, drainer, replies, b, cfg.UserID, logger)
}

func provideMerger(db *store.DB, ledger *dedup.Ledger, replies *intsync.ReplyTargets,
	cfg *config.Config, b *bus.Bus, logger *zap.Logger) *intsync.Merger {
	return intsync.NewMerger(db, ledger, replies, b, cfg.UserID, logger)
}

func provideEngine(ch realtime.Channel, coord *intsync.Coordinator, merger *intsync.Merger,
	logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(ch, coord, merger, logger)
}

func provideAPI(p Params, db *store.DB, drainer *outbox.Drainer, coord *intsync.Coordinator,
	engine *intsync.Engine, replies *intsync.ReplyTargets, machine *status.Machine,
	b *bus.Bus, logger *zap.Logger) *api.API {
	return api.New(db, drainer, coord, engine, replies, machine, b, p.ProfileName, logger)
}

func provideServer(p Params, a *api.API, logger *zap.Logger) (*Server, error) {
	return NewServer(p, a.Router(), logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, drainer *outbox.Drainer,
	engine *intsync.Engine, machine *status.Machine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The cached view is servable before any network traffic.
			_ = machine.Transition(status.Offline)

			engine.Start(context.Background())
			drainer.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("control api error", zap.Error(err))
				}
			}()

			// Entering Ready publishes the connectivity edge that kicks the
			// first outbox drain.
			go func() {
				_ = machine.Transition(status.Connecting)
				_ = machine.Transition(status.Syncing)
				_ = machine.Transition(status.Ready)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			drainer.Stop()
			engine.Stop()
			srv.Stop(ctx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
