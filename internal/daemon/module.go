// Package daemon composes the application with fx and owns its lifecycle.
package daemon

import (
	"context"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/pigeon-im/pigeon/internal/api"
	"github.com/pigeon-im/pigeon/internal/attach"
	"github.com/pigeon-im/pigeon/internal/auth"
	"github.com/pigeon-im/pigeon/internal/bus"
	"github.com/pigeon-im/pigeon/internal/config"
	"github.com/pigeon-im/pigeon/internal/lock"
	"github.com/pigeon-im/pigeon/internal/logging"
	"github.com/pigeon-im/pigeon/internal/outbox"
	"github.com/pigeon-im/pigeon/internal/profile"
	"github.com/pigeon-im/pigeon/internal/remote"
	"github.com/pigeon-im/pigeon/internal/status"
	"github.com/pigeon-im/pigeon/internal/store"
	intsync "github.com/pigeon-im/pigeon/internal/sync"
	"github.com/pigeon-im/pigeon/internal/telemetry"
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
			provideTelemetry,
			provideRemote,
			provideIdentity,
			provideBlobs,
			provideUploader,
			provideAuthManager,
			provideSyncEngine,
			provideCoordinator,
			provideSender,
			provideSessionService,
			provideConversationService,
			provideMessageService,
			provideUserService,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	cfg, err := config.Load(profile.ConfigPath())
	if os.IsNotExist(err) {
		return config.Default(), nil
	}
	return cfg, err
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
	dbPath := profile.CacheDBPath(p.ProfileName)
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

func provideTelemetry(logger *zap.Logger) telemetry.Sink {
	return telemetry.NewLogSink(logger)
}

func provideRemote(cfg *config.Config, logger *zap.Logger) (*remote.Client, error) {
	return remote.Dial(context.Background(), cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
}

func provideIdentity(client *remote.Client, cfg *config.Config, sink telemetry.Sink) remote.Identity {
	ttl := time.Duration(cfg.Auth.TokenTTLHours) * time.Hour
	return remote.NewIdentityProvider(client, cfg.Auth.JWTSecret, ttl, sink)
}

func provideBlobs(cfg *config.Config) (remote.Blobs, error) {
	return remote.NewS3Blobs(context.Background(), remote.S3Config{
		Endpoint:  cfg.Blob.Endpoint,
		Region:    cfg.Blob.Region,
		Bucket:    cfg.Blob.Bucket,
		AccessKey: cfg.Blob.AccessKey,
		SecretKey: cfg.Blob.SecretKey,
	})
}

func provideUploader(blobs remote.Blobs, cfg *config.Config, logger *zap.Logger) *attach.Uploader {
	return attach.NewUploader(blobs, cfg.Upload.MaxBytes, logger)
}

func provideAuthManager(identity remote.Identity, client *remote.Client, b *bus.Bus, logger *zap.Logger) *auth.Manager {
	return auth.NewManager(identity, client, b, logger)
}

func provideSyncEngine(db *store.DB, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, machine, logger)
}

func provideCoordinator(client *remote.Client, engine *intsync.Engine, b *bus.Bus, logger *zap.Logger) *intsync.Coordinator {
	return intsync.NewCoordinator(client, client.MessageLog(), client, engine, b, logger)
}

func provideSender(db *store.DB, client *remote.Client, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, client.MessageLog(), client, b, logger)
}

func provideSessionService(a *auth.Manager, m *status.Machine, c *intsync.Coordinator, logger *zap.Logger) *api.SessionService {
	return api.NewSessionService(a, m, c, logger)
}

func provideConversationService(db *store.DB, client *remote.Client, a *auth.Manager, c *intsync.Coordinator, logger *zap.Logger) *api.ConversationService {
	return api.NewConversationService(db, client, client, a, c, logger)
}

func provideMessageService(db *store.DB, c *intsync.Coordinator, u *attach.Uploader, blobs remote.Blobs, a *auth.Manager, b *bus.Bus, logger *zap.Logger) *api.MessageService {
	return api.NewMessageService(db, c, u, blobs, a, b, logger)
}

func provideUserService(db *store.DB, client *remote.Client, a *auth.Manager, c *intsync.Coordinator, logger *zap.Logger) *api.UserService {
	return api.NewUserService(db, client, a, c, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	lk *lock.Lock,
	db *store.DB,
	client *remote.Client,
	coord *intsync.Coordinator,
	sender *outbox.Sender,
	machine *status.Machine,
	sessions *api.SessionService,
	conversations *api.ConversationService,
	messages *api.MessageService,
	users *api.UserService,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			sender.Start(context.Background())
			if err := machine.Transition(status.SignedOut); err != nil {
				logger.Warn("status transition failed", zap.Error(err))
			}
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			coord.Close()
			sender.Stop()
			if err := client.Close(); err != nil {
				logger.Warn("error closing remote client", zap.Error(err))
			}
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
