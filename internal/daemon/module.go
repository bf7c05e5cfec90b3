package daemon

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/akozyrev/beacon/internal/backend"
	"github.com/akozyrev/beacon/internal/bus"
	"github.com/akozyrev/beacon/internal/cache"
	"github.com/akozyrev/beacon/internal/clock"
	"github.com/akozyrev/beacon/internal/config"
	"github.com/akozyrev/beacon/internal/delivery"
	"github.com/akozyrev/beacon/internal/logging"
	"github.com/akozyrev/beacon/internal/monitor"
	"github.com/akozyrev/beacon/internal/presence"
	"github.com/akozyrev/beacon/internal/profile"
	intsync "github.com/akozyrev/beacon/internal/sync"
	"github.com/akozyrev/beacon/internal/typing"
)

// Params holds the resolved profile name passed to the fx module.
type Params struct {
	Profile string
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideClock,
			provideLock,
			provideBackend,
			provideCache,
			provideRegistry,
			providePresence,
			provideTyping,
			provideDelivery,
			provideEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if err := profile.EnsureDirs(p.Profile); err != nil {
		return nil, err
	}
	return config.Load(profile.ConfigPath(p.Profile))
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideClock() clock.Clock {
	return clock.New()
}

func provideLock(p Params, logger *zap.Logger) (*profile.Lock, error) {
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := profile.AcquireLock(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideBackend(cfg *config.Config, logger *zap.Logger) *backend.Client {
	return backend.New(cfg.BackendURL, cfg.AuthToken, cfg.UserID, logger)
}

func provideCache(p Params, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *cache.Cache {
	return cache.New(profile.CacheDir(p.Profile), cfg.FlushBatchSize, b, logger)
}

func provideRegistry() *monitor.Registry {
	return monitor.NewRegistry()
}

func providePresence(cfg *config.Config, client *backend.Client, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(cfg.UserID, client, b, clk, time.Duration(cfg.HeartbeatSeconds)*time.Second, logger)
}

func provideTyping(cfg *config.Config, client *backend.Client, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *typing.Coordinator {
	return typing.NewCoordinator(cfg.UserID, client, b, clk, time.Duration(cfg.TypingDebounceSeconds)*time.Second, logger)
}

func provideDelivery(cfg *config.Config, client *backend.Client, c *cache.Cache, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *delivery.Coordinator {
	return delivery.NewCoordinator(cfg.UserID, client, c, b, clk, logger)
}

func provideEngine(cfg *config.Config, client *backend.Client, c *cache.Cache, reg *monitor.Registry, pt *presence.Tracker, tc *typing.Coordinator, clk clock.Clock, logger *zap.Logger) *intsync.Engine {
	interval := time.Duration(cfg.PollIntervalSeconds) * time.Second
	return intsync.NewEngine(client, c, reg, pt, tc, clk, interval, logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *profile.Lock, client *backend.Client, c *cache.Cache, engine *intsync.Engine, pt *presence.Tracker, tc *typing.Coordinator, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := c.Load(); err != nil {
				return err
			}
			logger.Info("cache loaded", zap.Int("chats", len(c.Chats())))

			// Chats with history are monitored from the start so their
			// first reconciliation does not wait for the user to open them.
			for _, chatID := range c.Chats() {
				engine.Track(chatID)
			}

			// Chats created from another device have no cache entry yet;
			// discover them from the backend. Best-effort: the next open
			// of a chat tracks it anyway.
			if chats, err := client.FetchChats(ctx); err != nil {
				logger.Warn("chat discovery failed", zap.Error(err))
			} else {
				for _, chat := range chats {
					engine.Track(chat.ID)
				}
			}

			engine.Start(context.Background())
			pt.StartTracking(context.Background())
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			engine.Stop()
			engine.Wait()
			tc.Stop(ctx)
			pt.StopTracking(ctx)
			if err := c.Close(); err != nil {
				logger.Warn("error flushing cache", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
