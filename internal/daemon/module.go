// Package daemon composes the bridge: storage, supervisor, relay, hub
// and the control API, wired together with fx lifecycle hooks.
package daemon

import (
	"context"

	"github.com/hivelink/hivelink/internal/bus"
	"github.com/hivelink/hivelink/internal/config"
	"github.com/hivelink/hivelink/internal/engine"
	"github.com/hivelink/hivelink/internal/httpapi"
	"github.com/hivelink/hivelink/internal/hub"
	"github.com/hivelink/hivelink/internal/lock"
	"github.com/hivelink/hivelink/internal/logging"
	"github.com/hivelink/hivelink/internal/registry"
	"github.com/hivelink/hivelink/internal/relay"
	"github.com/hivelink/hivelink/internal/store"
	"github.com/hivelink/hivelink/internal/supervisor"
	"github.com/hivelink/hivelink/internal/workspace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved configuration passed to the fx module.
type Params struct {
	Config *config.Config
}

// Module returns the fx module for the bridge daemon.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideRegistry,
			provideLock,
			provideStore,
			provideEngineFactory,
			provideSupervisor,
			provideRelay,
			provideHub,
			provideBridge,
			provideAPI,
			provideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(workspace.LogPath(p.Config.Bridge.DataDir))
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideRegistry() *registry.Registry {
	return registry.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data dir lock", zap.String("data_dir", p.Config.Bridge.DataDir))
	l, err := lock.Acquire(p.Config.Bridge.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := workspace.BridgeDBPath(p.Config.Bridge.DataDir)
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

func provideEngineFactory(p Params, logger *zap.Logger) engine.Factory {
	return engine.NewFactory(p.Config.Bridge.DataDir, logger)
}

func provideSupervisor(p Params, reg *registry.Registry, db *store.DB, b *bus.Bus, factory engine.Factory, logger *zap.Logger) *supervisor.Supervisor {
	return supervisor.New(reg, db, b, factory, supervisor.Options{
		DataDir:              p.Config.Bridge.DataDir,
		MaxReconnectAttempts: p.Config.Bridge.MaxReconnectAttempts,
		ReconnectDelay:       p.Config.ReconnectDelayDuration(),
	}, logger)
}

func provideRelay(db *store.DB, b *bus.Bus, sup *supervisor.Supervisor, logger *zap.Logger) *relay.Relay {
	return relay.New(db, b, sup, logger)
}

func provideHub(logger *zap.Logger) *hub.Hub {
	return hub.New(logger)
}

func provideBridge(b *bus.Bus, h *hub.Hub) *hub.Bridge {
	return hub.NewBridge(b, h)
}

func provideAPI(sup *supervisor.Supervisor, r *relay.Relay, db *store.DB, h *hub.Hub, logger *zap.Logger) *httpapi.Server {
	return httpapi.NewServer(sup, r, db, h, logger)
}

func provideServer(p Params, api *httpapi.Server, logger *zap.Logger) (*Server, error) {
	return NewServer(p.Config.Server.Listen, api.Handler(), logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, sup *supervisor.Supervisor, r *relay.Relay, br *hub.Bridge, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Relay and bridge subscribe to the bus before any session
			// can produce events.
			r.Start(context.Background())
			br.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("control API server error", zap.Error(err))
				}
			}()

			// Bring back every session that was connected before the
			// last shutdown.
			go sup.RestoreAll(context.Background())

			return nil
		},
		OnStop: func(ctx context.Context) error {
			sup.Shutdown()
			br.Stop()
			r.Stop()
			srv.Stop(ctx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
