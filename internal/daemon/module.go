package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/connection"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/rest"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/state"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/topology"
	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/matheus3301/chatsync/internal/typing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// presenceReloadTimeout bounds the presence reload that follows a connect.
const presenceReloadTimeout = 30 * time.Second

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	Debug       bool

	// Config overrides loading ~/.chatsync/config.toml when set.
	Config *config.Config
	// Dialer overrides the STOMP dialer when set.
	Dialer transport.Dialer
	// Logger overrides the session log file when set.
	Logger *zap.Logger
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideMetrics,
			provideStore,
			provideLock,
			provideDialer,
			provideManager,
			provideState,
			provideOutbox,
			provideREST,
			provideTopology,
			provideReconciler,
			provideEngine,
			providePresence,
			provideTypingSender,
			provideTypingTracker,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, p.Config.Validate()
	}
	cfg, err := config.LoadOrDefault(session.ConfigPath())
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(session.EnvPath()); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func provideLogger(p Params) (*zap.Logger, error) {
	if p.Logger != nil {
		return p.Logger, nil
	}
	return logging.New(session.LogPath(p.SessionName), p.SessionName, p.Debug)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideMetrics() *metrics.Metrics {
	return metrics.New()
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	dbPath := session.DBPath(p.SessionName)
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

func provideLock(p Params, db *store.DB, logger *zap.Logger) (*lock.Lock, error) {
	clientID, err := db.ClientID()
	if err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName), clientID)
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired", zap.String("client_id", clientID))
	return l, nil
}

func provideDialer(p Params, cfg *config.Config, logger *zap.Logger) (transport.Dialer, error) {
	if p.Dialer != nil {
		return p.Dialer, nil
	}
	endpoint, err := cfg.WebSocketEndpoint()
	if err != nil {
		return nil, err
	}
	return transport.NewStompDialer(transport.Options{
		URL:              endpoint,
		Heartbeat:        cfg.Server.Heartbeat.Duration,
		HandshakeTimeout: cfg.Server.RequestTimeout.Duration,
		Logger:           logger,
	}), nil
}

func provideManager(d transport.Dialer, b *bus.Bus, m *metrics.Metrics, cfg *config.Config, logger *zap.Logger) *connection.Manager {
	return connection.NewManager(d, b, logger, connection.Options{
		DialTimeout: cfg.Server.RequestTimeout.Duration,
		Metrics:     m,
	})
}

func provideState(b *bus.Bus, m *metrics.Metrics, cfg *config.Config, logger *zap.Logger) *state.Store {
	return state.New(b, logger, state.Options{
		FlushInterval: cfg.Policy.FlushInterval.Duration,
		MatchWindow:   cfg.Policy.MatchWindow.Duration,
		Metrics:       m,
	})
}

func provideOutbox(db *store.DB, m *metrics.Metrics, cfg *config.Config, logger *zap.Logger) *outbox.Outbox {
	return outbox.New(db, logger, m, cfg.Policy.MaxAttempts)
}

func provideREST(cfg *config.Config, logger *zap.Logger) (*rest.Client, error) {
	c, err := rest.New(rest.Options{
		BaseURL:           cfg.Server.URL,
		Timeout:           cfg.Server.RequestTimeout.Duration,
		RequestsPerSecond: cfg.Server.RequestsPerSecond,
	}, logger)
	if err != nil {
		return nil, err
	}
	c.SetToken(cfg.Token)
	return c, nil
}

func provideTopology(mgr *connection.Manager, logger *zap.Logger) *topology.Topology {
	return topology.New(mgr, topology.Handlers{}, logger)
}

func provideReconciler(db *store.DB, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(db, logger)
}

func provideEngine(
	mgr *connection.Manager,
	rc *rest.Client,
	st *state.Store,
	ob *outbox.Outbox,
	topo *topology.Topology,
	recon *intsync.Reconciler,
	db *store.DB,
	b *bus.Bus,
	m *metrics.Metrics,
	cfg *config.Config,
	logger *zap.Logger,
) *intsync.Engine {
	return intsync.NewEngine(intsync.Deps{
		Conn:     mgr,
		REST:     rc,
		State:    st,
		Outbox:   ob,
		Topology: topo,
		Recon:    recon,
		Cache:    db,
		Bus:      b,
	}, logger, intsync.Options{
		SendTimeout:     cfg.Policy.SendTimeout.Duration,
		MatchWindow:     cfg.Policy.MatchWindow.Duration,
		HistoryPageSize: cfg.Policy.HistoryPageSize,
		Metrics:         m,
	})
}

func providePresence(rc *rest.Client, mgr *connection.Manager, b *bus.Bus, m *metrics.Metrics, cfg *config.Config, logger *zap.Logger) *presence.Cache {
	return presence.New(rc, mgr, b, logger, presence.Options{
		RequestTimeout: cfg.Server.RequestTimeout.Duration,
		Metrics:        m,
	})
}

func provideTypingSender(mgr *connection.Manager, logger *zap.Logger) *typing.Sender {
	return typing.NewSender(mgr, logger, typing.DefaultIdle)
}

func provideTypingTracker(b *bus.Bus) *typing.Tracker {
	return typing.NewTracker(b, typing.DefaultExpiry)
}

type serviceDeps struct {
	fx.In

	Params   Params
	Config   *config.Config
	Engine   *intsync.Engine
	Conn     *connection.Manager
	State    *state.Store
	Outbox   *outbox.Outbox
	Topology *topology.Topology
	Presence *presence.Cache
	Typing   *typing.Sender
	Tracker  *typing.Tracker
	REST     *rest.Client
	Bus      *bus.Bus
	Logger   *zap.Logger
}

func provideService(d serviceDeps) *api.Service {
	return api.NewService(api.Deps{
		SessionName: d.Params.SessionName,
		Token:       d.Config.Token,
		UserID:      model.ID(d.Config.User.ID),
		Username:    d.Config.User.Username,
		Engine:      d.Engine,
		Conn:        d.Conn,
		State:       d.State,
		Outbox:      d.Outbox,
		Topology:    d.Topology,
		Presence:    d.Presence,
		Typing:      d.Typing,
		Tracker:     d.Tracker,
		Auth:        d.REST,
		Bus:         d.Bus,
	}, d.Logger.Named("api"))
}

type lifecycleDeps struct {
	fx.In

	// Lock comes first: nothing else is built for a session another
	// daemon owns.
	Lock     *lock.Lock
	LC       fx.Lifecycle
	Config   *config.Config
	Server   *Server
	DB       *store.DB
	Service  *api.Service
	Engine   *intsync.Engine
	Conn     *connection.Manager
	State    *state.Store
	Outbox   *outbox.Outbox
	Topology *topology.Topology
	Presence *presence.Cache
	Typing   *typing.Sender
	Tracker  *typing.Tracker
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

func registerLifecycle(d lifecycleDeps) {
	logger := d.Logger
	var metricsSrv *http.Server

	d.LC.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := d.Outbox.Load(); err != nil {
				return err
			}
			token, userID, username := d.Service.Identity()
			d.Engine.SetSelf(userID, username)
			d.Tracker.SetSelf(userID, username)
			d.Engine.Restore()

			h := d.Engine.Handlers()
			h.Typing = d.Tracker.Handle
			h.Presence = d.Presence.HandlePresence
			d.Topology.SetHandlers(h)

			// Subscriptions first so the sync request goes out on a
			// connection that can already receive its answer.
			d.Conn.OnConnected(func(context.Context) {
				if err := d.Topology.Rebuild(); err != nil {
					logger.Warn("subscription rebuild incomplete", zap.Error(err))
				}
			})
			d.Conn.OnConnected(d.Engine.OnConnected)
			d.Conn.OnConnected(func(context.Context) {
				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), presenceReloadTimeout)
					defer cancel()
					d.Presence.OnConnected(ctx)
				}()
			})
			d.Presence.Start()

			go func() {
				if err := d.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if addr := d.Config.Daemon.MetricsAddr; addr != "" {
				lis, err := net.Listen("tcp", addr)
				if err != nil {
					return err
				}
				mux := http.NewServeMux()
				mux.Handle("/metrics", d.Metrics.Handler())
				metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := metricsSrv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("metrics server error", zap.Error(err))
					}
				}()
				logger.Info("metrics listening", zap.String("addr", lis.Addr().String()))
			}

			if token == "" {
				logger.Info("no token configured, waiting for connect")
				return nil
			}
			go func() {
				if _, err := d.Service.Connect(context.Background(), nil); err != nil {
					logger.Error("auto-connect failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			d.Server.Stop(ctx)
			if metricsSrv != nil {
				_ = metricsSrv.Shutdown(ctx)
			}
			d.Presence.Stop()
			d.Typing.Reset()
			d.Tracker.Reset()
			d.Engine.Stop()
			d.Conn.Close()
			d.State.Close()
			if err := d.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
