// Package app wires the coordinator's components into a runnable server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"rendezvous/internal/api"
	"rendezvous/internal/auth"
	"rendezvous/internal/config"
	"rendezvous/internal/consent"
	"rendezvous/internal/database"
	"rendezvous/internal/hub"
	"rendezvous/internal/messaging"
	"rendezvous/internal/notify"
	"rendezvous/internal/pgstore"
	"rendezvous/internal/presence"
	"rendezvous/internal/websocket"
	dbconfig "rendezvous/pkg/database"
	"rendezvous/pkg/interfaces"
)

// Application owns every long-lived component.
type Application struct {
	config   *config.Config
	logger   *zap.Logger
	store    interfaces.Store
	auth     *auth.JWTAuthenticator
	registry *websocket.Registry
	hub      *hub.Hub
	gateway  *notify.GatewaySink
	api      *api.Server

	httpServer *http.Server
	listener   net.Listener
	serveErr   chan error
	mu         sync.Mutex
}

// OpenStore opens and migrates the configured store.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (interfaces.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		s, err := pgstore.Open(ctx, pgstore.Config{
			DSN:            cfg.DSN,
			MaxConnections: int32(cfg.MaxConnections),
			Timeout:        cfg.Timeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to migrate postgres schema: %w", err)
		}
		return s, nil

	case config.DriverSQLite, "":
		if dir := filepath.Dir(cfg.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		dbCfg := dbconfig.DefaultConfig()
		dbCfg.DatabasePath = cfg.Path
		dbCfg.MaxConnections = cfg.MaxConnections
		dbCfg.WriteTimeout = cfg.Timeout

		m, err := database.NewManager(dbCfg, logger)
		if err != nil {
			return nil, err
		}
		if err := m.Migrate(); err != nil {
			_ = m.Close()
			return nil, fmt.Errorf("failed to apply database migrations: %w", err)
		}
		return m, nil

	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// NewApplication builds the component graph in dependency order:
// store, authenticator, registry, presence, consent gate, notifications,
// pipeline, hub, then the HTTP surface.
func NewApplication(cfg *config.Config, logger *zap.Logger) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Database.Timeout)
	defer cancel()

	store, err := OpenStore(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	logger.Info("store ready", zap.String("driver", cfg.Database.Driver))

	authenticator, err := auth.NewJWTAuthenticator(auth.Options{
		Secret: []byte(cfg.Auth.JWTSecret),
		Alg:    cfg.Auth.JWTAlgorithm,
		TTL:    cfg.Auth.TokenTTL,
	}, store, logger.Named("auth"))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	registry := websocket.NewRegistry(logger.Named("registry"))
	broadcaster := presence.NewBroadcaster(registry, logger.Named("presence"))
	gate := consent.NewGate(store, registry, logger.Named("consent"))

	coordinator := notify.NewCoordinator(store, registry, logger.Named("notify"), notify.NewLiveSink(registry))
	var gateway *notify.GatewaySink
	if n := cfg.Notifications.NATS; n.Enabled {
		gateway, err = notify.ConnectGateway(notify.GatewayConfig{
			URL:           n.URL,
			Stream:        n.Stream,
			SubjectPrefix: n.SubjectPrefix,
			Timeout:       n.Timeout,
		}, logger.Named("gateway"))
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to connect notification gateway: %w", err)
		}
		coordinator.AddSink(gateway)
	}

	pipeline := messaging.NewPipeline(store, gate, registry, coordinator, messaging.Config{
		RateLimitPerMinute: cfg.Messaging.RateLimitPerMinute,
		HistoryLimit:       cfg.Messaging.HistoryLimit,
	}, logger.Named("messaging"))

	messageHub := hub.NewHub(hub.Components{
		Registry: registry,
		Store:    store,
		Presence: broadcaster,
		Gate:     gate,
		Pipeline: pipeline,
		Notifier: coordinator,
	}, hub.DefaultConfig(), logger.Named("hub"))

	wsHandler := websocket.NewHandler(authenticator, messageHub, websocket.HandlerConfig{
		PingInterval:    cfg.WebSocket.PingInterval,
		ReadTimeout:     cfg.WebSocket.ReadTimeout,
		WriteTimeout:    cfg.WebSocket.WriteTimeout,
		BufferSize:      cfg.WebSocket.BufferSize,
		MaxMessageBytes: cfg.WebSocket.MaxMessageBytes,
		AllowedOrigins:  cfg.WebSocket.AllowedOrigins,
	}, logger.Named("websocket"))

	apiServer := api.NewServer(api.Dependencies{
		Auth:      authenticator,
		Store:     store,
		Registry:  registry,
		Hub:       messageHub,
		Gate:      gate,
		Pipeline:  pipeline,
		Notifier:  coordinator,
		WebSocket: wsHandler,
	}, logger.Named("api"))

	return &Application{
		config:   cfg,
		logger:   logger,
		store:    store,
		auth:     authenticator,
		registry: registry,
		hub:      messageHub,
		gateway:  gateway,
		api:      apiServer,
		httpServer: &http.Server{
			Addr:         cfg.HTTP.Addr(),
			Handler:      apiServer,
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
		},
	}, nil
}

// Start runs the hub, then begins accepting connections. It returns once
// the listener is bound.
func (a *Application) Start(ctx context.Context) error {
	if err := a.hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}

	ln, err := net.Listen("tcp", a.httpServer.Addr)
	if err != nil {
		_ = a.hub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", a.httpServer.Addr, err)
	}

	a.mu.Lock()
	a.listener = ln
	a.serveErr = make(chan error, 1)
	a.mu.Unlock()

	go func() {
		if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server stopped", zap.Error(err))
			a.serveErr <- err
		}
		close(a.serveErr)
	}()

	a.logger.Info("rendezvous started", zap.String("addr", ln.Addr().String()))
	return nil
}

// Errors reports a serve failure after Start. It is closed when the server
// stops.
func (a *Application) Errors() <-chan error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.serveErr
}

// Stop shuts down in reverse order: HTTP, hub, gateway, store.
func (a *Application) Stop(ctx context.Context) error {
	a.logger.Info("shutting down rendezvous")

	var errs []error
	if err := a.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := a.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
	}
	if a.gateway != nil {
		if err := a.gateway.Close(); err != nil {
			errs = append(errs, fmt.Errorf("gateway shutdown: %w", err))
		}
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store shutdown: %w", err))
	}

	a.logger.Info("rendezvous shutdown complete")
	return errors.Join(errs...)
}

// Addr returns the bound listener address, or the configured one before Start.
func (a *Application) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.httpServer.Addr
}

// Handler returns the HTTP handler serving both REST and websocket routes.
func (a *Application) Handler() http.Handler { return a.api }

// Authenticator returns the token authenticator.
func (a *Application) Authenticator() *auth.JWTAuthenticator { return a.auth }

// Store returns the durable store.
func (a *Application) Store() interfaces.Store { return a.store }
