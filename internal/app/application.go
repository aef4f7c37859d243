package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"

	"lanrelay/internal/api"
	"lanrelay/internal/auth"
	"lanrelay/internal/config"
	"lanrelay/internal/database"
	"lanrelay/internal/hub"
	"lanrelay/internal/server"
	"lanrelay/internal/transport"
	pkgdatabase "lanrelay/pkg/database"
)

// Application owns every server-side component and their lifecycle.
// Initialization order: Database → Hub → Rooms → Connections → Relay → API → HTTP.
// Shutdown runs in reverse.
type Application struct {
	config      *config.Config
	dbManager   *database.Manager
	eventHub    *hub.Hub
	rooms       *auth.Registry
	connections *transport.Registry
	relay       *server.Server
	apiServer   *api.Server
	httpServer  *http.Server

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	tcpAddr  net.Addr
	httpAddr net.Addr
	serving  sync.WaitGroup
}

// NewApplication builds the component graph without opening any listener.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	dbConfig := pkgdatabase.DefaultConfig()
	dbConfig.DatabasePath = cfg.Database.Path
	dbConfig.ConnMaxLifetime = cfg.Database.Timeout
	dbConfig.ConnMaxIdleTime = cfg.Database.Timeout / 3

	dbManager, err := database.NewManager(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	migrations := pkgdatabase.NewMigrationManager(dbManager.GetDB())
	if err := migrations.ApplyMigrations(); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	if err := migrations.ValidateSchema(); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("database schema invalid: %w", err)
	}
	log.Printf("[APP] Journal ready at %s", cfg.Database.Path)

	eventHub := hub.NewHub(dbManager, cfg.Limits.EventBuffer)
	rooms := auth.NewRegistry()
	connections := transport.NewRegistry()

	relay := server.New(server.Options{
		Addr: cfg.TCP.Addr(),
		Line: transport.LineOptions{
			ReadTimeout:  cfg.TCP.ReadTimeout,
			WriteTimeout: cfg.TCP.WriteTimeout,
			MaxFrameSize: cfg.TCP.MaxFrameSize,
		},
		Queue: transport.Options{
			QueueSize:      cfg.Limits.QueueSize,
			EnqueueTimeout: cfg.Limits.EnqueueTimeout,
		},
		ChatRateLimit:  cfg.Limits.ChatRateLimit,
		ChatRateWindow: cfg.Limits.ChatRateWindow,
	}, rooms, connections, eventHub)

	ctx, cancel := context.WithCancel(context.Background())

	wsHandler := transport.NewHandler(ctx, relay, transport.WSOptions{
		PingInterval: cfg.WebSocket.PingInterval,
		ReadTimeout:  cfg.WebSocket.ReadTimeout,
		WriteTimeout: cfg.WebSocket.WriteTimeout,
		MaxFrameSize: cfg.TCP.MaxFrameSize,
	})

	apiServer := api.NewServer(api.Dependencies{
		Rooms:       rooms,
		Connections: connections,
		Events:      dbManager,
		Journal:     eventHub,
		WebSocket:   http.HandlerFunc(wsHandler.ServeWS),
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:      cfg,
		dbManager:   dbManager,
		eventHub:    eventHub,
		rooms:       rooms,
		connections: connections,
		relay:       relay,
		apiServer:   apiServer,
		httpServer:  httpServer,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start binds both listeners and begins serving. It returns once the
// listeners are open; a bind failure stops everything already started.
func (app *Application) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// the hub gets its own context so Stop can drain the teardown events
	// journaled while the relay closes
	if err := app.eventHub.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start event hub: %w", err)
	}

	tcpLn, err := net.Listen("tcp", app.config.TCP.Addr())
	if err != nil {
		_ = app.eventHub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.config.TCP.Addr(), err)
	}

	httpLn, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		_ = tcpLn.Close()
		_ = app.eventHub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}

	app.mu.Lock()
	app.tcpAddr = tcpLn.Addr()
	app.httpAddr = httpLn.Addr()
	app.mu.Unlock()

	app.serving.Add(2)
	go func() {
		defer app.serving.Done()
		if err := app.relay.Serve(app.ctx, tcpLn); err != nil && !errors.Is(err, server.ErrServerClosed) {
			log.Printf("[APP] Relay server error: %v", err)
		}
	}()
	go func() {
		defer app.serving.Done()
		if err := app.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[APP] HTTP server error: %v", err)
		}
	}()

	log.Printf("[APP] lanrelay started: chat=%s http=%s", app.tcpAddr, app.httpAddr)
	return nil
}

// Stop shuts down HTTP, the relay, the hub and the database in that order.
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("[APP] Shutting down")

	var errs []error

	// hijacked WebSocket connections are not tracked by http.Server; the relay
	// closes them below through the connection table
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	if err := app.relay.Close(); err != nil {
		errs = append(errs, fmt.Errorf("relay shutdown: %w", err))
	}
	app.cancel()
	app.serving.Wait()

	if err := app.eventHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
	}

	if err := app.dbManager.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database shutdown: %w", err))
	}

	log.Printf("[APP] Shutdown complete")
	return errors.Join(errs...)
}

// TCPAddr returns the bound chat listener address, or nil before Start.
func (app *Application) TCPAddr() net.Addr {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.tcpAddr
}

// HTTPAddr returns the bound HTTP listener address, or nil before Start.
func (app *Application) HTTPAddr() net.Addr {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.httpAddr
}

// Journal exposes the event store, mainly for tests and tooling.
func (app *Application) Journal() *database.Manager {
	return app.dbManager
}
