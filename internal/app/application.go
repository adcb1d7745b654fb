package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"lockstep/internal/api"
	"lockstep/internal/auth"
	"lockstep/internal/config"
	"lockstep/internal/database"
	"lockstep/internal/hub"
	"lockstep/internal/progress"
	"lockstep/internal/session"
	"lockstep/internal/websocket"
	pkgdatabase "lockstep/pkg/database"
)

// Application wires every component together. Initialization follows
// dependency order: Database -> Session -> Progress -> Registry -> Hub ->
// API -> WebSocket -> HTTP.
type Application struct {
	config         *config.Config
	dbManager      *database.Manager
	sessionManager *session.Manager
	tracker        *progress.Tracker
	registry       *websocket.Registry
	messageHub     *hub.Hub
	apiServer      *api.Server
	httpServer     *http.Server
}

// NewApplication builds the component graph from configuration.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	dbConfig := &pkgdatabase.Config{
		DatabasePath:    cfg.Database.Path,
		MaxConnections:  10,
		ConnMaxLifetime: cfg.Database.Timeout,
		ConnMaxIdleTime: cfg.Database.Timeout / 3,
	}

	dbManager, err := database.NewManager(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	sessionManager := session.NewManager(dbManager)
	tracker := progress.NewTracker(dbManager, cfg.Session.DedupWindow)
	registry := websocket.NewRegistry()
	messageHub := hub.NewHub(registry, sessionManager, tracker)

	validator := auth.NewValidator(cfg.Auth.JWTSecret)
	apiServer := api.NewServer(sessionManager, tracker, messageHub, registry, validator)

	wsHandler := websocket.NewHandler(registry, sessionManager, messageHub, validator, websocket.Options{
		PingInterval: cfg.WebSocket.PingInterval,
		ReadTimeout:  cfg.WebSocket.ReadTimeout,
		WriteTimeout: cfg.WebSocket.WriteTimeout,
		BufferSize:   cfg.WebSocket.BufferSize,
	})

	router := chi.NewRouter()
	router.Handle("/api/*", apiServer)
	router.Handle("/health", apiServer)
	router.HandleFunc("/ws/sessions/{code}", wsHandler.HandleWebSocket)
	router.HandleFunc("/ws/sessions/{code}/", wsHandler.HandleWebSocket)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:         cfg,
		dbManager:      dbManager,
		sessionManager: sessionManager,
		tracker:        tracker,
		registry:       registry,
		messageHub:     messageHub,
		apiServer:      apiServer,
		httpServer:     httpServer,
	}, nil
}

// Start launches the hub and the HTTP server. Returns once the server is
// accepting connections or startup failed.
func (app *Application) Start(ctx context.Context) error {
	log.Printf("Starting lockstep server on %s", app.httpServer.Addr)

	if err := app.messageHub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}

	g, _ := errgroup.WithContext(ctx)
	serverErrCh := make(chan error, 1)
	g.Go(func() error {
		err := app.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
			return err
		}
		return nil
	})
	go func() { _ = g.Wait() }()

	select {
	case err := <-serverErrCh:
		_ = app.messageHub.Stop()
		return err
	case <-time.After(100 * time.Millisecond):
		log.Println("Lockstep server started")
		return nil
	case <-ctx.Done():
		_ = app.messageHub.Stop()
		return ctx.Err()
	}
}

// Stop shuts the application down in reverse dependency order:
// HTTP -> Hub -> Database.
func (app *Application) Stop(ctx context.Context) error {
	log.Println("Shutting down lockstep server")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	if err := app.messageHub.Stop(); err != nil {
		log.Printf("Hub shutdown error: %v", err)
	}
	if err := app.dbManager.Close(); err != nil {
		log.Printf("Database shutdown error: %v", err)
	}

	log.Println("Shutdown complete")
	return nil
}

// GetAddr returns the HTTP listen address.
func (app *Application) GetAddr() string {
	return app.httpServer.Addr
}
