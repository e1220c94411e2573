package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"huddle/internal/api"
	"huddle/internal/broadcast"
	"huddle/internal/config"
	"huddle/internal/connection"
	"huddle/internal/presence"
	"huddle/internal/push"
	"huddle/internal/registry"
	"huddle/internal/store"
)

// Application coordinates all delivery components with proper
// initialization order.
type Application struct {
	config       *config.Config
	storeManager *store.Manager
	registry     *registry.Registry
	broadcaster  *broadcast.Broadcaster
	presence     *presence.Tracker
	dispatcher   *push.Dispatcher
	apiServer    *api.Server
	httpServer   *http.Server

	bgCancel context.CancelFunc
}

// NewApplication builds the component graph in strict dependency order:
// Store → Registry → Broadcaster → Presence → Push → API → HTTP.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// STEP 1: Initialize the store manager (foundation layer, applies
	// migrations on open).
	storeManager, err := store.NewManager(&store.Config{
		Path:            cfg.Database.Path,
		MaxConnections:  10,
		ConnMaxLifetime: cfg.Database.Timeout,
		ConnMaxIdleTime: cfg.Database.Timeout / 3,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store manager: %w", err)
	}

	// STEP 2: Initialize the connection registry.
	reg := registry.New(cfg.Delivery.RegistryShards, cfg.Delivery.ChannelCap)

	// STEP 3: Initialize event history and broadcaster.
	history := broadcast.NewHistory(cfg.Delivery.RingSize, cfg.Delivery.RingMaxAge)
	broadcaster := broadcast.New(reg, history, cfg.Delivery.RegistryShards)

	// STEP 4: Initialize the typing tracker. It publishes expiry events
	// through the broadcaster.
	tracker := presence.NewTracker(broadcaster, cfg.Delivery.TypingTTL, cfg.Delivery.TypingSweep)

	// STEP 5: Initialize the push dispatcher. A nil sender disables
	// push without failing startup.
	var sender push.Sender
	if cfg.Push.VAPIDPublicKey != "" && cfg.Push.VAPIDPrivateKey != "" {
		sender = push.NewWebPushSender(cfg.Push.VAPIDPublicKey, cfg.Push.VAPIDPrivateKey, cfg.Push.ContactEmail)
	}
	dispatcher := push.NewDispatcher(reg, storeManager, sender, cfg.Push.QueueSize)

	// STEP 6: Initialize the API server.
	apiServer := api.NewServer(storeManager, broadcaster, reg, tracker, dispatcher, cfg.Push.VAPIDPublicKey)

	// STEP 7: Initialize the WebSocket handler.
	wsHandler := connection.NewHandler(reg, tracker, storeManager, connection.Options{
		QueueCapacity: cfg.Delivery.QueueCapacity,
		WriteTimeout:  cfg.Delivery.WriteTimeout,
		IdleTimeout:   cfg.Delivery.IdleTimeout,
		DrainTimeout:  cfg.Delivery.DrainTimeout,
	})

	// STEP 8: Setup the HTTP server with API and WebSocket endpoints.
	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer)
	mux.Handle("/health", apiServer)
	mux.HandleFunc("/ws", wsHandler.HandleWebSocket)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:       cfg,
		storeManager: storeManager,
		registry:     reg,
		broadcaster:  broadcaster,
		presence:     tracker,
		dispatcher:   dispatcher,
		apiServer:    apiServer,
		httpServer:   httpServer,
	}, nil
}

// Start launches the background workers and the HTTP server.
func (app *Application) Start(ctx context.Context) error {
	log.Printf("Starting huddle delivery server on %s", app.httpServer.Addr)

	// STEP 1: Start background workers (typing sweep, push delivery).
	bgCtx, bgCancel := context.WithCancel(ctx)
	app.bgCancel = bgCancel
	go app.presence.Run(bgCtx)
	go app.dispatcher.Run(bgCtx)

	// STEP 2: Start the HTTP server.
	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		bgCancel()
		return err
	case <-time.After(100 * time.Millisecond):
		log.Printf("huddle delivery server started")
		return nil
	case <-ctx.Done():
		bgCancel()
		return ctx.Err()
	}
}

// Stop shuts components down in reverse dependency order:
// HTTP → live websockets → workers → store.
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("Shutting down huddle delivery server")

	// STEP 1: Stop accepting new connections. Shutdown does not track
	// hijacked websockets; those are drained next.
	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	// STEP 2: Drain live websockets so queued events flush before the
	// transports close.
	app.drainConnections(ctx)

	// STEP 3: Stop background workers.
	if app.bgCancel != nil {
		app.bgCancel()
	}

	// STEP 4: Close the store.
	if err := app.storeManager.Close(); err != nil {
		log.Printf("Store shutdown error: %v", err)
	}

	log.Printf("huddle delivery server shutdown complete")
	return nil
}

// drainConnections gracefully closes every registered connection and
// waits, bounded by the drain timeout, for the registry to empty.
func (app *Application) drainConnections(ctx context.Context) {
	app.registry.DrainAll()

	timeout := time.After(app.config.Delivery.DrainTimeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for app.registry.Stats()["total_connections"] > 0 {
		select {
		case <-timeout:
			log.Printf("Drain timeout reached with %d connections still open",
				app.registry.Stats()["total_connections"])
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Addr returns the server address for external connections.
func (app *Application) Addr() string {
	return app.httpServer.Addr
}
