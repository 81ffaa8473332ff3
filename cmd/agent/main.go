package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rovermatic/fieldsync/internal/config"
	"github.com/rovermatic/fieldsync/internal/connectivity"
	"github.com/rovermatic/fieldsync/internal/database"
	"github.com/rovermatic/fieldsync/internal/handlers"
	"github.com/rovermatic/fieldsync/internal/queue"
	"github.com/rovermatic/fieldsync/internal/recorder"
	"github.com/rovermatic/fieldsync/internal/store"
	"github.com/rovermatic/fieldsync/internal/syncer"
	"github.com/rovermatic/fieldsync/internal/transport"

	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Rotate the agent log; field devices run unattended for months
	if cfg.LogFile != "" {
		log.SetOutput(io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    20, // MB
			MaxBackups: 5,
			MaxAge:     60, // days
			Compress:   true,
		}))
	}

	// 2. Initialize database (SQLite by default, embedded Postgres for site nodes)
	db, err := database.Connect(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	// Note: db.Close() is called manually in shutdown handler below

	// 3. Auto-Migrate Schema
	log.Println("🚀 Synchronizing database schema...")
	if err := db.Migrate(); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	log.Println("✅ Schema synchronized successfully")

	// 4. Wire the sync stack
	entityStore := store.New(db)
	offlineQueue := queue.New(db)
	rec := recorder.New(entityStore, offlineQueue)

	cursors := syncer.NewCursors(db)
	cursor, err := cursors.Ensure(cfg.DeviceID)
	if err != nil {
		log.Fatalf("Failed to initialize sync cursor: %v", err)
	}
	deviceID := cursor.DeviceID
	log.Printf("📟 Device ID: %s (cursor at version %d)", deviceID, cursor.LastSyncVersion)

	syncCfg := config.LoadSyncConfig()

	tokens := transport.NewTokenSource(cfg.Auth)
	httpClient := transport.NewClient(cfg.ServerURL, tokens, syncCfg.Timeout())
	client := syncer.NewClient(httpClient, deviceID)

	resolver := syncer.NewResolver(db, entityStore, offlineQueue, rec, client)
	engine := syncer.NewEngine(db, entityStore, offlineQueue, resolver, client, cursors, syncCfg, deviceID)

	if err := engine.Start(); err != nil {
		log.Fatalf("Failed to start sync engine: %v", err)
	}

	// 5. Realtime channel: connectivity transitions and server sync hints
	var notifier *connectivity.Notifier
	if syncCfg.RealtimeEnabled {
		notifier, err = connectivity.New(cfg.ServerURL, deviceID)
		if err != nil {
			log.Printf("⚠️ Realtime channel disabled: %v", err)
		} else {
			notifier.OnOnline = engine.SetOnline
			notifier.OnSyncHint = func() { engine.Kick("server hint") }
			notifier.Start()
			log.Println("✅ Realtime channel started")
		}
	} else {
		// No probe available; assume online so the first cycle gets a chance
		engine.SetOnline(true)
	}

	// 6. Set up HTTP router
	router := handlers.NewRouter(db)
	handlers.NewSyncHandler(engine, offlineQueue).RegisterRoutes(router.Router)
	handlers.NewEntityHandler(entityStore, rec, engine).RegisterRoutes(router.Router)
	handlers.NewConflictHandler(resolver, engine).RegisterRoutes(router.Router)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Channel to listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	// Start server in goroutine
	go func() {
		log.Printf("🚀 Agent starting on port %s (server: %s)\n", cfg.Port, cfg.ServerURL)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for shutdown signal
	sig := <-shutdown
	log.Printf("\n⚠️  Received signal: %v. Shutting down gracefully...\n", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	if notifier != nil {
		notifier.Stop()
	}
	engine.Stop()

	log.Println("🛑 Closing database connection...")
	if err := db.Close(); err != nil {
		log.Printf("Database close error: %v", err)
	}

	log.Println("✅ Shutdown complete")
}
