// Command synapse-web serves the dashboard API: pattern browsing, anomaly
// review, snapshot inspection and manual aggregation, plus the live activity
// feed over WebSocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/scrypster/synapse/internal/backup"
	"github.com/scrypster/synapse/internal/brain"
	"github.com/scrypster/synapse/internal/config"
	"github.com/scrypster/synapse/internal/engine"
	"github.com/scrypster/synapse/internal/notify"
	"github.com/scrypster/synapse/internal/server"
	"github.com/scrypster/synapse/internal/storage"
	"github.com/scrypster/synapse/internal/storage/postgres"
	"github.com/scrypster/synapse/internal/storage/sqlite"
	"github.com/scrypster/synapse/pkg/types"
	"github.com/scrypster/synapse/web/handlers"
)

const aggregateCheckInterval = 10 * time.Minute

func main() {
	port := flag.Int("port", 0, "Listen port (overrides SYNAPSE_PORT)")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	if err := os.MkdirAll(cfg.Storage.DataPath, 0o700); err != nil {
		log.Fatalf("Failed to create data directory %q: %v", cfg.Storage.DataPath, err)
	}

	dbPath := fmt.Sprintf("%s/synapse.db", cfg.Storage.DataPath)
	sqliteStore, err := sqlite.Open(dbPath, sqlite.WithConversationCap(cfg.Brain.ConversationCap))
	if err != nil {
		log.Fatalf("Failed to open database at %q: %v", dbPath, err)
	}

	var store brain.Store = sqliteStore
	closeStore := sqliteStore.Close
	if dsn := cfg.Storage.PostgresDSN; dsn != "" {
		pgStore, err := postgres.Open(dsn)
		if err != nil {
			log.Printf("Warning: postgres mirror unavailable: %v", err)
		} else {
			mirrored := storage.NewMirrored(sqliteStore, pgStore)
			store = mirrored
			closeStore = mirrored.Close
			log.Println("Postgres event/pattern mirror attached")
		}
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Printf("Store close error: %v", err)
		}
	}()

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The hub is created inside server.Start, after the Brain exists. The
	// activity callback loads it through an atomic pointer so aggregation
	// runs started before the server is up simply skip the broadcast.
	var hubPtr atomic.Pointer[handlers.WebSocketHub]
	activity := func(runID string, state engine.RunState, detail string) {
		if h := hubPtr.Load(); h != nil {
			h.BroadcastActivity("run_state", runID, string(state), detail)
		}
	}

	b := brain.New(store, cfg, brain.WithActivityFunc(activity))

	watcher := notify.NewEventWatcher(cfg.Storage.DataPath, func(ctx context.Context, eventType types.EventType, payload map[string]any) {
		if _, err := b.LogEvent(ctx, eventType, payload); err != nil {
			log.Printf("Event ingest failed: %v", err)
		}
	})
	if err := watcher.Start(ctx); err != nil {
		log.Printf("Warning: event watcher unavailable: %v", err)
	} else {
		defer watcher.Stop()
	}

	// Periodic backups, when enabled.
	if cfg.Backup.Enabled {
		backupSvc, err := backup.NewService(backup.Config{
			DBPath:    dbPath,
			Dir:       cfg.Backup.Path,
			Interval:  cfg.Backup.Interval,
			Verify:    cfg.Backup.Verify,
			Retention: cfg.Backup.Retention,
		})
		if err != nil {
			log.Fatalf("Failed to create backup service: %v", err)
		}
		go func() {
			if err := backupSvc.Start(ctx); err != nil && err != context.Canceled {
				log.Printf("Backup service error: %v", err)
			}
		}()
	}

	// Evaluate the elapsed aggregation trigger periodically.
	go func() {
		ticker := time.NewTicker(aggregateCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.MaybeAggregate()
			}
		}
	}()

	addr, hub, err := server.Start(ctx, cfg, b)
	if err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	hubPtr.Store(hub)
	log.Printf("Synapse dashboard running at http://%s", addr)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down gracefully...")
	cancel()
	time.Sleep(1 * time.Second) // Give time for connections to close
}
