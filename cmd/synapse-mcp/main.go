// cmd/synapse-mcp is the entry point for the Synapse MCP (Model Context
// Protocol) server. It wires the SQLite storage backend through the Brain so
// that every captured turn flows through extraction, relevance scoring and
// the aggregation pipeline.
//
// Startup sequence:
//  1. Load configuration from environment variables.
//  2. Open the SQLite database and apply pending migrations.
//  3. Optionally attach the PostgreSQL event/pattern mirror.
//  4. Create the Brain and start the filesystem event watcher.
//  5. Start the elapsed-trigger ticker as a background goroutine.
//  6. Serve JSON-RPC 2.0 requests from stdin, writing responses to stdout.
//
// CRITICAL: ALL logging MUST go to stderr. Any bytes written to stdout that
// are not valid JSON-RPC 2.0 response frames will corrupt the protocol.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/synapse/internal/api/mcp"
	"github.com/scrypster/synapse/internal/brain"
	"github.com/scrypster/synapse/internal/config"
	"github.com/scrypster/synapse/internal/notify"
	"github.com/scrypster/synapse/internal/storage"
	"github.com/scrypster/synapse/internal/storage/postgres"
	"github.com/scrypster/synapse/internal/storage/sqlite"
	"github.com/scrypster/synapse/pkg/types"
)

// aggregateCheckInterval is how often the elapsed trigger is evaluated.
// The trigger itself decides whether enough time and events have accrued.
const aggregateCheckInterval = 10 * time.Minute

func main() {
	// Redirect the default logger to stderr so that any incidental log calls
	// (e.g. from imported packages) never pollute the stdout JSON-RPC stream.
	log.SetOutput(os.Stderr)
	log.SetPrefix("synapse-mcp: ")
	log.SetFlags(log.LstdFlags)

	// Load configuration from environment variables.
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Ensure the data directory exists.
	if err := os.MkdirAll(cfg.Storage.DataPath, 0o700); err != nil {
		log.Fatalf("failed to create data directory %q: %v", cfg.Storage.DataPath, err)
	}

	// Open the SQLite database.
	dbPath := fmt.Sprintf("%s/synapse.db", cfg.Storage.DataPath)
	sqliteStore, err := sqlite.Open(dbPath, sqlite.WithConversationCap(cfg.Brain.ConversationCap))
	if err != nil {
		log.Fatalf("failed to open database at %q: %v", dbPath, err)
	}

	// Attach the PostgreSQL mirror when a DSN is configured. The SQLite
	// store stays authoritative; mirror failures are logged and absorbed.
	var store brain.Store = sqliteStore
	closeStore := sqliteStore.Close
	if dsn := cfg.Storage.PostgresDSN; dsn != "" {
		pgStore, err := postgres.Open(dsn)
		if err != nil {
			log.Printf("warning: postgres mirror unavailable: %v", err)
		} else {
			mirrored := storage.NewMirrored(sqliteStore, pgStore)
			store = mirrored
			closeStore = mirrored.Close
			log.Println("postgres event/pattern mirror attached")
		}
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Printf("store close error: %v", err)
		}
	}()

	// Set up a root context that is cancelled on SIGINT / SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("received shutdown signal")
		cancel()
	}()

	b := brain.New(store, cfg)

	// Watch the drop directory for observation files written by external
	// tools (test runners, editors) and feed them into the event log.
	watcher := notify.NewEventWatcher(cfg.Storage.DataPath, func(ctx context.Context, eventType types.EventType, payload map[string]any) {
		if _, err := b.LogEvent(ctx, eventType, payload); err != nil {
			log.Printf("event ingest failed: %v", err)
		}
	})
	if err := watcher.Start(ctx); err != nil {
		log.Printf("warning: event watcher unavailable: %v", err)
	} else {
		defer watcher.Stop()
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

	// SYNAPSE_SESSION_ID pins the claim-enforcement session for all tool
	// calls that omit session_id. Each editor session should set its own.
	sessionID := os.Getenv("SYNAPSE_SESSION_ID")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	srv := mcp.NewServer(b, mcp.WithSessionID(sessionID))

	// Wrap the server in a StdioTransport that reads line-delimited JSON-RPC
	// from stdin and writes responses to stdout. All logging inside the
	// transport is directed to stderr.
	transport := mcp.NewStdioTransport(srv, os.Stdin, os.Stdout)

	log.Println("ready — serving JSON-RPC 2.0 on stdin/stdout")

	if err := transport.Serve(ctx); err != nil {
		// A non-nil error here is normal (context cancellation) or indicates
		// a fatal stdin/stdout problem. Either way it is informational only.
		log.Printf("transport stopped: %v", err)
	}
}
