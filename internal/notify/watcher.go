// Package notify ingests interaction events dropped as files into
// {dataPath}/events/. External tools (editor hooks, CI, test runners) write
// one JSON file per observation; the watcher feeds them to the event log and
// removes them. This keeps producers decoupled from the MCP transport.
package notify

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/scrypster/synapse/pkg/types"
)

// eventFile is the on-disk shape of a dropped event.
type eventFile struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// IngestFunc receives each decoded event. Duplicate submissions must be
// tolerated; the event log deduplicates by checksum.
type IngestFunc func(ctx context.Context, eventType types.EventType, payload map[string]any)

// EventWatcher watches the events directory and ingests dropped event files.
type EventWatcher struct {
	dir     string
	ingest  IngestFunc
	limiter *rate.Limiter
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewEventWatcher creates a watcher for {dataPath}/events/. Ingestion is
// rate-limited so a runaway producer cannot flood the event log.
func NewEventWatcher(dataPath string, ingest IngestFunc) *EventWatcher {
	return &EventWatcher{
		dir:     filepath.Join(dataPath, "events"),
		ingest:  ingest,
		limiter: rate.NewLimiter(rate.Limit(50), 100),
		done:    make(chan struct{}),
	}
}

// Start drains any existing event files, then watches for new ones. The
// watcher stops when ctx is cancelled or Stop is called.
func (ew *EventWatcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(ew.dir, 0o700); err != nil {
		return err
	}

	ew.drainExisting(ctx)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(ew.dir); err != nil {
		_ = w.Close()
		return err
	}
	ew.watcher = w

	go ew.loop(ctx)
	log.Printf("notify: watching %s for interaction events", ew.dir)
	return nil
}

// Stop shuts down the watcher.
func (ew *EventWatcher) Stop() {
	if ew.watcher != nil {
		_ = ew.watcher.Close()
	}
	<-ew.done
}

func (ew *EventWatcher) loop(ctx context.Context) {
	defer close(ew.done)
	for {
		select {
		case <-ctx.Done():
			_ = ew.watcher.Close()
			return
		case evt, ok := <-ew.watcher.Events:
			if !ok {
				return
			}
			if evt.Op&fsnotify.Create != 0 && strings.HasSuffix(evt.Name, ".event") {
				ew.processFile(ctx, evt.Name)
			}
		case err, ok := <-ew.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("notify: watcher error: %v", err)
		}
	}
}

func (ew *EventWatcher) drainExisting(ctx context.Context) {
	entries, err := os.ReadDir(ew.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".event") {
			ew.processFile(ctx, filepath.Join(ew.dir, entry.Name()))
		}
	}
}

func (ew *EventWatcher) processFile(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // file already consumed by another process
	}
	_ = os.Remove(path)

	var ef eventFile
	if err := json.Unmarshal(data, &ef); err != nil {
		log.Printf("notify: invalid event file %s: %v", filepath.Base(path), err)
		return
	}
	if ef.Type == "" || ew.ingest == nil {
		return
	}

	if err := ew.limiter.Wait(ctx); err != nil {
		return
	}
	ew.ingest(ctx, types.EventType(ef.Type), ef.Payload)
}
