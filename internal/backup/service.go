package backup

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Config holds backup service settings.
type Config struct {
	// DBPath is the SQLite database file to back up.
	DBPath string

	// Dir is where backup files are written.
	Dir string

	// Interval between scheduled backups (default: 24h).
	Interval time.Duration

	// Verify runs an integrity check on every backup (default behavior when
	// constructed from config).
	Verify bool

	// Retention is how many backup files to keep (default: 7).
	Retention int
}

// Info describes a stored backup file.
type Info struct {
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
	Size      int64     `json:"size"`
}

// Result describes one completed backup operation.
type Result struct {
	Path     string        `json:"path"`
	Size     int64         `json:"size"`
	Duration time.Duration `json:"duration"`
	Verified bool          `json:"verified"`
}

// Service performs scheduled database backups.
type Service struct {
	cfg Config

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	lastRun time.Time
}

// NewService validates the configuration and prepares the backup directory.
func NewService(cfg Config) (*Service, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("backup: database path is required")
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("backup: backup directory is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("backup: failed to create backup directory: %w", err)
	}
	return &Service{cfg: cfg, stopCh: make(chan struct{})}, nil
}

// Start runs scheduled backups until the context is cancelled or Stop is
// called. Blocks; run it in its own goroutine.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("backup: service already running")
	}
	s.running = true
	s.mu.Unlock()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	log.Printf("backup: service started interval=%v dir=%s retention=%d",
		s.cfg.Interval, s.cfg.Dir, s.cfg.Retention)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return nil
		case <-ticker.C:
			if result, err := s.BackupNow(); err != nil {
				log.Printf("backup: scheduled backup failed: %v", err)
			} else {
				log.Printf("backup: wrote %s size=%d duration=%v verified=%v",
					result.Path, result.Size, result.Duration, result.Verified)
			}
		}
	}
}

// Stop halts the schedule.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		close(s.stopCh)
		s.running = false
	}
}

// BackupNow performs an immediate backup, verifies it when configured, and
// applies retention.
func (s *Service) BackupNow() (*Result, error) {
	start := time.Now()

	if _, err := os.Stat(s.cfg.DBPath); err != nil {
		return nil, fmt.Errorf("backup: database not found: %w", err)
	}

	// Microseconds in the name keep rapid successive backups distinct.
	name := fmt.Sprintf("synapse-backup-%s.db", start.Format("20060102-150405.000000"))
	path := filepath.Join(s.cfg.Dir, name)

	if err := backupSQLite(s.cfg.DBPath, path); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("backup: failed to stat backup: %w", err)
	}

	result := &Result{Path: path, Size: info.Size(), Duration: time.Since(start)}
	if s.cfg.Verify {
		if err := verifyBackup(path); err != nil {
			return nil, err
		}
		result.Verified = true
	}

	s.mu.Lock()
	s.lastRun = time.Now()
	s.mu.Unlock()

	if err := s.applyRetention(); err != nil {
		// Retention failure never fails the backup that just succeeded.
		log.Printf("backup: retention failed: %v", err)
	}
	return result, nil
}

// Restore replaces the live database with a verified backup, keeping a
// pre-restore copy to roll back to if the restore itself fails. The service
// must be stopped first.
func (s *Service) Restore(backupPath string) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		return fmt.Errorf("backup: cannot restore while service is running")
	}

	if _, err := os.Stat(backupPath); err != nil {
		return fmt.Errorf("backup: backup not found: %w", err)
	}

	preRestore := s.cfg.DBPath + ".pre-restore"
	if _, err := os.Stat(s.cfg.DBPath); err == nil {
		if err := backupSQLite(s.cfg.DBPath, preRestore); err != nil {
			return fmt.Errorf("backup: failed to create pre-restore copy: %w", err)
		}
		defer os.Remove(preRestore)
	}

	if err := restoreSQLite(backupPath, s.cfg.DBPath); err != nil {
		if _, statErr := os.Stat(preRestore); statErr == nil {
			if rbErr := restoreSQLite(preRestore, s.cfg.DBPath); rbErr != nil {
				return fmt.Errorf("backup: restore failed and rollback failed: %v (restore: %w)", rbErr, err)
			}
			return fmt.Errorf("backup: restore failed, previous database reinstated: %w", err)
		}
		return err
	}

	log.Printf("backup: database restored from %s", backupPath)
	return nil
}

// List returns stored backups, newest first.
func (s *Service) List() ([]Info, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("backup: failed to read backup directory: %w", err)
	}

	var backups []Info
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".db") {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, Info{
			Path:      filepath.Join(s.cfg.Dir, entry.Name()),
			Timestamp: fi.ModTime(),
			Size:      fi.Size(),
		})
	}
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// applyRetention deletes all but the newest Retention backups.
func (s *Service) applyRetention() error {
	backups, err := s.List()
	if err != nil {
		return err
	}
	if len(backups) <= s.cfg.Retention {
		return nil
	}

	var lastErr error
	for _, old := range backups[s.cfg.Retention:] {
		if err := os.Remove(old.Path); err != nil {
			lastErr = err
		}
	}
	if lastErr != nil {
		return fmt.Errorf("backup: failed to delete some backups: %w", lastErr)
	}
	return nil
}

// LastRun returns when the most recent backup completed (zero before any).
func (s *Service) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}
