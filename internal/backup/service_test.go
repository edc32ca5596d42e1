package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/scrypster/synapse/internal/storage/sqlite"
)

// createTestDB writes a real database with one setting and returns its path.
func createTestDB(t *testing.T, dir, value string) string {
	t.Helper()
	path := filepath.Join(dir, "synapse.db")
	store, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	if err := store.SetSetting(context.Background(), "marker", value); err != nil {
		t.Fatalf("failed to seed database: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close database: %v", err)
	}
	return path
}

func readMarker(t *testing.T, path string) string {
	t.Helper()
	store, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer store.Close()
	value, err := store.GetSetting(context.Background(), "marker")
	if err != nil {
		t.Fatalf("failed to read marker: %v", err)
	}
	return value
}

// TestNewServiceValidation verifies required configuration fields
func TestNewServiceValidation(t *testing.T) {
	if _, err := NewService(Config{Dir: t.TempDir()}); err == nil {
		t.Error("expected error for missing database path")
	}
	if _, err := NewService(Config{DBPath: "/tmp/db"}); err == nil {
		t.Error("expected error for missing backup directory")
	}
}

// TestBackupNowCreatesVerifiedCopy verifies a usable copy is produced
func TestBackupNowCreatesVerifiedCopy(t *testing.T) {
	dir := t.TempDir()
	dbPath := createTestDB(t, dir, "original")

	service, err := NewService(Config{
		DBPath:    dbPath,
		Dir:       filepath.Join(dir, "backups"),
		Verify:    true,
		Retention: 7,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	result, err := service.BackupNow()
	if err != nil {
		t.Fatalf("backup failed: %v", err)
	}
	if !result.Verified {
		t.Error("backup should be verified")
	}
	if result.Size <= 0 {
		t.Errorf("expected a non-empty backup, size=%d", result.Size)
	}

	if got := readMarker(t, result.Path); got != "original" {
		t.Errorf("backup content mismatch: %q", got)
	}
	if service.LastRun().IsZero() {
		t.Error("last run timestamp should be set")
	}
}

// TestBackupNowMissingDatabase verifies the error path
func TestBackupNowMissingDatabase(t *testing.T) {
	dir := t.TempDir()
	service, err := NewService(Config{
		DBPath: filepath.Join(dir, "nonexistent.db"),
		Dir:    filepath.Join(dir, "backups"),
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	if _, err := service.BackupNow(); err == nil {
		t.Error("expected error for missing database")
	}
}

// TestRetentionKeepsNewest verifies old backups are pruned
func TestRetentionKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	dbPath := createTestDB(t, dir, "original")

	service, err := NewService(Config{
		DBPath:    dbPath,
		Dir:       filepath.Join(dir, "backups"),
		Retention: 2,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	var newest string
	for i := 0; i < 4; i++ {
		result, err := service.BackupNow()
		if err != nil {
			t.Fatalf("backup %d failed: %v", i, err)
		}
		newest = result.Path
	}

	backups, err := service.List()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(backups) != 2 {
		t.Fatalf("expected 2 retained backups, got %d", len(backups))
	}
	if backups[0].Path != newest {
		t.Errorf("newest backup should be listed first: %+v", backups)
	}
}

// TestListIgnoresUnrelatedFiles verifies only .db files are listed
func TestListIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	backupDir := filepath.Join(dir, "backups")
	dbPath := createTestDB(t, dir, "original")

	service, err := NewService(Config{DBPath: dbPath, Dir: backupDir})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	if _, err := service.BackupNow(); err != nil {
		t.Fatalf("backup failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(backupDir, "notes.txt"), []byte("x"), 0o600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	if err := os.Mkdir(filepath.Join(backupDir, "sub.db"), 0o755); err != nil {
		t.Fatalf("failed to make dir: %v", err)
	}

	backups, err := service.List()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(backups) != 1 {
		t.Errorf("expected 1 backup, got %d: %+v", len(backups), backups)
	}
}

// TestRestoreRoundTrip verifies a backup can reinstate earlier state
func TestRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	dbPath := createTestDB(t, dir, "before")

	service, err := NewService(Config{
		DBPath: dbPath,
		Dir:    filepath.Join(dir, "backups"),
		Verify: true,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	result, err := service.BackupNow()
	if err != nil {
		t.Fatalf("backup failed: %v", err)
	}

	// Mutate the live database past the backup point.
	store, err := sqlite.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to reopen database: %v", err)
	}
	if err := store.SetSetting(context.Background(), "marker", "after"); err != nil {
		t.Fatalf("failed to update marker: %v", err)
	}
	store.Close()

	if err := service.Restore(result.Path); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if got := readMarker(t, dbPath); got != "before" {
		t.Errorf("expected restored marker %q, got %q", "before", got)
	}
}

// TestRestoreRejectedWhileRunning verifies the running guard
func TestRestoreRejectedWhileRunning(t *testing.T) {
	dir := t.TempDir()
	dbPath := createTestDB(t, dir, "original")

	service, err := NewService(Config{
		DBPath:   dbPath,
		Dir:      filepath.Join(dir, "backups"),
		Interval: time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	result, err := service.BackupNow()
	if err != nil {
		t.Fatalf("backup failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- service.Start(context.Background()) }()
	time.Sleep(50 * time.Millisecond)

	if err := service.Restore(result.Path); err == nil {
		t.Error("restore should be rejected while the service runs")
	}

	service.Stop()
	if err := <-done; err != nil {
		t.Errorf("stop should end the service cleanly, got %v", err)
	}
}
