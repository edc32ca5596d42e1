// Package backup provides scheduled whole-database backups with integrity
// verification and count-based retention. The knowledge graph's snapshots
// cover logical rollback; this package covers the file itself.
package backup

import (
	"database/sql"
	"fmt"
	"io"
	"os"

	_ "modernc.org/sqlite"
)

// backupSQLite writes a consistent point-in-time copy of the database using
// VACUUM INTO, which is safe under WAL mode.
func backupSQLite(sourcePath, destPath string) error {
	src, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", sourcePath))
	if err != nil {
		return fmt.Errorf("backup: failed to open source database: %w", err)
	}
	defer func() { _ = src.Close() }()

	if err := src.Ping(); err != nil {
		return fmt.Errorf("backup: failed to ping source database: %w", err)
	}

	if _, err := src.Exec(fmt.Sprintf("VACUUM INTO '%s'", destPath)); err != nil {
		return fmt.Errorf("backup: vacuum into failed: %w", err)
	}
	return nil
}

// verifyBackup opens the copy read-only and runs PRAGMA integrity_check.
func verifyBackup(path string) error {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return fmt.Errorf("backup: failed to open backup: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("backup: integrity check failed to run: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("backup: integrity check failed: %s", result)
	}
	return nil
}

// restoreSQLite copies a verified backup over the target path. The target
// database must not be in use.
func restoreSQLite(backupPath, targetPath string) error {
	if err := verifyBackup(backupPath); err != nil {
		return err
	}

	src, err := os.Open(backupPath)
	if err != nil {
		return fmt.Errorf("backup: failed to open backup file: %w", err)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(targetPath)
	if err != nil {
		return fmt.Errorf("backup: failed to create target file: %w", err)
	}
	defer func() { _ = dst.Close() }()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("backup: failed to copy backup: %w", err)
	}
	if err := dst.Sync(); err != nil {
		return fmt.Errorf("backup: failed to sync target file: %w", err)
	}

	return verifyBackup(targetPath)
}
