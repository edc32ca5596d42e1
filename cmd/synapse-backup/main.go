// Command synapse-backup runs the automated database backup service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/scrypster/synapse/internal/backup"
	"github.com/scrypster/synapse/internal/config"
)

var (
	dbPath    = flag.String("db", "", "Path to database file (overrides config)")
	backupDir = flag.String("backup-dir", "", "Backup directory path (overrides config)")
	interval  = flag.Duration("interval", 0, "Backup interval (overrides config)")
	verify    = flag.Bool("verify", true, "Verify backups after creation")
	retention = flag.Int("retention", 0, "Backup files kept (overrides config)")
	oneshot   = flag.Bool("oneshot", false, "Perform a single backup and exit")
	restore   = flag.String("restore", "", "Restore database from backup file and exit")
	listCmd   = flag.Bool("list", false, "List all available backups and exit")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Override config with command-line flags
	dbPathFinal := cfg.Storage.DataPath + "/synapse.db"
	if *dbPath != "" {
		dbPathFinal = *dbPath
	}

	backupDirFinal := cfg.Backup.Path
	if *backupDir != "" {
		backupDirFinal = *backupDir
	}

	intervalFinal := cfg.Backup.Interval
	if *interval > 0 {
		intervalFinal = *interval
	}

	retentionFinal := cfg.Backup.Retention
	if *retention > 0 {
		retentionFinal = *retention
	}

	service, err := backup.NewService(backup.Config{
		DBPath:    dbPathFinal,
		Dir:       backupDirFinal,
		Interval:  intervalFinal,
		Verify:    *verify,
		Retention: retentionFinal,
	})
	if err != nil {
		log.Fatalf("Failed to create backup service: %v", err)
	}

	// Handle command modes
	if *restore != "" {
		handleRestore(service, *restore)
		return
	}

	if *listCmd {
		handleList(service)
		return
	}

	if *oneshot {
		handleOneshot(service)
		return
	}

	runService(service)
}

func handleRestore(service *backup.Service, backupPath string) {
	log.Printf("Restoring database from backup: %s", backupPath)

	if err := service.Restore(backupPath); err != nil {
		log.Fatalf("Restore failed: %v", err)
	}

	log.Println("Database restored successfully")
}

func handleList(service *backup.Service) {
	backups, err := service.List()
	if err != nil {
		log.Fatalf("Failed to list backups: %v", err)
	}

	if len(backups) == 0 {
		fmt.Println("No backups found")
		return
	}

	fmt.Printf("Found %d backup(s):\n\n", len(backups))
	for i, b := range backups {
		fmt.Printf("%d. %s\n", i+1, b.Path)
		fmt.Printf("   Size: %.2f MB\n", float64(b.Size)/(1024*1024))
		fmt.Printf("   Created: %s (%s ago)\n",
			b.Timestamp.Format(time.RFC3339),
			time.Since(b.Timestamp).Round(time.Minute))
		fmt.Println()
	}
}

func handleOneshot(service *backup.Service) {
	log.Println("Performing one-time backup...")

	result, err := service.BackupNow()
	if err != nil {
		log.Fatalf("Backup failed: %v", err)
	}

	log.Printf("Backup completed successfully:")
	log.Printf("  Path: %s", result.Path)
	log.Printf("  Size: %.2f MB", float64(result.Size)/(1024*1024))
	log.Printf("  Duration: %v", result.Duration)
	log.Printf("  Verified: %v", result.Verified)
}

func runService(service *backup.Service) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := service.Start(ctx); err != nil && err != context.Canceled {
			log.Printf("Backup service error: %v", err)
		}
	}()

	log.Println("Synapse backup service started")
	log.Println("Press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down backup service...")
	service.Stop()
}
