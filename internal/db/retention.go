package db

import (
	"context"
	"log"
	"time"

	"gorm.io/gorm"
)

// runRetentionOnce performs a single pass of retention cleanup, pruning
// metric history and query audit rows older than the retention window.
// The latest row per metric type is kept regardless of age so the
// dashboard snapshot never loses a value.
func runRetentionOnce(gdb *gorm.DB, retentionDays int) error {
	cutoff := time.Now().UTC().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	err := gdb.Exec(
		`DELETE FROM metrics WHERE created_at < ? AND id NOT IN (
			SELECT DISTINCT ON (type) id FROM metrics ORDER BY type, created_at DESC, id DESC
		)`, cutoff).Error
	if err != nil {
		return err
	}

	return gdb.Where("created_at < ?", cutoff).Delete(&QueryExecution{}).Error
}

// StartRetentionWorker launches a background goroutine that runs the
// retention cleanup once at startup and then once per day, until ctx is
// cancelled.
func StartRetentionWorker(ctx context.Context, gdb *gorm.DB, retentionDays int) {
	go func() {
		if err := runRetentionOnce(gdb, retentionDays); err != nil {
			log.Printf("retention cleanup error (startup): %v", err)
		}

		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := runRetentionOnce(gdb, retentionDays); err != nil {
					log.Printf("retention cleanup error: %v", err)
				}
			}
		}
	}()
}
