package db

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"
)

// StartBackupPruner deletes migration snapshots older than retention every
// interval until ctx is done.
func StartBackupPruner(
	ctx context.Context,
	db *sql.DB,
	interval time.Duration,
	retention time.Duration,
	log *zap.Logger,
) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-retention).UTC()
				res, err := db.ExecContext(ctx, `
                    DELETE FROM record_backups
                     WHERE created_at < $1
                `, cutoff)
				if err != nil {
					log.Error("failed to prune record backups", zap.Error(err))
					continue
				}
				if rows, _ := res.RowsAffected(); rows > 0 {
					log.Info("pruned record backups", zap.Int64("removed", rows))
				}
			}
		}
	}()
}
