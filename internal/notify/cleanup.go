package notify

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"
)

// CleanupWorker removes read notifications older than Retention. The
// enforcement cron calls Cleanup as a side job.
type CleanupWorker struct {
	DB        *sql.DB
	Log       zerolog.Logger
	Retention time.Duration // default 24h
	Now       func() time.Time
}

func (w *CleanupWorker) defaults() {
	if w.Retention <= 0 {
		w.Retention = 24 * time.Hour
	}
	if w.Now == nil {
		w.Now = time.Now
	}
}

// Cleanup runs one pass and returns the number of deleted rows.
func (w *CleanupWorker) Cleanup(ctx context.Context) (int64, error) {
	w.defaults()
	cutoff := w.Now().Add(-w.Retention).UTC()
	res, err := w.DB.ExecContext(ctx, `
		DELETE FROM public.notifications
		 WHERE read_at IS NOT NULL
		   AND read_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		w.Log.Info().Int64("deleted", deleted).Msg("notification_cleanup_deleted")
	}
	return deleted, nil
}
