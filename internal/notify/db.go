package notify

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DBNotifier stores events in public.notifications. An unread notification with
// the same (type, url) suppresses a new one so a persistently failing
// connection does not flood the subscriber.
type DBNotifier struct {
	DB  *sql.DB
	Log zerolog.Logger
}

func (d *DBNotifier) Notify(ctx context.Context, ev Event) error {
	ev = stamp(ev)
	if strings.TrimSpace(ev.SubscriberID) == "" {
		return nil
	}
	url := strings.TrimSpace(ev.URL)
	if url != "" {
		var existingID string
		err := d.DB.QueryRowContext(ctx, `
			SELECT id
			  FROM public.notifications
			 WHERE user_id = $1
			   AND type = $2
			   AND url = $3
			   AND read_at IS NULL
			 ORDER BY created_at DESC
			 LIMIT 1
		`, ev.SubscriberID, string(ev.Type), url).Scan(&existingID)
		if err == nil && strings.TrimSpace(existingID) != "" {
			d.Log.Debug().Str("subscriberId", ev.SubscriberID).Str("type", string(ev.Type)).Str("existingId", existingID).Msg("notification_skip_duplicate")
			return nil
		}
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
	}

	id := "n_" + uuid.NewString()
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO public.notifications (id, user_id, type, title, body, url, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7)
	`, id, ev.SubscriberID, string(ev.Type), ev.Title, notificationBody(ev), url, ev.At)
	if err != nil {
		d.Log.Error().Err(err).Str("subscriberId", ev.SubscriberID).Str("type", string(ev.Type)).Msg("notification_insert_failed")
		return err
	}
	d.Log.Info().Str("subscriberId", ev.SubscriberID).Str("id", id).Str("type", string(ev.Type)).Msg("notification_created")
	return nil
}

func notificationBody(ev Event) string {
	switch {
	case ev.Body != "" && ev.Action != "":
		return ev.Body + "\n" + ev.Action
	case ev.Action != "":
		return ev.Action
	default:
		return ev.Body
	}
}
