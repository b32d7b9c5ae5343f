package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/PortNumber53/publish-enforcer/internal/models"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// PostgresStore persists to the schema in db/migrations.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: sqlx.NewDb(db, "postgres")}
}

const subscriberColumns = `id, cycle_start_at, plan_tier, active, stripe_subscription_id,
	       pending_plan_tier, pending_from_cycle, created_at, updated_at`

const connectionColumns = `subscriber_id, platform, account_id, access_token, refresh_token, expires_at,
	       scope, is_active, last_error, updated_at`

const postColumns = `id, subscriber_id, platform, content, media_url, status, scheduled_for,
	       published_at, platform_post_id, quota_deducted, error_log, publish_attempts,
	       created_at, updated_at`

func (s *PostgresStore) ListActiveSubscribers(ctx context.Context) ([]models.Subscriber, error) {
	out := make([]models.Subscriber, 0)
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+subscriberColumns+`
		  FROM public.subscribers
		 WHERE active = TRUE
		 ORDER BY id ASC
	`)
	return out, err
}

func (s *PostgresStore) GetSubscriber(ctx context.Context, id string) (models.Subscriber, error) {
	var sub models.Subscriber
	err := s.db.GetContext(ctx, &sub, `
		SELECT `+subscriberColumns+`
		  FROM public.subscribers
		 WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Subscriber{}, ErrNotFound
	}
	return sub, err
}

func (s *PostgresStore) ListStripeSubscribers(ctx context.Context) ([]models.Subscriber, error) {
	out := make([]models.Subscriber, 0)
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+subscriberColumns+`
		  FROM public.subscribers
		 WHERE stripe_subscription_id IS NOT NULL
		   AND stripe_subscription_id <> ''
		 ORDER BY id ASC
	`)
	return out, err
}

func (s *PostgresStore) UpdateSubscriberPlan(ctx context.Context, id string, change models.PlanChange) error {
	var pending sql.NullString
	var from sql.NullInt64
	if change.PendingTier != nil && change.PendingFromCycle != nil {
		pending = sql.NullString{String: string(*change.PendingTier), Valid: true}
		from = sql.NullInt64{Int64: int64(*change.PendingFromCycle), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE public.subscribers
		   SET plan_tier = $2,
		       pending_plan_tier = $3,
		       pending_from_cycle = $4,
		       active = $5,
		       updated_at = NOW()
		 WHERE id = $1
	`, id, string(change.Tier), pending, from, change.Active)
	return requireOneRow(res, err, ErrNotFound)
}

func (s *PostgresStore) GetConnection(ctx context.Context, subscriberID string, platform models.Platform) (models.PlatformConnection, error) {
	var c models.PlatformConnection
	err := s.db.GetContext(ctx, &c, `
		SELECT `+connectionColumns+`
		  FROM public.platform_connections
		 WHERE subscriber_id = $1
		   AND platform = $2
	`, subscriberID, string(platform))
	if errors.Is(err, sql.ErrNoRows) {
		return models.PlatformConnection{}, ErrNotFound
	}
	return c, err
}

func (s *PostgresStore) UpdateConnectionToken(ctx context.Context, conn models.PlatformConnection) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE public.platform_connections
		   SET access_token = $3,
		       refresh_token = $4,
		       expires_at = $5,
		       scope = COALESCE(NULLIF($6, ''), scope),
		       last_error = NULL,
		       updated_at = NOW()
		 WHERE subscriber_id = $1
		   AND platform = $2
	`, conn.SubscriberID, string(conn.Platform), conn.AccessToken, conn.RefreshToken, conn.ExpiresAt, conn.Scope)
	return requireOneRow(res, err, ErrNotFound)
}

func (s *PostgresStore) DeactivateConnection(ctx context.Context, subscriberID string, platform models.Platform, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE public.platform_connections
		   SET is_active = FALSE,
		       last_error = $3,
		       updated_at = NOW()
		 WHERE subscriber_id = $1
		   AND platform = $2
	`, subscriberID, string(platform), truncate(reason, maxErrorLogLen))
	return requireOneRow(res, err, ErrNotFound)
}

func (s *PostgresStore) GetApprovedDuePosts(ctx context.Context, subscriberID string, now time.Time) ([]models.Post, error) {
	out := make([]models.Post, 0)
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+postColumns+`
		  FROM public.posts
		 WHERE subscriber_id = $1
		   AND status = 'approved'
		   AND scheduled_for <= $2
		 ORDER BY scheduled_for ASC, id ASC
	`, subscriberID, now.UTC())
	return out, err
}

func (s *PostgresStore) CountPublishedBetween(ctx context.Context, subscriberID string, start, end time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*)
		  FROM public.posts
		 WHERE subscriber_id = $1
		   AND status = 'published'
		   AND published_at >= $2
		   AND published_at < $3
	`, subscriberID, start.UTC(), end.UTC())
	return n, err
}

// ClaimPost takes a publish lease on an approved post. Another holder's
// unexpired lease, or any other status, is ErrConflict.
func (s *PostgresStore) ClaimPost(ctx context.Context, postID, token string, now, until time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE public.posts
		   SET claim_token = $2,
		       claimed_until = $4,
		       updated_at = NOW()
		 WHERE id = $1
		   AND status = 'approved'
		   AND (claim_token IS NULL OR claimed_until IS NULL OR claimed_until <= $3)
	`, postID, token, now.UTC(), until.UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.missingOrConflict(ctx, postID)
	}
	return nil
}

// ReleaseClaim drops the lease if token still holds it.
func (s *PostgresStore) ReleaseClaim(ctx context.Context, postID, token string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE public.posts
		   SET claim_token = NULL,
		       claimed_until = NULL
		 WHERE id = $1
		   AND claim_token = $2
	`, postID, token)
	return err
}

// MarkPublished is a single conditional UPDATE so status and quota_deducted can never diverge.
func (s *PostgresStore) MarkPublished(ctx context.Context, postID, platformPostID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE public.posts
		   SET status = 'published',
		       quota_deducted = TRUE,
		       platform_post_id = $2,
		       published_at = COALESCE(published_at, $3),
		       error_log = NULL,
		       claim_token = NULL,
		       claimed_until = NULL,
		       updated_at = NOW()
		 WHERE id = $1
		   AND ((status IN ('approved', 'failed', 'pending_connection'))
		        OR (status = 'published' AND platform_post_id = $2))
	`, postID, platformPostID, at.UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.missingOrConflict(ctx, postID)
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, postID, reason string) error {
	return s.setTerminal(ctx, postID, models.PostFailed, reason)
}

func (s *PostgresStore) MarkPendingConnection(ctx context.Context, postID, reason string) error {
	return s.setTerminal(ctx, postID, models.PostPendingConnection, reason)
}

func (s *PostgresStore) setTerminal(ctx context.Context, postID string, status models.PostStatus, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE public.posts
		   SET status = $2,
		       quota_deducted = FALSE,
		       error_log = $3,
		       claim_token = NULL,
		       claimed_until = NULL,
		       updated_at = NOW()
		 WHERE id = $1
		   AND status <> 'published'
	`, postID, string(status), truncate(reason, maxErrorLogLen))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.missingOrConflict(ctx, postID)
	}
	return nil
}

func (s *PostgresStore) RecordTransientFailure(ctx context.Context, postID, reason string, maxAttempts int) (models.PostStatus, error) {
	var status string
	err := s.db.QueryRowxContext(ctx, `
		UPDATE public.posts
		   SET publish_attempts = publish_attempts + 1,
		       error_log = $2,
		       status = CASE
		                  WHEN $3 > 0 AND publish_attempts + 1 >= $3 THEN 'failed'
		                  ELSE status
		                END,
		       claim_token = NULL,
		       claimed_until = NULL,
		       updated_at = NOW()
		 WHERE id = $1
		   AND status = 'approved'
		RETURNING status
	`, postID, truncate(reason, maxErrorLogLen), maxAttempts).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", s.missingOrConflict(ctx, postID)
	}
	if err != nil {
		return "", err
	}
	return models.PostStatus(status), nil
}

func (s *PostgresStore) missingOrConflict(ctx context.Context, postID string) error {
	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM public.posts WHERE id = $1)`, postID); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func requireOneRow(res sql.Result, err error, none error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return none
	}
	return nil
}

// IsUnavailable reports errors that mean the database could not be reached or
// aborted the statement (as opposed to a logical state conflict).
func IsUnavailable(err error) bool {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53", "57", "40":
			return true
		}
		return false
	}
	return true
}

var _ Store = (*PostgresStore)(nil)
