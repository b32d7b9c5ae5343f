// Package store is the persistence boundary for subscribers, connections and posts.
package store

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/PortNumber53/publish-enforcer/internal/models"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrConflict means the row exists but is not in a state that allows the transition.
	ErrConflict = errors.New("store: state conflict")
)

type Store interface {
	ListActiveSubscribers(ctx context.Context) ([]models.Subscriber, error)
	GetSubscriber(ctx context.Context, id string) (models.Subscriber, error)
	ListStripeSubscribers(ctx context.Context) ([]models.Subscriber, error)
	UpdateSubscriberPlan(ctx context.Context, id string, change models.PlanChange) error

	GetConnection(ctx context.Context, subscriberID string, platform models.Platform) (models.PlatformConnection, error)
	UpdateConnectionToken(ctx context.Context, conn models.PlatformConnection) error
	DeactivateConnection(ctx context.Context, subscriberID string, platform models.Platform, reason string) error

	// GetApprovedDuePosts returns approved posts with scheduledFor <= now, earliest first.
	GetApprovedDuePosts(ctx context.Context, subscriberID string, now time.Time) ([]models.Post, error)
	// CountPublishedBetween counts published posts with publishedAt in [start, end).
	CountPublishedBetween(ctx context.Context, subscriberID string, start, end time.Time) (int, error)

	// ClaimPost leases an approved post to token until the given time. A post
	// held by an unexpired claim, or no longer approved, returns ErrConflict.
	ClaimPost(ctx context.Context, postID, token string, now, until time.Time) error
	// ReleaseClaim drops the lease if token still holds it.
	ReleaseClaim(ctx context.Context, postID, token string) error

	// MarkPublished sets status=published and quotaDeducted=true in one write.
	// Re-applying the same platformPostID to an already published post is a no-op success.
	MarkPublished(ctx context.Context, postID, platformPostID string, at time.Time) error
	MarkFailed(ctx context.Context, postID, reason string) error
	MarkPendingConnection(ctx context.Context, postID, reason string) error
	// RecordTransientFailure bumps publishAttempts and returns the resulting status
	// (failed once maxAttempts is reached, approved otherwise).
	RecordTransientFailure(ctx context.Context, postID, reason string, maxAttempts int) (models.PostStatus, error)
}

const maxErrorLogLen = 400

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	// Cut on a rune boundary so the stored text stays valid UTF-8.
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
