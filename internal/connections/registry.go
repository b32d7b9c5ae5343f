// Package connections resolves stored platform credentials and keeps them usable.
package connections

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/PortNumber53/publish-enforcer/internal/metrics"
	"github.com/PortNumber53/publish-enforcer/internal/models"
	"github.com/PortNumber53/publish-enforcer/internal/platform"
	"github.com/PortNumber53/publish-enforcer/internal/store"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// DefaultBuffer treats tokens expiring within this margin as already expired.
const DefaultBuffer = 5 * time.Minute

type TokenKind string

const (
	MissingToken TokenKind = "missing_token"
	// TokenExpired means the token is (nearly) expired and a refresh attempt failed
	// for a reason that may clear up on its own (network, rate limit).
	TokenExpired TokenKind = "token_expired"
	// ReauthRequired means only a human re-consent can restore the connection.
	ReauthRequired TokenKind = "reauth_required"
)

type TokenError struct {
	Kind         TokenKind
	SubscriberID string
	Platform     models.Platform
	Reason       string
	Err          error
}

func (e *TokenError) Error() string {
	msg := fmt.Sprintf("%s subscriber=%s platform=%s", e.Kind, e.SubscriberID, e.Platform)
	if e.Reason != "" {
		msg += " reason=" + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TokenError) Unwrap() error { return e.Err }

// Store is the subset of the persistence layer the registry needs.
type Store interface {
	GetConnection(ctx context.Context, subscriberID string, platform models.Platform) (models.PlatformConnection, error)
	UpdateConnectionToken(ctx context.Context, conn models.PlatformConnection) error
	DeactivateConnection(ctx context.Context, subscriberID string, platform models.Platform, reason string) error
}

type Options struct {
	Buffer time.Duration
	Now    func() time.Time
	Logger zerolog.Logger
}

// Registry validates and refreshes connections. Concurrent refreshes of the same
// (subscriber, platform) pair collapse into one provider call.
type Registry struct {
	store    Store
	adapters *platform.Registry
	buffer   time.Duration
	now      func() time.Time
	log      zerolog.Logger

	group singleflight.Group

	mu    sync.Mutex
	cache map[string]models.PlatformConnection
}

func NewRegistry(st Store, adapters *platform.Registry, opts Options) *Registry {
	r := &Registry{
		store:    st,
		adapters: adapters,
		buffer:   opts.Buffer,
		now:      opts.Now,
		log:      opts.Logger,
		cache:    map[string]models.PlatformConnection{},
	}
	if r.buffer <= 0 {
		r.buffer = DefaultBuffer
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

func cacheKey(subscriberID string, p models.Platform) string {
	return subscriberID + "|" + string(p)
}

// Get returns nil, nil when the subscriber never connected the platform.
func (r *Registry) Get(ctx context.Context, subscriberID string, p models.Platform) (*models.PlatformConnection, error) {
	c, err := r.store.GetConnection(ctx, subscriberID, p)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if cached, ok := r.cached(subscriberID, p); ok && newer(cached, c) {
		c = cached
	}
	return &c, nil
}

// EnsureValid returns a connection that can be used for a publish call right now,
// refreshing it first when it is inside the expiry buffer.
func (r *Registry) EnsureValid(ctx context.Context, conn models.PlatformConnection) (models.PlatformConnection, error) {
	if !conn.IsActive {
		return conn, r.tokenErr(conn, ReauthRequired, "connection_inactive", nil)
	}
	if conn.AccessToken == "" {
		return conn, r.tokenErr(conn, MissingToken, "missing_access_token", nil)
	}
	if cached, ok := r.cached(conn.SubscriberID, conn.Platform); ok && newer(cached, conn) {
		conn = cached
	}
	if r.fresh(conn) {
		return conn, nil
	}

	v, err, shared := r.group.Do(cacheKey(conn.SubscriberID, conn.Platform), func() (interface{}, error) {
		return r.refresh(ctx, conn)
	})
	if err != nil {
		return conn, err
	}
	if shared {
		r.log.Debug().Str("subscriberId", conn.SubscriberID).Str("platform", string(conn.Platform)).Msg("token_refresh_shared")
	}
	return v.(models.PlatformConnection), nil
}

func (r *Registry) fresh(c models.PlatformConnection) bool {
	if c.ExpiresAt == nil {
		return true
	}
	return r.now().Add(r.buffer).Before(*c.ExpiresAt)
}

func (r *Registry) expired(c models.PlatformConnection) bool {
	return c.ExpiresAt != nil && !r.now().Before(*c.ExpiresAt)
}

func (r *Registry) refresh(ctx context.Context, conn models.PlatformConnection) (models.PlatformConnection, error) {
	// Another instance may have refreshed already.
	if stored, err := r.store.GetConnection(ctx, conn.SubscriberID, conn.Platform); err == nil && stored.IsActive && newer(stored, conn) && r.fresh(stored) {
		r.put(stored)
		return stored, nil
	}

	adapter, ok := r.adapters.Lookup(conn.Platform)
	if !ok {
		return conn, r.tokenErr(conn, ReauthRequired, "no_adapter", nil)
	}
	switch adapter.RefreshMode() {
	case platform.RefreshOAuth2:
		if !conn.HasRefreshToken() {
			return conn, r.tokenErr(conn, ReauthRequired, "missing_refresh_token", nil)
		}
	case platform.RefreshExchange:
		if r.expired(conn) {
			return conn, r.tokenErr(conn, ReauthRequired, "expired_before_exchange", nil)
		}
	default:
		return conn, r.tokenErr(conn, ReauthRequired, "refresh_unsupported", nil)
	}

	tok, err := adapter.Refresh(ctx, conn)
	if err != nil {
		kind := platform.KindOf(err)
		if platform.IsCredentialKind(kind) || kind == platform.KindMissingScope {
			metrics.TokenRefreshes.WithLabelValues(string(conn.Platform), "rejected").Inc()
			return conn, r.tokenErr(conn, ReauthRequired, "refresh_rejected", err)
		}
		metrics.TokenRefreshes.WithLabelValues(string(conn.Platform), "error").Inc()
		return conn, r.tokenErr(conn, TokenExpired, "refresh_failed", err)
	}

	updated := conn
	updated.AccessToken = tok.AccessToken
	updated.ExpiresAt = tok.ExpiresAt
	if tok.RefreshToken != "" {
		rt := tok.RefreshToken
		updated.RefreshToken = &rt
	}
	if tok.Scope != "" {
		updated.Scope = tok.Scope
	}
	updated.LastError = nil
	updated.UpdatedAt = r.now().UTC()

	if err := r.store.UpdateConnectionToken(ctx, updated); err != nil {
		metrics.TokenRefreshes.WithLabelValues(string(conn.Platform), "error").Inc()
		return conn, r.tokenErr(conn, TokenExpired, "persist_failed", err)
	}
	r.put(updated)
	metrics.TokenRefreshes.WithLabelValues(string(conn.Platform), "ok").Inc()
	r.log.Info().
		Str("subscriberId", conn.SubscriberID).
		Str("platform", string(conn.Platform)).
		Interface("expiresAt", updated.ExpiresAt).
		Msg("token_refreshed")
	return updated, nil
}

// Deactivate marks the connection unusable until the subscriber reconnects.
func (r *Registry) Deactivate(ctx context.Context, conn models.PlatformConnection, reason string) error {
	r.mu.Lock()
	delete(r.cache, cacheKey(conn.SubscriberID, conn.Platform))
	r.mu.Unlock()
	if err := r.store.DeactivateConnection(ctx, conn.SubscriberID, conn.Platform, reason); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	r.log.Warn().
		Str("subscriberId", conn.SubscriberID).
		Str("platform", string(conn.Platform)).
		Str("reason", reason).
		Msg("connection_deactivated")
	return nil
}

func (r *Registry) cached(subscriberID string, p models.Platform) (models.PlatformConnection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cache[cacheKey(subscriberID, p)]
	return c, ok
}

func (r *Registry) put(c models.PlatformConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[cacheKey(c.SubscriberID, c.Platform)] = c
}

func (r *Registry) tokenErr(c models.PlatformConnection, kind TokenKind, reason string, err error) *TokenError {
	return &TokenError{Kind: kind, SubscriberID: c.SubscriberID, Platform: c.Platform, Reason: reason, Err: err}
}

// newer reports whether a carries a later expiry than b for the same connection.
func newer(a, b models.PlatformConnection) bool {
	if a.AccessToken == b.AccessToken {
		return false
	}
	if a.ExpiresAt == nil {
		return b.ExpiresAt != nil
	}
	return b.ExpiresAt != nil && a.ExpiresAt.After(*b.ExpiresAt)
}
