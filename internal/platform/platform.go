// Package platform holds the per-network publishing adapters and the error
// vocabulary they normalize provider responses into.
package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/PortNumber53/publish-enforcer/internal/models"
)

type RefreshMode string

const (
	// RefreshOAuth2 uses a stored refresh token against the provider's token endpoint.
	RefreshOAuth2 RefreshMode = "oauth2"
	// RefreshExchange trades a still-valid long-lived token for a fresh one.
	RefreshExchange RefreshMode = "exchange"
	RefreshNone     RefreshMode = "none"
)

// Token is what a successful refresh yields.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	Scope        string
}

type Adapter interface {
	Name() models.Platform
	RefreshMode() RefreshMode
	// Publish returns the platform's id for the created post.
	Publish(ctx context.Context, conn models.PlatformConnection, post models.Post) (string, error)
	Refresh(ctx context.Context, conn models.PlatformConnection) (Token, error)
	// Probe verifies the token is accepted and carries write permission.
	Probe(ctx context.Context, conn models.PlatformConnection) error
}

type Kind string

const (
	KindTokenExpired    Kind = "token_expired"
	KindInvalidToken    Kind = "invalid_token"
	KindMissingScope    Kind = "missing_scope"
	KindRateLimited     Kind = "rate_limited"
	KindContentRejected Kind = "content_rejected"
	KindTransient       Kind = "transient"
)

type Error struct {
	Platform models.Platform
	Kind     Kind
	Status   int
	Message  string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s status=%d: %s", e.Platform, e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Platform, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the normalized kind; unknown errors count as transient.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

// IsCredentialKind reports kinds that mean the stored connection can no longer be used as is.
func IsCredentialKind(k Kind) bool {
	return k == KindTokenExpired || k == KindInvalidToken
}

// kindForStatus is the fallback mapping when a provider body carries nothing more specific.
func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindInvalidToken
	case status == http.StatusForbidden:
		return KindMissingScope
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusBadRequest,
		status == http.StatusConflict,
		status == http.StatusRequestEntityTooLarge,
		status == http.StatusUnprocessableEntity:
		return KindContentRejected
	default:
		return KindTransient
	}
}

// Registry selects adapters by platform.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.Platform]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: map[models.Platform]Adapter{}}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	if a == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

func (r *Registry) Lookup(p models.Platform) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[p]
	return a, ok
}
