// Package repair restores platform connections without human help when it can,
// and deactivates them with an actionable message when it cannot.
package repair

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PortNumber53/publish-enforcer/internal/connections"
	"github.com/PortNumber53/publish-enforcer/internal/metrics"
	"github.com/PortNumber53/publish-enforcer/internal/models"
	"github.com/PortNumber53/publish-enforcer/internal/notify"
	"github.com/PortNumber53/publish-enforcer/internal/platform"
	"github.com/rs/zerolog"
)

type Kind string

const (
	KindNotConnected   Kind = "not_connected"
	KindMissingToken   Kind = "missing_token"
	KindReauthRequired Kind = "reauth_required"
	KindMissingScope   Kind = "missing_scope"
	// KindUnavailable means the provider could not be reached; the connection is left alone.
	KindUnavailable Kind = "unavailable"
)

type RepairError struct {
	Kind         Kind
	SubscriberID string
	Platform     models.Platform
	// Action is the manual step the subscriber must take. Empty when none is needed.
	Action string
	Err    error
}

func (e *RepairError) Error() string {
	msg := fmt.Sprintf("repair %s subscriber=%s platform=%s", e.Kind, e.SubscriberID, e.Platform)
	if e.Action != "" {
		msg += " action=" + e.Action
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RepairError) Unwrap() error { return e.Err }

// Retryable reports failures that left the connection active.
func (e *RepairError) Retryable() bool { return e.Kind == KindUnavailable }

// Validator is implemented by *connections.Registry.
type Validator interface {
	EnsureValid(ctx context.Context, conn models.PlatformConnection) (models.PlatformConnection, error)
	Deactivate(ctx context.Context, conn models.PlatformConnection, reason string) error
}

type Repairer struct {
	validator Validator
	adapters  *platform.Registry
	notifier  notify.Notifier
	log       zerolog.Logger
	now       func() time.Time
}

func New(v Validator, adapters *platform.Registry, n notify.Notifier, log zerolog.Logger) *Repairer {
	if n == nil {
		n = notify.Nop{}
	}
	return &Repairer{validator: v, adapters: adapters, notifier: n, log: log, now: time.Now}
}

// WithClock replaces the clock used to force expiry and stamp events.
func (r *Repairer) WithClock(now func() time.Time) *Repairer {
	if now != nil {
		r.now = now
	}
	return r
}

// Repair validates (refreshing if needed) and probes write permission. cause is the
// error that triggered the repair; a credential error from a publish call forces a
// refresh even when the stored expiry still looks fine.
func (r *Repairer) Repair(ctx context.Context, subscriberID string, p models.Platform, conn *models.PlatformConnection, cause error) (models.PlatformConnection, error) {
	if conn == nil {
		err := &RepairError{Kind: KindNotConnected, SubscriberID: subscriberID, Platform: p, Action: actionFor(KindNotConnected, p)}
		r.fail(ctx, models.PlatformConnection{SubscriberID: subscriberID, Platform: p}, err, false)
		return models.PlatformConnection{}, err
	}

	candidate := *conn
	if cause != nil && platform.IsCredentialKind(platform.KindOf(cause)) {
		expired := r.now().UTC()
		candidate.ExpiresAt = &expired
	}

	valid, err := r.validator.EnsureValid(ctx, candidate)
	if err != nil {
		rerr := fromTokenError(subscriberID, p, err)
		r.fail(ctx, candidate, rerr, !rerr.Retryable())
		return *conn, rerr
	}

	adapter, ok := r.adapters.Lookup(p)
	if !ok {
		rerr := &RepairError{Kind: KindReauthRequired, SubscriberID: subscriberID, Platform: p, Action: actionFor(KindReauthRequired, p), Err: errors.New("no adapter registered")}
		r.fail(ctx, valid, rerr, false)
		return valid, rerr
	}
	if err := adapter.Probe(ctx, valid); err != nil {
		rerr := fromProbeError(subscriberID, p, err)
		r.fail(ctx, valid, rerr, !rerr.Retryable())
		return valid, rerr
	}

	r.log.Info().Str("subscriberId", subscriberID).Str("platform", string(p)).Msg("repair_ok")
	return valid, nil
}

func fromTokenError(subscriberID string, p models.Platform, err error) *RepairError {
	kind := KindReauthRequired
	var te *connections.TokenError
	if errors.As(err, &te) {
		switch te.Kind {
		case connections.MissingToken:
			kind = KindMissingToken
		case connections.TokenExpired:
			kind = KindUnavailable
		}
	}
	return &RepairError{Kind: kind, SubscriberID: subscriberID, Platform: p, Action: actionFor(kind, p), Err: err}
}

func fromProbeError(subscriberID string, p models.Platform, err error) *RepairError {
	kind := KindReauthRequired
	switch platform.KindOf(err) {
	case platform.KindMissingScope:
		kind = KindMissingScope
	case platform.KindTransient, platform.KindRateLimited:
		kind = KindUnavailable
	}
	return &RepairError{Kind: kind, SubscriberID: subscriberID, Platform: p, Action: actionFor(kind, p), Err: err}
}

func actionFor(kind Kind, p models.Platform) string {
	name := displayName(p)
	switch kind {
	case KindNotConnected:
		return "connect your " + name + " account"
	case KindMissingScope:
		return "re-authorize " + name + " with write permission"
	case KindMissingToken, KindReauthRequired:
		return "reconnect your " + name + " account"
	}
	return ""
}

func displayName(p models.Platform) string {
	switch p {
	case models.PlatformX:
		return "X"
	case models.PlatformLinkedIn:
		return "LinkedIn"
	}
	s := string(p)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func (r *Repairer) fail(ctx context.Context, conn models.PlatformConnection, rerr *RepairError, deactivate bool) {
	metrics.RepairFailures.WithLabelValues(string(rerr.Platform), string(rerr.Kind)).Inc()
	ev := r.log.Warn().Str("subscriberId", rerr.SubscriberID).Str("platform", string(rerr.Platform)).Str("kind", string(rerr.Kind))
	if rerr.Err != nil {
		ev = ev.Err(rerr.Err)
	}
	ev.Msg("repair_failed")

	if rerr.Retryable() {
		return
	}
	if deactivate {
		if err := r.validator.Deactivate(ctx, conn, string(rerr.Kind)); err != nil {
			r.log.Error().Err(err).Str("subscriberId", rerr.SubscriberID).Str("platform", string(rerr.Platform)).Msg("deactivate_failed")
		}
	}
	err := r.notifier.Notify(ctx, notify.Event{
		Type:         notify.ConnectionRepairFailed,
		SubscriberID: rerr.SubscriberID,
		Platform:     rerr.Platform,
		Title:        displayName(rerr.Platform) + " connection needs attention",
		Action:       rerr.Action,
		URL:          "/connections/" + string(rerr.Platform),
		At:           r.now().UTC(),
	})
	if err != nil {
		r.log.Error().Err(err).Str("subscriberId", rerr.SubscriberID).Msg("notify_failed")
	}
}
