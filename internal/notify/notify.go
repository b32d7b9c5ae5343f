// Package notify delivers user-facing events raised by enforcement runs.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/PortNumber53/publish-enforcer/internal/models"
	"github.com/rs/zerolog"
)

type EventType string

const (
	ConnectionRepairFailed EventType = "connection.repair_failed"
	PostPendingConnection  EventType = "post.pending_connection"
	PostPublished          EventType = "post.published"
	PostFailed             EventType = "post.failed"
)

type Event struct {
	Type         EventType       `json:"type"`
	SubscriberID string          `json:"subscriberId"`
	Platform     models.Platform `json:"platform,omitempty"`
	PostID       string          `json:"postId,omitempty"`
	Title        string          `json:"title"`
	Body         string          `json:"body,omitempty"`
	// Action is the manual step the subscriber has to take, if any.
	Action string    `json:"action,omitempty"`
	URL    string    `json:"url,omitempty"`
	At     time.Time `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes events to the structured log only.
type LogNotifier struct {
	Log zerolog.Logger
}

func (l LogNotifier) Notify(_ context.Context, ev Event) error {
	l.Log.Info().
		Str("type", string(ev.Type)).
		Str("subscriberId", ev.SubscriberID).
		Str("platform", string(ev.Platform)).
		Str("postId", ev.PostID).
		Str("action", ev.Action).
		Msg("notify")
	return nil
}

type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

func stamp(ev Event) Event {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return ev
}
