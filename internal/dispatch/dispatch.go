// Package dispatch publishes one subscriber's due posts within the remaining quota.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/PortNumber53/publish-enforcer/internal/metrics"
	"github.com/PortNumber53/publish-enforcer/internal/models"
	"github.com/PortNumber53/publish-enforcer/internal/notify"
	"github.com/PortNumber53/publish-enforcer/internal/platform"
	"github.com/PortNumber53/publish-enforcer/internal/quota"
	"github.com/PortNumber53/publish-enforcer/internal/repair"
	"github.com/PortNumber53/publish-enforcer/internal/store"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type Outcome string

const (
	OutcomePublished         Outcome = "published"
	OutcomeFailed            Outcome = "failed"
	OutcomePendingConnection Outcome = "pending_connection"
	// OutcomeQuotaExceeded leaves the post approved for a later cycle.
	OutcomeQuotaExceeded Outcome = "quota_exceeded"
	// OutcomeRetry is a transient failure; the post stays approved.
	OutcomeRetry Outcome = "retry"
	// OutcomeDeferred means nothing was attempted (store or lock unavailable).
	OutcomeDeferred Outcome = "deferred"
)

type PostOutcome struct {
	PostID         string          `json:"postId"`
	Platform       models.Platform `json:"platform"`
	Outcome        Outcome         `json:"outcome"`
	PlatformPostID string          `json:"platformPostId,omitempty"`
	Error          string          `json:"error,omitempty"`
}

type BatchResult struct {
	SubscriberID      string            `json:"subscriberId"`
	State             models.QuotaState `json:"quota"`
	Processed         int               `json:"processed"`
	Published         int               `json:"published"`
	Failed            int               `json:"failed"`
	PendingConnection int               `json:"pendingConnection"`
	QuotaExceeded     int               `json:"quotaExceeded"`
	Retry             int               `json:"retry"`
	Deferred          int               `json:"deferred"`
	Outcomes          []PostOutcome     `json:"outcomes"`
	Error             string            `json:"error,omitempty"`
}

func (b *BatchResult) add(o PostOutcome) {
	b.Outcomes = append(b.Outcomes, o)
	switch o.Outcome {
	case OutcomePublished:
		b.Published++
	case OutcomeFailed:
		b.Failed++
	case OutcomePendingConnection:
		b.PendingConnection++
	case OutcomeQuotaExceeded:
		b.QuotaExceeded++
		return
	case OutcomeRetry:
		b.Retry++
	case OutcomeDeferred:
		b.Deferred++
	}
	b.Processed++
}

type Ledger interface {
	StateOf(ctx context.Context, sub models.Subscriber, now time.Time) (models.QuotaState, error)
	TryReserveAndPublish(ctx context.Context, sub models.Subscriber, postID string, publish quota.PublishFunc) (quota.Outcome, error)
}

type Connections interface {
	Get(ctx context.Context, subscriberID string, p models.Platform) (*models.PlatformConnection, error)
	EnsureValid(ctx context.Context, conn models.PlatformConnection) (models.PlatformConnection, error)
}

type Repairer interface {
	Repair(ctx context.Context, subscriberID string, p models.Platform, conn *models.PlatformConnection, cause error) (models.PlatformConnection, error)
}

type Store interface {
	MarkFailed(ctx context.Context, postID, reason string) error
	MarkPendingConnection(ctx context.Context, postID, reason string) error
	RecordTransientFailure(ctx context.Context, postID, reason string, maxAttempts int) (models.PostStatus, error)
}

type Options struct {
	PublishTimeout       time.Duration
	MaxTransientAttempts int
	Logger               zerolog.Logger
}

type Dispatcher struct {
	ledger      Ledger
	conns       Connections
	repairer    Repairer
	store       Store
	adapters    *platform.Registry
	notifier    notify.Notifier
	timeout     time.Duration
	maxAttempts int
	log         zerolog.Logger
}

func New(ledger Ledger, conns Connections, repairer Repairer, st Store, adapters *platform.Registry, n notify.Notifier, opts Options) *Dispatcher {
	d := &Dispatcher{
		ledger:      ledger,
		conns:       conns,
		repairer:    repairer,
		store:       st,
		adapters:    adapters,
		notifier:    n,
		timeout:     opts.PublishTimeout,
		maxAttempts: opts.MaxTransientAttempts,
		log:         opts.Logger,
	}
	if d.notifier == nil {
		d.notifier = notify.Nop{}
	}
	if d.timeout <= 0 {
		d.timeout = 30 * time.Second
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = 3
	}
	return d
}

// Dispatch never returns an error: every failure becomes a per-post outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, sub models.Subscriber, posts []models.Post, now time.Time) BatchResult {
	res := BatchResult{SubscriberID: sub.ID, Outcomes: make([]PostOutcome, 0, len(posts))}

	state, err := d.ledger.StateOf(ctx, sub, now)
	if err != nil {
		res.Error = err.Error()
		for _, p := range posts {
			res.add(PostOutcome{PostID: p.ID, Platform: p.Platform, Outcome: OutcomeDeferred, Error: err.Error()})
		}
		d.log.Error().Err(err).Str("subscriberId", sub.ID).Msg("quota_state_failed")
		return res
	}
	res.State = state

	ordered := make([]models.Post, len(posts))
	copy(ordered, posts)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].ScheduledFor.Equal(ordered[j].ScheduledFor) {
			return ordered[i].ID < ordered[j].ID
		}
		return ordered[i].ScheduledFor.Before(ordered[j].ScheduledFor)
	})

	n := len(ordered)
	if !state.InCycle {
		n = 0
	} else if state.Remaining < n {
		n = state.Remaining
	}
	selected, capped := ordered[:n], ordered[n:]

	outcomes := make([]PostOutcome, len(selected))
	byPlatform := map[models.Platform][]int{}
	var order []models.Platform
	for i, p := range selected {
		if _, seen := byPlatform[p.Platform]; !seen {
			order = append(order, p.Platform)
		}
		byPlatform[p.Platform] = append(byPlatform[p.Platform], i)
	}

	// One worker per platform; posts for the same platform go out in due order.
	var g errgroup.Group
	for _, pl := range order {
		idxs := byPlatform[pl]
		g.Go(func() error {
			for _, i := range idxs {
				if ctx.Err() != nil {
					outcomes[i] = PostOutcome{PostID: selected[i].ID, Platform: pl, Outcome: OutcomeDeferred, Error: ctx.Err().Error()}
					continue
				}
				outcomes[i] = d.dispatchOne(ctx, sub, selected[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		res.add(o)
		metrics.PostOutcomes.WithLabelValues(string(o.Platform), string(o.Outcome)).Inc()
	}
	for _, p := range capped {
		o := PostOutcome{PostID: p.ID, Platform: p.Platform, Outcome: OutcomeQuotaExceeded}
		if !state.InCycle {
			o.Outcome, o.Error = OutcomeDeferred, quota.ErrCycleInactive.Error()
		}
		res.add(o)
		metrics.PostOutcomes.WithLabelValues(string(o.Platform), string(o.Outcome)).Inc()
	}

	d.log.Info().
		Str("subscriberId", sub.ID).
		Int("remaining", state.Remaining).
		Int("processed", res.Processed).
		Int("published", res.Published).
		Int("failed", res.Failed).
		Int("pendingConnection", res.PendingConnection).
		Int("quotaExceeded", res.QuotaExceeded).
		Msg("batch_done")
	return res
}

func (d *Dispatcher) dispatchOne(ctx context.Context, sub models.Subscriber, post models.Post) PostOutcome {
	out := PostOutcome{PostID: post.ID, Platform: post.Platform}
	log := d.log.With().Str("subscriberId", sub.ID).Str("postId", post.ID).Str("platform", string(post.Platform)).Logger()

	conn, err := d.conns.Get(ctx, sub.ID, post.Platform)
	if err != nil {
		log.Error().Err(err).Msg("connection_lookup_failed")
		return deferred(out, err)
	}

	var valid models.PlatformConnection
	if conn != nil {
		valid, err = d.conns.EnsureValid(ctx, *conn)
	}
	if conn == nil || err != nil {
		repaired, rerr := d.repairer.Repair(ctx, sub.ID, post.Platform, conn, nil)
		if rerr != nil {
			return d.connectionFailed(ctx, log, out, post, rerr)
		}
		valid = repaired
	}

	adapter, ok := d.adapters.Lookup(post.Platform)
	if !ok {
		return d.fail(ctx, log, out, post, fmt.Errorf("no adapter registered for %s", post.Platform))
	}

	published, err := d.ledger.TryReserveAndPublish(ctx, sub, post.ID, func(ctx context.Context) (string, error) {
		pctx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		start := time.Now()
		id, err := adapter.Publish(pctx, valid, post)
		metrics.PublishLatency.WithLabelValues(string(post.Platform)).Observe(time.Since(start).Seconds())
		return id, err
	})

	var cerr *quota.CommitError
	switch {
	case err == nil:
		out.Outcome = OutcomePublished
		out.PlatformPostID = published.PlatformPostID
		log.Info().Str("platformPostId", published.PlatformPostID).Int("remaining", published.State.Remaining).Msg("published")
		d.emit(ctx, log, notify.Event{
			Type: notify.PostPublished, SubscriberID: sub.ID, Platform: post.Platform, PostID: post.ID,
			Title: "Post published", URL: "/posts/" + post.ID,
		})
		return out
	case errors.Is(err, quota.ErrQuotaExceeded):
		out.Outcome = OutcomeQuotaExceeded
		log.Info().Msg("quota_exhausted_mid_batch")
		return out
	case errors.As(err, &cerr):
		// The platform has the post; the ledger journaled or logged the id.
		out.Outcome = OutcomePublished
		out.PlatformPostID = cerr.PlatformPostID
		out.Error = err.Error()
		return out
	case errors.Is(err, quota.ErrCycleInactive):
		return deferred(out, err)
	case errors.Is(err, quota.ErrPostClaimed):
		log.Info().Msg("post_claimed_elsewhere")
		return deferred(out, err)
	}

	var perr *platform.Error
	if !errors.As(err, &perr) {
		// Lock or count failure before anything was sent.
		log.Error().Err(err).Msg("reserve_failed")
		return deferred(out, err)
	}

	switch {
	case platform.IsCredentialKind(perr.Kind):
		if _, rerr := d.repairer.Repair(ctx, sub.ID, post.Platform, &valid, err); rerr != nil {
			return d.connectionFailed(ctx, log, out, post, rerr)
		}
		// Token repaired; try again next run.
		return d.transient(ctx, log, out, post, err)
	case perr.Kind == platform.KindTransient || perr.Kind == platform.KindRateLimited:
		return d.transient(ctx, log, out, post, err)
	default:
		return d.fail(ctx, log, out, post, err)
	}
}

func deferred(out PostOutcome, err error) PostOutcome {
	out.Outcome = OutcomeDeferred
	out.Error = err.Error()
	return out
}

func (d *Dispatcher) connectionFailed(ctx context.Context, log zerolog.Logger, out PostOutcome, post models.Post, err error) PostOutcome {
	var rerr *repair.RepairError
	if errors.As(err, &rerr) && rerr.Retryable() {
		return d.transient(ctx, log, out, post, err)
	}
	out.Outcome = OutcomePendingConnection
	out.Error = err.Error()
	if serr := d.store.MarkPendingConnection(ctx, post.ID, err.Error()); serr != nil {
		log.Error().Err(serr).Msg("mark_pending_connection_failed")
		if store.IsUnavailable(serr) {
			return deferred(out, errors.Join(err, serr))
		}
		out.Error = errors.Join(err, serr).Error()
	}
	log.Warn().Err(err).Msg("pending_connection")

	ev := notify.Event{
		Type: notify.PostPendingConnection, SubscriberID: post.SubscriberID, Platform: post.Platform, PostID: post.ID,
		Title: "Post waiting for a connection", URL: "/posts/" + post.ID,
	}
	if rerr != nil {
		ev.Action = rerr.Action
	}
	d.emit(ctx, log, ev)
	return out
}

func (d *Dispatcher) transient(ctx context.Context, log zerolog.Logger, out PostOutcome, post models.Post, err error) PostOutcome {
	out.Error = err.Error()
	status, serr := d.store.RecordTransientFailure(ctx, post.ID, err.Error(), d.maxAttempts)
	if serr != nil {
		log.Error().Err(serr).Msg("record_transient_failure_failed")
		out.Outcome = OutcomeRetry
		out.Error = errors.Join(err, serr).Error()
		return out
	}
	if status == models.PostFailed {
		out.Outcome = OutcomeFailed
		log.Warn().Err(err).Int("maxAttempts", d.maxAttempts).Msg("retries_exhausted")
		d.emitFailed(ctx, log, post, err)
		return out
	}
	out.Outcome = OutcomeRetry
	log.Warn().Err(err).Msg("publish_retry")
	return out
}

func (d *Dispatcher) fail(ctx context.Context, log zerolog.Logger, out PostOutcome, post models.Post, err error) PostOutcome {
	out.Outcome = OutcomeFailed
	out.Error = err.Error()
	if serr := d.store.MarkFailed(ctx, post.ID, err.Error()); serr != nil {
		log.Error().Err(serr).Msg("mark_failed_failed")
		// The post is still approved; the next run decides again.
		if store.IsUnavailable(serr) {
			return deferred(out, errors.Join(err, serr))
		}
		out.Error = errors.Join(err, serr).Error()
	}
	log.Warn().Err(err).Msg("publish_failed")
	d.emitFailed(ctx, log, post, err)
	return out
}

func (d *Dispatcher) emitFailed(ctx context.Context, log zerolog.Logger, post models.Post, err error) {
	d.emit(ctx, log, notify.Event{
		Type: notify.PostFailed, SubscriberID: post.SubscriberID, Platform: post.Platform, PostID: post.ID,
		Title: "Post failed to publish", Body: err.Error(), Action: "review and re-approve the post", URL: "/posts/" + post.ID,
	})
}

func (d *Dispatcher) emit(ctx context.Context, log zerolog.Logger, ev notify.Event) {
	if err := d.notifier.Notify(ctx, ev); err != nil {
		log.Error().Err(err).Str("type", string(ev.Type)).Msg("notify_failed")
	}
}
