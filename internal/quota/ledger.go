// Package quota owns the per-cycle publish allocation. Every unit of quota is
// spent inside one critical section that counts, publishes and commits.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/publish-enforcer/internal/cycle"
	"github.com/PortNumber53/publish-enforcer/internal/metrics"
	"github.com/PortNumber53/publish-enforcer/internal/models"
	"github.com/PortNumber53/publish-enforcer/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrCycleInactive = errors.New("subscription cycle inactive")
	// ErrPostClaimed means another run holds the post or has it awaiting reconciliation.
	ErrPostClaimed = errors.New("post claimed by another run")
)

// QuotaError carries the state observed when a reservation was refused.
type QuotaError struct {
	State models.QuotaState
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded subscriber=%s used=%d allocation=%d", e.State.SubscriberID, e.State.Used, e.State.Allocation)
}

func (e *QuotaError) Is(target error) bool { return target == ErrQuotaExceeded }

// CommitError means the platform accepted the post but the store did not record it.
// Journaled reports whether the publish is safe in the reconciliation journal.
type CommitError struct {
	PostID         string
	PlatformPostID string
	Journaled      bool
	Err            error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit post=%s platformPostId=%s journaled=%t: %v", e.PostID, e.PlatformPostID, e.Journaled, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// Store is the subset of store.Store the ledger reads and writes.
type Store interface {
	GetSubscriber(ctx context.Context, id string) (models.Subscriber, error)
	CountPublishedBetween(ctx context.Context, subscriberID string, start, end time.Time) (int, error)
	ClaimPost(ctx context.Context, postID, token string, now, until time.Time) error
	ReleaseClaim(ctx context.Context, postID, token string) error
	MarkPublished(ctx context.Context, postID, platformPostID string, at time.Time) error
}

// PublishFunc performs the external publish and returns the platform's post id.
type PublishFunc func(ctx context.Context) (string, error)

type Outcome struct {
	PostID         string
	PlatformPostID string
	PublishedAt    time.Time
	// State is the quota after this publish was committed.
	State models.QuotaState
}

type Options struct {
	Locker        Locker
	Journal       Journal
	Now           func() time.Time
	CommitTimeout time.Duration
	// ClaimTTL bounds how long a crashed run can keep a post from being retried.
	ClaimTTL time.Duration
	Logger   zerolog.Logger
}

type Ledger struct {
	store         Store
	locker        Locker
	journal       Journal
	now           func() time.Time
	commitTimeout time.Duration
	claimTTL      time.Duration
	log           zerolog.Logger
}

func NewLedger(st Store, opts Options) *Ledger {
	l := &Ledger{
		store:         st,
		locker:        opts.Locker,
		journal:       opts.Journal,
		now:           opts.Now,
		commitTimeout: opts.CommitTimeout,
		claimTTL:      opts.ClaimTTL,
		log:           opts.Logger,
	}
	if l.locker == nil {
		l.locker = NewLocalLocker()
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.commitTimeout <= 0 {
		l.commitTimeout = 10 * time.Second
	}
	if l.claimTTL <= 0 {
		l.claimTTL = 2 * time.Minute
	}
	return l
}

// State loads the subscriber and returns its quota at now.
func (l *Ledger) State(ctx context.Context, subscriberID string, now time.Time) (models.QuotaState, error) {
	sub, err := l.store.GetSubscriber(ctx, subscriberID)
	if err != nil {
		return models.QuotaState{}, err
	}
	return l.StateOf(ctx, sub, now)
}

// StateOf computes the quota for an already loaded subscriber. Journaled
// publishes inside the window count as used until they are reconciled.
func (l *Ledger) StateOf(ctx context.Context, sub models.Subscriber, now time.Time) (models.QuotaState, error) {
	w := cycle.Compute(sub.CycleStartAt, now, sub.Active)
	used, err := l.store.CountPublishedBetween(ctx, sub.ID, w.Start, w.End)
	if err != nil {
		return models.QuotaState{}, fmt.Errorf("count published: %w", err)
	}
	pending, err := l.pendingIn(ctx, sub.ID, w)
	if err != nil {
		return models.QuotaState{}, err
	}
	return models.NewQuotaState(sub.ID, sub.TierAt(w.Index), used+pending, w.Start, w.End, w.InCycle), nil
}

func (l *Ledger) pendingIn(ctx context.Context, subscriberID string, w cycle.Window) (int, error) {
	if l.journal == nil {
		return 0, nil
	}
	entries, err := l.journal.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list journal: %w", err)
	}
	n := 0
	for _, e := range entries {
		if e.SubscriberID == subscriberID && w.Contains(e.PublishedAt) {
			n++
		}
	}
	return n, nil
}

// TryReserveAndPublish spends one unit of quota for postID. publish runs with
// the subscriber lock held and the post claimed; a publish error releases the
// claim and leaves the ledger untouched.
func (l *Ledger) TryReserveAndPublish(ctx context.Context, sub models.Subscriber, postID string, publish PublishFunc) (Outcome, error) {
	unlock, err := l.locker.Lock(ctx, sub.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("lock subscriber %s: %w", sub.ID, err)
	}
	defer unlock()

	state, err := l.StateOf(ctx, sub, l.now())
	if err != nil {
		return Outcome{}, err
	}
	if !state.InCycle {
		return Outcome{}, ErrCycleInactive
	}
	if state.Remaining <= 0 {
		metrics.QuotaRejections.Inc()
		return Outcome{}, &QuotaError{State: state}
	}

	token, err := l.claim(ctx, postID)
	if err != nil {
		return Outcome{}, err
	}

	platformPostID, err := publish(ctx)
	if err == nil && platformPostID == "" {
		err = fmt.Errorf("publish post %s returned an empty platform post id", postID)
	}
	if err != nil {
		l.release(ctx, postID, token)
		return Outcome{}, err
	}

	at := l.now().UTC()
	// The platform already has the post, so the commit must not inherit a cancellation.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.commitTimeout)
	defer cancel()
	if err := l.store.MarkPublished(cctx, postID, platformPostID, at); err != nil {
		return Outcome{}, l.journalCommitFailure(cctx, sub.ID, postID, platformPostID, at, err)
	}

	state.Used++
	if state.Remaining > 0 {
		state.Remaining--
	}
	return Outcome{PostID: postID, PlatformPostID: platformPostID, PublishedAt: at, State: state}, nil
}

// claim leases postID to this call. A post whose earlier publish still sits in
// the journal is treated as claimed.
func (l *Ledger) claim(ctx context.Context, postID string) (string, error) {
	if l.journal != nil {
		entries, err := l.journal.List(ctx)
		if err != nil {
			return "", fmt.Errorf("list journal: %w", err)
		}
		for _, e := range entries {
			if e.PostID == postID {
				return "", ErrPostClaimed
			}
		}
	}
	token := uuid.NewString()
	now := l.now()
	err := l.store.ClaimPost(ctx, postID, token, now, now.Add(l.claimTTL))
	switch {
	case err == nil:
		return token, nil
	case errors.Is(err, store.ErrConflict):
		metrics.ClaimsLost.Inc()
		return "", ErrPostClaimed
	default:
		return "", fmt.Errorf("claim post %s: %w", postID, err)
	}
}

func (l *Ledger) release(ctx context.Context, postID, token string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.commitTimeout)
	defer cancel()
	if err := l.store.ReleaseClaim(rctx, postID, token); err != nil {
		// The lease expires on its own.
		l.log.Warn().Err(err).Str("postId", postID).Msg("claim_release_failed")
	}
}

func (l *Ledger) journalCommitFailure(ctx context.Context, subscriberID, postID, platformPostID string, at time.Time, cause error) error {
	metrics.CommitFailures.Inc()
	cerr := &CommitError{PostID: postID, PlatformPostID: platformPostID, Err: cause}

	// A conflict means the post left the approved state while we published;
	// replaying would conflict forever.
	if errors.Is(cause, store.ErrConflict) || errors.Is(cause, store.ErrNotFound) || l.journal == nil {
		l.log.Error().Err(cause).Str("subscriberId", subscriberID).Str("postId", postID).
			Str("platformPostId", platformPostID).Time("publishedAt", at).Msg("commit_failed_unjournaled")
		return cerr
	}

	entry := Entry{
		SubscriberID:   subscriberID,
		PostID:         postID,
		PlatformPostID: platformPostID,
		PublishedAt:    at,
		LastError:      cause.Error(),
		JournaledAt:    l.now().UTC(),
	}
	if err := l.journal.Append(ctx, entry); err != nil {
		l.log.Error().Err(err).AnErr("commitErr", cause).Str("subscriberId", subscriberID).Str("postId", postID).
			Str("platformPostId", platformPostID).Time("publishedAt", at).Msg("journal_append_failed")
		cerr.Err = errors.Join(cause, err)
		return cerr
	}
	cerr.Journaled = true
	l.log.Warn().Err(cause).Str("subscriberId", subscriberID).Str("postId", postID).
		Str("platformPostId", platformPostID).Msg("commit_journaled")
	return cerr
}

type ReconcileResult struct {
	Applied   int
	Conflicts int
	Remaining int
}

// Reconcile replays journaled publishes into the store. Entries that the store
// refuses as conflicts are dropped; entries that fail otherwise stay for the next pass.
func (l *Ledger) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult
	if l.journal == nil {
		return res, nil
	}
	entries, err := l.journal.List(ctx)
	if err != nil {
		return res, fmt.Errorf("list journal: %w", err)
	}

	var errs []error
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		err := l.store.MarkPublished(ctx, e.PostID, e.PlatformPostID, e.PublishedAt)
		switch {
		case err == nil:
			res.Applied++
			metrics.Reconciled.WithLabelValues("applied").Inc()
			l.log.Info().Str("postId", e.PostID).Str("platformPostId", e.PlatformPostID).Msg("reconciled")
		case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrNotFound):
			res.Conflicts++
			metrics.Reconciled.WithLabelValues("conflict").Inc()
			l.log.Error().Err(err).Str("postId", e.PostID).Str("platformPostId", e.PlatformPostID).Msg("reconcile_conflict")
		default:
			res.Remaining++
			metrics.Reconciled.WithLabelValues("error").Inc()
			e.Attempts++
			e.LastError = err.Error()
			if aerr := l.journal.Append(ctx, e); aerr != nil {
				errs = append(errs, aerr)
			}
			errs = append(errs, fmt.Errorf("reconcile post %s: %w", e.PostID, err))
			continue
		}
		if err := l.journal.Remove(ctx, e.PostID); err != nil {
			errs = append(errs, fmt.Errorf("remove journal entry %s: %w", e.PostID, err))
		}
	}
	return res, errors.Join(errs...)
}
