// Package scheduler runs enforcement passes over every active subscriber,
// on a cron schedule or on demand.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PortNumber53/publish-enforcer/internal/cycle"
	"github.com/PortNumber53/publish-enforcer/internal/dispatch"
	"github.com/PortNumber53/publish-enforcer/internal/metrics"
	"github.com/PortNumber53/publish-enforcer/internal/models"
	"github.com/PortNumber53/publish-enforcer/internal/quota"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrRunInFlight is returned by Trigger when a pass is already running.
var ErrRunInFlight = errors.New("enforcement run already in flight")

type Store interface {
	ListActiveSubscribers(ctx context.Context) ([]models.Subscriber, error)
	GetApprovedDuePosts(ctx context.Context, subscriberID string, now time.Time) ([]models.Post, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, sub models.Subscriber, posts []models.Post, now time.Time) dispatch.BatchResult
}

type Reconciler interface {
	Reconcile(ctx context.Context) (quota.ReconcileResult, error)
}

type SubscriberSummary struct {
	SubscriberID string `json:"subscriberId"`
	// Skipped is set for subscribers outside their cycle; not an error.
	Skipped bool                `json:"skipped,omitempty"`
	Reason  string              `json:"reason,omitempty"`
	Batch   dispatch.BatchResult `json:"batch"`
}

type RunSummary struct {
	StartedAt         time.Time           `json:"startedAt"`
	FinishedAt        time.Time           `json:"finishedAt"`
	Subscribers       int                 `json:"subscribers"`
	Skipped           int                 `json:"skipped"`
	Processed         int                 `json:"processed"`
	Published         int                 `json:"published"`
	Failed            int                 `json:"failed"`
	PendingConnection int                 `json:"pendingConnection"`
	QuotaExceeded     int                 `json:"quotaExceeded"`
	Retry             int                 `json:"retry"`
	Deferred          int                 `json:"deferred"`
	Reconciled        int                 `json:"reconciled"`
	PerSubscriber     []SubscriberSummary `json:"perSubscriber"`
	Errors            []string            `json:"errors,omitempty"`
}

func (s *RunSummary) add(ss SubscriberSummary) {
	s.PerSubscriber = append(s.PerSubscriber, ss)
	if ss.Skipped {
		s.Skipped++
		return
	}
	b := ss.Batch
	s.Processed += b.Processed
	s.Published += b.Published
	s.Failed += b.Failed
	s.PendingConnection += b.PendingConnection
	s.QuotaExceeded += b.QuotaExceeded
	s.Retry += b.Retry
	s.Deferred += b.Deferred
	if b.Error != "" {
		s.Errors = append(s.Errors, fmt.Sprintf("%s: %s", ss.SubscriberID, b.Error))
	}
}

type Options struct {
	Concurrency int
	Schedule    string
	Now         func() time.Time
	Logger      zerolog.Logger
}

type job struct {
	name string
	spec string
	run  func(ctx context.Context) error
}

type Scheduler struct {
	store      Store
	dispatcher Dispatcher
	reconciler Reconciler
	opts       Options
	log        zerolog.Logger

	running  atomic.Bool
	inflight sync.WaitGroup

	mu       sync.Mutex
	c        *cron.Cron
	jobs     []job
	drained  <-chan struct{}
	stopOnce sync.Once
}

func New(st Store, d Dispatcher, r Reconciler, opts Options) *Scheduler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Schedule == "" {
		opts.Schedule = "@every 5m"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{store: st, dispatcher: d, reconciler: r, opts: opts, log: opts.Logger}
}

// RunOnce performs one enforcement pass. Failures are folded into the summary.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) RunSummary {
	start := time.Now()
	sum := RunSummary{StartedAt: now.UTC()}
	defer func() {
		metrics.RunDuration.Observe(time.Since(start).Seconds())
	}()

	if s.reconciler != nil {
		res, err := s.reconciler.Reconcile(ctx)
		sum.Reconciled = res.Applied
		if err != nil {
			sum.Errors = append(sum.Errors, "reconcile: "+err.Error())
			s.log.Error().Err(err).Msg("reconcile_failed")
		}
	}

	subs, err := s.store.ListActiveSubscribers(ctx)
	if err != nil {
		sum.Errors = append(sum.Errors, "list subscribers: "+err.Error())
		s.log.Error().Err(err).Msg("list_subscribers_failed")
		sum.FinishedAt = s.opts.Now().UTC()
		return sum
	}
	sum.Subscribers = len(subs)

	results := make([]SubscriberSummary, len(subs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for i, sub := range subs {
		g.Go(func() error {
			results[i] = s.runSubscriber(gctx, sub, now)
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(results, func(i, j int) bool { return results[i].SubscriberID < results[j].SubscriberID })
	for _, r := range results {
		sum.add(r)
	}
	sum.FinishedAt = s.opts.Now().UTC()

	s.log.Info().
		Int("subscribers", sum.Subscribers).
		Int("skipped", sum.Skipped).
		Int("processed", sum.Processed).
		Int("published", sum.Published).
		Int("failed", sum.Failed).
		Int("pendingConnection", sum.PendingConnection).
		Int("quotaExceeded", sum.QuotaExceeded).
		Int("reconciled", sum.Reconciled).
		Dur("took", time.Since(start)).
		Msg("run_done")
	return sum
}

func (s *Scheduler) runSubscriber(ctx context.Context, sub models.Subscriber, now time.Time) SubscriberSummary {
	out := SubscriberSummary{SubscriberID: sub.ID}
	w := cycle.Compute(sub.CycleStartAt, now, sub.Active)
	if !w.InCycle {
		out.Skipped = true
		out.Reason = quota.ErrCycleInactive.Error()
		return out
	}

	posts, err := s.store.GetApprovedDuePosts(ctx, sub.ID, now)
	if err != nil {
		s.log.Error().Err(err).Str("subscriberId", sub.ID).Msg("load_due_posts_failed")
		out.Batch = dispatch.BatchResult{SubscriberID: sub.ID, Error: err.Error()}
		return out
	}
	if len(posts) == 0 {
		out.Batch = dispatch.BatchResult{SubscriberID: sub.ID, Outcomes: []dispatch.PostOutcome{}}
		return out
	}
	out.Batch = s.dispatcher.Dispatch(ctx, sub, posts, now)
	return out
}

// Trigger runs a pass unless one is already in flight.
func (s *Scheduler) Trigger(ctx context.Context) (RunSummary, error) {
	if !s.running.CompareAndSwap(false, true) {
		metrics.RunsSkipped.Inc()
		return RunSummary{}, ErrRunInFlight
	}
	s.inflight.Add(1)
	defer s.inflight.Done()
	defer s.running.Store(false)
	return s.RunOnce(ctx, s.opts.Now()), nil
}

// Wait blocks until any triggered pass, from cron or HTTP, has returned.
func (s *Scheduler) Wait() {
	s.inflight.Wait()
}

// AddJob registers an extra cron entry (plan sync, cleanup) to start with the scheduler.
func (s *Scheduler) AddJob(name, spec string, run func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job{name: name, spec: spec, run: run})
}

// Start registers the enforcement pass and extra jobs on cron and returns once
// they are scheduled. Cancel ctx or call Stop to end.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC))

	// A pass that has started runs to completion on shutdown; every outbound
	// call it makes is bounded by the publish timeout.
	runCtx := context.WithoutCancel(ctx)
	if _, err := c.AddFunc(s.opts.Schedule, func() {
		if _, err := s.Trigger(runCtx); errors.Is(err, ErrRunInFlight) {
			s.log.Warn().Msg("run_skipped_in_flight")
		}
	}); err != nil {
		return fmt.Errorf("schedule %q: %w", s.opts.Schedule, err)
	}
	for _, j := range s.jobs {
		var busy atomic.Bool
		if _, err := c.AddFunc(j.spec, func() {
			if !busy.CompareAndSwap(false, true) {
				return
			}
			defer busy.Store(false)
			if err := j.run(runCtx); err != nil {
				s.log.Error().Err(err).Str("job", j.name).Msg("job_failed")
			}
		}); err != nil {
			return fmt.Errorf("schedule %s %q: %w", j.name, j.spec, err)
		}
	}

	s.c = c
	c.Start()
	s.log.Info().Str("schedule", s.opts.Schedule).Int("jobs", len(s.jobs)).Msg("scheduler_started")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts cron and waits for in-flight jobs to finish. Concurrent callers
// all wait for the same drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.c != nil {
		s.drained = s.c.Stop().Done()
		s.c = nil
	}
	drained := s.drained
	s.mu.Unlock()
	if drained == nil {
		return
	}
	<-drained
	s.stopOnce.Do(func() { s.log.Info().Msg("scheduler_stopped") })
}
