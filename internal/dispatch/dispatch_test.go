package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/PortNumber53/publish-enforcer/internal/connections"
	"github.com/PortNumber53/publish-enforcer/internal/models"
	"github.com/PortNumber53/publish-enforcer/internal/notify"
	"github.com/PortNumber53/publish-enforcer/internal/platform"
	"github.com/PortNumber53/publish-enforcer/internal/platform/platformtest"
	"github.com/PortNumber53/publish-enforcer/internal/quota"
	"github.com/PortNumber53/publish-enforcer/internal/repair"
	"github.com/PortNumber53/publish-enforcer/internal/store"
	"github.com/rs/zerolog"
)

var (
	anchor   = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	fixedNow = time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
)

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Notify(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) types() []notify.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type harness struct {
	store *store.MemoryStore
	fakes map[models.Platform]*platformtest.Adapter
	notes *recorder
	d     *Dispatcher
	sub   models.Subscriber
}

func newHarness(tier models.PlanTier) *harness {
	st := store.NewMemoryStore()
	adapters := platform.NewRegistry()
	fakes := map[models.Platform]*platformtest.Adapter{}
	for _, p := range models.Platforms {
		f := platformtest.New(p)
		fakes[p] = f
		adapters.Register(f)
	}
	clock := func() time.Time { return fixedNow }
	conns := connections.NewRegistry(st, adapters, connections.Options{Now: clock, Logger: zerolog.Nop()})
	notes := &recorder{}
	rep := repair.New(conns, adapters, notes, zerolog.Nop()).WithClock(clock)
	ledger := quota.NewLedger(st, quota.Options{Now: clock, Logger: zerolog.Nop()})
	d := New(ledger, conns, rep, st, adapters, notes, Options{PublishTimeout: time.Second, MaxTransientAttempts: 3, Logger: zerolog.Nop()})

	sub := models.Subscriber{ID: "s1", CycleStartAt: anchor, PlanTier: tier, Active: true}
	st.PutSubscriber(sub)
	return &harness{store: st, fakes: fakes, notes: notes, d: d, sub: sub}
}

func (h *harness) connect(p models.Platform) models.PlatformConnection {
	c := models.PlatformConnection{SubscriberID: h.sub.ID, Platform: p, AccountID: "acct", AccessToken: "tok", IsActive: true}
	h.store.PutConnection(c)
	return c
}

func (h *harness) published(n int) {
	for i := 0; i < n; i++ {
		at := anchor.Add(time.Duration(i+1) * time.Hour)
		pid := fmt.Sprintf("x_old_%d", i)
		h.store.PutPost(models.Post{
			ID: fmt.Sprintf("old_%d", i), SubscriberID: h.sub.ID, Platform: models.PlatformX,
			Status: models.PostPublished, QuotaDeducted: true, PublishedAt: &at, PlatformPostID: &pid,
		})
	}
}

func (h *harness) post(id string, p models.Platform, dueAgo time.Duration) models.Post {
	post := models.Post{
		ID: id, SubscriberID: h.sub.ID, Platform: p, Content: "hello " + id,
		Status: models.PostApproved, ScheduledFor: fixedNow.Add(-dueAgo),
	}
	h.store.PutPost(post)
	return post
}

func (h *harness) status(t *testing.T, id string) models.Post {
	t.Helper()
	p, ok := h.store.Post(id)
	if !ok {
		t.Fatalf("post %s missing", id)
	}
	return p
}

func TestDispatch_GrowthPlanExhausted(t *testing.T) {
	h := newHarness(models.PlanGrowth)
	h.published(27)
	h.connect(models.PlatformX)
	p := h.post("p1", models.PlatformX, time.Minute)

	res := h.d.Dispatch(context.Background(), h.sub, []models.Post{p}, fixedNow)
	if res.QuotaExceeded != 1 || res.Published != 0 || res.Processed != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := h.status(t, "p1"); got.Status != models.PostApproved || got.ErrorLog != nil {
		t.Fatalf("post must stay approved and untouched: %+v", got)
	}
	if len(h.fakes[models.PlatformX].Published()) != 0 {
		t.Fatalf("nothing should reach the platform")
	}
}

func TestDispatch_CapsToRemainingEarliestFirst(t *testing.T) {
	h := newHarness(models.PlanStarter)
	h.published(10)
	for _, p := range models.Platforms {
		h.connect(p)
	}
	posts := []models.Post{
		h.post("p3", models.PlatformFacebook, 1*time.Minute),
		h.post("p1", models.PlatformLinkedIn, 3*time.Minute),
		h.post("p4", models.PlatformX, 0),
		h.post("p2", models.PlatformThreads, 2*time.Minute),
	}

	res := h.d.Dispatch(context.Background(), h.sub, posts, fixedNow)
	if res.Published != 2 || res.QuotaExceeded != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	for id, want := range map[string]models.PostStatus{"p1": models.PostPublished, "p2": models.PostPublished, "p3": models.PostApproved, "p4": models.PostApproved} {
		if got := h.status(t, id); got.Status != want {
			t.Fatalf("%s: expected %s, got %s", id, want, got.Status)
		}
	}
	p1 := h.status(t, "p1")
	if !p1.QuotaDeducted || p1.PlatformPostID == nil || *p1.PlatformPostID != "linkedin_p1" {
		t.Fatalf("published post not committed: %+v", p1)
	}
}

func TestDispatch_ExpiredWithoutRefreshTokenGoesPending(t *testing.T) {
	h := newHarness(models.PlanGrowth)
	exp := fixedNow.Add(-time.Hour)
	h.store.PutConnection(models.PlatformConnection{SubscriberID: h.sub.ID, Platform: models.PlatformX, AccessToken: "tok", ExpiresAt: &exp, IsActive: true})
	p := h.post("p1", models.PlatformX, time.Minute)

	res := h.d.Dispatch(context.Background(), h.sub, []models.Post{p}, fixedNow)
	if res.PendingConnection != 1 || res.Outcomes[0].Outcome != OutcomePendingConnection {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := h.status(t, "p1"); got.Status != models.PostPendingConnection || got.QuotaDeducted {
		t.Fatalf("unexpected post %+v", got)
	}
	conn, _ := h.store.Connection(h.sub.ID, models.PlatformX)
	if conn.IsActive {
		t.Fatalf("connection should be deactivated")
	}
	types := h.notes.types()
	if len(types) != 2 || types[0] != notify.ConnectionRepairFailed || types[1] != notify.PostPendingConnection {
		t.Fatalf("unexpected notifications %v", types)
	}
}

func TestDispatch_MissingConnectionGoesPending(t *testing.T) {
	h := newHarness(models.PlanGrowth)
	p := h.post("p1", models.PlatformThreads, time.Minute)

	res := h.d.Dispatch(context.Background(), h.sub, []models.Post{p}, fixedNow)
	if res.PendingConnection != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	h.notes.mu.Lock()
	defer h.notes.mu.Unlock()
	last := h.notes.events[len(h.notes.events)-1]
	if last.Type != notify.PostPendingConnection || last.Action != "connect your Threads account" {
		t.Fatalf("unexpected notification %+v", last)
	}
}

func TestDispatch_ContentRejectedFailsWithoutSpendingQuota(t *testing.T) {
	h := newHarness(models.PlanGrowth)
	h.connect(models.PlatformInstagram)
	h.fakes[models.PlatformInstagram].PublishFunc = func(context.Context, models.PlatformConnection, models.Post) (string, error) {
		return "", &platform.Error{Platform: models.PlatformInstagram, Kind: platform.KindContentRejected, Message: "instagram_requires_media"}
	}
	p := h.post("p1", models.PlatformInstagram, time.Minute)

	res := h.d.Dispatch(context.Background(), h.sub, []models.Post{p}, fixedNow)
	if res.Failed != 1 || res.Outcomes[0].Error == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	got := h.status(t, "p1")
	if got.Status != models.PostFailed || got.QuotaDeducted || got.PublishedAt != nil || got.ErrorLog == nil {
		t.Fatalf("unexpected post %+v", got)
	}
	types := h.notes.types()
	if len(types) != 1 || types[0] != notify.PostFailed {
		t.Fatalf("unexpected notifications %v", types)
	}
}

func TestDispatch_TransientFailuresRetryThenFail(t *testing.T) {
	h := newHarness(models.PlanGrowth)
	h.connect(models.PlatformFacebook)
	calls := 0
	h.fakes[models.PlatformFacebook].PublishFunc = func(context.Context, models.PlatformConnection, models.Post) (string, error) {
		calls++
		return "", &platform.Error{Platform: models.PlatformFacebook, Kind: platform.KindTransient, Status: 503}
	}
	p := h.post("p1", models.PlatformFacebook, time.Minute)

	for attempt := 1; attempt <= 2; attempt++ {
		res := h.d.Dispatch(context.Background(), h.sub, []models.Post{p}, fixedNow)
		if res.Retry != 1 {
			t.Fatalf("attempt %d: expected retry, got %+v", attempt, res)
		}
		got := h.status(t, "p1")
		if got.Status != models.PostApproved || got.PublishAttempts != attempt || got.QuotaDeducted {
			t.Fatalf("attempt %d: unexpected post %+v", attempt, got)
		}
	}
	res := h.d.Dispatch(context.Background(), h.sub, []models.Post{p}, fixedNow)
	if res.Failed != 1 {
		t.Fatalf("third attempt should fail, got %+v", res)
	}
	if got := h.status(t, "p1"); got.Status != models.PostFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if calls != 3 {
		t.Fatalf("expected 3 publish calls, got %d", calls)
	}
}

func TestDispatch_RejectedTokenAtPublishRepairsAndRetries(t *testing.T) {
	h := newHarness(models.PlanGrowth)
	rt := "refresh"
	later := fixedNow.Add(24 * time.Hour)
	h.store.PutConnection(models.PlatformConnection{SubscriberID: h.sub.ID, Platform: models.PlatformX, AccessToken: "revoked", RefreshToken: &rt, ExpiresAt: &later, IsActive: true})
	fake := h.fakes[models.PlatformX]
	newExp := fixedNow.Add(48 * time.Hour)
	fake.RefreshFunc = func(context.Context, models.PlatformConnection) (platform.Token, error) {
		return platform.Token{AccessToken: "fresh", ExpiresAt: &newExp}, nil
	}
	fake.PublishFunc = func(_ context.Context, conn models.PlatformConnection, post models.Post) (string, error) {
		if conn.AccessToken != "fresh" {
			return "", &platform.Error{Platform: models.PlatformX, Kind: platform.KindInvalidToken, Status: 401}
		}
		return "x_" + post.ID, nil
	}
	p := h.post("p1", models.PlatformX, time.Minute)

	res := h.d.Dispatch(context.Background(), h.sub, []models.Post{p}, fixedNow)
	if res.Retry != 1 {
		t.Fatalf("expected retry after repair, got %+v", res)
	}
	conn, _ := h.store.Connection(h.sub.ID, models.PlatformX)
	if conn.AccessToken != "fresh" || !conn.IsActive {
		t.Fatalf("connection should hold the refreshed token: %+v", conn)
	}

	res = h.d.Dispatch(context.Background(), h.sub, []models.Post{p}, fixedNow)
	if res.Published != 1 {
		t.Fatalf("expected publish with refreshed token, got %+v", res)
	}
}

func TestDispatch_PlatformsRunIndependently(t *testing.T) {
	h := newHarness(models.PlanProfessional)
	var posts []models.Post
	for _, p := range models.Platforms {
		h.connect(p)
		for i := 0; i < 3; i++ {
			posts = append(posts, h.post(fmt.Sprintf("%s_%d", p, i), p, time.Duration(i+1)*time.Minute))
		}
	}
	h.fakes[models.PlatformLinkedIn].PublishFunc = func(context.Context, models.PlatformConnection, models.Post) (string, error) {
		return "", &platform.Error{Platform: models.PlatformLinkedIn, Kind: platform.KindContentRejected, Message: "DUPLICATE_POST"}
	}

	res := h.d.Dispatch(context.Background(), h.sub, posts, fixedNow)
	if res.Published != 12 || res.Failed != 3 || res.Processed != 15 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.State.Remaining != 52 {
		t.Fatalf("batch state should be the pre-dispatch snapshot, got %+v", res.State)
	}
}

// stateErrLedger fails every state read.
type stateErrLedger struct{ *quota.Ledger }

func (stateErrLedger) StateOf(context.Context, models.Subscriber, time.Time) (models.QuotaState, error) {
	return models.QuotaState{}, errors.New("db down")
}

func TestDispatch_StateFailureDefersEverything(t *testing.T) {
	h := newHarness(models.PlanGrowth)
	h.d.ledger = stateErrLedger{}
	p := h.post("p1", models.PlatformX, time.Minute)

	res := h.d.Dispatch(context.Background(), h.sub, []models.Post{p}, fixedNow)
	if res.Deferred != 1 || res.Error == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := h.status(t, "p1"); got.Status != models.PostApproved {
		t.Fatalf("post must stay approved")
	}
}

func TestDispatch_ClaimedPostIsDeferred(t *testing.T) {
	h := newHarness(models.PlanGrowth)
	h.connect(models.PlatformX)
	p := h.post("p1", models.PlatformX, time.Minute)
	if err := h.store.ClaimPost(context.Background(), "p1", "other-run", fixedNow, fixedNow.Add(time.Minute)); err != nil {
		t.Fatalf("ClaimPost: %v", err)
	}

	res := h.d.Dispatch(context.Background(), h.sub, []models.Post{p}, fixedNow)
	if res.Deferred != 1 || res.Published != 0 {
		t.Fatalf("expected the claimed post to be deferred, got %+v", res)
	}
	if got := h.fakes[models.PlatformX].Published(); len(got) != 0 {
		t.Fatalf("claimed post must not be sent, got %v", got)
	}
	if got := h.status(t, "p1"); got.Status != models.PostApproved || got.PublishAttempts != 0 {
		t.Fatalf("post must stay untouched: %+v", got)
	}
}

// downStore fails terminal writes the way an unreachable database does.
type downStore struct{ *store.MemoryStore }

func (downStore) MarkFailed(context.Context, string, string) error {
	return errors.New("dial tcp 127.0.0.1:5432: connection refused")
}

func TestDispatch_StoreOutageOnFailureDefers(t *testing.T) {
	h := newHarness(models.PlanGrowth)
	h.d.store = downStore{h.store}
	h.connect(models.PlatformInstagram)
	h.fakes[models.PlatformInstagram].PublishFunc = func(context.Context, models.PlatformConnection, models.Post) (string, error) {
		return "", &platform.Error{Platform: models.PlatformInstagram, Kind: platform.KindContentRejected, Message: "instagram_requires_media"}
	}
	p := h.post("p1", models.PlatformInstagram, time.Minute)

	res := h.d.Dispatch(context.Background(), h.sub, []models.Post{p}, fixedNow)
	if res.Deferred != 1 || res.Failed != 0 {
		t.Fatalf("expected deferred while the store is down, got %+v", res)
	}
	if got := h.status(t, "p1"); got.Status != models.PostApproved {
		t.Fatalf("post must stay approved, got %s", got.Status)
	}
	if types := h.notes.types(); len(types) != 0 {
		t.Fatalf("no failure notice for an unrecorded failure, got %v", types)
	}
}
