package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/PortNumber53/publish-enforcer/internal/models"
)

func seedPost(m *MemoryStore, id string, status models.PostStatus, at time.Time) {
	m.PutPost(models.Post{ID: id, SubscriberID: "s1", Platform: models.PlatformX, Status: status, ScheduledFor: at})
}

func TestMemory_GetApprovedDuePosts_OrdersAndFilters(t *testing.T) {
	m := NewMemoryStore()
	now := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	seedPost(m, "late", models.PostApproved, now.Add(-time.Minute))
	seedPost(m, "early", models.PostApproved, now.Add(-time.Hour))
	seedPost(m, "future", models.PostApproved, now.Add(time.Minute))
	seedPost(m, "draft", models.PostDraft, now.Add(-time.Hour))
	seedPost(m, "exact", models.PostApproved, now)

	posts, err := m.GetApprovedDuePosts(context.Background(), "s1", now)
	if err != nil {
		t.Fatalf("GetApprovedDuePosts: %v", err)
	}
	var ids []string
	for _, p := range posts {
		ids = append(ids, p.ID)
	}
	if len(ids) != 3 || ids[0] != "early" || ids[1] != "late" || ids[2] != "exact" {
		t.Fatalf("unexpected order %v", ids)
	}
}

func TestMemory_MarkPublished_IdempotentOnSamePlatformID(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	at := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	seedPost(m, "p1", models.PostApproved, at)

	if err := m.MarkPublished(ctx, "p1", "tw_1", at); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}
	if err := m.MarkPublished(ctx, "p1", "tw_1", at.Add(time.Hour)); err != nil {
		t.Fatalf("second MarkPublished with same id should succeed: %v", err)
	}
	if err := m.MarkPublished(ctx, "p1", "tw_2", at); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict for different platform id, got %v", err)
	}
	p, _ := m.Post("p1")
	if p.Status != models.PostPublished || !p.QuotaDeducted || p.PublishedAt == nil || !p.PublishedAt.Equal(at) {
		t.Fatalf("unexpected post %#v", p)
	}
}

func TestMemory_MarkPublished_RejectsDraftAndMissing(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	seedPost(m, "d", models.PostDraft, time.Now())
	if err := m.MarkPublished(ctx, "d", "x", time.Now()); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := m.MarkPublished(ctx, "nope", "x", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemory_TerminalStatesNeverTouchPublished(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	seedPost(m, "p1", models.PostApproved, time.Now())
	if err := m.MarkPublished(ctx, "p1", "fb_1", time.Now()); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}
	if err := m.MarkFailed(ctx, "p1", "late failure"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := m.MarkPendingConnection(ctx, "p1", "late"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	seedPost(m, "p2", models.PostApproved, time.Now())
	if err := m.MarkPendingConnection(ctx, "p2", "reauth_required"); err != nil {
		t.Fatalf("MarkPendingConnection: %v", err)
	}
	p, _ := m.Post("p2")
	if p.Status != models.PostPendingConnection || p.QuotaDeducted || p.ErrorLog == nil || *p.ErrorLog != "reauth_required" {
		t.Fatalf("unexpected post %#v", p)
	}
}

func TestMemory_RecordTransientFailure_FailsAtMax(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	seedPost(m, "p1", models.PostApproved, time.Now())

	for i := 1; i <= 2; i++ {
		st, err := m.RecordTransientFailure(ctx, "p1", "timeout", 3)
		if err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		if st != models.PostApproved {
			t.Fatalf("attempt %d: expected approved got %s", i, st)
		}
	}
	st, err := m.RecordTransientFailure(ctx, "p1", "timeout", 3)
	if err != nil || st != models.PostFailed {
		t.Fatalf("expected failed on third attempt, got %s %v", st, err)
	}
	if _, err := m.RecordTransientFailure(ctx, "p1", "timeout", 3); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict once failed, got %v", err)
	}
	p, _ := m.Post("p1")
	if p.PublishAttempts != 3 || p.QuotaDeducted {
		t.Fatalf("unexpected post %#v", p)
	}
}

func TestMemory_CountPublishedBetween_HalfOpen(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 30)
	for id, at := range map[string]time.Time{
		"a": start,
		"b": end.Add(-time.Nanosecond),
		"c": end,
		"d": start.Add(-time.Second),
	} {
		seedPost(m, id, models.PostApproved, at)
		if err := m.MarkPublished(ctx, id, "pid_"+id, at); err != nil {
			t.Fatalf("MarkPublished %s: %v", id, err)
		}
	}
	n, err := m.CountPublishedBetween(ctx, "s1", start, end)
	if err != nil {
		t.Fatalf("CountPublishedBetween: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 got %d", n)
	}
}

func TestMemory_ConnectionLifecycle(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	m.PutConnection(models.PlatformConnection{SubscriberID: "s1", Platform: models.PlatformLinkedIn, AccessToken: "old", Scope: "w_member_social", IsActive: true})

	exp := time.Now().Add(time.Hour).UTC()
	if err := m.UpdateConnectionToken(ctx, models.PlatformConnection{SubscriberID: "s1", Platform: models.PlatformLinkedIn, AccessToken: "new", ExpiresAt: &exp}); err != nil {
		t.Fatalf("UpdateConnectionToken: %v", err)
	}
	c, _ := m.Connection("s1", models.PlatformLinkedIn)
	if c.AccessToken != "new" || c.Scope != "w_member_social" {
		t.Fatalf("unexpected connection %#v", c)
	}
	if err := m.DeactivateConnection(ctx, "s1", models.PlatformLinkedIn, "reauth_required"); err != nil {
		t.Fatalf("DeactivateConnection: %v", err)
	}
	c, ok := m.Connection("s1", models.PlatformLinkedIn)
	if !ok || c.IsActive {
		t.Fatalf("connection should remain stored but inactive")
	}
	if _, err := m.GetConnection(ctx, "s1", models.PlatformX); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemory_ClaimPost_ExcludesOtherHolders(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	seedPost(m, "p1", models.PostApproved, now)

	if err := m.ClaimPost(ctx, "p1", "a", now, now.Add(time.Minute)); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if err := m.ClaimPost(ctx, "p1", "b", now.Add(30*time.Second), now.Add(2*time.Minute)); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict while held, got %v", err)
	}
	// A release by a stale holder leaves the lease alone.
	_ = m.ReleaseClaim(ctx, "p1", "b")
	if err := m.ClaimPost(ctx, "p1", "b", now, now.Add(time.Minute)); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict after foreign release, got %v", err)
	}
	if err := m.ClaimPost(ctx, "p1", "b", now.Add(time.Minute), now.Add(2*time.Minute)); err != nil {
		t.Fatalf("expired lease should be reclaimable: %v", err)
	}
	if err := m.ReleaseClaim(ctx, "p1", "b"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := m.ClaimPost(ctx, "p1", "c", now, now.Add(time.Minute)); err != nil {
		t.Fatalf("claim after release: %v", err)
	}

	if err := m.MarkPublished(ctx, "p1", "x_1", now); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}
	if err := m.ClaimPost(ctx, "p1", "d", now, now.Add(time.Minute)); !errors.Is(err, ErrConflict) {
		t.Fatalf("published post must not be claimable, got %v", err)
	}
	if err := m.ClaimPost(ctx, "ghost", "d", now, now.Add(time.Minute)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemory_MarkFailed_TruncatesOnRuneBoundary(t *testing.T) {
	m := NewMemoryStore()
	seedPost(m, "p1", models.PostApproved, time.Now())
	reason := strings.Repeat("a", maxErrorLogLen-1) + "é…"

	if err := m.MarkFailed(context.Background(), "p1", reason); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	p, _ := m.Post("p1")
	if p.ErrorLog == nil || !utf8.ValidString(*p.ErrorLog) {
		t.Fatalf("error log is not valid UTF-8: %q", *p.ErrorLog)
	}
	if len(*p.ErrorLog) != maxErrorLogLen-1 {
		t.Fatalf("expected the split rune to be dropped, got %d bytes", len(*p.ErrorLog))
	}
}

func TestMemory_UpdateSubscriberPlan_StoresPendingTier(t *testing.T) {
	m := NewMemoryStore()
	m.PutSubscriber(models.Subscriber{ID: "s1", PlanTier: models.PlanProfessional, Active: true})
	next, from := models.PlanStarter, 4

	err := m.UpdateSubscriberPlan(context.Background(), "s1", models.PlanChange{
		Tier: models.PlanProfessional, PendingTier: &next, PendingFromCycle: &from, Active: true,
	})
	if err != nil {
		t.Fatalf("UpdateSubscriberPlan: %v", err)
	}
	s, _ := m.GetSubscriber(context.Background(), "s1")
	if s.TierAt(3) != models.PlanProfessional || s.TierAt(4) != models.PlanStarter {
		t.Fatalf("unexpected tiers %#v", s)
	}

	if err := m.UpdateSubscriberPlan(context.Background(), "ghost", models.PlanChange{Tier: models.PlanStarter}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
