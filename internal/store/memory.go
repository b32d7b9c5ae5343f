package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/PortNumber53/publish-enforcer/internal/models"
)

// MemoryStore is an in-process Store used by tests and local dry runs.
// Each instance is isolated; nothing is shared at package level.
type MemoryStore struct {
	mu          sync.Mutex
	subscribers map[string]models.Subscriber
	connections map[string]models.PlatformConnection
	posts       map[string]models.Post
	claims      map[string]claim
}

type claim struct {
	token string
	until time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subscribers: map[string]models.Subscriber{},
		connections: map[string]models.PlatformConnection{},
		posts:       map[string]models.Post{},
		claims:      map[string]claim{},
	}
}

func connKey(subscriberID string, p models.Platform) string {
	return subscriberID + "|" + string(p)
}

func (m *MemoryStore) PutSubscriber(s models.Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers[s.ID] = s
}

func (m *MemoryStore) PutConnection(c models.PlatformConnection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[connKey(c.SubscriberID, c.Platform)] = c
}

func (m *MemoryStore) PutPost(p models.Post) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posts[p.ID] = p
}

// Post returns a copy of the stored post.
func (m *MemoryStore) Post(id string) (models.Post, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	return p, ok
}

func (m *MemoryStore) Connection(subscriberID string, p models.Platform) (models.PlatformConnection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connections[connKey(subscriberID, p)]
	return c, ok
}

func (m *MemoryStore) ListActiveSubscribers(_ context.Context) ([]models.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Subscriber, 0, len(m.subscribers))
	for _, s := range m.subscribers {
		if s.Active {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetSubscriber(_ context.Context, id string) (models.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscribers[id]
	if !ok {
		return models.Subscriber{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) ListStripeSubscribers(_ context.Context) ([]models.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Subscriber, 0)
	for _, s := range m.subscribers {
		if s.StripeSubscriptionID != nil && *s.StripeSubscriptionID != "" {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpdateSubscriberPlan(_ context.Context, id string, change models.PlanChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscribers[id]
	if !ok {
		return ErrNotFound
	}
	s.PlanTier = change.Tier
	s.PendingPlanTier, s.PendingFromCycle = nil, nil
	if change.PendingTier != nil && change.PendingFromCycle != nil {
		tier, from := *change.PendingTier, *change.PendingFromCycle
		s.PendingPlanTier, s.PendingFromCycle = &tier, &from
	}
	s.Active = change.Active
	s.UpdatedAt = time.Now().UTC()
	m.subscribers[id] = s
	return nil
}

func (m *MemoryStore) GetConnection(_ context.Context, subscriberID string, p models.Platform) (models.PlatformConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connections[connKey(subscriberID, p)]
	if !ok {
		return models.PlatformConnection{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryStore) UpdateConnectionToken(_ context.Context, conn models.PlatformConnection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := connKey(conn.SubscriberID, conn.Platform)
	cur, ok := m.connections[k]
	if !ok {
		return ErrNotFound
	}
	cur.AccessToken = conn.AccessToken
	cur.RefreshToken = conn.RefreshToken
	cur.ExpiresAt = conn.ExpiresAt
	if conn.Scope != "" {
		cur.Scope = conn.Scope
	}
	cur.LastError = nil
	cur.UpdatedAt = time.Now().UTC()
	m.connections[k] = cur
	return nil
}

func (m *MemoryStore) DeactivateConnection(_ context.Context, subscriberID string, p models.Platform, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := connKey(subscriberID, p)
	cur, ok := m.connections[k]
	if !ok {
		return ErrNotFound
	}
	r := truncate(reason, maxErrorLogLen)
	cur.IsActive = false
	cur.LastError = &r
	cur.UpdatedAt = time.Now().UTC()
	m.connections[k] = cur
	return nil
}

func (m *MemoryStore) GetApprovedDuePosts(_ context.Context, subscriberID string, now time.Time) ([]models.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Post, 0)
	for _, p := range m.posts {
		if p.SubscriberID == subscriberID && p.Status == models.PostApproved && !p.ScheduledFor.After(now) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledFor.Equal(out[j].ScheduledFor) {
			return out[i].ID < out[j].ID
		}
		return out[i].ScheduledFor.Before(out[j].ScheduledFor)
	})
	return out, nil
}

func (m *MemoryStore) CountPublishedBetween(_ context.Context, subscriberID string, start, end time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.posts {
		if p.SubscriberID != subscriberID || p.Status != models.PostPublished || p.PublishedAt == nil {
			continue
		}
		if !p.PublishedAt.Before(start) && p.PublishedAt.Before(end) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ClaimPost(_ context.Context, postID, token string, now, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[postID]
	if !ok {
		return ErrNotFound
	}
	if p.Status != models.PostApproved {
		return ErrConflict
	}
	if c, held := m.claims[postID]; held && c.until.After(now) {
		return ErrConflict
	}
	m.claims[postID] = claim{token: token, until: until}
	return nil
}

func (m *MemoryStore) ReleaseClaim(_ context.Context, postID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, held := m.claims[postID]; held && c.token == token {
		delete(m.claims, postID)
	}
	return nil
}

func (m *MemoryStore) MarkPublished(_ context.Context, postID, platformPostID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[postID]
	if !ok {
		return ErrNotFound
	}
	switch p.Status {
	case models.PostPublished:
		if p.PlatformPostID != nil && *p.PlatformPostID == platformPostID {
			return nil
		}
		return ErrConflict
	case models.PostDraft:
		return ErrConflict
	}
	id := platformPostID
	ts := at.UTC()
	p.Status = models.PostPublished
	p.QuotaDeducted = true
	p.PlatformPostID = &id
	p.PublishedAt = &ts
	p.ErrorLog = nil
	p.UpdatedAt = time.Now().UTC()
	m.posts[postID] = p
	delete(m.claims, postID)
	return nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, postID, reason string) error {
	return m.setTerminal(postID, models.PostFailed, reason)
}

func (m *MemoryStore) MarkPendingConnection(_ context.Context, postID, reason string) error {
	return m.setTerminal(postID, models.PostPendingConnection, reason)
}

func (m *MemoryStore) setTerminal(postID string, status models.PostStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[postID]
	if !ok {
		return ErrNotFound
	}
	if p.Status == models.PostPublished {
		return ErrConflict
	}
	r := truncate(reason, maxErrorLogLen)
	p.Status = status
	p.QuotaDeducted = false
	p.ErrorLog = &r
	p.UpdatedAt = time.Now().UTC()
	m.posts[postID] = p
	delete(m.claims, postID)
	return nil
}

func (m *MemoryStore) RecordTransientFailure(_ context.Context, postID, reason string, maxAttempts int) (models.PostStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[postID]
	if !ok {
		return "", ErrNotFound
	}
	if p.Status != models.PostApproved {
		return p.Status, ErrConflict
	}
	r := truncate(reason, maxErrorLogLen)
	p.PublishAttempts++
	p.ErrorLog = &r
	if maxAttempts > 0 && p.PublishAttempts >= maxAttempts {
		p.Status = models.PostFailed
	}
	p.UpdatedAt = time.Now().UTC()
	m.posts[postID] = p
	delete(m.claims, postID)
	return p.Status, nil
}

var _ Store = (*MemoryStore)(nil)
