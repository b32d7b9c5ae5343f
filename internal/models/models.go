package models

import (
	"strings"
	"time"
)

type PlanTier string

const (
	PlanStarter      PlanTier = "starter"
	PlanGrowth       PlanTier = "growth"
	PlanProfessional PlanTier = "professional"
)

// planAllocations is the number of successfully published posts a tier may spend per cycle.
var planAllocations = map[PlanTier]int{
	PlanStarter:      12,
	PlanGrowth:       27,
	PlanProfessional: 52,
}

// Allocation returns the per-cycle post allocation for the tier (0 for unknown tiers).
func (t PlanTier) Allocation() int {
	return planAllocations[t]
}

func (t PlanTier) Valid() bool {
	_, ok := planAllocations[t]
	return ok
}

// ParsePlanTier normalizes user/provider supplied tier names.
func ParsePlanTier(s string) (PlanTier, bool) {
	t := PlanTier(strings.ToLower(strings.TrimSpace(s)))
	return t, t.Valid()
}

type Platform string

const (
	PlatformFacebook  Platform = "facebook"
	PlatformInstagram Platform = "instagram"
	PlatformLinkedIn  Platform = "linkedin"
	PlatformX         Platform = "x"
	PlatformThreads   Platform = "threads"
)

// Platforms is the fixed set of publishing destinations.
var Platforms = []Platform{
	PlatformFacebook,
	PlatformInstagram,
	PlatformLinkedIn,
	PlatformX,
	PlatformThreads,
}

func ParsePlatform(s string) (Platform, bool) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Platforms {
		if p == known {
			return p, true
		}
	}
	return "", false
}

type PostStatus string

const (
	PostDraft             PostStatus = "draft"
	PostApproved          PostStatus = "approved"
	PostPublished         PostStatus = "published"
	PostFailed            PostStatus = "failed"
	PostPendingConnection PostStatus = "pending_connection"
)

type Subscriber struct {
	ID                   string    `db:"id" json:"id"`
	CycleStartAt         time.Time `db:"cycle_start_at" json:"cycleStartAt"`
	PlanTier             PlanTier  `db:"plan_tier" json:"planTier"`
	Active               bool      `db:"active" json:"active"`
	StripeSubscriptionID *string   `db:"stripe_subscription_id" json:"stripeSubscriptionId,omitempty"`
	// PendingPlanTier replaces PlanTier from cycle PendingFromCycle onwards.
	PendingPlanTier  *PlanTier `db:"pending_plan_tier" json:"pendingPlanTier,omitempty"`
	PendingFromCycle *int      `db:"pending_from_cycle" json:"pendingFromCycle,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time `db:"updated_at" json:"updatedAt"`
}

// TierAt returns the plan tier in force for the given cycle index.
func (s Subscriber) TierAt(cycleIndex int) PlanTier {
	if s.PendingPlanTier != nil && s.PendingFromCycle != nil && cycleIndex >= *s.PendingFromCycle {
		return *s.PendingPlanTier
	}
	return s.PlanTier
}

// PlanChange is the plan state written by billing sync. A nil PendingTier
// clears any scheduled change.
type PlanChange struct {
	Tier             PlanTier
	PendingTier      *PlanTier
	PendingFromCycle *int
	Active           bool
}

type PlatformConnection struct {
	SubscriberID string     `db:"subscriber_id" json:"subscriberId"`
	Platform     Platform   `db:"platform" json:"platform"`
	AccountID    string     `db:"account_id" json:"accountId"`
	AccessToken  string     `db:"access_token" json:"-"`
	RefreshToken *string    `db:"refresh_token" json:"-"`
	ExpiresAt    *time.Time `db:"expires_at" json:"expiresAt,omitempty"`
	Scope        string     `db:"scope" json:"scope"`
	IsActive     bool       `db:"is_active" json:"isActive"`
	LastError    *string    `db:"last_error" json:"lastError,omitempty"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updatedAt"`
}

// HasRefreshToken reports whether a non-empty refresh token is stored.
func (c PlatformConnection) HasRefreshToken() bool {
	return c.RefreshToken != nil && strings.TrimSpace(*c.RefreshToken) != ""
}

// HasScope checks the space or comma delimited scope string stored at consent time.
func (c PlatformConnection) HasScope(want string) bool {
	fields := strings.FieldsFunc(strings.ToLower(c.Scope), func(r rune) bool {
		return r == ' ' || r == ',' || r == '\t'
	})
	want = strings.ToLower(want)
	for _, f := range fields {
		if f == want {
			return true
		}
	}
	return false
}

type Post struct {
	ID              string     `db:"id" json:"id"`
	SubscriberID    string     `db:"subscriber_id" json:"subscriberId"`
	Platform        Platform   `db:"platform" json:"platform"`
	Content         string     `db:"content" json:"content"`
	MediaURL        *string    `db:"media_url" json:"mediaUrl,omitempty"`
	Status          PostStatus `db:"status" json:"status"`
	ScheduledFor    time.Time  `db:"scheduled_for" json:"scheduledFor"`
	PublishedAt     *time.Time `db:"published_at" json:"publishedAt,omitempty"`
	PlatformPostID  *string    `db:"platform_post_id" json:"platformPostId,omitempty"`
	QuotaDeducted   bool       `db:"quota_deducted" json:"quotaDeducted"`
	ErrorLog        *string    `db:"error_log" json:"errorLog,omitempty"`
	PublishAttempts int        `db:"publish_attempts" json:"publishAttempts"`
	CreatedAt       time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updatedAt"`
}

// QuotaState is derived on every read and never persisted.
type QuotaState struct {
	SubscriberID string    `json:"subscriberId"`
	PlanTier     PlanTier  `json:"planTier"`
	Allocation   int       `json:"allocation"`
	Used         int       `json:"used"`
	Remaining    int       `json:"remaining"`
	CycleStart   time.Time `json:"cycleStart"`
	CycleEnd     time.Time `json:"cycleEnd"`
	InCycle      bool      `json:"inCycle"`
}

// NewQuotaState clamps remaining at zero.
func NewQuotaState(subscriberID string, tier PlanTier, used int, start, end time.Time, inCycle bool) QuotaState {
	alloc := tier.Allocation()
	remaining := alloc - used
	if remaining < 0 {
		remaining = 0
	}
	return QuotaState{
		SubscriberID: subscriberID,
		PlanTier:     tier,
		Allocation:   alloc,
		Used:         used,
		Remaining:    remaining,
		CycleStart:   start,
		CycleEnd:     end,
		InCycle:      inCycle,
	}
}
