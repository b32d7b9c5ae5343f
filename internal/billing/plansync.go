// Package billing keeps each subscriber's plan tier and active flag in line with
// their Stripe subscription. Payments and webhooks are handled elsewhere.
package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PortNumber53/publish-enforcer/internal/cycle"
	"github.com/PortNumber53/publish-enforcer/internal/metrics"
	"github.com/PortNumber53/publish-enforcer/internal/models"
	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
)

// SubscriptionGetter is satisfied by the Stripe client's Subscriptions resource.
type SubscriptionGetter interface {
	Get(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
}

type Store interface {
	ListStripeSubscribers(ctx context.Context) ([]models.Subscriber, error)
	UpdateSubscriberPlan(ctx context.Context, id string, change models.PlanChange) error
}

// NewStripeClient returns nil when no key is configured.
func NewStripeClient(secretKey string) SubscriptionGetter {
	if strings.TrimSpace(secretKey) == "" {
		return nil
	}
	sc := &client.API{}
	sc.Init(secretKey, nil)
	return sc.Subscriptions
}

type PlanSync struct {
	Store         Store
	Subscriptions SubscriptionGetter
	// PriceTiers maps Stripe price ids to plan tiers.
	PriceTiers map[string]models.PlanTier
	Log        zerolog.Logger
	Now        func() time.Time
}

type SyncResult struct {
	Checked   int
	Updated   int
	Unchanged int
	Unmapped  int
	Errors    int
}

// Sync reads every linked Stripe subscription and applies tier or status changes.
// A status change applies at once. A tier change made inside a running cycle is
// stored as pending and takes over from the next cycle.
func (p *PlanSync) Sync(ctx context.Context) (SyncResult, error) {
	var res SyncResult
	if p.Subscriptions == nil {
		return res, nil
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	subs, err := p.Store.ListStripeSubscribers(ctx)
	if err != nil {
		return res, fmt.Errorf("list stripe subscribers: %w", err)
	}

	var errs []error
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Checked++
		ss, err := p.Subscriptions.Get(*sub.StripeSubscriptionID, &stripe.SubscriptionParams{Params: stripe.Params{Context: ctx}})
		if err != nil {
			res.Errors++
			metrics.PlanSyncs.WithLabelValues("error").Inc()
			errs = append(errs, fmt.Errorf("subscriber %s: %w", sub.ID, err))
			continue
		}

		w := cycle.Compute(sub.CycleStartAt, now(), true)
		current := sub.TierAt(w.Index)
		active := isActiveStatus(ss.Status)
		tier, ok := p.tierFor(ss)
		if !ok {
			res.Unmapped++
			metrics.PlanSyncs.WithLabelValues("unmapped").Inc()
			p.Log.Warn().Str("subscriberId", sub.ID).Str("stripeSubscriptionId", ss.ID).Msg("plan_unmapped")
			tier = current
		}
		change := planChange(current, tier, active, w)
		if samePlan(sub, change) {
			res.Unchanged++
			metrics.PlanSyncs.WithLabelValues("unchanged").Inc()
			continue
		}
		if err := p.Store.UpdateSubscriberPlan(ctx, sub.ID, change); err != nil {
			res.Errors++
			metrics.PlanSyncs.WithLabelValues("error").Inc()
			errs = append(errs, fmt.Errorf("update subscriber %s: %w", sub.ID, err))
			continue
		}
		res.Updated++
		metrics.PlanSyncs.WithLabelValues("updated").Inc()
		p.Log.Info().
			Str("subscriberId", sub.ID).
			Str("fromTier", string(sub.PlanTier)).
			Str("toTier", string(tier)).
			Bool("pending", change.PendingTier != nil).
			Bool("active", active).
			Str("stripeStatus", string(ss.Status)).
			Msg("plan_synced")
	}
	return res, errors.Join(errs...)
}

// planChange keeps current for the running cycle and schedules tier for the
// next one. Before the first cycle starts the tier applies directly.
func planChange(current, tier models.PlanTier, active bool, w cycle.Window) models.PlanChange {
	change := models.PlanChange{Tier: current, Active: active}
	if tier == current {
		return change
	}
	if !w.InCycle {
		change.Tier = tier
		return change
	}
	from := w.Index + 1
	change.PendingTier, change.PendingFromCycle = &tier, &from
	return change
}

func samePlan(sub models.Subscriber, c models.PlanChange) bool {
	if sub.PlanTier != c.Tier || sub.Active != c.Active {
		return false
	}
	if (sub.PendingPlanTier == nil) != (c.PendingTier == nil) {
		return false
	}
	if c.PendingTier == nil {
		return true
	}
	return *sub.PendingPlanTier == *c.PendingTier && sub.PendingFromCycle != nil && *sub.PendingFromCycle == *c.PendingFromCycle
}

// tierFor checks subscription metadata, then each item's price: configured
// price id, price metadata, then lookup key.
func (p *PlanSync) tierFor(ss *stripe.Subscription) (models.PlanTier, bool) {
	if t, ok := models.ParsePlanTier(ss.Metadata["plan_tier"]); ok {
		return t, true
	}
	if ss.Items == nil {
		return "", false
	}
	for _, item := range ss.Items.Data {
		if item == nil || item.Price == nil {
			continue
		}
		if t, ok := p.PriceTiers[item.Price.ID]; ok {
			return t, true
		}
		if t, ok := models.ParsePlanTier(item.Price.Metadata["plan_tier"]); ok {
			return t, true
		}
		if t, ok := models.ParsePlanTier(item.Price.LookupKey); ok {
			return t, true
		}
	}
	return "", false
}

// past_due keeps publishing during Stripe's retry window.
func isActiveStatus(s stripe.SubscriptionStatus) bool {
	switch s {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing, stripe.SubscriptionStatusPastDue:
		return true
	}
	return false
}
