// Package handlers exposes the enforcer's HTTP surface.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/PortNumber53/publish-enforcer/internal/billing"
	"github.com/PortNumber53/publish-enforcer/internal/models"
	"github.com/PortNumber53/publish-enforcer/internal/scheduler"
	"github.com/PortNumber53/publish-enforcer/internal/store"
	"github.com/rs/zerolog"
)

type QuotaReader interface {
	State(ctx context.Context, subscriberID string, now time.Time) (models.QuotaState, error)
}

type Runner interface {
	Trigger(ctx context.Context) (scheduler.RunSummary, error)
}

type PlanSyncer interface {
	Sync(ctx context.Context) (billing.SyncResult, error)
}

type EventServer interface {
	Serve(w http.ResponseWriter, r *http.Request, subscriberID string)
}

type Handler struct {
	quota  QuotaReader
	runner Runner
	plans  PlanSyncer
	events EventServer
	now    func() time.Time
	log    zerolog.Logger
}

type Options struct {
	Quota  QuotaReader
	Runner Runner
	// Plans and Events are optional; their routes answer 503 when nil.
	Plans  PlanSyncer
	Events EventServer
	Now    func() time.Time
	Logger zerolog.Logger
}

func New(opts Options) *Handler {
	h := &Handler{quota: opts.Quota, runner: opts.Runner, plans: opts.Plans, events: opts.Events, now: opts.Now, log: opts.Logger}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// RunEnforcement triggers one pass synchronously and returns its summary.
// URL: POST /api/enforcement/run
func (h *Handler) RunEnforcement(w http.ResponseWriter, r *http.Request) {
	clearWriteDeadline(w)
	sum, err := h.runner.Trigger(r.Context())
	if errors.Is(err, scheduler.ErrRunInFlight) {
		writeError(w, http.StatusConflict, "run_in_flight", err.Error())
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("run_trigger_failed")
		writeError(w, http.StatusInternalServerError, "run_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// GetQuotaForUser returns the subscriber's current cycle window and remaining posts.
// URL: GET /api/quota/user/{userId}
func (h *Handler) GetQuotaForUser(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(pathVar(r, "userId"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing_user_id", "userId is required")
		return
	}
	state, err := h.quota.State(r.Context(), userID, h.now())
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "subscriber_not_found", "no subscriber "+userID)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("subscriberId", userID).Msg("quota_state_failed")
		writeError(w, http.StatusInternalServerError, "quota_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// SyncPlans pulls plan tiers from Stripe on demand.
// URL: POST /api/billing/sync/plans
func (h *Handler) SyncPlans(w http.ResponseWriter, r *http.Request) {
	if h.plans == nil {
		writeError(w, http.StatusServiceUnavailable, "billing_disabled", "STRIPE_SECRET_KEY not set")
		return
	}
	clearWriteDeadline(w)
	res, err := h.plans.Sync(r.Context())
	body := map[string]any{"result": res}
	if err != nil {
		body["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

// clearWriteDeadline lifts the server WriteTimeout for handlers that wait on a
// full pass. Recorders without deadline support are left alone.
func clearWriteDeadline(w http.ResponseWriter) {
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
}

// EventsWebSocket streams notification events for one subscriber.
// URL: /api/events/ws/user/{userId}
func (h *Handler) EventsWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeError(w, http.StatusServiceUnavailable, "events_disabled", "event hub not configured")
		return
	}
	userID := strings.TrimSpace(pathVar(r, "userId"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing_user_id", "userId is required")
		return
	}
	h.events.Serve(w, r, userID)
}
