package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/PortNumber53/publish-enforcer/internal/billing"
	"github.com/PortNumber53/publish-enforcer/internal/middleware"
	"github.com/PortNumber53/publish-enforcer/internal/models"
	"github.com/PortNumber53/publish-enforcer/internal/scheduler"
	"github.com/PortNumber53/publish-enforcer/internal/store"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

var fixedNow = time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

type fakeQuota map[string]models.QuotaState

func (f fakeQuota) State(_ context.Context, id string, now time.Time) (models.QuotaState, error) {
	if !now.Equal(fixedNow) {
		return models.QuotaState{}, errors.New("unexpected clock")
	}
	s, ok := f[id]
	if !ok {
		return models.QuotaState{}, store.ErrNotFound
	}
	return s, nil
}

type fakeRunner struct {
	sum scheduler.RunSummary
	err error
}

func (f fakeRunner) Trigger(context.Context) (scheduler.RunSummary, error) { return f.sum, f.err }

type fakePlans struct{}

func (fakePlans) Sync(context.Context) (billing.SyncResult, error) {
	return billing.SyncResult{Checked: 2, Updated: 1}, nil
}

type fakeEvents struct{ got string }

func (f *fakeEvents) Serve(w http.ResponseWriter, _ *http.Request, id string) {
	f.got = id
	w.WriteHeader(http.StatusSwitchingProtocols)
}

func newRouter(opts Options, secret string) *mux.Router {
	if opts.Now == nil {
		opts.Now = func() time.Time { return fixedNow }
	}
	opts.Logger = zerolog.Nop()
	r := mux.NewRouter()
	RegisterRoutes(New(opts), r, middleware.NewInternalAuth(secret, zerolog.Nop()).Middleware)
	return r
}

func do(t *testing.T, h http.Handler, method, path, secret string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "10.1.2.3:4444"
	if secret != "" {
		req.Header.Set(middleware.SecretHeader, secret)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealth_IsPublic(t *testing.T) {
	rr := do(t, newRouter(Options{}, "s3cret"), http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK || rr.Body.String() != "{\"ok\":true}\n" {
		t.Fatalf("unexpected %d %q", rr.Code, rr.Body.String())
	}
}

func TestGetQuotaForUser(t *testing.T) {
	q := fakeQuota{"s1": models.NewQuotaState("s1", models.PlanGrowth, 27, fixedNow.AddDate(0, 0, -14), fixedNow.AddDate(0, 0, 16), true)}
	r := newRouter(Options{Quota: q}, "s3cret")

	rr := do(t, r, http.MethodGet, "/api/quota/user/s1", "s3cret")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rr.Code, rr.Body.String())
	}
	var got models.QuotaState
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Allocation != 27 || got.Used != 27 || got.Remaining != 0 {
		t.Fatalf("unexpected state %+v", got)
	}

	if rr := do(t, r, http.MethodGet, "/api/quota/user/ghost", "s3cret"); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if rr := do(t, r, http.MethodGet, "/api/quota/user/s1", ""); rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without secret, got %d", rr.Code)
	}
}

func TestRunEnforcement(t *testing.T) {
	r := newRouter(Options{Runner: fakeRunner{sum: scheduler.RunSummary{Subscribers: 3, Published: 2}}}, "s3cret")
	rr := do(t, r, http.MethodPost, "/api/enforcement/run", "s3cret")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var got map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &got)
	if got["published"] != float64(2) || got["subscribers"] != float64(3) {
		t.Fatalf("unexpected body %v", got)
	}

	busy := newRouter(Options{Runner: fakeRunner{err: scheduler.ErrRunInFlight}}, "s3cret")
	if rr := do(t, busy, http.MethodPost, "/api/enforcement/run", "s3cret"); rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	if rr := do(t, r, http.MethodGet, "/api/enforcement/run", "s3cret"); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestSyncPlans(t *testing.T) {
	if rr := do(t, newRouter(Options{}, "s3cret"), http.MethodPost, "/api/billing/sync/plans", "s3cret"); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without billing, got %d", rr.Code)
	}
	rr := do(t, newRouter(Options{Plans: fakePlans{}}, "s3cret"), http.MethodPost, "/api/billing/sync/plans", "s3cret")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var got struct {
		Result billing.SyncResult `json:"result"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &got)
	if got.Result.Updated != 1 || got.Result.Checked != 2 {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}
}

func TestEventsWebSocket_PassesSubscriber(t *testing.T) {
	ev := &fakeEvents{}
	rr := do(t, newRouter(Options{Events: ev}, "s3cret"), http.MethodGet, "/api/events/ws/user/s9", "s3cret")
	if rr.Code != http.StatusSwitchingProtocols || ev.got != "s9" {
		t.Fatalf("unexpected %d %q", rr.Code, ev.got)
	}
}

type slowRunner struct{ d time.Duration }

func (s slowRunner) Trigger(context.Context) (scheduler.RunSummary, error) {
	time.Sleep(s.d)
	return scheduler.RunSummary{Published: 1}, nil
}

func TestRunEnforcement_OutlivesServerWriteTimeout(t *testing.T) {
	srv := httptest.NewUnstartedServer(newRouter(Options{Runner: slowRunner{d: 150 * time.Millisecond}}, "s3cret"))
	srv.Config.WriteTimeout = 50 * time.Millisecond
	srv.Start()
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/enforcement/run", nil)
	req.Header.Set(middleware.SecretHeader, "s3cret")
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request cut off by the write timeout: %v", err)
	}
	defer res.Body.Close()
	var got scheduler.RunSummary
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.StatusCode != http.StatusOK || got.Published != 1 {
		t.Fatalf("unexpected %d %+v", res.StatusCode, got)
	}
}
