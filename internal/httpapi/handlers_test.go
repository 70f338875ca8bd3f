package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dialer-platform/internal/auth"
	"dialer-platform/internal/autodial"
	"dialer-platform/internal/config"
	"dialer-platform/internal/dialer"
	"dialer-platform/internal/events"
	"dialer-platform/internal/leads"
	"dialer-platform/internal/rbac"
	"dialer-platform/internal/status"
	"dialer-platform/internal/telephony"

	"github.com/gin-gonic/gin"
)

const webhookSecret = "hook-secret"

type apiFixture struct {
	router   *gin.Engine
	engine   *dialer.Engine
	store    *leads.MemoryStore
	provider *telephony.MockProvider
	manager  *auth.Manager
	sched    *autodial.Scheduler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &apiFixture{
		store:    leads.NewMemoryStore(),
		provider: telephony.NewMockProvider(),
	}
	repo := dialer.NewMemoryRepo()
	f.engine = dialer.NewEngine(repo, f.store, f.provider, dialer.Config{
		Publisher: events.NewMockPublisher(),
	})
	f.sched = autodial.NewScheduler(f.engine, f.store, autodial.Config{Backoff: 10 * time.Millisecond})
	f.engine.SetNotifier(f.sched)
	t.Cleanup(f.sched.Close)

	var err error
	f.manager, err = auth.NewManager(config.AuthConfig{Secret: "test-secret"})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	agg := status.NewAggregator(repo, f.store, nil)
	hub := status.NewHub(agg, time.Second, nil)
	t.Cleanup(hub.Close)

	srv := NewServer(Config{
		Engine:        f.engine,
		Store:         f.store,
		Aggregator:    agg,
		Hub:           hub,
		AuthManager:   f.manager,
		WebhookSecret: webhookSecret,
	})
	f.router = srv.Routes()
	return f
}

func (f *apiFixture) token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := f.manager.Issue(time.Now(), userID, role)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return v
}

func TestSessionEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	tok := f.token(t, "rep-1", rbac.RoleRep)

	w := f.do(t, http.MethodPost, "/v1/sessions", tok, gin.H{"auto_dial_enabled": false})
	if w.Code != http.StatusCreated {
		t.Fatalf("create session: %d %s", w.Code, w.Body.String())
	}
	sess := decode[dialer.Session](t, w)
	if sess.RepID != "rep-1" || sess.Status != dialer.SessionStatusIdle {
		t.Fatalf("session = %+v", sess)
	}

	// Duplicate active session conflicts.
	w = f.do(t, http.MethodPost, "/v1/sessions", tok, gin.H{"auto_dial_enabled": false})
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate session: %d, want 409", w.Code)
	}

	w = f.do(t, http.MethodGet, "/v1/sessions/current", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("current session: %d", w.Code)
	}
	cur := decode[map[string]*dialer.Session](t, w)
	if cur["session"] == nil || cur["session"].ID != sess.ID {
		t.Fatalf("current = %+v", cur)
	}

	w = f.do(t, http.MethodPost, "/v1/sessions/end", tok, gin.H{"session_id": sess.ID})
	if w.Code != http.StatusOK {
		t.Fatalf("end session: %d %s", w.Code, w.Body.String())
	}
	res := decode[map[string]string](t, w)
	if res["status"] != string(dialer.SessionStatusEnded) {
		t.Fatalf("end status = %q", res["status"])
	}

	w = f.do(t, http.MethodGet, "/v1/sessions/current", tok, nil)
	cur = decode[map[string]*dialer.Session](t, w)
	if cur["session"] != nil {
		t.Fatalf("session survived end: %+v", cur["session"])
	}
}

func TestRepCannotTouchForeignSession(t *testing.T) {
	f := newAPIFixture(t)
	owner := f.token(t, "rep-1", rbac.RoleRep)
	other := f.token(t, "rep-2", rbac.RoleRep)
	admin := f.token(t, "admin-1", rbac.RoleAdmin)

	w := f.do(t, http.MethodPost, "/v1/sessions", owner, gin.H{})
	sess := decode[dialer.Session](t, w)

	// A foreign session reads as not found, not forbidden.
	w = f.do(t, http.MethodPost, "/v1/sessions/end", other, gin.H{"session_id": sess.ID})
	if w.Code != http.StatusNotFound {
		t.Fatalf("foreign end: %d, want 404", w.Code)
	}

	// Admin may end anyone's session.
	w = f.do(t, http.MethodPost, "/v1/sessions/end", admin, gin.H{"session_id": sess.ID})
	if w.Code != http.StatusOK {
		t.Fatalf("admin end: %d %s", w.Code, w.Body.String())
	}
}

func TestCallEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	tok := f.token(t, "rep-1", rbac.RoleRep)
	ctx := context.Background()

	f.store.Put(leads.Lead{ID: "lead-1", Number: "+15550001111", Disposition: leads.DispositionNew})

	w := f.do(t, http.MethodPost, "/v1/sessions", tok, gin.H{})
	sess := decode[dialer.Session](t, w)

	call, err := f.engine.StartCall(ctx, sess.ID, "lead-1")
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	w = f.do(t, http.MethodPost, "/v1/calls/end", tok, gin.H{"call_id": call.ID})
	if w.Code != http.StatusOK {
		t.Fatalf("end call: %d %s", w.Code, w.Body.String())
	}
	res := decode[map[string]string](t, w)
	if res["outcome"] != string(dialer.OutcomeEndedByRep) {
		t.Fatalf("outcome = %q", res["outcome"])
	}
	if res["session_status"] != string(dialer.SessionStatusIdle) {
		t.Fatalf("session_status = %q", res["session_status"])
	}

	// Second end: the call is already terminal.
	w = f.do(t, http.MethodPost, "/v1/calls/end", tok, gin.H{"call_id": call.ID})
	if w.Code != http.StatusNotFound {
		t.Fatalf("double end: %d, want 404", w.Code)
	}

	w = f.do(t, http.MethodPost, "/v1/calls/redial", tok, gin.H{"call_id": call.ID, "session_id": sess.ID})
	if w.Code != http.StatusCreated {
		t.Fatalf("redial: %d %s", w.Code, w.Body.String())
	}
	redial := decode[dialer.Call](t, w)
	if redial.LeadID != "lead-1" || redial.ID == call.ID {
		t.Fatalf("redial = %+v", redial)
	}

	// Redial while the new call is in flight conflicts.
	w = f.do(t, http.MethodPost, "/v1/calls/redial", tok, gin.H{"call_id": call.ID, "session_id": sess.ID})
	if w.Code != http.StatusConflict {
		t.Fatalf("in-flight redial: %d, want 409", w.Code)
	}
}

func TestLeadEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	tok := f.token(t, "rep-1", rbac.RoleRep)

	f.store.Put(leads.Lead{ID: "lead-1", Number: "+15550001111", Disposition: leads.DispositionNew})

	w := f.do(t, http.MethodPost, "/v1/leads/dnc", tok, gin.H{"lead_id": "lead-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("dnc: %d %s", w.Code, w.Body.String())
	}
	w = f.do(t, http.MethodPost, "/v1/leads/dnc", tok, gin.H{"lead_id": "lead-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("dnc repeat: %d, want 200 (idempotent)", w.Code)
	}
	w = f.do(t, http.MethodPost, "/v1/leads/dnc", tok, gin.H{"lead_id": "missing"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("dnc missing: %d, want 404", w.Code)
	}

	w = f.do(t, http.MethodPost, "/v1/leads/lead-1/upsell-tags", tok, gin.H{"label": "premium-plan"})
	if w.Code != http.StatusCreated {
		t.Fatalf("add tag: %d %s", w.Code, w.Body.String())
	}
	tag := decode[leads.UpsellTag](t, w)
	if tag.Label != "premium-plan" || tag.LeadID != "lead-1" {
		t.Fatalf("tag = %+v", tag)
	}

	w = f.do(t, http.MethodDelete, fmt.Sprintf("/v1/leads/lead-1/upsell-tags/%s", tag.ID), tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("remove tag: %d %s", w.Code, w.Body.String())
	}
	// Wrong lead in the path does not match the tag.
	w = f.do(t, http.MethodDelete, fmt.Sprintf("/v1/leads/other/upsell-tags/%s", tag.ID), tok, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("mismatched tag removal: %d, want 404", w.Code)
	}
}

func TestCallbackEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	tok := f.token(t, "rep-1", rbac.RoleRep)

	f.store.Put(leads.Lead{ID: "lead-1", Number: "+15550001111", Disposition: leads.DispositionContacted, RepID: "rep-1"})

	w := f.do(t, http.MethodPost, "/v1/callbacks", tok, gin.H{
		"lead_id":      "lead-1",
		"scheduled_at": time.Now().Add(time.Hour).Format(time.RFC3339),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("schedule: %d %s", w.Code, w.Body.String())
	}
	cb := decode[leads.Callback](t, w)
	if cb.LeadID != "lead-1" || cb.Status != leads.CallbackStatusPending {
		t.Fatalf("callback = %+v", cb)
	}

	w = f.do(t, http.MethodPost, "/v1/callbacks/"+cb.ID+"/complete", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("complete: %d %s", w.Code, w.Body.String())
	}
	// Completing again is a no-op, not an error.
	w = f.do(t, http.MethodPost, "/v1/callbacks/"+cb.ID+"/complete", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("complete repeat: %d, want 200", w.Code)
	}
	w = f.do(t, http.MethodPost, "/v1/callbacks/missing/complete", tok, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("complete unknown: %d, want 404", w.Code)
	}
}

func TestStatusRequiresAdmin(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodGet, "/v1/status/live", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d, want 401", w.Code)
	}
	w = f.do(t, http.MethodGet, "/v1/status/live", f.token(t, "rep-1", rbac.RoleRep), nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("rep token: %d, want 403", w.Code)
	}
	w = f.do(t, http.MethodGet, "/v1/status/live", f.token(t, "admin-1", rbac.RoleAdmin), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("admin token: %d %s", w.Code, w.Body.String())
	}
	snap := decode[status.Snapshot](t, w)
	if snap.Reps == nil {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestProviderWebhook(t *testing.T) {
	f := newAPIFixture(t)
	tok := f.token(t, "rep-1", rbac.RoleRep)
	ctx := context.Background()

	f.store.Put(leads.Lead{ID: "lead-1", Number: "+15550001111", Disposition: leads.DispositionNew})
	w := f.do(t, http.MethodPost, "/v1/sessions", tok, gin.H{})
	sess := decode[dialer.Session](t, w)
	call, err := f.engine.StartCall(ctx, sess.ID, "lead-1")
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	hook := func(secret string, body any) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		json.NewEncoder(&buf).Encode(body)
		req := httptest.NewRequest(http.MethodPost, "/webhooks/provider/events", &buf)
		req.Header.Set("X-Provider-Secret", secret)
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)
		return w
	}

	if w := hook("wrong", gin.H{"provider_call_id": call.ProviderCallID, "event": "answered"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad secret: %d, want 401", w.Code)
	}
	if w := hook(webhookSecret, gin.H{"provider_call_id": call.ProviderCallID, "event": "launched"}); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown event: %d, want 400", w.Code)
	}
	if w := hook(webhookSecret, gin.H{"provider_call_id": "nope", "event": "answered"}); w.Code != http.StatusNotFound {
		t.Fatalf("unknown call: %d, want 404", w.Code)
	}
	if w := hook(webhookSecret, gin.H{"provider_call_id": call.ProviderCallID, "event": "answered"}); w.Code != http.StatusOK {
		t.Fatalf("answered: %d %s", w.Code, w.Body.String())
	}

	got, _ := f.engine.GetSession(ctx, sess.ID)
	if got.Status != dialer.SessionStatusConnected {
		t.Fatalf("session status = %q, want connected", got.Status)
	}
}

func TestLoginIssuesUsableToken(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/auth/login", "", gin.H{"user_id": "rep-9", "role": rbac.RoleRep})
	if w.Code != http.StatusOK {
		t.Fatalf("login: %d %s", w.Code, w.Body.String())
	}
	res := decode[map[string]string](t, w)
	tok := res["access_token"]
	if tok == "" {
		t.Fatal("no access_token in response")
	}

	w = f.do(t, http.MethodGet, "/v1/sessions/current", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("issued token rejected: %d %s", w.Code, w.Body.String())
	}

	w = f.do(t, http.MethodPost, "/auth/login", "", gin.H{"user_id": "rep-9", "role": "root"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown role: %d, want 400", w.Code)
	}
}

func TestHealthzIsPublic(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("healthz: %d", w.Code)
	}
}
