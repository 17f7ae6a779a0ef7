package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/nudge/internal/broker"
	"github.com/lalithlochan/nudge/internal/health"
	"github.com/lalithlochan/nudge/internal/integration"
	"github.com/lalithlochan/nudge/internal/messenger"
	"github.com/lalithlochan/nudge/internal/notify"
	"github.com/lalithlochan/nudge/internal/reminder"
	"github.com/lalithlochan/nudge/internal/state"
	"github.com/lalithlochan/nudge/internal/templates"
)

type testEnv struct {
	manager *state.Manager
	sw      *integration.Switch
	bus     *fakeBus
	policy  *notify.Policy
	tmpl    *templates.StateSource
	sent    *int
	router  http.Handler
}

type fakeBus struct {
	ok     bool
	kinds  []string
	lastPL map[string]any
}

func (b *fakeBus) Publish(_ context.Context, kind string, payload map[string]any) bool {
	b.kinds = append(b.kinds, kind)
	b.lastPL = payload
	return b.ok
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop()

	m := state.NewManager(state.NewMemoryStore(), logger)
	m.Bind("test-bot")

	sw := integration.New(true, logger)
	sent := 0
	out := messenger.Func(func(context.Context, int64, messenger.Content) (messenger.Result, error) {
		sent++
		return messenger.Result{OK: true, ProviderMessageID: "m-1"}, nil
	})
	b := broker.New(broker.NewMemoryStore(), integration.NewGuardedMessenger(out, sw, logger), sw, broker.Config{}, logger)
	bus := &fakeBus{ok: true}
	policy := notify.NewPolicy(m, logger)
	tmpl := templates.NewStateSource(m.Store(), "nudge:test-bot:templates")

	deps := Deps{
		Switch:     sw,
		Bus:        bus,
		Ledger:     m,
		Planner:    notify.NewPlanner(m, policy, nil, logger),
		Deliveries: b,
		Policy:     policy,
		Templates:  tmpl,
		Health: &health.Reporter{
			Switch: sw,
			Broker: b,
			Store:  m,
		},
	}

	return &testEnv{
		manager: m,
		sw:      sw,
		bus:     bus,
		policy:  policy,
		tmpl:    tmpl,
		sent:    &sent,
		router:  NewRouter(NewHandler(logger, deps), nil, logger),
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %q, want application/problem+json", ct)
	}
	var p ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&p); err != nil {
		t.Fatalf("decode problem: %v", err)
	}
	return p
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var snap health.Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if !snap.Switch.Enabled || snap.Broker == nil {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestHealth_StoreDown(t *testing.T) {
	h := NewHandler(zap.NewNop(), Deps{Health: &health.Reporter{
		Store: pingFunc(func(context.Context) error { return context.DeadlineExceeded }),
	}})

	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestIntegration_GetAndSet(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPut, "/v1/integration", map[string]any{"enabled": false, "reason": "maintenance"})
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT status = %d, body = %s", rec.Code, rec.Body)
	}
	snap := env.sw.Snapshot()
	if snap.Enabled || snap.Source != integration.SourceOperator || snap.Reason == nil || *snap.Reason != "maintenance" {
		t.Errorf("switch = %+v", snap)
	}

	rec = env.do(t, http.MethodGet, "/v1/integration", nil)
	var got integration.Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Enabled {
		t.Error("GET reports enabled after disable")
	}
}

func TestIntegration_SetValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body any
	}{
		{"malformed", "{"},
		{"missing enabled", map[string]any{"reason": "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPut, "/v1/integration", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			if p := decodeProblem(t, rec); p.Type != "invalid_request" {
				t.Errorf("type = %q", p.Type)
			}
		})
	}
	if !env.sw.IsEnabled() {
		t.Error("invalid requests must not change the switch")
	}
}

func TestPublishContentUpdate(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/content-updates", map[string]any{"kind": "templates", "payload": map[string]any{"id": 3}})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	_ = json.NewDecoder(rec.Body).Decode(&body)
	if body["published"] != true {
		t.Errorf("published = %v, want true", body["published"])
	}
	if len(env.bus.kinds) != 1 || env.bus.kinds[0] != "templates" {
		t.Errorf("bus kinds = %v", env.bus.kinds)
	}

	env.bus.ok = false
	rec = env.do(t, http.MethodPost, "/v1/content-updates", map[string]any{"kind": "reminder_policy"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unreachable bus: status = %d, want 202", rec.Code)
	}
	body = nil
	_ = json.NewDecoder(rec.Body).Decode(&body)
	if body["published"] != false {
		t.Errorf("published = %v, want false", body["published"])
	}

	rec = env.do(t, http.MethodPost, "/v1/content-updates", map[string]any{"payload": map[string]any{}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing kind: status = %d, want 400", rec.Code)
	}
}

func TestPolicy_SaveAndPublish(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/policy", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d", rec.Code)
	}
	var before PolicyResponse
	if err := json.NewDecoder(rec.Body).Decode(&before); err != nil {
		t.Fatal(err)
	}
	if before.Offsets[string(reminder.KindRemind30m)] != "30m0s" {
		t.Errorf("default remind_30m = %q", before.Offsets[string(reminder.KindRemind30m)])
	}

	rec = env.do(t, http.MethodPut, "/v1/policy", map[string]any{
		"offsets": map[string]string{string(reminder.KindRemind30m): "45m"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT status = %d, body %s", rec.Code, rec.Body.String())
	}
	var after PolicyResponse
	if err := json.NewDecoder(rec.Body).Decode(&after); err != nil {
		t.Fatal(err)
	}
	if after.Offsets[string(reminder.KindRemind30m)] != "45m0s" {
		t.Errorf("response remind_30m = %q, want 45m0s", after.Offsets[string(reminder.KindRemind30m)])
	}
	if after.Published == nil || !*after.Published {
		t.Errorf("published = %v, want true", after.Published)
	}

	// stored where every process reads it
	fresh := notify.NewPolicy(env.manager, zap.NewNop())
	if d, _ := fresh.Offset(context.Background(), reminder.KindRemind30m); d != 45*time.Minute {
		t.Errorf("persisted remind_30m = %v, want 45m", d)
	}
	if len(env.bus.kinds) != 1 || env.bus.kinds[0] != "reminder_policy" {
		t.Errorf("published kinds = %v, want [reminder_policy]", env.bus.kinds)
	}
}

func TestPolicy_Validation(t *testing.T) {
	tests := []struct {
		name    string
		offsets map[string]string
	}{
		{name: "unknown kind", offsets: map[string]string{"remind_1w": "1h"}},
		{name: "bad duration", offsets: map[string]string{string(reminder.KindConfirm2h): "soon"}},
		{name: "negative", offsets: map[string]string{string(reminder.KindConfirm2h): "-1h"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			rec := env.do(t, http.MethodPut, "/v1/policy", map[string]any{"offsets": tt.offsets})
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if len(env.bus.kinds) != 0 {
				t.Errorf("nothing should be published, got %v", env.bus.kinds)
			}
		})
	}
}

func TestTemplates_SaveAndPublish(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPut, "/v1/templates/remind_30m", TemplateRequest{
		Subject: "Soon",
		Body:    "Starts {{.StartsAt}}",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	defs, err := env.tmpl.Overrides(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(defs) != 1 || defs[0].Kind != "remind_30m" || defs[0].Body != "Starts {{.StartsAt}}" {
		t.Errorf("stored overrides = %+v", defs)
	}
	if len(env.bus.kinds) != 1 || env.bus.kinds[0] != "templates" {
		t.Fatalf("published kinds = %v, want [templates]", env.bus.kinds)
	}
	if env.bus.lastPL["kind"] != "remind_30m" {
		t.Errorf("payload = %v", env.bus.lastPL)
	}
}

func TestTemplates_RejectsBrokenTemplate(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPut, "/v1/templates/remind_30m", TemplateRequest{Body: "{{.StartsAt"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if defs, _ := env.tmpl.Overrides(context.Background()); len(defs) != 0 {
		t.Errorf("broken template was stored: %+v", defs)
	}
	if len(env.bus.kinds) != 0 {
		t.Errorf("nothing should be published, got %v", env.bus.kinds)
	}
}

func TestReminders_ScheduleListCancel(t *testing.T) {
	env := newTestEnv(t)
	notifyAt := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	for _, recipient := range []int64{42, 43} {
		rec := env.do(t, http.MethodPost, "/v1/reminders", map[string]any{
			"subject_id":   7,
			"recipient_id": recipient,
			"notify_at":    notifyAt,
			"kind":         "confirm_2h",
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("POST status = %d, body = %s", rec.Code, rec.Body)
		}
	}

	rec := env.do(t, http.MethodGet, "/v1/reminders?recipient_id=42", nil)
	var list struct {
		Reminders []state.ReminderMeta `json:"reminders"`
		Count     int                  `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if list.Count != 1 || list.Reminders[0].RecipientID != 42 || !list.Reminders[0].NotifyAt.Equal(notifyAt) {
		t.Fatalf("list = %+v", list)
	}

	rec = env.do(t, http.MethodDelete, "/v1/reminders?subject_id=7&recipient_id=42&kind=confirm_2h", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE status = %d", rec.Code)
	}

	all, _ := env.manager.Reminders(context.Background())
	if len(all) != 1 || all[0].RecipientID != 43 {
		t.Errorf("ledger = %+v, want only recipient 43", all)
	}
}

func TestReminders_Validation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{"malformed", http.MethodPost, "/v1/reminders", "nope"},
		{"missing recipient", http.MethodPost, "/v1/reminders", map[string]any{"kind": "confirm_2h", "notify_at": time.Now()}},
		{"unknown kind", http.MethodPost, "/v1/reminders", map[string]any{"recipient_id": 1, "kind": "birthday", "notify_at": time.Now()}},
		{"bad cancel query", http.MethodDelete, "/v1/reminders?subject_id=x&recipient_id=1", nil},
		{"bad list filter", http.MethodGet, "/v1/reminders?recipient_id=abc", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestReminders_NotInitialised(t *testing.T) {
	m := state.NewManager(state.NewMemoryStore(), zap.NewNop())
	router := NewRouter(NewHandler(zap.NewNop(), Deps{Ledger: m}), nil, zap.NewNop())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/reminders", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestEvents(t *testing.T) {
	env := newTestEnv(t)
	startsAt := time.Now().Add(48 * time.Hour).UTC()

	rec := env.do(t, http.MethodPost, "/v1/events", map[string]any{
		"type":         "slot_booked",
		"subject_id":   7,
		"recipient_id": 42,
		"starts_at":    startsAt,
		"details":      map[string]any{"location": "Room 4"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("slot_booked status = %d, body = %s", rec.Code, rec.Body)
	}
	if all, _ := env.manager.Reminders(context.Background()); len(all) != 3 {
		t.Fatalf("ledger has %d entries, want 3", len(all))
	}

	rec = env.do(t, http.MethodPost, "/v1/events", map[string]any{"type": "slot_cancelled", "subject_id": 7, "recipient_id": 42})
	if rec.Code != http.StatusOK {
		t.Fatalf("slot_cancelled status = %d", rec.Code)
	}
	if all, _ := env.manager.Reminders(context.Background()); len(all) != 0 {
		t.Errorf("ledger has %d entries after cancel, want 0", len(all))
	}

	for _, body := range []map[string]any{
		{"type": "slot_booked", "subject_id": 7, "recipient_id": 42},
		{"type": "party", "subject_id": 7, "recipient_id": 42},
		{"type": "slot_cancelled", "recipient_id": 42},
	} {
		if rec := env.do(t, http.MethodPost, "/v1/events", body); rec.Code != http.StatusBadRequest {
			t.Errorf("%v: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestDeliveries(t *testing.T) {
	env := newTestEnv(t)

	body := map[string]any{"recipient_id": 42, "text": "hello"}
	rec := env.do(t, http.MethodPost, "/v1/deliveries", body, "Idempotency-Key", "k-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp DeliveryResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Outcome != broker.OutcomeSent || resp.Item == nil {
		t.Fatalf("response = %+v", resp)
	}

	// same key: no second send
	rec = env.do(t, http.MethodPost, "/v1/deliveries", body, "Idempotency-Key", "k-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("repeat status = %d", rec.Code)
	}
	if *env.sent != 1 {
		t.Errorf("sent %d times, want 1", *env.sent)
	}

	rec = env.do(t, http.MethodGet, "/v1/deliveries/"+resp.Item.ID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d", rec.Code)
	}
	var item broker.Item
	_ = json.NewDecoder(rec.Body).Decode(&item)
	if item.Status != broker.StatusSent {
		t.Errorf("status = %q, want sent", item.Status)
	}
}

func TestDeliveries_Disabled(t *testing.T) {
	env := newTestEnv(t)
	env.sw.Set(false, integration.SourceOperator, nil)

	rec := env.do(t, http.MethodPost, "/v1/deliveries", map[string]any{"recipient_id": 42, "text": "hello"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	var resp DeliveryResponse
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Outcome != broker.OutcomeSkippedDisabled {
		t.Errorf("outcome = %q, want skipped_disabled", resp.Outcome)
	}
	if *env.sent != 0 {
		t.Error("nothing should be sent while disabled")
	}
}

func TestDeliveries_Errors(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(t, http.MethodPost, "/v1/deliveries", map[string]any{"recipient_id": 42}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing text: status = %d, want 400", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/v1/deliveries/not-a-uuid", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id: status = %d, want 400", rec.Code)
	}
	rec := env.do(t, http.MethodGet, "/v1/deliveries/6f1c1f0e-4b7a-4b8e-9a3c-2d1e0f9a8b7c", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown id: status = %d, want 404", rec.Code)
	}
}

func TestUnconfiguredRoutes(t *testing.T) {
	router := NewRouter(NewHandler(zap.NewNop(), Deps{}), nil, zap.NewNop())

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/v1/integration"},
		{http.MethodPost, "/v1/content-updates"},
		{http.MethodGet, "/v1/policy"},
		{http.MethodPut, "/v1/policy"},
		{http.MethodPut, "/v1/templates/remind_30m"},
		{http.MethodGet, "/v1/reminders"},
		{http.MethodPost, "/v1/events"},
		{http.MethodPost, "/v1/deliveries"},
	} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, bytes.NewBufferString("{}")))
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s %s: status = %d, want 503", tc.method, tc.path, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/health without reporter: status = %d, want 200", rec.Code)
	}
}
