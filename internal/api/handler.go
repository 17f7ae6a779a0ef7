package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/nudge/internal/broker"
	"github.com/lalithlochan/nudge/internal/contentupdate"
	"github.com/lalithlochan/nudge/internal/health"
	"github.com/lalithlochan/nudge/internal/integration"
	"github.com/lalithlochan/nudge/internal/messenger"
	"github.com/lalithlochan/nudge/internal/reminder"
	"github.com/lalithlochan/nudge/internal/state"
	"github.com/lalithlochan/nudge/internal/templates"
)

// SwitchController is the operator side of the integration switch.
type SwitchController interface {
	Snapshot() integration.Snapshot
	Set(enabled bool, source integration.Source, reason *string) integration.Snapshot
}

// Publisher is the content-update bus.
type Publisher interface {
	Publish(ctx context.Context, kind string, payload map[string]any) bool
}

// ReminderLedger is the reminder side of state.Manager.
type ReminderLedger interface {
	ScheduleReminder(ctx context.Context, subjectID, recipientID int64, notifyAt time.Time, kind string, payload map[string]any) (state.ReminderMeta, error)
	CancelReminder(ctx context.Context, subjectID, recipientID int64, kind string) error
	Reminders(ctx context.Context) ([]state.ReminderMeta, error)
}

// EventPlanner turns booking events into reminders.
type EventPlanner interface {
	SlotBooked(ctx context.Context, slotID, userID int64, startsAt time.Time, details map[string]any) ([]state.ReminderMeta, error)
	SlotCancelled(ctx context.Context, slotID, userID int64) error
	IntroDayBooked(ctx context.Context, sessionID, userID int64, startsAt time.Time, details map[string]any) ([]state.ReminderMeta, error)
	IntroDayCancelled(ctx context.Context, sessionID, userID int64) error
}

// Deliverer is the synchronous broker path.
type Deliverer interface {
	DeliverNow(ctx context.Context, req broker.Request) (broker.Outcome, *broker.Item, error)
	Item(ctx context.Context, id uuid.UUID) (*broker.Item, error)
}

// PolicyEditor reads and replaces reminder lead-time overrides.
type PolicyEditor interface {
	Offsets(ctx context.Context) map[reminder.Kind]time.Duration
	Save(ctx context.Context, overrides map[reminder.Kind]time.Duration) error
}

// TemplateEditor stores message template overrides.
type TemplateEditor interface {
	Upsert(ctx context.Context, d templates.Definition) error
}

type HealthReporter interface {
	Snapshot(ctx context.Context) health.Snapshot
}

// Deps are the collaborators the handlers need. Nil members disable their
// routes with 503.
type Deps struct {
	Switch     SwitchController
	Bus        Publisher
	Ledger     ReminderLedger
	Planner    EventPlanner
	Deliveries Deliverer
	Policy     PolicyEditor
	Templates  TemplateEditor
	Health     HealthReporter
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger *zap.Logger
	deps   Deps
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, deps Deps) *Handler {
	return &Handler{
		logger: logger,
		deps:   deps,
	}
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.deps.Health == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	snap := h.deps.Health.Snapshot(r.Context())
	status := http.StatusOK
	if !snap.Healthy() {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, snap)
}

// IntegrationRequest is the body of PUT /v1/integration
type IntegrationRequest struct {
	Enabled *bool  `json:"enabled"`
	Reason  string `json:"reason"`
}

// GetIntegration handles GET /v1/integration
func (h *Handler) GetIntegration(w http.ResponseWriter, r *http.Request) {
	if h.deps.Switch == nil {
		h.unavailable(w, "integration switch")
		return
	}
	h.writeJSON(w, http.StatusOK, h.deps.Switch.Snapshot())
}

// SetIntegration handles PUT /v1/integration. The change is attributed to
// the operator.
func (h *Handler) SetIntegration(w http.ResponseWriter, r *http.Request) {
	if h.deps.Switch == nil {
		h.unavailable(w, "integration switch")
		return
	}

	var req IntegrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Enabled == nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "enabled is required")
		return
	}

	var reason *string
	if req.Reason != "" {
		reason = &req.Reason
	}
	snap := h.deps.Switch.Set(*req.Enabled, integration.SourceOperator, reason)

	h.logger.Info("integration switch set by operator",
		zap.Bool("enabled", snap.Enabled),
		zap.String("reason", req.Reason),
		zap.String("request_id", requestID(r)),
	)
	h.writeJSON(w, http.StatusOK, snap)
}

// ContentUpdateRequest is the body of POST /v1/content-updates
type ContentUpdateRequest struct {
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload"`
}

// PublishContentUpdate handles POST /v1/content-updates. Publishing is best
// effort, so the response is 202 either way and reports the outcome.
func (h *Handler) PublishContentUpdate(w http.ResponseWriter, r *http.Request) {
	if h.deps.Bus == nil {
		h.unavailable(w, "content-update bus")
		return
	}

	var req ContentUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Kind == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "kind is required")
		return
	}

	published := h.deps.Bus.Publish(r.Context(), req.Kind, req.Payload)
	h.writeJSON(w, http.StatusAccepted, map[string]any{
		"kind":      req.Kind,
		"published": published,
	})
}

// PolicyRequest is the body of PUT /v1/policy. Offsets are Go durations
// keyed by reminder kind; kinds left out fall back to their defaults.
type PolicyRequest struct {
	Offsets map[string]string `json:"offsets"`
}

// PolicyResponse reports the effective offsets.
type PolicyResponse struct {
	Offsets   map[string]string `json:"offsets"`
	Published *bool             `json:"published,omitempty"`
}

// GetPolicy handles GET /v1/policy
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	if h.deps.Policy == nil {
		h.unavailable(w, "reminder policy")
		return
	}
	h.writeJSON(w, http.StatusOK, PolicyResponse{Offsets: formatOffsets(h.deps.Policy.Offsets(r.Context()))})
}

// SetPolicy handles PUT /v1/policy. The overrides are persisted, then every
// process is told to reload them.
func (h *Handler) SetPolicy(w http.ResponseWriter, r *http.Request) {
	if h.deps.Policy == nil || h.deps.Bus == nil {
		h.unavailable(w, "reminder policy")
		return
	}

	var req PolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	overrides := make(map[reminder.Kind]time.Duration, len(req.Offsets))
	for k, v := range req.Offsets {
		kind := reminder.Kind(k)
		if !kind.Known() {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Unknown kind", "no reminder kind named "+k)
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid offset", k+" must be a non-negative duration such as 90m")
			return
		}
		overrides[kind] = d
	}

	ctx := r.Context()
	if err := h.deps.Policy.Save(ctx, overrides); err != nil {
		h.stateError(w, "Failed to save reminder policy", err)
		return
	}
	published := h.deps.Bus.Publish(ctx, contentupdate.KindReminderPolicy, nil)

	h.logger.Info("reminder policy updated",
		zap.Int("overrides", len(overrides)),
		zap.Bool("published", published),
		zap.String("request_id", requestID(r)),
	)
	h.writeJSON(w, http.StatusOK, PolicyResponse{
		Offsets:   formatOffsets(h.deps.Policy.Offsets(ctx)),
		Published: &published,
	})
}

// TemplateRequest is the body of PUT /v1/templates/{kind}
type TemplateRequest struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// SetTemplate handles PUT /v1/templates/{kind}. The template must compile
// before it is stored.
func (h *Handler) SetTemplate(w http.ResponseWriter, r *http.Request) {
	if h.deps.Templates == nil || h.deps.Bus == nil {
		h.unavailable(w, "message templates")
		return
	}

	var req TemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	def := templates.Definition{Kind: chi.URLParam(r, "kind"), Subject: req.Subject, Body: req.Body}
	if err := templates.Validate(def); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid template", err.Error())
		return
	}

	ctx := r.Context()
	if err := h.deps.Templates.Upsert(ctx, def); err != nil {
		h.stateError(w, "Failed to save template", err)
		return
	}
	published := h.deps.Bus.Publish(ctx, contentupdate.KindTemplates, map[string]any{"kind": def.Kind})

	h.logger.Info("message template updated",
		zap.String("kind", def.Kind),
		zap.Bool("published", published),
		zap.String("request_id", requestID(r)),
	)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"kind":      def.Kind,
		"published": published,
	})
}

func formatOffsets(in map[reminder.Kind]time.Duration) map[string]string {
	out := make(map[string]string, len(in))
	for k, d := range in {
		out[string(k)] = d.String()
	}
	return out
}

// ReminderRequest is the body of POST /v1/reminders
type ReminderRequest struct {
	SubjectID   int64          `json:"subject_id"`
	RecipientID int64          `json:"recipient_id"`
	NotifyAt    time.Time      `json:"notify_at"`
	Kind        string         `json:"kind"`
	Payload     map[string]any `json:"payload"`
}

// ScheduleReminder handles POST /v1/reminders
func (h *Handler) ScheduleReminder(w http.ResponseWriter, r *http.Request) {
	if h.deps.Ledger == nil {
		h.unavailable(w, "reminder ledger")
		return
	}

	var req ReminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.RecipientID == 0 || req.Kind == "" || req.NotifyAt.IsZero() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "recipient_id, kind and notify_at are required")
		return
	}
	if !reminder.Kind(req.Kind).Known() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unknown kind", "no handler is registered for kind "+req.Kind)
		return
	}

	meta, err := h.deps.Ledger.ScheduleReminder(r.Context(), req.SubjectID, req.RecipientID, req.NotifyAt, req.Kind, req.Payload)
	if err != nil {
		h.stateError(w, "Failed to schedule reminder", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, meta)
}

// CancelReminder handles DELETE /v1/reminders?subject_id=&recipient_id=&kind=
// An empty kind cancels every kind for the pair.
func (h *Handler) CancelReminder(w http.ResponseWriter, r *http.Request) {
	if h.deps.Ledger == nil {
		h.unavailable(w, "reminder ledger")
		return
	}

	q := r.URL.Query()
	subjectID, err1 := strconv.ParseInt(q.Get("subject_id"), 10, 64)
	recipientID, err2 := strconv.ParseInt(q.Get("recipient_id"), 10, 64)
	if err := errors.Join(err1, err2); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid query", "subject_id and recipient_id must be integers")
		return
	}

	if err := h.deps.Ledger.CancelReminder(r.Context(), subjectID, recipientID, q.Get("kind")); err != nil {
		h.stateError(w, "Failed to cancel reminder", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListReminders handles GET /v1/reminders, optionally filtered by recipient_id
func (h *Handler) ListReminders(w http.ResponseWriter, r *http.Request) {
	if h.deps.Ledger == nil {
		h.unavailable(w, "reminder ledger")
		return
	}

	var recipientID int64
	if v := r.URL.Query().Get("recipient_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recipient_id", "recipient_id must be an integer")
			return
		}
		recipientID = id
	}

	all, err := h.deps.Ledger.Reminders(r.Context())
	if err != nil {
		h.stateError(w, "Failed to list reminders", err)
		return
	}

	out := make([]state.ReminderMeta, 0, len(all))
	for _, rm := range all {
		if recipientID == 0 || rm.RecipientID == recipientID {
			out = append(out, rm)
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"reminders": out,
		"count":     len(out),
	})
}

// Booking event types accepted by POST /v1/events
const (
	EventSlotBooked        = "slot_booked"
	EventSlotCancelled     = "slot_cancelled"
	EventIntroDayBooked    = "intro_day_booked"
	EventIntroDayCancelled = "intro_day_cancelled"
)

// EventRequest is the body of POST /v1/events
type EventRequest struct {
	Type        string         `json:"type"`
	SubjectID   int64          `json:"subject_id"`
	RecipientID int64          `json:"recipient_id"`
	StartsAt    time.Time      `json:"starts_at"`
	Details     map[string]any `json:"details"`
}

// HandleEvent handles POST /v1/events
func (h *Handler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	if h.deps.Planner == nil {
		h.unavailable(w, "reminder planner")
		return
	}

	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.SubjectID == 0 || req.RecipientID == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "subject_id and recipient_id are required")
		return
	}

	ctx := r.Context()
	var (
		scheduled []state.ReminderMeta
		err       error
	)
	switch req.Type {
	case EventSlotBooked, EventIntroDayBooked:
		if req.StartsAt.IsZero() {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "starts_at is required for "+req.Type)
			return
		}
		if req.Type == EventSlotBooked {
			scheduled, err = h.deps.Planner.SlotBooked(ctx, req.SubjectID, req.RecipientID, req.StartsAt, req.Details)
		} else {
			scheduled, err = h.deps.Planner.IntroDayBooked(ctx, req.SubjectID, req.RecipientID, req.StartsAt, req.Details)
		}
	case EventSlotCancelled:
		err = h.deps.Planner.SlotCancelled(ctx, req.SubjectID, req.RecipientID)
	case EventIntroDayCancelled:
		err = h.deps.Planner.IntroDayCancelled(ctx, req.SubjectID, req.RecipientID)
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unknown event type", "type must be slot_booked, slot_cancelled, intro_day_booked or intro_day_cancelled")
		return
	}
	if err != nil {
		h.stateError(w, "Failed to plan reminders", err)
		return
	}

	if scheduled == nil {
		scheduled = []state.ReminderMeta{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"type":      req.Type,
		"scheduled": scheduled,
	})
}

// DeliveryRequest is the body of POST /v1/deliveries
type DeliveryRequest struct {
	RecipientID int64  `json:"recipient_id"`
	Kind        string `json:"kind"`
	Text        string `json:"text"`
	Subject     string `json:"subject"`
}

// DeliveryResponse reports a synchronous delivery
type DeliveryResponse struct {
	Outcome broker.Outcome `json:"outcome"`
	Item    *broker.Item   `json:"item"`
}

// Deliver handles POST /v1/deliveries. The Idempotency-Key header makes
// repeated requests return the first item instead of sending twice.
func (h *Handler) Deliver(w http.ResponseWriter, r *http.Request) {
	if h.deps.Deliveries == nil {
		h.unavailable(w, "delivery broker")
		return
	}

	var req DeliveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Kind == "" {
		req.Kind = "adhoc"
	}

	outcome, item, err := h.deps.Deliveries.DeliverNow(r.Context(), broker.Request{
		RecipientID:    req.RecipientID,
		Kind:           req.Kind,
		Content:        messenger.Content{Text: req.Text, Subject: req.Subject},
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if errors.Is(err, broker.ErrInvalidRequest) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid delivery", err.Error())
		return
	}
	if err != nil {
		h.logger.Error("failed to deliver notification",
			zap.Error(err),
			zap.String("request_id", requestID(r)),
		)
		h.writeError(w, http.StatusInternalServerError, "delivery_error", "Failed to deliver notification", "")
		return
	}

	status := http.StatusOK
	if outcome != broker.OutcomeSent {
		status = http.StatusAccepted
	}
	h.writeJSON(w, status, DeliveryResponse{Outcome: outcome, Item: item})
}

// GetDelivery handles GET /v1/deliveries/{id}
func (h *Handler) GetDelivery(w http.ResponseWriter, r *http.Request) {
	if h.deps.Deliveries == nil {
		h.unavailable(w, "delivery broker")
		return
	}

	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid delivery ID", "ID must be a valid UUID")
		return
	}

	item, err := h.deps.Deliveries.Item(r.Context(), id)
	if errors.Is(err, broker.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Delivery not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to get delivery", zap.Error(err), zap.String("id", idStr))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get delivery", "")
		return
	}
	h.writeJSON(w, http.StatusOK, item)
}

func (h *Handler) stateError(w http.ResponseWriter, title string, err error) {
	if errors.Is(err, state.ErrNotInitialised) {
		h.writeError(w, http.StatusServiceUnavailable, "not_initialised", title, "state manager is not bound")
		return
	}
	h.logger.Error(title, zap.Error(err))
	h.writeError(w, http.StatusInternalServerError, "state_error", title, "")
}

func (h *Handler) unavailable(w http.ResponseWriter, what string) {
	h.writeError(w, http.StatusServiceUnavailable, "not_configured", "Service unavailable", what+" is not configured")
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
