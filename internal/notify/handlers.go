package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/nudge/internal/broker"
	"github.com/lalithlochan/nudge/internal/messenger"
	"github.com/lalithlochan/nudge/internal/reminder"
	"github.com/lalithlochan/nudge/internal/state"
	"github.com/lalithlochan/nudge/internal/templates"
)

// StartsAtLayout is how event times appear in rendered messages.
const StartsAtLayout = "Mon 2 Jan 15:04 MST"

type Renderer interface {
	Render(ctx context.Context, kind string, data templates.Data) (messenger.Content, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, req broker.Request) (*broker.Item, bool, error)
}

// Handlers renders due reminders and hands them to the broker.
type Handlers struct {
	renderer Renderer
	enqueuer Enqueuer
	location *time.Location
	logger   *zap.Logger
}

func NewHandlers(renderer Renderer, enqueuer Enqueuer, location *time.Location, logger *zap.Logger) *Handlers {
	if location == nil {
		location = time.UTC
	}
	return &Handlers{
		renderer: renderer,
		enqueuer: enqueuer,
		location: location,
		logger:   logger,
	}
}

// Register installs Handle for every known kind.
func (h *Handlers) Register(w *reminder.Worker) {
	for _, kind := range reminder.Kinds {
		w.Register(kind, h.Handle)
	}
}

// Handle is a reminder.Handler.
func (h *Handlers) Handle(ctx context.Context, r state.ReminderMeta) error {
	content, err := h.renderer.Render(ctx, r.Kind, h.data(r))
	if err != nil {
		return fmt.Errorf("render %s: %w", r.Kind, err)
	}

	item, inserted, err := h.enqueuer.Enqueue(ctx, broker.Request{
		RecipientID:    r.RecipientID,
		Kind:           r.Kind,
		Content:        content,
		IdempotencyKey: IdempotencyKey(r),
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", r.Kind, err)
	}

	h.logger.Debug("reminder handed to broker",
		zap.String("kind", r.Kind),
		zap.Int64("recipient_id", r.RecipientID),
		zap.String("item_id", item.ID.String()),
		zap.Bool("inserted", inserted),
	)
	return nil
}

func (h *Handlers) data(r state.ReminderMeta) templates.Data {
	d := templates.Data{
		RecipientID: r.RecipientID,
		SubjectID:   r.SubjectID,
		Kind:        r.Kind,
		NotifyAt:    r.NotifyAt,
		Payload:     r.Payload,
	}
	if raw, ok := r.Payload[PayloadStartsAt].(string); ok {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			d.StartsAt = t.In(h.location).Format(StartsAtLayout)
		} else {
			d.StartsAt = raw
		}
	}
	return d
}

// IdempotencyKey identifies one firing of a reminder. A rescheduled
// reminder gets a new key because its notify_at changed.
func IdempotencyKey(r state.ReminderMeta) string {
	return fmt.Sprintf("%s:%d:%d:%d", r.Kind, r.SubjectID, r.RecipientID, r.NotifyAt.Unix())
}
