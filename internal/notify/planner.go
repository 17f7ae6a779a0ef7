package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/nudge/internal/reminder"
	"github.com/lalithlochan/nudge/internal/state"
)

// Kinds scheduled for each domain event.
var (
	SlotKinds     = []reminder.Kind{reminder.KindRemind24h, reminder.KindConfirm2h, reminder.KindRemind30m}
	IntroDayKinds = []reminder.Kind{reminder.KindIntroDayRemind}
)

// PayloadStartsAt carries the event start in every scheduled payload.
const PayloadStartsAt = "starts_at"

// Scheduler is the ledger side of state.Manager.
type Scheduler interface {
	ScheduleReminder(ctx context.Context, subjectID, recipientID int64, notifyAt time.Time, kind string, payload map[string]any) (state.ReminderMeta, error)
	CancelReminder(ctx context.Context, subjectID, recipientID int64, kind string) error
}

// Planner maps booking events onto the reminder ledger.
type Planner struct {
	sched  Scheduler
	policy *Policy
	clock  func() time.Time
	logger *zap.Logger
}

func NewPlanner(sched Scheduler, policy *Policy, clock func() time.Time, logger *zap.Logger) *Planner {
	if clock == nil {
		clock = time.Now
	}
	return &Planner{
		sched:  sched,
		policy: policy,
		clock:  clock,
		logger: logger,
	}
}

// SlotBooked schedules every slot reminder whose fire time is still ahead.
// Kinds already in the past are cancelled so a reschedule never leaves a
// stale entry behind.
func (p *Planner) SlotBooked(ctx context.Context, slotID, userID int64, startsAt time.Time, details map[string]any) ([]state.ReminderMeta, error) {
	return p.plan(ctx, slotID, userID, startsAt, details, SlotKinds)
}

// SlotCancelled drops every slot reminder for the pair.
func (p *Planner) SlotCancelled(ctx context.Context, slotID, userID int64) error {
	return p.cancel(ctx, slotID, userID, SlotKinds)
}

func (p *Planner) IntroDayBooked(ctx context.Context, sessionID, userID int64, startsAt time.Time, details map[string]any) ([]state.ReminderMeta, error) {
	return p.plan(ctx, sessionID, userID, startsAt, details, IntroDayKinds)
}

func (p *Planner) IntroDayCancelled(ctx context.Context, sessionID, userID int64) error {
	return p.cancel(ctx, sessionID, userID, IntroDayKinds)
}

func (p *Planner) plan(ctx context.Context, subjectID, recipientID int64, startsAt time.Time, details map[string]any, kinds []reminder.Kind) ([]state.ReminderMeta, error) {
	now := p.clock()
	startsAt = startsAt.UTC()

	var (
		scheduled []state.ReminderMeta
		errs      []error
	)
	for _, kind := range kinds {
		offset, ok := p.policy.Offset(ctx, kind)
		if !ok {
			continue
		}
		notifyAt := startsAt.Add(-offset)

		if !notifyAt.After(now) {
			if err := p.sched.CancelReminder(ctx, subjectID, recipientID, string(kind)); err != nil {
				errs = append(errs, err)
			}
			continue
		}

		meta, err := p.sched.ScheduleReminder(ctx, subjectID, recipientID, notifyAt, string(kind), payloadFor(startsAt, details))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", kind, err))
			continue
		}
		scheduled = append(scheduled, meta)
	}

	p.logger.Info("reminders planned",
		zap.Int64("subject_id", subjectID),
		zap.Int64("recipient_id", recipientID),
		zap.Time("starts_at", startsAt),
		zap.Int("scheduled", len(scheduled)),
	)
	return scheduled, errors.Join(errs...)
}

func (p *Planner) cancel(ctx context.Context, subjectID, recipientID int64, kinds []reminder.Kind) error {
	var errs []error
	for _, kind := range kinds {
		if err := p.sched.CancelReminder(ctx, subjectID, recipientID, string(kind)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", kind, err))
		}
	}
	return errors.Join(errs...)
}

func payloadFor(startsAt time.Time, details map[string]any) map[string]any {
	payload := make(map[string]any, len(details)+1)
	for k, v := range details {
		payload[k] = v
	}
	payload[PayloadStartsAt] = startsAt.Format(time.RFC3339)
	return payload
}
