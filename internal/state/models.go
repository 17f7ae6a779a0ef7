package state

import (
	"fmt"
	"time"
)

// State is arbitrary per-recipient key/value data.
type State map[string]any

// ReminderMeta is a scheduled notification intent.
type ReminderMeta struct {
	SubjectID   int64          `json:"subject_id"`
	RecipientID int64          `json:"recipient_id"`
	NotifyAt    time.Time      `json:"notify_at"`
	Kind        string         `json:"kind"`
	Payload     map[string]any `json:"payload"`
}

// Key returns the ledger identity of the reminder.
func (r ReminderMeta) Key() string {
	return reminderKey(r.SubjectID, r.RecipientID, r.Kind)
}

// Due reports whether the reminder should fire at now.
func (r ReminderMeta) Due(now time.Time) bool {
	return !r.NotifyAt.After(now)
}

func reminderKey(subjectID, recipientID int64, kind string) string {
	return fmt.Sprintf("%d:%d:%s", subjectID, recipientID, kind)
}

// ledger indexes live reminders by (subject, recipient, kind).
type ledger map[string]ReminderMeta
