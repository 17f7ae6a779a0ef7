package broker

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/nudge/internal/messenger"
)

// Status of an outbox item.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
	StatusExpired Status = "expired"
)

// Terminal reports whether no further delivery will be attempted.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusExpired
}

var (
	ErrNotFound       = errors.New("outbox item not found")
	ErrInvalidRequest = errors.New("invalid delivery request")
)

// Request asks the broker to deliver one notification.
type Request struct {
	RecipientID    int64             `json:"recipient_id"`
	Kind           string            `json:"kind"`
	Content        messenger.Content `json:"content"`
	IdempotencyKey string            `json:"idempotency_key"`
	// TTL overrides the broker default; zero uses the default.
	TTL time.Duration `json:"-"`
}

func (r Request) validate() error {
	switch {
	case r.RecipientID == 0:
		return errors.Join(ErrInvalidRequest, errors.New("recipient_id is required"))
	case r.Kind == "":
		return errors.Join(ErrInvalidRequest, errors.New("kind is required"))
	case r.Content.Text == "":
		return errors.Join(ErrInvalidRequest, errors.New("content text is required"))
	}
	return nil
}

// Item is one outbox row.
type Item struct {
	ID                uuid.UUID         `json:"id"`
	IdempotencyKey    string            `json:"idempotency_key"`
	RecipientID       int64             `json:"recipient_id"`
	Kind              string            `json:"kind"`
	Content           messenger.Content `json:"content"`
	Status            Status            `json:"status"`
	Attempt           int               `json:"attempt"`
	NextAttemptAt     time.Time         `json:"next_attempt_at"`
	LastError         *string           `json:"last_error,omitempty"`
	ProviderMessageID *string           `json:"provider_message_id,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	ExpiresAt         time.Time         `json:"expires_at"`
}

// Expired reports whether the item outlived its TTL at now.
func (it *Item) Expired(now time.Time) bool {
	return !it.ExpiresAt.IsZero() && !now.Before(it.ExpiresAt)
}

func (it *Item) clone() *Item {
	c := *it
	if it.LastError != nil {
		v := *it.LastError
		c.LastError = &v
	}
	if it.ProviderMessageID != nil {
		v := *it.ProviderMessageID
		c.ProviderMessageID = &v
	}
	return &c
}

// Outcome of a synchronous delivery.
type Outcome string

const (
	OutcomeSent            Outcome = "sent"
	OutcomeSkippedDisabled Outcome = "skipped_disabled"
	OutcomeFailed          Outcome = "failed"
	OutcomeRetryScheduled  Outcome = "retry_scheduled"
	OutcomeExpired         Outcome = "expired"
)

// Stats is the broker's health view.
type Stats struct {
	Pending  int   `json:"pending"`
	Sent     int   `json:"sent"`
	Failed   int   `json:"failed"`
	Expired  int   `json:"expired"`
	Attempts int64 `json:"attempts"`
	Deferred int64 `json:"deferred"`
}
