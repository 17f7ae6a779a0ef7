// Package contentupdate carries best-effort cache-invalidation hints between
// processes. Delivery is live-only: a subscriber that is not connected when an
// event is published never sees it, so consumers must always be able to
// re-fetch the source of truth.
package contentupdate

import (
	"encoding/json"
	"time"
)

// ChannelName is the pub/sub channel shared by every participating process.
const ChannelName = "nudge:content-updates"

// Known event kinds.
const (
	KindTemplates         = "templates"
	KindReminderPolicy    = "reminder_policy"
	KindQuestionSets      = "question_sets"
	KindIntegrationSwitch = "integration_switch"
)

// Event tells subscribers that the named cache is stale.
type Event struct {
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload"`
	At      float64        `json:"at"`
}

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		Kind:    kind,
		Payload: payload,
		At:      float64(time.Now().UnixNano()) / 1e9,
	}
}

// Time converts At to a time.Time.
func (e Event) Time() time.Time {
	sec := int64(e.At)
	nsec := int64((e.At - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// Encode serializes the event for the wire.
func (e Event) Encode() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ParseEvent decodes a raw message. It reports false for malformed JSON,
// non-object messages and events without a kind. A missing or non-object
// payload becomes an empty map and an unparseable timestamp becomes 0.
func ParseEvent(raw string) (Event, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil || fields == nil {
		return Event{}, false
	}

	var kind string
	if err := json.Unmarshal(fields["kind"], &kind); err != nil || kind == "" {
		return Event{}, false
	}

	ev := Event{Kind: kind, Payload: map[string]any{}}

	if p, ok := fields["payload"]; ok {
		var payload map[string]any
		if err := json.Unmarshal(p, &payload); err == nil && payload != nil {
			ev.Payload = payload
		}
	}

	if at, ok := fields["at"]; ok {
		var f float64
		if err := json.Unmarshal(at, &f); err == nil {
			ev.At = f
		} else {
			var s json.Number
			if err := json.Unmarshal(at, &s); err == nil {
				if v, err := s.Float64(); err == nil {
					ev.At = v
				}
			}
		}
	}

	return ev, true
}
