package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/nudge/internal/metrics"
	"github.com/lalithlochan/nudge/internal/state"
)

// Source records who last changed the switch.
type Source string

const (
	SourceOperator Source = "operator"
	SourceRuntime  Source = "runtime"
)

// Snapshot is a consistent view of the switch.
type Snapshot struct {
	Enabled   bool      `json:"enabled"`
	Source    Source    `json:"source"`
	Reason    *string   `json:"reason"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Switch gates outbound delivery for the whole process.
//
// It is a plain flag: once a runtime failure disables it, only an explicit
// Set(true, ...) turns it back on. Nothing re-enables it automatically.
type Switch struct {
	mu        sync.RWMutex
	snap      Snapshot
	listeners []func(Snapshot)
	logger    *zap.Logger
}

// New creates a switch in the given state, attributed to the operator.
func New(enabled bool, logger *zap.Logger) *Switch {
	s := &Switch{
		snap: Snapshot{
			Enabled:   enabled,
			Source:    SourceOperator,
			UpdatedAt: time.Now().UTC(),
		},
		logger: logger,
	}
	metrics.SetIntegrationEnabled(enabled)
	return s
}

func (s *Switch) IsEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Enabled
}

func (s *Switch) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.clone()
}

// Set overwrites every field. A nil reason clears any previous reason.
func (s *Switch) Set(enabled bool, source Source, reason *string) Snapshot {
	if source == "" {
		source = SourceOperator
	}

	s.mu.Lock()
	s.snap = Snapshot{
		Enabled:   enabled,
		Source:    source,
		Reason:    copyReason(reason),
		UpdatedAt: time.Now().UTC(),
	}
	snap := s.snap.clone()
	listeners := append([]func(Snapshot){}, s.listeners...)
	s.mu.Unlock()

	metrics.SetIntegrationEnabled(enabled)
	if !enabled && source == SourceRuntime {
		metrics.RecordIntegrationTrip(derefReason(reason))
	}

	fields := []zap.Field{
		zap.Bool("enabled", enabled),
		zap.String("source", string(source)),
	}
	if reason != nil {
		fields = append(fields, zap.String("reason", *reason))
	}
	if enabled {
		s.logger.Info("integration switch enabled", fields...)
	} else {
		s.logger.Warn("integration switch disabled", fields...)
	}

	for _, fn := range listeners {
		s.notify(fn, snap)
	}
	return snap
}

// Trip disables the switch on behalf of the runtime.
func (s *Switch) Trip(reason string) Snapshot {
	return s.Set(false, SourceRuntime, &reason)
}

// Restore applies a snapshot from a peer or from storage. Listeners are not
// called, so applying a peer's change never re-broadcasts it.
func (s *Switch) Restore(snap Snapshot) {
	s.mu.Lock()
	s.snap = snap.clone()
	if s.snap.UpdatedAt.IsZero() {
		s.snap.UpdatedAt = time.Now().UTC()
	}
	s.mu.Unlock()

	metrics.SetIntegrationEnabled(snap.Enabled)
	s.logger.Info("integration switch restored",
		zap.Bool("enabled", snap.Enabled),
		zap.String("source", string(snap.Source)),
	)
}

// OnChange registers fn to run after every Set.
func (s *Switch) OnChange(fn func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Switch) notify(fn func(Snapshot), snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("integration switch listener panicked", zap.Any("panic", r))
		}
	}()
	fn(snap)
}

// Persist writes the current snapshot to store under key.
func (s *Switch) Persist(ctx context.Context, store state.Store, key string) error {
	data, err := json.Marshal(s.Snapshot())
	if err != nil {
		return fmt.Errorf("encode integration switch: %w", err)
	}
	if err := store.Set(ctx, key, data); err != nil {
		return fmt.Errorf("persist integration switch: %w", err)
	}
	return nil
}

// LoadFrom restores the snapshot stored under key. It reports false when
// nothing was stored.
func (s *Switch) LoadFrom(ctx context.Context, store state.Store, key string) (bool, error) {
	raw, err := store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("load integration switch: %w", err)
	}
	if raw == nil {
		return false, nil
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return false, fmt.Errorf("decode integration switch: %w", err)
	}
	s.Restore(snap)
	return true, nil
}

// SnapshotFromPayload decodes the payload of an integration_switch content event.
func SnapshotFromPayload(payload map[string]any) (Snapshot, bool) {
	enabled, ok := payload["enabled"].(bool)
	if !ok {
		return Snapshot{}, false
	}

	snap := Snapshot{Enabled: enabled, Source: SourceOperator}
	if src, ok := payload["source"].(string); ok && src != "" {
		snap.Source = Source(src)
	}
	if reason, ok := payload["reason"].(string); ok {
		snap.Reason = &reason
	}
	if ts, ok := payload["updated_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			snap.UpdatedAt = t
		}
	}
	return snap, true
}

// Payload encodes the snapshot for an integration_switch content event.
func (s Snapshot) Payload() map[string]any {
	p := map[string]any{
		"enabled":    s.Enabled,
		"source":     string(s.Source),
		"updated_at": s.UpdatedAt.Format(time.RFC3339Nano),
	}
	if s.Reason != nil {
		p["reason"] = *s.Reason
	}
	return p
}

func (s Snapshot) clone() Snapshot {
	s.Reason = copyReason(s.Reason)
	return s
}

func copyReason(r *string) *string {
	if r == nil {
		return nil
	}
	v := *r
	return &v
}

func derefReason(r *string) string {
	if r == nil {
		return ""
	}
	return *r
}
