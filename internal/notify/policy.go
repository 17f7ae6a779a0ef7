// Package notify turns domain events into scheduled reminders and due
// reminders into outbox deliveries.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/nudge/internal/reminder"
	"github.com/lalithlochan/nudge/internal/state"
)

// DefaultOffsets is how long before the event each kind fires.
var DefaultOffsets = map[reminder.Kind]time.Duration{
	reminder.KindConfirm2h:      2 * time.Hour,
	reminder.KindRemind30m:      30 * time.Minute,
	reminder.KindRemind24h:      24 * time.Hour,
	reminder.KindIntroDayRemind: 24 * time.Hour,
}

// KeyStore is the subset of state.Manager the policy needs.
type KeyStore interface {
	Key(parts ...string) (string, error)
	Store() state.Store
}

// Policy holds reminder offsets. Overrides are read from the state store
// under nudge:{identity}:policy as {"kind": "90m", ...} and cached until
// Invalidate.
type Policy struct {
	keys   KeyStore
	logger *zap.Logger

	mu      sync.RWMutex
	offsets map[reminder.Kind]time.Duration
	stale   bool
}

func NewPolicy(keys KeyStore, logger *zap.Logger) *Policy {
	return &Policy{
		keys:    keys,
		logger:  logger,
		offsets: copyOffsets(DefaultOffsets),
		stale:   true,
	}
}

// Invalidate forces a reload on the next Offset call.
func (p *Policy) Invalidate() {
	p.mu.Lock()
	p.stale = true
	p.mu.Unlock()
	p.logger.Info("reminder policy invalidated")
}

// Offset returns the lead time for kind. A failed reload keeps the
// previous offsets.
func (p *Policy) Offset(ctx context.Context, kind reminder.Kind) (time.Duration, bool) {
	p.mu.RLock()
	stale := p.stale
	p.mu.RUnlock()

	if stale {
		if err := p.Load(ctx); err != nil {
			p.logger.Error("reminder policy reload failed, using previous offsets", zap.Error(err))
		}
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	d, ok := p.offsets[kind]
	return d, ok
}

// Offsets returns a copy of the current offsets.
func (p *Policy) Offsets(ctx context.Context) map[reminder.Kind]time.Duration {
	_, _ = p.Offset(ctx, reminder.KindConfirm2h)

	p.mu.RLock()
	defer p.mu.RUnlock()
	return copyOffsets(p.offsets)
}

// Load reads overrides from the store and layers them over the defaults.
func (p *Policy) Load(ctx context.Context) error {
	key, err := p.keys.Key("policy")
	if err != nil {
		return err
	}
	raw, err := p.keys.Store().Get(ctx, key)
	if err != nil {
		return fmt.Errorf("read reminder policy: %w", err)
	}

	offsets := copyOffsets(DefaultOffsets)
	if len(raw) > 0 {
		overrides, err := decodeOffsets(raw)
		if err != nil {
			return err
		}
		for k, d := range overrides {
			offsets[k] = d
		}
	}

	p.mu.Lock()
	p.offsets = offsets
	p.stale = false
	p.mu.Unlock()

	p.logger.Debug("reminder policy loaded", zap.Int("overridden", countOverridden(offsets)))
	return nil
}

// Save persists overrides. Peers pick them up after a reminder_policy event.
func (p *Policy) Save(ctx context.Context, overrides map[reminder.Kind]time.Duration) error {
	key, err := p.keys.Key("policy")
	if err != nil {
		return err
	}

	out := make(map[string]string, len(overrides))
	for k, d := range overrides {
		if d < 0 {
			return fmt.Errorf("negative offset for %s", k)
		}
		out[string(k)] = d.String()
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode reminder policy: %w", err)
	}
	if err := p.keys.Store().Set(ctx, key, raw); err != nil {
		return fmt.Errorf("save reminder policy: %w", err)
	}

	p.Invalidate()
	return nil
}

// decodeOffsets accepts duration strings or plain seconds.
func decodeOffsets(raw []byte) (map[reminder.Kind]time.Duration, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode reminder policy: %w", err)
	}

	out := make(map[reminder.Kind]time.Duration, len(m))
	for k, v := range m {
		var d time.Duration
		switch val := v.(type) {
		case string:
			parsed, err := time.ParseDuration(val)
			if err != nil {
				return nil, fmt.Errorf("reminder policy %s: %w", k, err)
			}
			d = parsed
		case float64:
			d = time.Duration(val * float64(time.Second))
		default:
			return nil, fmt.Errorf("reminder policy %s: unsupported value %v", k, v)
		}
		if d < 0 {
			return nil, fmt.Errorf("reminder policy %s: negative offset", k)
		}
		out[reminder.Kind(k)] = d
	}
	return out, nil
}

func countOverridden(offsets map[reminder.Kind]time.Duration) int {
	n := 0
	for k, d := range DefaultOffsets {
		if offsets[k] != d {
			n++
		}
	}
	return n
}

func copyOffsets(in map[reminder.Kind]time.Duration) map[reminder.Kind]time.Duration {
	out := make(map[reminder.Kind]time.Duration, len(in))
	for k, d := range in {
		out[k] = d
	}
	return out
}
