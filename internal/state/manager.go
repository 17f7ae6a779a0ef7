package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/nudge/internal/metrics"
)

// ErrNotInitialised is returned when the manager is used before Bind.
// It signals a wiring bug, not a runtime condition.
var ErrNotInitialised = errors.New("state manager not initialised: call Bind before use")

const keyPrefix = "nudge"

// Manager exposes per-recipient state and the reminder ledger.
//
// All read-modify-write operations (UpdateState, ScheduleReminder,
// CancelReminder, PopDueReminders) are serialized by one in-process mutex.
// When the store implements AtomicStore the same operations are additionally
// atomic across processes sharing the store.
type Manager struct {
	store  Store
	logger *zap.Logger

	mu sync.Mutex

	idMu     sync.RWMutex
	identity string
}

// NewManager creates an unbound manager over store.
func NewManager(store Store, logger *zap.Logger) *Manager {
	return &Manager{
		store:  store,
		logger: logger,
	}
}

// Bind attaches the manager to a process/bot identity. Keys of different
// identities never collide, so several bots can share one store.
func (m *Manager) Bind(identity string) {
	m.idMu.Lock()
	defer m.idMu.Unlock()
	m.identity = identity

	m.logger.Info("state manager bound", zap.String("identity", identity))
}

// Identity returns the bound identity or ErrNotInitialised.
func (m *Manager) Identity() (string, error) {
	m.idMu.RLock()
	defer m.idMu.RUnlock()
	if m.identity == "" {
		return "", ErrNotInitialised
	}
	return m.identity, nil
}

// Store returns the underlying store.
func (m *Manager) Store() Store {
	return m.store
}

// Key builds a namespaced key for this manager's identity.
func (m *Manager) Key(parts ...string) (string, error) {
	id, err := m.Identity()
	if err != nil {
		return "", err
	}
	key := keyPrefix + ":" + id
	for _, p := range parts {
		key += ":" + p
	}
	return key, nil
}

func (m *Manager) stateKey(recipientID int64) (string, error) {
	return m.Key("state", fmt.Sprintf("%d", recipientID))
}

func (m *Manager) ledgerKey() (string, error) {
	return m.Key("reminders")
}

// LoadState returns the recipient's state, or an empty State if none is stored.
func (m *Manager) LoadState(ctx context.Context, recipientID int64) (State, error) {
	key, err := m.stateKey(recipientID)
	if err != nil {
		return nil, err
	}

	raw, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load state %d: %w", recipientID, err)
	}
	return decodeState(raw)
}

// SaveState overwrites the recipient's state.
func (m *Manager) SaveState(ctx context.Context, recipientID int64, st State) error {
	key, err := m.stateKey(recipientID)
	if err != nil {
		return err
	}

	data, err := encodeState(st)
	if err != nil {
		return err
	}
	if err := m.store.Set(ctx, key, data); err != nil {
		return fmt.Errorf("save state %d: %w", recipientID, err)
	}
	return nil
}

// UpdateState shallow-merges changes over the stored state and returns the result.
func (m *Manager) UpdateState(ctx context.Context, recipientID int64, changes State) (State, error) {
	key, err := m.stateKey(recipientID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var merged State
	err = m.mutate(ctx, key, func(old []byte) ([]byte, error) {
		cur, err := decodeState(old)
		if err != nil {
			return nil, err
		}
		for k, v := range changes {
			cur[k] = v
		}
		merged = cur
		return encodeState(cur)
	})
	if err != nil {
		return nil, fmt.Errorf("update state %d: %w", recipientID, err)
	}
	return merged, nil
}

// ClearState resets the recipient's state to an empty mapping.
func (m *Manager) ClearState(ctx context.Context, recipientID int64) error {
	return m.SaveState(ctx, recipientID, State{})
}

// ScheduleReminder stores a reminder, replacing any live entry with the same
// (subject, recipient, kind).
func (m *Manager) ScheduleReminder(ctx context.Context, subjectID, recipientID int64, notifyAt time.Time, kind string, payload map[string]any) (ReminderMeta, error) {
	if kind == "" {
		return ReminderMeta{}, errors.New("schedule reminder: kind is required")
	}
	key, err := m.ledgerKey()
	if err != nil {
		return ReminderMeta{}, err
	}
	if payload == nil {
		payload = map[string]any{}
	}

	meta := ReminderMeta{
		SubjectID:   subjectID,
		RecipientID: recipientID,
		NotifyAt:    notifyAt.UTC(),
		Kind:        kind,
		Payload:     payload,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	err = m.mutate(ctx, key, func(old []byte) ([]byte, error) {
		l, err := decodeLedger(old)
		if err != nil {
			return nil, err
		}
		l[meta.Key()] = meta
		return encodeLedger(l)
	})
	if err != nil {
		return ReminderMeta{}, fmt.Errorf("schedule reminder: %w", err)
	}

	metrics.RecordReminderScheduled(kind)
	m.logger.Debug("reminder scheduled",
		zap.Int64("subject_id", subjectID),
		zap.Int64("recipient_id", recipientID),
		zap.String("kind", kind),
		zap.Time("notify_at", meta.NotifyAt),
	)
	return meta, nil
}

// CancelReminder removes the matching reminder. An empty kind removes every
// kind scheduled for the (subject, recipient) pair. Missing entries are not an error.
func (m *Manager) CancelReminder(ctx context.Context, subjectID, recipientID int64, kind string) error {
	key, err := m.ledgerKey()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	err = m.mutate(ctx, key, func(old []byte) ([]byte, error) {
		removed = 0
		l, err := decodeLedger(old)
		if err != nil {
			return nil, err
		}
		if kind != "" {
			k := reminderKey(subjectID, recipientID, kind)
			if _, ok := l[k]; ok {
				delete(l, k)
				removed++
			}
		} else {
			for k, r := range l {
				if r.SubjectID == subjectID && r.RecipientID == recipientID {
					delete(l, k)
					removed++
				}
			}
		}
		return encodeLedger(l)
	})
	if err != nil {
		return fmt.Errorf("cancel reminder: %w", err)
	}

	if removed > 0 {
		metrics.RecordRemindersCancelled(removed)
		m.logger.Debug("reminders cancelled",
			zap.Int64("subject_id", subjectID),
			zap.Int64("recipient_id", recipientID),
			zap.String("kind", kind),
			zap.Int("removed", removed),
		)
	}
	return nil
}

// PopDueReminders removes and returns every reminder with NotifyAt <= now,
// ordered by NotifyAt. A popped reminder is never returned again.
func (m *Manager) PopDueReminders(ctx context.Context, now time.Time) ([]ReminderMeta, error) {
	key, err := m.ledgerKey()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var due []ReminderMeta
	err = m.mutate(ctx, key, func(old []byte) ([]byte, error) {
		due = nil
		l, err := decodeLedger(old)
		if err != nil {
			return nil, err
		}
		for k, r := range l {
			if r.Due(now) {
				due = append(due, r)
				delete(l, k)
			}
		}
		if len(due) == 0 {
			return old, nil
		}
		return encodeLedger(l)
	})
	if err != nil {
		return nil, fmt.Errorf("pop due reminders: %w", err)
	}

	sortReminders(due)
	if len(due) > 0 {
		metrics.RecordRemindersPopped(len(due))
	}
	return due, nil
}

// Reminders lists live reminders without removing them.
func (m *Manager) Reminders(ctx context.Context) ([]ReminderMeta, error) {
	key, err := m.ledgerKey()
	if err != nil {
		return nil, err
	}

	raw, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}
	l, err := decodeLedger(raw)
	if err != nil {
		return nil, err
	}

	out := make([]ReminderMeta, 0, len(l))
	for _, r := range l {
		out = append(out, r)
	}
	sortReminders(out)
	return out, nil
}

// Ping checks the store when it supports reachability checks.
func (m *Manager) Ping(ctx context.Context) error {
	if p, ok := m.store.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// mutate runs fn as one read-modify-write on key. Callers hold m.mu.
func (m *Manager) mutate(ctx context.Context, key string, fn UpdateFunc) error {
	if as, ok := m.store.(AtomicStore); ok {
		return as.Update(ctx, key, fn)
	}

	old, err := m.store.Get(ctx, key)
	if err != nil {
		return err
	}
	next, err := fn(old)
	if err != nil {
		return err
	}
	if next == nil {
		return m.store.Delete(ctx, key)
	}
	return m.store.Set(ctx, key, next)
}

func sortReminders(rs []ReminderMeta) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].NotifyAt.Equal(rs[j].NotifyAt) {
			return rs[i].Key() < rs[j].Key()
		}
		return rs[i].NotifyAt.Before(rs[j].NotifyAt)
	})
}

func decodeState(raw []byte) (State, error) {
	st := State{}
	if len(raw) == 0 {
		return st, nil
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if st == nil {
		st = State{}
	}
	return st, nil
}

func encodeState(st State) ([]byte, error) {
	if st == nil {
		st = State{}
	}
	data, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return data, nil
}

func decodeLedger(raw []byte) (ledger, error) {
	l := ledger{}
	if len(raw) == 0 {
		return l, nil
	}
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("decode reminder ledger: %w", err)
	}
	if l == nil {
		l = ledger{}
	}
	return l, nil
}

func encodeLedger(l ledger) ([]byte, error) {
	data, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("encode reminder ledger: %w", err)
	}
	return data, nil
}
