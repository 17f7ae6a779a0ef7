package templates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/lalithlochan/nudge/internal/state"
)

// ErrInvalidTemplate wraps compile failures of an operator-supplied template.
var ErrInvalidTemplate = errors.New("invalid message template")

// Repository is a Source that also accepts operator edits.
type Repository interface {
	Source
	Upsert(ctx context.Context, d Definition) error
}

// Validate reports whether d compiles.
func Validate(d Definition) error {
	if d.Kind == "" {
		return fmt.Errorf("%w: kind is required", ErrInvalidTemplate)
	}
	if _, err := compile(d.Kind, d); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}
	return nil
}

type storedDefinition struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// StateSource keeps overrides as one JSON document in a state store, for
// deployments without Postgres.
type StateSource struct {
	store state.Store
	key   string
}

var _ Repository = (*StateSource)(nil)

func NewStateSource(store state.Store, key string) *StateSource {
	return &StateSource{store: store, key: key}
}

func (s *StateSource) Overrides(ctx context.Context) ([]Definition, error) {
	raw, err := s.store.Get(ctx, s.key)
	if err != nil {
		return nil, fmt.Errorf("read template overrides: %w", err)
	}
	stored, err := decodeOverrides(raw)
	if err != nil {
		return nil, err
	}

	defs := make([]Definition, 0, len(stored))
	for kind, d := range stored {
		defs = append(defs, Definition{Kind: kind, Subject: d.Subject, Body: d.Body})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Kind < defs[j].Kind })
	return defs, nil
}

// Upsert replaces the override for d.Kind.
func (s *StateSource) Upsert(ctx context.Context, d Definition) error {
	apply := func(old []byte) ([]byte, error) {
		stored, err := decodeOverrides(old)
		if err != nil {
			return nil, err
		}
		stored[d.Kind] = storedDefinition{Subject: d.Subject, Body: d.Body}
		return json.Marshal(stored)
	}

	if as, ok := s.store.(state.AtomicStore); ok {
		if err := as.Update(ctx, s.key, apply); err != nil {
			return fmt.Errorf("upsert template %s: %w", d.Kind, err)
		}
		return nil
	}

	old, err := s.store.Get(ctx, s.key)
	if err != nil {
		return fmt.Errorf("upsert template %s: %w", d.Kind, err)
	}
	next, err := apply(old)
	if err != nil {
		return fmt.Errorf("upsert template %s: %w", d.Kind, err)
	}
	if err := s.store.Set(ctx, s.key, next); err != nil {
		return fmt.Errorf("upsert template %s: %w", d.Kind, err)
	}
	return nil
}

func decodeOverrides(raw []byte) (map[string]storedDefinition, error) {
	out := map[string]storedDefinition{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode template overrides: %w", err)
	}
	if out == nil {
		out = map[string]storedDefinition{}
	}
	return out, nil
}
