package contentupdate

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Invalidator routes events to the caches registered for their kind.
type Invalidator struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

func NewInvalidator() *Invalidator {
	return &Invalidator{handlers: make(map[string][]Handler)}
}

// On registers fn for kind. Several handlers may share a kind.
func (i *Invalidator) On(kind string, fn Handler) {
	if kind == "" || fn == nil {
		panic("contentupdate: On requires a kind and a handler")
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.handlers[kind] = append(i.handlers[kind], fn)
}

// Handle runs every handler for ev.Kind. Unknown kinds are ignored.
func (i *Invalidator) Handle(ctx context.Context, ev Event) error {
	i.mu.RLock()
	hs := append([]Handler(nil), i.handlers[ev.Kind]...)
	i.mu.RUnlock()

	var errs []error
	for _, h := range hs {
		if err := h(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ev.Kind, err))
		}
	}
	return errors.Join(errs...)
}

// Kinds lists registered kinds.
func (i *Invalidator) Kinds() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]string, 0, len(i.handlers))
	for k := range i.handlers {
		out = append(out, k)
	}
	return out
}
