package contentupdate

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by a subscription or transport that has been closed.
var ErrClosed = errors.New("contentupdate: closed")

// Transport is a named-channel publish/subscribe primitive carrying UTF-8 text.
type Transport interface {
	Publish(ctx context.Context, channel, msg string) error
	// Subscribe returns once the subscription is live; messages published
	// after it returns are delivered to it.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription receives raw messages for one channel.
type Subscription interface {
	// Receive waits up to timeout. ok is false when nothing arrived in time.
	Receive(ctx context.Context, timeout time.Duration) (msg string, ok bool, err error)
	Close() error
}

// MemoryTransport fans messages out to in-process subscribers. Publishing never
// blocks: a subscriber whose buffer is full drops the message.
type MemoryTransport struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySub]struct{}
	buffer int
}

// NewMemoryTransport creates an in-process transport.
func NewMemoryTransport(buffer int) *MemoryTransport {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryTransport{
		subs:   make(map[string]map[*memorySub]struct{}),
		buffer: buffer,
	}
}

func (t *MemoryTransport) Publish(_ context.Context, channel, msg string) error {
	t.mu.RLock()
	targets := make([]*memorySub, 0, len(t.subs[channel]))
	for s := range t.subs[channel] {
		targets = append(targets, s)
	}
	t.mu.RUnlock()

	for _, s := range targets {
		s.deliver(msg)
	}
	return nil
}

func (t *MemoryTransport) Subscribe(_ context.Context, channel string) (Subscription, error) {
	s := &memorySub{
		ch:      make(chan string, t.buffer),
		done:    make(chan struct{}),
		channel: channel,
		owner:   t,
	}

	t.mu.Lock()
	if t.subs[channel] == nil {
		t.subs[channel] = make(map[*memorySub]struct{})
	}
	t.subs[channel][s] = struct{}{}
	t.mu.Unlock()

	return s, nil
}

// Subscribers reports how many live subscriptions a channel has.
func (t *MemoryTransport) Subscribers(channel string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs[channel])
}

func (t *MemoryTransport) remove(s *memorySub) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs[s.channel], s)
	if len(t.subs[s.channel]) == 0 {
		delete(t.subs, s.channel)
	}
}

type memorySub struct {
	ch      chan string
	done    chan struct{}
	once    sync.Once
	channel string
	owner   *MemoryTransport
}

func (s *memorySub) deliver(msg string) {
	select {
	case <-s.done:
	case s.ch <- msg:
	default:
	}
}

func (s *memorySub) Receive(ctx context.Context, timeout time.Duration) (string, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.done:
		return "", false, ErrClosed
	case <-ctx.Done():
		return "", false, ctx.Err()
	case msg := <-s.ch:
		return msg, true, nil
	case <-timer.C:
		return "", false, nil
	}
}

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.owner.remove(s)
		close(s.done)
	})
	return nil
}
