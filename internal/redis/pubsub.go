package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lalithlochan/nudge/internal/contentupdate"
)

// PubSub is the production content-update transport: Redis PUBLISH/SUBSCRIBE.
// Redis keeps no backlog for a channel, which matches the live-only contract.
type PubSub struct {
	client *Client
}

var _ contentupdate.Transport = (*PubSub)(nil)

func NewPubSub(client *Client) *PubSub {
	return &PubSub{client: client}
}

func (p *PubSub) Publish(ctx context.Context, channel, msg string) error {
	if err := p.client.rdb.Publish(ctx, channel, msg).Err(); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// Subscribe blocks until Redis confirms the subscription.
func (p *PubSub) Subscribe(ctx context.Context, channel string) (contentupdate.Subscription, error) {
	ps := p.client.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe failed: %w", err)
	}
	return &subscription{ps: ps}, nil
}

type subscription struct {
	ps   *redis.PubSub
	once sync.Once
}

func (s *subscription) Receive(ctx context.Context, timeout time.Duration) (string, bool, error) {
	msg, err := s.ps.ReceiveTimeout(ctx, timeout)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return "", false, nil
		}
		if errors.Is(err, redis.ErrClosed) {
			return "", false, contentupdate.ErrClosed
		}
		return "", false, err
	}

	switch m := msg.(type) {
	case *redis.Message:
		return m.Payload, true, nil
	default:
		// subscription confirmations and pongs
		return "", false, nil
	}
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() { err = s.ps.Close() })
	return err
}
