package messenger

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// Router holds one Messenger per channel and sends through the active one.
type Router struct {
	messengers map[string]Messenger
	active     string
	logger     *zap.Logger
}

// NewRouter returns a router that delivers through active.
func NewRouter(active string, logger *zap.Logger) *Router {
	return &Router{
		messengers: make(map[string]Messenger),
		active:     active,
		logger:     logger,
	}
}

// Register adds or replaces the messenger for channel.
func (r *Router) Register(channel string, m Messenger) *Router {
	r.messengers[channel] = m
	return r
}

// Channels lists the registered channel names.
func (r *Router) Channels() []string {
	out := make([]string, 0, len(r.messengers))
	for c := range r.messengers {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Active returns the messenger for the configured channel.
func (r *Router) Active() (Messenger, error) {
	m, ok := r.messengers[r.active]
	if !ok {
		return nil, NewFatal("channel_not_configured", fmt.Errorf("no messenger registered for channel: %s", r.active))
	}
	return m, nil
}

func (r *Router) Send(ctx context.Context, recipientID int64, content Content) (Result, error) {
	m, err := r.Active()
	if err != nil {
		return Result{}, err
	}
	r.logger.Debug("routing notification to messenger",
		zap.String("channel", r.active),
		zap.Int64("recipient_id", recipientID),
	)
	return m.Send(ctx, recipientID, content)
}
