// Package health assembles the liveness snapshot served on /health.
package health

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/nudge/internal/broker"
	"github.com/lalithlochan/nudge/internal/integration"
)

type SwitchSource interface {
	Snapshot() integration.Snapshot
}

type WorkerSource interface {
	Running() bool
	LastPoll() time.Time
}

type SubscriberSource interface {
	Running() bool
}

type StatsSource interface {
	Stats(ctx context.Context) (broker.Stats, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type WorkerStatus struct {
	Running  bool       `json:"running"`
	LastPoll *time.Time `json:"last_poll,omitempty"`
}

type SubscriberStatus struct {
	Running bool `json:"running"`
}

type StoreStatus struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Snapshot is a point-in-time view of every moving part.
type Snapshot struct {
	Status     string               `json:"status"`
	Switch     integration.Snapshot `json:"integration"`
	Worker     WorkerStatus         `json:"worker"`
	Subscriber SubscriberStatus     `json:"subscriber"`
	Broker     *broker.Stats        `json:"broker,omitempty"`
	Store      StoreStatus          `json:"store"`
	CheckedAt  time.Time            `json:"checked_at"`
}

// Healthy is false only when the state store is unreachable. A disabled
// integration or stopped loop is reported but still serves.
func (s Snapshot) Healthy() bool {
	return s.Store.OK
}

// Reporter builds snapshots. Nil sources are reported as not running.
type Reporter struct {
	Switch     SwitchSource
	Worker     WorkerSource
	Subscriber SubscriberSource
	Broker     StatsSource
	Store      Pinger

	PingTimeout time.Duration
	Logger      *zap.Logger
}

func (r *Reporter) Snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{
		Status:    "ok",
		CheckedAt: time.Now().UTC(),
	}

	if r.Switch != nil {
		snap.Switch = r.Switch.Snapshot()
	}
	if r.Worker != nil {
		snap.Worker.Running = r.Worker.Running()
		if lp := r.Worker.LastPoll(); !lp.IsZero() {
			lp = lp.UTC()
			snap.Worker.LastPoll = &lp
		}
	}
	if r.Subscriber != nil {
		snap.Subscriber.Running = r.Subscriber.Running()
	}

	if r.Broker != nil {
		if stats, err := r.Broker.Stats(ctx); err != nil {
			r.logger().Warn("broker stats unavailable", zap.Error(err))
		} else {
			snap.Broker = &stats
		}
	}

	snap.Store.OK = true
	if r.Store != nil {
		timeout := r.PingTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		pctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if err := r.Store.Ping(pctx); err != nil {
			snap.Store.OK = false
			snap.Store.Error = err.Error()
			r.logger().Warn("state store ping failed", zap.Error(err))
		}
	}

	switch {
	case !snap.Store.OK:
		snap.Status = "unavailable"
	case !snap.Switch.Enabled || !snap.Worker.Running || !snap.Subscriber.Running:
		snap.Status = "degraded"
	}
	return snap
}

func (r *Reporter) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}
