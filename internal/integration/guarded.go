package integration

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/nudge/internal/messenger"
)

var (
	// ErrDisabled is returned instead of sending while the switch is off.
	ErrDisabled = errors.New("skipped: disabled")
	// ErrFatal marks a send that failed and tripped the switch.
	ErrFatal = errors.New("channel failure, integration disabled")
	// ErrPermanent marks a send the provider rejected for this recipient only.
	ErrPermanent = errors.New("recipient rejected by channel")
)

// GuardedMessenger wraps a Messenger with the integration switch. Sends are
// skipped while the switch is off, and a fatal channel error turns it off.
type GuardedMessenger struct {
	next   messenger.Messenger
	sw     *Switch
	logger *zap.Logger
}

func NewGuardedMessenger(next messenger.Messenger, sw *Switch, logger *zap.Logger) *GuardedMessenger {
	return &GuardedMessenger{next: next, sw: sw, logger: logger}
}

// Send returns ErrDisabled, ErrFatal or ErrPermanent wrapped errors; any
// other error is retryable and returned unchanged.
func (g *GuardedMessenger) Send(ctx context.Context, recipientID int64, content messenger.Content) (messenger.Result, error) {
	if !g.sw.IsEnabled() {
		return messenger.Result{}, ErrDisabled
	}

	res, err := g.next.Send(ctx, recipientID, content)
	if err == nil {
		return res, nil
	}

	class, reason := messenger.Classify(err)
	switch class {
	case messenger.Fatal:
		g.logger.Error("fatal channel error, disabling integration",
			zap.Int64("recipient_id", recipientID),
			zap.String("reason", reason),
			zap.Error(err),
		)
		g.sw.Trip(reason)
		return messenger.Result{}, fmt.Errorf("%w: %w", ErrFatal, err)
	case messenger.Permanent:
		return messenger.Result{}, fmt.Errorf("%w: %w", ErrPermanent, err)
	default:
		return messenger.Result{}, err
	}
}

// Switch returns the guarding switch.
func (g *GuardedMessenger) Switch() *Switch {
	return g.sw
}
