package saga

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	// ErrActivityMismatch is a protocol violation: the document was delivered to a
	// host that is not the next one to process it. It is rejected, never retried.
	ErrActivityMismatch = errors.New("activity mismatch")
	// ErrDuplicateDelivery marks a delivery that was already processed.
	ErrDuplicateDelivery = errors.New("duplicate delivery")
)

// Outcome is the terminal state of one host invocation.
type Outcome int

const (
	// OutcomeForwarded: the step completed and the slip moved to the next step.
	OutcomeForwarded Outcome = iota + 1
	// OutcomeCompleted: the last step completed.
	OutcomeCompleted
	// OutcomeFaulted: the step failed and compensation started.
	OutcomeFaulted
	// OutcomeCompensated: the step was undone and compensation continued.
	OutcomeCompensated
	// OutcomeCompensationFailed: undoing the step failed; compensation stopped.
	OutcomeCompensationFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeForwarded:
		return "Forwarded"
	case OutcomeCompleted:
		return "Completed"
	case OutcomeFaulted:
		return "Faulted"
	case OutcomeCompensated:
		return "Compensated"
	case OutcomeCompensationFailed:
		return "CompensationFailed"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// PanicError carries a value recovered from a panicking activity.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("activity panicked: %v", e.Value)
}

func recovered(r any) error {
	return errors.WithStack(&PanicError{Value: r, Stack: debug.Stack()})
}

type HostOption func(*hostConfig)

type hostConfig struct {
	logger   *slog.Logger
	clock    Clock
	observer Observer
	guard    DeliveryGuard
	inflight *xsync.MapOf[string, chan struct{}]
}

func WithLogger(logger *slog.Logger) HostOption {
	return func(c *hostConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithClock(clock Clock) HostOption {
	return func(c *hostConfig) {
		if clock != nil {
			c.clock = clock
		}
	}
}

func WithObserver(observer Observer) HostOption {
	return func(c *hostConfig) {
		if observer != nil {
			c.observer = observer
		}
	}
}

// WithDeliveryGuard replaces the default in-memory guard, e.g. with a durable one.
func WithDeliveryGuard(guard DeliveryGuard) HostOption {
	return func(c *hostConfig) {
		if guard != nil {
			c.guard = guard
		}
	}
}

func newHostConfig(opts []HostOption) hostConfig {
	c := hostConfig{
		logger:   slog.Default(),
		clock:    SystemClock{},
		observer: NoopObserver{},
		inflight: xsync.NewMapOf[string, chan struct{}](),
	}
	for _, opt := range opts {
		opt(&c)
	}
	if c.guard == nil {
		c.guard = NewMemoryDeliveryGuard(0)
	}
	return c
}

func (c hostConfig) publish(ctx context.Context, publisher *EventPublisher, slip *RoutingSlip, kind EventMask, event any) {
	if err := publisher.Publish(ctx, slip, kind, event); err != nil {
		c.logger.WarnContext(ctx, "event publication failed",
			slog.String("tracking_number", slip.TrackingNumber().String()),
			slog.String("events", kind.String()),
			slog.Any("error", err),
		)
	}
}

// claim serializes deliveries that share key within this host, so that a copy
// arriving while the first is still running sees what the first remembered.
func (c hostConfig) claim(ctx context.Context, key string) (func(), error) {
	for {
		done := make(chan struct{})
		running, loaded := c.inflight.LoadOrStore(key, done)
		if !loaded {
			return func() {
				c.inflight.Delete(key)
				close(done)
			}, nil
		}
		select {
		case <-running:
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "waiting for delivery %s", key)
		}
	}
}

func (c hostConfig) remember(ctx context.Context, key string) {
	if err := c.guard.Remember(ctx, key); err != nil {
		c.logger.WarnContext(ctx, "unable to remember delivery",
			slog.String("key", key),
			slog.Any("error", err),
		)
	}
}

// settle maps a host error to the transport acknowledgement: protocol errors
// and duplicates are consumed, anything else is handed back for redelivery.
func (c hostConfig) settle(ctx context.Context, activityName string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrDuplicateDelivery):
		c.logger.DebugContext(ctx, "duplicate delivery dropped",
			slog.String("activity", activityName),
			slog.Any("error", err),
		)
		return nil
	case errors.Is(err, ErrActivityMismatch), errors.Is(err, ErrUnexpectedMessage), errors.Is(err, ErrMalformedMessage):
		c.observer.OnDeliveryRejected(ctx, activityName, err)
		return nil
	}
	return err
}
