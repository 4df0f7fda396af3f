package saga

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/krew-solutions/courier-go/courier/option"
	"github.com/krew-solutions/courier-go/courier/transport"
)

const (
	eventsAddress = "loopback://test/events"
	clientAddress = "loopback://test/client"
)

var epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// tickingClock advances by step on every reading.
type tickingClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func newTickingClock(step time.Duration) *tickingClock {
	return &tickingClock{now: epoch, step: step}
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now = c.now.Add(c.step)
	return now
}

type recordingSender struct {
	mu      sync.Mutex
	sent    []transport.Envelope
	failFor map[string]error
}

func newRecordingSender() *recordingSender {
	return &recordingSender{failFor: map[string]error{}}
}

func (s *recordingSender) Send(_ context.Context, envelope transport.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failFor[envelope.DestinationAddress]; ok {
		return err
	}
	s.sent = append(s.sent, envelope)
	return nil
}

func (s *recordingSender) to(address string) []transport.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []transport.Envelope
	for _, env := range s.sent {
		if env.DestinationAddress == address {
			out = append(out, env)
		}
	}
	return out
}

func (s *recordingSender) events(t *testing.T) []any {
	t.Helper()
	var out []any
	for _, env := range s.to(eventsAddress) {
		event, err := DecodeEvent(env)
		if err != nil {
			t.Fatalf("Unable to decode event: %v", err)
		}
		out = append(out, event)
	}
	return out
}

func (s *recordingSender) lastSlip(t *testing.T, address string) *RoutingSlip {
	t.Helper()
	envs := s.to(address)
	if len(envs) == 0 {
		t.Fatalf("Expected a routing slip sent to %s", address)
	}
	slip, err := DecodeRoutingSlip(envs[len(envs)-1])
	if err != nil {
		t.Fatalf("Unable to decode routing slip: %v", err)
	}
	return slip
}

func executeAddressOf(name string) string {
	return "loopback://test/" + name + "_execute"
}

func compensateAddressOf(name string) string {
	return "loopback://test/" + name + "_compensate"
}

// buildSlip creates a slip whose steps are all compensatable and subscribed to every event.
func buildSlip(t *testing.T, names ...string) *RoutingSlip {
	t.Helper()
	b := NewRoutingSlipBuilder(WithBuilderClock(ClockFunc(func() time.Time { return epoch })))
	for _, name := range names {
		if err := b.AddActivity(name, executeAddressOf(name), option.Some(compensateAddressOf(name)), nil); err != nil {
			t.Fatalf("AddActivity returned error: %v", err)
		}
	}
	if err := b.AddSubscription(eventsAddress, EventAll); err != nil {
		t.Fatalf("AddSubscription returned error: %v", err)
	}
	slip, err := b.Build()
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	return slip
}

func envelopeFor(t *testing.T, slip *RoutingSlip, destination string) transport.Envelope {
	t.Helper()
	env, err := NewRoutingSlipEnvelope(slip, destination, clientAddress)
	if err != nil {
		t.Fatalf("NewRoutingSlipEnvelope returned error: %v", err)
	}
	return env
}

func newExecuteHost(name string, activity ExecuteActivity, sender transport.Sender, opts ...HostOption) *ExecuteActivityHost {
	return NewExecuteActivityHost(name, executeAddressOf(name), option.Some(compensateAddressOf(name)),
		Singleton(activity), sender, opts...)
}

func newCompensateHost(name string, activity CompensateActivity, sender transport.Sender, opts ...HostOption) *CompensateActivityHost {
	return NewCompensateActivityHost(name, compensateAddressOf(name), Singleton(activity), sender, opts...)
}

func completing(results Results) ExecuteFunc {
	return func(context.Context, ExecuteContext) (ExecutionResult, error) {
		return Completed(results), nil
	}
}
