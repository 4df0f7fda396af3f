// Package sagatest runs routing slips in process for tests. Activities are
// hosted on an in-memory bus and every event is delivered to one harness
// endpoint, in publication order, where tests can await it.
package sagatest

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/krew-solutions/courier-go/courier/config"
	"github.com/krew-solutions/courier-go/courier/deferred"
	"github.com/krew-solutions/courier-go/courier/mediator"
	"github.com/krew-solutions/courier-go/courier/option"
	"github.com/krew-solutions/courier-go/courier/saga"
	"github.com/krew-solutions/courier-go/courier/service"
	"github.com/krew-solutions/courier-go/courier/transport"
)

const (
	// EventsAddress receives every event of slips built by the harness.
	EventsAddress = "loopback://harness/events"
	defaultTimeout = 5 * time.Second
)

type Option func(*Harness)

// WithTimeout bounds every Await.
func WithTimeout(timeout time.Duration) Option {
	return func(h *Harness) {
		h.timeout = timeout
	}
}

// WithSettings supplies settings such as consumer limits to hosted activities.
func WithSettings(settings config.Provider) Option {
	return func(h *Harness) {
		h.settings = settings
	}
}

// WithHostOptions passes options to every activity host.
func WithHostOptions(opts ...saga.HostOption) Option {
	return func(h *Harness) {
		h.hostOptions = append(h.hostOptions, opts...)
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Harness) {
		h.logger = logger
	}
}

// ActivityRef is what a test needs to put a hosted activity on an itinerary.
type ActivityRef struct {
	Name              string
	ExecuteAddress    string
	CompensateAddress option.Option[string]
}

type Harness struct {
	t           testing.TB
	bus         *transport.InMemoryBus
	events      *mediator.MediatorImp[context.Context]
	metrics     *saga.BasicMetrics
	addresses   service.AddressProvider
	settings    config.Provider
	hostOptions []saga.HostOption
	logger      *slog.Logger
	timeout     time.Duration

	mu       sync.Mutex
	sent     []transport.Envelope
	received map[uuid.UUID][]any
	faults   []transport.Fault
}

// NewHarness starts a harness that is torn down with the test.
func NewHarness(t testing.TB, opts ...Option) *Harness {
	t.Helper()
	h := &Harness{
		t:         t,
		events:    mediator.NewMediator[context.Context](),
		metrics:   &saga.BasicMetrics{},
		addresses: service.QueueAddressProvider{Scheme: "loopback", Host: "harness"},
		settings:  config.MapProvider{},
		logger:    slog.Default(),
		timeout:   defaultTimeout,
		received:  make(map[uuid.UUID][]any),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.bus = transport.NewInMemoryBus(transport.WithLogger(h.logger))
	h.bus.OnSent().Attach(h.recordSent, "harness.sent")
	h.bus.OnFaulted().Attach(h.recordFault, "harness.faulted")
	t.Cleanup(func() { _ = h.bus.Close() })

	if _, err := h.bus.ConnectReceiveEndpoint(EventsAddress, 1, h.handleEvent); err != nil {
		t.Fatalf("unable to connect harness events endpoint: %v", err)
	}
	return h
}

func (h *Harness) Bus() *transport.InMemoryBus {
	return h.bus
}

// Metrics counts host callbacks across all activities of the harness.
func (h *Harness) Metrics() saga.BasicMetricsSnapshot {
	return h.metrics.Snapshot()
}

func (h *Harness) hostOptionsWithMetrics() []saga.HostOption {
	opts := []saga.HostOption{saga.WithLogger(h.logger), saga.WithObserver(h.metrics)}
	return append(opts, h.hostOptions...)
}

// AddActivity hosts a compensatable activity under name.
func (h *Harness) AddActivity(name string, activity saga.Activity) ActivityRef {
	h.t.Helper()
	return h.AddActivityFactory(name, saga.Singleton(activity))
}

// AddActivityFactory hosts a compensatable activity created per message.
func (h *Harness) AddActivityFactory(name string, factory func() saga.Activity) ActivityRef {
	h.t.Helper()
	s, err := service.NewActivityService(factory, h.bus, h.addresses, h.settings,
		service.WithName(name),
		service.WithLogger(h.logger),
		service.WithHostOptions(h.hostOptionsWithMetrics()...),
	)
	if err != nil {
		h.t.Fatalf("unable to host activity %q: %v", name, err)
	}
	return h.start(s)
}

// AddExecuteActivity hosts an activity without compensation.
func (h *Harness) AddExecuteActivity(name string, activity saga.ExecuteActivity) ActivityRef {
	h.t.Helper()
	s, err := service.NewExecuteActivityService(saga.Singleton(activity), h.bus, h.addresses, h.settings,
		service.WithName(name),
		service.WithLogger(h.logger),
		service.WithHostOptions(h.hostOptionsWithMetrics()...),
	)
	if err != nil {
		h.t.Fatalf("unable to host activity %q: %v", name, err)
	}
	return h.start(s)
}

func (h *Harness) start(s *service.ActivityService) ActivityRef {
	h.t.Helper()
	if err := s.Start(context.Background()); err != nil {
		h.t.Fatalf("unable to start activity %q: %v", s.Name(), err)
	}
	h.t.Cleanup(func() { _ = s.Stop() })
	return ActivityRef{
		Name:              s.Name(),
		ExecuteAddress:    s.ExecuteAddress(),
		CompensateAddress: s.CompensateAddress(),
	}
}

// NewBuilder returns a builder already subscribed to all events on the harness endpoint.
func (h *Harness) NewBuilder(opts ...saga.BuilderOption) *saga.RoutingSlipBuilder {
	h.t.Helper()
	b := saga.NewRoutingSlipBuilder(opts...)
	if err := b.AddSubscription(EventsAddress, saga.EventAll); err != nil {
		h.t.Fatalf("unable to subscribe harness: %v", err)
	}
	return b
}

// AddToBuilder appends a hosted activity to the itinerary.
func (h *Harness) AddToBuilder(b *saga.RoutingSlipBuilder, ref ActivityRef, arguments saga.Arguments) {
	h.t.Helper()
	if err := b.AddActivity(ref.Name, ref.ExecuteAddress, ref.CompensateAddress, arguments); err != nil {
		h.t.Fatalf("unable to add activity %q: %v", ref.Name, err)
	}
}

// Execute sends slip to its first activity.
func (h *Harness) Execute(ctx context.Context, slip *saga.RoutingSlip) error {
	env, err := saga.NewRoutingSlipEnvelope(slip, slip.ProgressAddress(), "loopback://harness/client")
	if err != nil {
		return err
	}
	return h.bus.Send(ctx, env)
}

// Expect registers interest in the next event of type E for trackingNumber.
// Register before Execute so that the event cannot be missed.
func Expect[E saga.Event](h *Harness, trackingNumber uuid.UUID) *deferred.DeferredImp[E] {
	d := deferred.New[E]()
	subscription := mediator.Subscribe(h.events, func(_ context.Context, event E) error {
		if event.RoutingSlipTrackingNumber() == trackingNumber {
			d.Resolve(event)
		}
		return nil
	})
	h.t.Cleanup(subscription.Dispose)
	return d
}

// Await waits for d within the harness timeout and fails the test otherwise.
func Await[E any](h *Harness, d *deferred.DeferredImp[E]) E {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	v, err := d.Await(ctx)
	if err != nil {
		var zero E
		h.t.Fatalf("awaiting %T: %v", zero, err)
	}
	return v
}

// Events returns the events received so far for trackingNumber, in order.
func (h *Harness) Events(trackingNumber uuid.UUID) []any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]any(nil), h.received[trackingNumber]...)
}

// Sent returns every envelope sent on the bus.
func (h *Harness) Sent() []transport.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]transport.Envelope(nil), h.sent...)
}

// SentTo returns the envelopes sent to address.
func (h *Harness) SentTo(address string) []transport.Envelope {
	var out []transport.Envelope
	for _, env := range h.Sent() {
		if env.DestinationAddress == address {
			out = append(out, env)
		}
	}
	return out
}

// Faults returns handler failures reported by the bus.
func (h *Harness) Faults() []transport.Fault {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]transport.Fault(nil), h.faults...)
}

func (h *Harness) recordSent(env transport.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, env)
}

func (h *Harness) recordFault(f transport.Fault) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.faults = append(h.faults, f)
}

func (h *Harness) handleEvent(ctx context.Context, env transport.Envelope) error {
	event, err := saga.DecodeEvent(env)
	if err != nil {
		return err
	}
	if e, ok := event.(saga.Event); ok {
		h.mu.Lock()
		tn := e.RoutingSlipTrackingNumber()
		h.received[tn] = append(h.received[tn], event)
		h.mu.Unlock()
	}
	return mediator.PublishAny(h.events, ctx, event)
}
