package saga

import (
	"errors"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"

	"github.com/krew-solutions/courier-go/courier/option"
)

var (
	ErrEmptyItinerary      = errors.New("routing slip has no activities")
	ErrInvalidActivity     = errors.New("invalid activity")
	ErrDuplicateKey        = errors.New("duplicate variable key")
	ErrInvalidSubscription = errors.New("invalid subscription")
)

type BuilderOption func(*RoutingSlipBuilder)

// WithTrackingNumber presets the tracking number instead of generating one.
func WithTrackingNumber(trackingNumber uuid.UUID) BuilderOption {
	return func(b *RoutingSlipBuilder) {
		b.trackingNumber = trackingNumber
	}
}

func WithBuilderClock(clock Clock) BuilderOption {
	return func(b *RoutingSlipBuilder) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// RoutingSlipBuilder assembles a routing slip. It is not safe for concurrent use.
type RoutingSlipBuilder struct {
	trackingNumber uuid.UUID
	clock          Clock
	itinerary      []ActivityStep
	variables      Variables
	subscriptions  []Subscription
}

func NewRoutingSlipBuilder(opts ...BuilderOption) *RoutingSlipBuilder {
	b := &RoutingSlipBuilder{
		clock:     SystemClock{},
		variables: Variables{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AddActivity appends a step to the itinerary. Steps run in the order they were added.
func (b *RoutingSlipBuilder) AddActivity(name, executeAddress string, compensateAddress option.Option[string], arguments Arguments) error {
	if name == "" {
		return pkgerrors.Wrap(ErrInvalidActivity, "activity name is empty")
	}
	if executeAddress == "" {
		return pkgerrors.Wrapf(ErrInvalidActivity, "activity %q has no execute address", name)
	}
	if address, ok := compensateAddress.Get(); ok && address == "" {
		compensateAddress = option.Nothing[string]()
	}
	args := cloneBag(arguments)
	if args == nil {
		args = Arguments{}
	}
	b.itinerary = append(b.itinerary, ActivityStep{
		Name:              name,
		ExecuteAddress:    executeAddress,
		CompensateAddress: compensateAddress,
		Arguments:         args,
	})
	return nil
}

// AddVariable sets an initial variable. Every key may be added once.
func (b *RoutingSlipBuilder) AddVariable(key string, value any) error {
	if _, exists := b.variables[key]; exists {
		return pkgerrors.Wrapf(ErrDuplicateKey, "%q", key)
	}
	b.variables[key] = value
	return nil
}

// AddVariables adds every entry of variables, or none of them when any key
// was already added.
func (b *RoutingSlipBuilder) AddVariables(variables Variables) error {
	for key := range variables {
		if _, exists := b.variables[key]; exists {
			return pkgerrors.Wrapf(ErrDuplicateKey, "%q", key)
		}
	}
	for key, value := range variables {
		b.variables[key] = value
	}
	return nil
}

// AddSubscription registers an event subscriber.
func (b *RoutingSlipBuilder) AddSubscription(address string, events EventMask) error {
	if address == "" {
		return pkgerrors.Wrap(ErrInvalidSubscription, "subscription address is empty")
	}
	if events&EventAll == EventNone {
		return pkgerrors.Wrapf(ErrInvalidSubscription, "subscription %q selects no events", address)
	}
	b.subscriptions = append(b.subscriptions, Subscription{Address: address, Events: events & EventAll})
	return nil
}

// Build produces the routing slip. The builder can be reused; later changes do
// not affect slips already built.
func (b *RoutingSlipBuilder) Build() (*RoutingSlip, error) {
	if len(b.itinerary) == 0 {
		return nil, ErrEmptyItinerary
	}
	trackingNumber := b.trackingNumber
	if trackingNumber == uuid.Nil {
		trackingNumber = uuid.New()
	}
	rs := &RoutingSlip{
		trackingNumber:  trackingNumber,
		createTimestamp: b.clock.Now(),
		itinerary:       make([]ActivityStep, len(b.itinerary)),
		variables:       cloneBag(b.variables),
		subscriptions:   append([]Subscription(nil), b.subscriptions...),
	}
	for i, step := range b.itinerary {
		step.Arguments = cloneBag(step.Arguments)
		rs.itinerary[i] = step
	}
	return rs, nil
}
