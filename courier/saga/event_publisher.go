package saga

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/krew-solutions/courier-go/courier/transport"
)

// EventPublisher sends routing slip events to the subscribers whose mask selects them.
type EventPublisher struct {
	sender        transport.Sender
	sourceAddress string
}

func NewEventPublisher(sender transport.Sender, sourceAddress string) *EventPublisher {
	return &EventPublisher{sender: sender, sourceAddress: sourceAddress}
}

// Publish attempts every matching subscriber and returns the combined send
// errors. Callers treat the error as informational: a failed notification never
// changes the outcome of the routing slip.
func (p *EventPublisher) Publish(ctx context.Context, slip *RoutingSlip, kind EventMask, event any) error {
	messageType, err := MessageTypeOf(event)
	if err != nil {
		return err
	}
	var result error
	for _, sub := range slip.subscriptions {
		if !sub.Events.Has(kind) {
			continue
		}
		env, err := transport.NewEnvelope(messageType, sub.Address, event,
			transport.WithCorrelationID(slip.TrackingNumber().String()),
			transport.WithSourceAddress(p.sourceAddress),
		)
		if err == nil {
			err = p.sender.Send(ctx, env)
		}
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "subscriber %s", sub.Address))
		}
	}
	return result
}
