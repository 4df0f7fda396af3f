package saga

import (
	"github.com/pkg/errors"

	"github.com/krew-solutions/courier-go/courier/transport"
)

const (
	MessageTypeRoutingSlip                   = "courier.RoutingSlip"
	MessageTypeActivityCompleted             = "courier.RoutingSlipActivityCompleted"
	MessageTypeActivityFaulted               = "courier.RoutingSlipActivityFaulted"
	MessageTypeActivityCompensated           = "courier.RoutingSlipActivityCompensated"
	MessageTypeRoutingSlipCompleted          = "courier.RoutingSlipCompleted"
	MessageTypeRoutingSlipCompensated        = "courier.RoutingSlipCompensated"
	MessageTypeRoutingSlipCompensationFailed = "courier.RoutingSlipCompensationFailed"
)

var (
	// ErrUnexpectedMessage is returned when an envelope does not carry the expected message type.
	ErrUnexpectedMessage = errors.New("unexpected message type")
	// ErrMalformedMessage is returned when an envelope body cannot be decoded.
	ErrMalformedMessage = errors.New("malformed message")
)

// MessageTypeOf returns the wire name of a routing slip event.
func MessageTypeOf(event any) (string, error) {
	switch event.(type) {
	case RoutingSlipActivityCompleted, *RoutingSlipActivityCompleted:
		return MessageTypeActivityCompleted, nil
	case RoutingSlipActivityFaulted, *RoutingSlipActivityFaulted:
		return MessageTypeActivityFaulted, nil
	case RoutingSlipActivityCompensated, *RoutingSlipActivityCompensated:
		return MessageTypeActivityCompensated, nil
	case RoutingSlipCompleted, *RoutingSlipCompleted:
		return MessageTypeRoutingSlipCompleted, nil
	case RoutingSlipCompensated, *RoutingSlipCompensated:
		return MessageTypeRoutingSlipCompensated, nil
	case RoutingSlipCompensationFailed, *RoutingSlipCompensationFailed:
		return MessageTypeRoutingSlipCompensationFailed, nil
	}
	return "", errors.Wrapf(ErrUnexpectedMessage, "%T is not a routing slip event", event)
}

// NewRoutingSlipEnvelope encodes slip for delivery to destination.
func NewRoutingSlipEnvelope(slip *RoutingSlip, destination, source string) (transport.Envelope, error) {
	return transport.NewEnvelope(MessageTypeRoutingSlip, destination, slip,
		transport.WithCorrelationID(slip.TrackingNumber().String()),
		transport.WithSourceAddress(source),
	)
}

// DecodeRoutingSlip decodes a routing slip envelope into a new document.
func DecodeRoutingSlip(envelope transport.Envelope) (*RoutingSlip, error) {
	if envelope.MessageType != MessageTypeRoutingSlip {
		return nil, errors.Wrapf(ErrUnexpectedMessage, "%q", envelope.MessageType)
	}
	slip := &RoutingSlip{}
	if err := envelope.Decode(slip); err != nil {
		return nil, errors.Wrapf(ErrMalformedMessage, "%v", err)
	}
	return slip, nil
}

// DecodeEvent decodes an event envelope into the matching event value.
func DecodeEvent(envelope transport.Envelope) (any, error) {
	switch envelope.MessageType {
	case MessageTypeActivityCompleted:
		return decodeAs[RoutingSlipActivityCompleted](envelope)
	case MessageTypeActivityFaulted:
		return decodeAs[RoutingSlipActivityFaulted](envelope)
	case MessageTypeActivityCompensated:
		return decodeAs[RoutingSlipActivityCompensated](envelope)
	case MessageTypeRoutingSlipCompleted:
		return decodeAs[RoutingSlipCompleted](envelope)
	case MessageTypeRoutingSlipCompensated:
		return decodeAs[RoutingSlipCompensated](envelope)
	case MessageTypeRoutingSlipCompensationFailed:
		return decodeAs[RoutingSlipCompensationFailed](envelope)
	}
	return nil, errors.Wrapf(ErrUnexpectedMessage, "%q", envelope.MessageType)
}

func decodeAs[E any](envelope transport.Envelope) (any, error) {
	var event E
	if err := envelope.Decode(&event); err != nil {
		return nil, errors.Wrapf(ErrMalformedMessage, "%v", err)
	}
	return event, nil
}
