package transport

import (
	"context"
	"errors"

	"github.com/krew-solutions/courier-go/courier/disposable"
)

var (
	ErrInvalidAddress   = errors.New("invalid address")
	ErrEndpointNotFound = errors.New("endpoint not found")
	ErrEndpointExists   = errors.New("endpoint already connected")
	ErrClosed           = errors.New("transport closed")
)

// Sender delivers an envelope to its destination address.
type Sender interface {
	Send(ctx context.Context, envelope Envelope) error
}

type SenderFunc func(ctx context.Context, envelope Envelope) error

func (f SenderFunc) Send(ctx context.Context, envelope Envelope) error {
	return f(ctx, envelope)
}

// Handler consumes an envelope received on an endpoint. A returned error means
// the message was not consumed.
type Handler func(ctx context.Context, envelope Envelope) error

// ReceiveEndpointConnector binds a handler to an address. At most
// concurrencyLimit envelopes are handled at the same time on that endpoint.
type ReceiveEndpointConnector interface {
	ConnectReceiveEndpoint(address string, concurrencyLimit int, handler Handler) (disposable.Disposable, error)
}

// Transport is a sender that can also host receive endpoints.
type Transport interface {
	Sender
	ReceiveEndpointConnector
}

// Fault describes an envelope whose handler failed.
type Fault struct {
	Envelope Envelope
	Err      error
}
