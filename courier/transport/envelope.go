package transport

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
)

// Envelope is the unit of transfer between endpoints. Body holds the JSON encoded message.
type Envelope struct {
	MessageID          string            `json:"messageId"`
	MessageType        string            `json:"messageType"`
	CorrelationID      string            `json:"correlationId,omitempty"`
	DestinationAddress string            `json:"destinationAddress"`
	SourceAddress      string            `json:"sourceAddress,omitempty"`
	SentAt             time.Time         `json:"sentAt"`
	Headers            map[string]string `json:"headers,omitempty"`
	Body               json.RawMessage   `json:"body"`
}

type EnvelopeOption func(*Envelope)

func WithCorrelationID(id string) EnvelopeOption {
	return func(e *Envelope) {
		e.CorrelationID = id
	}
}

func WithSourceAddress(address string) EnvelopeOption {
	return func(e *Envelope) {
		e.SourceAddress = address
	}
}

func WithHeader(key, value string) EnvelopeOption {
	return func(e *Envelope) {
		if e.Headers == nil {
			e.Headers = make(map[string]string)
		}
		e.Headers[key] = value
	}
}

// NewEnvelope encodes body and stamps the envelope with a fresh ULID message id.
func NewEnvelope(messageType, destination string, body any, opts ...EnvelopeOption) (Envelope, error) {
	if destination == "" {
		return Envelope{}, errors.Wrapf(ErrInvalidAddress, "no destination for %s", messageType)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return Envelope{}, errors.Wrapf(err, "unable to encode %s", messageType)
	}
	env := Envelope{
		MessageID:          ulid.Make().String(),
		MessageType:        messageType,
		DestinationAddress: destination,
		SentAt:             time.Now().UTC(),
		Body:               data,
	}
	for _, opt := range opts {
		opt(&env)
	}
	return env, nil
}

// Decode unmarshals the body into v. Numbers are kept as json.Number so that
// untyped values do not lose precision.
func (e Envelope) Decode(v any) error {
	dec := json.NewDecoder(bytes.NewReader(e.Body))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return errors.Wrapf(err, "unable to decode %s message %s", e.MessageType, e.MessageID)
	}
	return nil
}

// Redirect returns a copy addressed to destination with a new message id.
func (e Envelope) Redirect(destination string) Envelope {
	e.MessageID = ulid.Make().String()
	e.DestinationAddress = destination
	return e
}
