package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/krew-solutions/courier-go/courier/disposable"
	"github.com/krew-solutions/courier-go/courier/session"
	"github.com/krew-solutions/courier-go/courier/transport"
)

type TransportOption func(*Transport)

func WithConsumerGroup(consumerGroup string) TransportOption {
	return func(t *Transport) {
		if consumerGroup != "" {
			t.consumerGroup = consumerGroup
		}
	}
}

func WithPollInterval(interval time.Duration) TransportOption {
	return func(t *Transport) {
		if interval > 0 {
			t.pollInterval = interval
		}
	}
}

// WithProcess places this process among numProcesses processes sharing the
// same endpoints. Workers of all processes split the partition keys.
func WithProcess(processID, numProcesses int) TransportOption {
	return func(t *Transport) {
		if numProcesses > 0 && processID >= 0 && processID < numProcesses {
			t.processID = processID
			t.numProcesses = numProcesses
		}
	}
}

func WithLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// Transport delivers envelopes through the outbox table. Send writes within
// the transaction carried by ctx, when there is one, so messages sent while
// handling a delivery commit together with its acknowledgement.
type Transport struct {
	outbox        *PgOutbox
	sessionPool   session.SessionPool
	consumerGroup string
	pollInterval  time.Duration
	processID     int
	numProcesses  int
	logger        *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	endpoints *xsync.MapOf[string, context.CancelFunc]
}

func NewTransport(sessionPool session.SessionPool, outbox *PgOutbox, opts ...TransportOption) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		outbox:        outbox,
		sessionPool:   sessionPool,
		consumerGroup: "courier",
		pollInterval:  time.Second,
		numProcesses:  1,
		logger:        slog.Default(),
		ctx:           ctx,
		cancel:        cancel,
		endpoints:     xsync.NewMapOf[string, context.CancelFunc](),
	}
	for _, opt := range opts {
		opt(t)
	}
	outbox.SetLogger(t.logger)
	return t
}

func (t *Transport) Send(ctx context.Context, envelope transport.Envelope) error {
	if envelope.DestinationAddress == "" {
		return transport.ErrInvalidAddress
	}
	if t.ctx.Err() != nil {
		return transport.ErrClosed
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return errors.Wrapf(err, "unable to encode envelope %s", envelope.MessageID)
	}
	partitionKey := envelope.CorrelationID
	if partitionKey == "" {
		partitionKey = envelope.MessageID
	}
	message := &OutboxMessage{
		URI:     envelope.DestinationAddress,
		Payload: payload,
		Metadata: map[string]any{
			metadataMessageID:    envelope.MessageID,
			metadataMessageType:  envelope.MessageType,
			metadataPartitionKey: partitionKey,
		},
	}
	return session.Run(ctx, t.sessionPool, func(s session.DbSession) error {
		return t.outbox.Publish(s, message)
	})
}

// ConnectReceiveEndpoint starts concurrencyLimit workers polling address.
// Disposing the result stops them and waits for in-flight batches.
func (t *Transport) ConnectReceiveEndpoint(address string, concurrencyLimit int, handler transport.Handler) (disposable.Disposable, error) {
	if address == "" {
		return nil, transport.ErrInvalidAddress
	}
	if t.ctx.Err() != nil {
		return nil, transport.ErrClosed
	}
	ctx, cancel := context.WithCancel(t.ctx)
	if _, loaded := t.endpoints.LoadOrStore(address, cancel); loaded {
		cancel()
		return nil, errors.Wrapf(transport.ErrEndpointExists, "%q", address)
	}

	subscriber := func(ctx context.Context, message *OutboxMessage) error {
		var envelope transport.Envelope
		if err := json.Unmarshal(message.Payload, &envelope); err != nil {
			t.logger.ErrorContext(ctx, "undecodable outbox message dropped",
				slog.String("uri", message.URI),
				slog.Int64("position", message.Position),
				slog.Any("error", err),
			)
			return nil
		}
		return handler(ctx, envelope)
	}

	done := make(chan struct{})
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer close(done)
		_ = t.outbox.Run(ctx, subscriber, t.consumerGroup, address,
			t.processID, t.numProcesses, concurrencyLimit, t.pollInterval)
	}()
	t.logger.Debug("receive endpoint connected",
		slog.String("address", address),
		slog.Int("concurrency_limit", concurrencyLimit),
	)

	return disposable.NewDisposable(func() {
		t.endpoints.Delete(address)
		cancel()
		<-done
	}), nil
}

// Close stops every endpoint and waits for the workers to return.
func (t *Transport) Close() error {
	t.cancel()
	t.wg.Wait()
	t.endpoints.Clear()
	return nil
}
