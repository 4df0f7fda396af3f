package transport

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/krew-solutions/courier-go/courier/disposable"
	"github.com/krew-solutions/courier-go/courier/signals"
)

const defaultQueueSize = 1024

type InMemoryOption func(*InMemoryBus)

func WithLogger(logger *slog.Logger) InMemoryOption {
	return func(b *InMemoryBus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithQueueSize sets the buffer of every endpoint queue.
func WithQueueSize(size int) InMemoryOption {
	return func(b *InMemoryBus) {
		if size > 0 {
			b.queueSize = size
		}
	}
}

// InMemoryBus is an in-process transport. Every endpoint owns a buffered queue
// drained by a fixed number of worker goroutines. Envelopes are copied on send.
type InMemoryBus struct {
	ctx       context.Context
	cancel    context.CancelFunc
	endpoints *xsync.MapOf[string, *endpoint]
	logger    *slog.Logger
	queueSize int
	closed    atomic.Bool
	wg        sync.WaitGroup

	onSent      *signals.SignalImp[Envelope]
	onDelivered *signals.SignalImp[Envelope]
	onFaulted   *signals.SignalImp[Fault]
}

type endpoint struct {
	address string
	queue   chan Envelope
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// enqueue holds the read lock while sending, so once close returns no sender
// can still push into the queue.
func (ep *endpoint) enqueue(ctx, busCtx context.Context, envelope Envelope) error {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	if ep.closed {
		return errors.Wrapf(ErrEndpointNotFound, "%q", ep.address)
	}
	select {
	case ep.queue <- envelope:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-busCtx.Done():
		return ErrClosed
	}
}

func (ep *endpoint) close() {
	ep.mu.Lock()
	ep.closed = true
	ep.mu.Unlock()
}

func NewInMemoryBus(opts ...InMemoryOption) *InMemoryBus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &InMemoryBus{
		ctx:         ctx,
		cancel:      cancel,
		endpoints:   xsync.NewMapOf[string, *endpoint](),
		logger:      slog.Default(),
		queueSize:   defaultQueueSize,
		onSent:      signals.NewSignal[Envelope](),
		onDelivered: signals.NewSignal[Envelope](),
		onFaulted:   signals.NewSignal[Fault](),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// OnSent fires for every envelope accepted by Send.
func (b *InMemoryBus) OnSent() signals.Signal[Envelope] {
	return b.onSent
}

// OnDelivered fires after a handler consumed an envelope.
func (b *InMemoryBus) OnDelivered() signals.Signal[Envelope] {
	return b.onDelivered
}

// OnFaulted fires when a handler returned an error or panicked.
func (b *InMemoryBus) OnFaulted() signals.Signal[Fault] {
	return b.onFaulted
}

func (b *InMemoryBus) Send(ctx context.Context, envelope Envelope) error {
	if b.closed.Load() {
		return ErrClosed
	}
	ep, ok := b.endpoints.Load(envelope.DestinationAddress)
	if !ok {
		return errors.Wrapf(ErrEndpointNotFound, "%q", envelope.DestinationAddress)
	}
	envelope = copyEnvelope(envelope)
	if err := ep.enqueue(ctx, b.ctx, envelope); err != nil {
		return err
	}
	b.onSent.Notify(envelope)
	return nil
}

func (b *InMemoryBus) ConnectReceiveEndpoint(address string, concurrencyLimit int, handler Handler) (disposable.Disposable, error) {
	if address == "" {
		return nil, ErrInvalidAddress
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if concurrencyLimit < 1 {
		concurrencyLimit = 1
	}

	ctx, cancel := context.WithCancel(b.ctx)
	ep := &endpoint{
		address: address,
		queue:   make(chan Envelope, b.queueSize),
		cancel:  cancel,
	}
	if _, loaded := b.endpoints.LoadOrStore(address, ep); loaded {
		cancel()
		return nil, errors.Wrapf(ErrEndpointExists, "%q", address)
	}

	for i := 0; i < concurrencyLimit; i++ {
		ep.wg.Add(1)
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer ep.wg.Done()
			b.consume(ctx, ep, handler)
		}()
	}
	b.logger.Debug("receive endpoint connected",
		slog.String("address", address),
		slog.Int("concurrency_limit", concurrencyLimit),
	)

	return disposable.NewDisposable(func() {
		b.endpoints.Delete(address)
		ep.close()
		cancel()
		ep.wg.Wait()
	}), nil
}

func (b *InMemoryBus) consume(ctx context.Context, ep *endpoint, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case envelope := <-ep.queue:
			if err := b.handle(ctx, handler, envelope); err != nil {
				b.logger.Error("message handling failed",
					slog.String("address", ep.address),
					slog.String("message_id", envelope.MessageID),
					slog.String("message_type", envelope.MessageType),
					slog.Any("error", err),
				)
				b.onFaulted.Notify(Fault{Envelope: envelope, Err: err})
				continue
			}
			b.onDelivered.Notify(envelope)
		}
	}
}

func (b *InMemoryBus) handle(ctx context.Context, handler Handler, envelope Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, envelope)
}

// Close stops every endpoint and waits for in-flight handlers to return.
// Queued envelopes that were not yet handled are dropped.
func (b *InMemoryBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.cancel()
	b.wg.Wait()
	b.endpoints.Clear()
	return nil
}

func copyEnvelope(e Envelope) Envelope {
	if e.Headers != nil {
		headers := make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			headers[k] = v
		}
		e.Headers = headers
	}
	e.Body = append([]byte(nil), e.Body...)
	return e
}
