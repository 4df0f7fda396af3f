package mediator

import (
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"

	"github.com/krew-solutions/courier-go/courier/disposable"
)

type subscriberEntry[S any] struct {
	key     uint64
	handler func(S, any) error
}

func NewMediator[S any]() *MediatorImp[S] {
	return &MediatorImp[S]{
		subscribers: make(map[reflect.Type][]subscriberEntry[S]),
	}
}

// MediatorImp dispatches events to handlers by the event's dynamic Go type.
// It is safe for concurrent use.
type MediatorImp[S any] struct {
	mu          sync.RWMutex
	subscribers map[reflect.Type][]subscriberEntry[S]
	pipelines   []BroadcastPipelineHandler[S]
	nextKey     atomic.Uint64
}

// HasSubscribers reports whether any handler is subscribed to events of type t.
func (m *MediatorImp[S]) HasSubscribers(t reflect.Type) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers[t]) > 0
}

func (m *MediatorImp[S]) dispatch(session S, event any) error {
	m.mu.RLock()
	entries := m.subscribers[reflect.TypeOf(event)]
	pipelines := m.pipelines
	m.mu.RUnlock()

	deliver := func(s S, e any) error {
		var result error
		for _, entry := range entries {
			if err := entry.handler(s, e); err != nil {
				result = multierror.Append(result, err)
			}
		}
		return result
	}
	for i := len(pipelines) - 1; i >= 0; i-- {
		deliver = wrapPipeline(pipelines[i], deliver)
	}
	return deliver(session, event)
}

func wrapPipeline[S any](pipeline BroadcastPipelineHandler[S], next func(S, any) error) func(S, any) error {
	return func(session S, event any) error {
		return pipeline(session, event, next)
	}
}

// Publish delivers event to every subscriber of its type. All subscribers run
// even when some fail; their errors are combined.
func Publish[S, E any](m *MediatorImp[S], session S, event E) error {
	return m.dispatch(session, event)
}

// PublishAny delivers an event whose static type is not known to the caller.
func PublishAny[S any](m *MediatorImp[S], session S, event any) error {
	return m.dispatch(session, event)
}

// Subscribe registers handler for events of type E. Dispose the result to unsubscribe.
func Subscribe[S, E any](m *MediatorImp[S], handler EventHandler[S, E]) disposable.Disposable {
	eventType := reflect.TypeFor[E]()
	key := m.nextKey.Add(1)

	m.mu.Lock()
	m.subscribers[eventType] = append(m.subscribers[eventType], subscriberEntry[S]{
		key: key,
		handler: func(session S, event any) error {
			return handler(session, event.(E))
		},
	})
	m.mu.Unlock()

	return disposable.NewDisposable(func() {
		m.unsubscribe(eventType, key)
	})
}

func (m *MediatorImp[S]) unsubscribe(eventType reflect.Type, key uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.subscribers[eventType]
	for i, e := range entries {
		if e.key == key {
			remaining := make([]subscriberEntry[S], 0, len(entries)-1)
			remaining = append(remaining, entries[:i]...)
			m.subscribers[eventType] = append(remaining, entries[i+1:]...)
			return
		}
	}
}

// AddBroadcastPipeline wraps the delivery of every event type.
func AddBroadcastPipeline[S any](m *MediatorImp[S], pipeline BroadcastPipelineHandler[S]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipelines = append(m.pipelines, pipeline)
}
