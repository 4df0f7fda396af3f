package deferred

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
)

func Noop[T, R any](_ T) (R, error) {
	var zero R
	return zero, nil
}

type nextDeferred interface {
	resolveAny(any)
	rejectAny(error)
	OccurredErr() error
}

type handler[T any] struct {
	onSuccess func(T) (any, error)
	onError   func(error) (any, error)
	next      nextDeferred
}

// DeferredImp settles exactly once: the first Resolve or Reject wins and later
// calls report false. Handlers registered after settlement run immediately.
// It is safe for concurrent use.
type DeferredImp[T any] struct {
	mu          sync.Mutex
	done        chan struct{}
	value       T
	err         error
	occurredErr error
	settled     bool
	handlers    []handler[T]
}

func New[T any]() *DeferredImp[T] {
	return &DeferredImp[T]{done: make(chan struct{})}
}

// Resolved returns an already resolved deferred.
func Resolved[T any](value T) *DeferredImp[T] {
	d := New[T]()
	d.Resolve(value)
	return d
}

func (d *DeferredImp[T]) init() {
	if d.done == nil {
		d.done = make(chan struct{})
	}
}

func (d *DeferredImp[T]) resolveAny(v any) {
	var t T
	if v != nil {
		t = v.(T)
	}
	d.Resolve(t)
}

func (d *DeferredImp[T]) rejectAny(err error) {
	d.Reject(err)
}

func (d *DeferredImp[T]) Resolve(value T) bool {
	return d.settle(value, nil)
}

func (d *DeferredImp[T]) Reject(err error) bool {
	var zero T
	return d.settle(zero, err)
}

func (d *DeferredImp[T]) settle(value T, err error) bool {
	d.mu.Lock()
	d.init()
	if d.settled {
		d.mu.Unlock()
		return false
	}
	d.value, d.err, d.settled = value, err, true
	handlers := d.handlers
	close(d.done)
	d.mu.Unlock()

	for _, h := range handlers {
		d.run(h)
	}
	return true
}

func (d *DeferredImp[T]) addHandler(h handler[T]) {
	d.mu.Lock()
	d.init()
	d.handlers = append(d.handlers, h)
	settled := d.settled
	d.mu.Unlock()

	if settled {
		d.run(h)
	}
}

func (d *DeferredImp[T]) run(h handler[T]) {
	var (
		result any
		err    error
	)
	if d.err == nil {
		result, err = h.onSuccess(d.value)
	} else {
		result, err = h.onError(d.err)
	}
	if err == nil {
		h.next.resolveAny(result)
		return
	}
	d.mu.Lock()
	d.occurredErr = multierror.Append(d.occurredErr, err)
	d.mu.Unlock()
	h.next.rejectAny(err)
}

func (d *DeferredImp[T]) Then(onSuccess func(T) (any, error), onError func(error) (any, error)) Deferred[any] {
	next := New[any]()
	d.addHandler(handler[T]{
		onSuccess: onSuccess,
		onError:   onError,
		next:      next,
	})
	return next
}

// Then registers typed callbacks. A value returned by either callback resolves
// the next deferred, an error rejects it.
func Then[T, R any](d *DeferredImp[T], onSuccess func(T) (R, error), onError func(error) (R, error)) *DeferredImp[R] {
	next := New[R]()
	d.addHandler(handler[T]{
		onSuccess: func(v T) (any, error) { return onSuccess(v) },
		onError:   func(err error) (any, error) { return onError(err) },
		next:      next,
	})
	return next
}

// Done is closed once the deferred settles.
func (d *DeferredImp[T]) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.init()
	return d.done
}

// Await blocks until the deferred settles or ctx is done.
func (d *DeferredImp[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-d.Done():
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.value, d.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (d *DeferredImp[T]) IsSettled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled
}

func (d *DeferredImp[T]) OccurredErr() error {
	d.mu.Lock()
	err := d.occurredErr
	handlers := d.handlers
	d.mu.Unlock()

	for _, h := range handlers {
		if nestedErr := h.next.OccurredErr(); nestedErr != nil {
			err = multierror.Append(err, nestedErr)
		}
	}
	return err
}

// All resolves with every value in order, or rejects with the first error.
func All[T any](deferreds []Deferred[T]) *DeferredImp[[]T] {
	result := New[[]T]()
	if len(deferreds) == 0 {
		result.Resolve([]T{})
		return result
	}

	var (
		mu       sync.Mutex
		values   = make([]T, len(deferreds))
		resolved int
	)
	for i, d := range deferreds {
		idx := i
		d.Then(func(value T) (any, error) {
			mu.Lock()
			values[idx] = value
			resolved++
			complete := resolved == len(deferreds)
			mu.Unlock()
			if complete {
				result.Resolve(values)
			}
			return nil, nil
		}, func(err error) (any, error) {
			result.Reject(err)
			return nil, nil
		})
	}
	return result
}
