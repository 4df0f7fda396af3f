package deferred

import "context"

type Deferred[T any] interface {
	Resolve(T) bool
	Reject(error) bool
	Then(func(T) (any, error), func(error) (any, error)) Deferred[any]
	Await(ctx context.Context) (T, error)
	Done() <-chan struct{}
	OccurredErr() error
}
