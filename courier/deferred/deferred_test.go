package deferred

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoop(t *testing.T) {
	result, err := Noop[int, string](42)
	assert.Equal(t, "", result)
	assert.NoError(t, err)
}

func TestDeferredBasics(t *testing.T) {
	t.Run("resolve triggers success handler", func(t *testing.T) {
		d := New[int]()
		var result []int
		Then(d, func(value int) (int, error) {
			result = append(result, value)
			return value, nil
		}, Noop[error, int])
		assert.True(t, d.Resolve(42))
		assert.Equal(t, []int{42}, result)
	})

	t.Run("reject triggers error handler", func(t *testing.T) {
		d := New[int]()
		testError := errors.New("test error")
		var got error
		d.Then(Noop[int, any], func(err error) (any, error) {
			got = err
			return nil, nil
		})
		assert.True(t, d.Reject(testError))
		assert.Equal(t, testError, got)
	})

	t.Run("handler added after resolve runs immediately", func(t *testing.T) {
		d := New[int]()
		d.Resolve(7)
		var got int
		Then(d, func(value int) (int, error) {
			got = value
			return value, nil
		}, Noop[error, int])
		assert.Equal(t, 7, got)
	})

	t.Run("zero value deferred is usable", func(t *testing.T) {
		d := &DeferredImp[string]{}
		d.Resolve("ok")
		v, err := d.Await(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "ok", v)
	})
}

func TestDeferredSettlesOnce(t *testing.T) {
	d := New[int]()
	calls := 0
	d.Then(func(int) (any, error) { calls++; return nil, nil }, Noop[error, any])

	assert.True(t, d.Resolve(1))
	assert.False(t, d.Resolve(2))
	assert.False(t, d.Reject(errors.New("late")))
	assert.Equal(t, 1, calls)

	v, err := d.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestDeferredChaining(t *testing.T) {
	d := New[int]()
	doubled := Then(d, func(v int) (int, error) { return v * 2, nil }, Noop[error, int])
	text := Then(doubled, func(v int) (string, error) {
		if v > 10 {
			return "big", nil
		}
		return "small", nil
	}, Noop[error, string])

	d.Resolve(6)
	v, err := text.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "big", v)
}

func TestDeferredRecovery(t *testing.T) {
	d := New[int]()
	recovered := Then(d, Noop[int, int], func(err error) (int, error) { return -1, nil })
	d.Reject(errors.New("boom"))

	v, err := recovered.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, -1, v)
}

func TestErrorCollection(t *testing.T) {
	d := New[int]()
	failure := errors.New("handler failed")
	next := Then(d, func(int) (int, error) { return 0, failure }, Noop[error, int])
	d.Resolve(1)

	_, err := next.Await(context.Background())
	assert.ErrorIs(t, err, failure)
	assert.ErrorIs(t, d.OccurredErr(), failure)
}

func TestAwait(t *testing.T) {
	t.Run("waits for resolution from another goroutine", func(t *testing.T) {
		d := New[string]()
		go func() {
			time.Sleep(10 * time.Millisecond)
			d.Resolve("done")
		}()
		v, err := d.Await(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "done", v)
	})

	t.Run("returns rejection", func(t *testing.T) {
		d := New[string]()
		failure := errors.New("rejected")
		d.Reject(failure)
		_, err := d.Await(context.Background())
		assert.Equal(t, failure, err)
	})

	t.Run("context deadline", func(t *testing.T) {
		d := New[string]()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := d.Await(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.False(t, d.IsSettled())
	})
}

func TestConcurrentSettle(t *testing.T) {
	d := New[int]()
	var wg sync.WaitGroup
	wins := make(chan int, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			if d.Resolve(v) {
				wins <- v
			}
		}(i)
	}
	wg.Wait()
	close(wins)
	assert.Len(t, wins, 1)
	winner := <-wins
	v, err := d.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, winner, v)
}

func TestAll(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		v, err := All[int](nil).Await(context.Background())
		require.NoError(t, err)
		assert.Empty(t, v)
	})

	t.Run("keeps input order", func(t *testing.T) {
		a, b := New[int](), New[int]()
		all := All([]Deferred[int]{a, b})
		b.Resolve(2)
		a.Resolve(1)
		v, err := all.Await(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []int{1, 2}, v)
	})

	t.Run("first rejection wins", func(t *testing.T) {
		a, b := New[int](), New[int]()
		all := All([]Deferred[int]{a, b})
		first := errors.New("first")
		a.Reject(first)
		b.Reject(errors.New("second"))
		_, err := all.Await(context.Background())
		assert.Equal(t, first, err)
	})
}
