package disposable

import "sync"

type Disposable interface {
	Dispose()
}

// DisposableImp runs its callback at most once.
type DisposableImp struct {
	once     sync.Once
	callback func()
}

func NewDisposable(callback func()) *DisposableImp {
	return &DisposableImp{callback: callback}
}

func (d *DisposableImp) Dispose() {
	d.once.Do(func() {
		if d.callback != nil {
			d.callback()
		}
	})
}

// CompositeDisposable disposes its delegates in reverse order of addition.
type CompositeDisposable struct {
	mu        sync.Mutex
	delegates []Disposable
	disposed  bool
}

func NewCompositeDisposable(delegates ...Disposable) *CompositeDisposable {
	return &CompositeDisposable{delegates: delegates}
}

// Add registers a delegate. Adding to an already disposed composite disposes the delegate immediately.
func (c *CompositeDisposable) Add(d Disposable) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		d.Dispose()
		return
	}
	c.delegates = append(c.delegates, d)
	c.mu.Unlock()
}

func (c *CompositeDisposable) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	delegates := c.delegates
	c.delegates = nil
	c.mu.Unlock()

	for i := len(delegates) - 1; i >= 0; i-- {
		delegates[i].Dispose()
	}
}
