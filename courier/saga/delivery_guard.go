package saga

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Phase tells forward and backward deliveries of the same step apart.
type Phase string

const (
	PhaseExecute    Phase = "execute"
	PhaseCompensate Phase = "compensate"
)

// DeliveryKey identifies one processing step of one routing slip. A redelivered
// message yields the same key because it carries the same document.
func DeliveryKey(trackingNumber uuid.UUID, phase Phase, logLength int, activityName string) string {
	return fmt.Sprintf("%s:%s:%d:%s", trackingNumber, phase, logLength, activityName)
}

// DeliveryGuard remembers processed deliveries so that redelivered messages are dropped.
// Seen and Remember are not atomic together: a host serializes deliveries with
// the same key, and hosts in different processes rely on the transport routing
// one tracking number to one consumer.
type DeliveryGuard interface {
	Seen(ctx context.Context, key string) (bool, error)
	Remember(ctx context.Context, key string) error
}

const defaultGuardCapacity = 10000

// MemoryDeliveryGuard keeps the most recently remembered keys in a bounded LRU list.
type MemoryDeliveryGuard struct {
	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List
	size  int
}

func NewMemoryDeliveryGuard(size int) *MemoryDeliveryGuard {
	if size <= 0 {
		size = defaultGuardCapacity
	}
	return &MemoryDeliveryGuard{
		items: make(map[string]*list.Element, size),
		order: list.New(),
		size:  size,
	}
}

func (g *MemoryDeliveryGuard) Seen(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	elem, ok := g.items[key]
	if ok {
		g.order.MoveToBack(elem)
	}
	return ok, nil
}

func (g *MemoryDeliveryGuard) Remember(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if elem, ok := g.items[key]; ok {
		g.order.MoveToBack(elem)
		return nil
	}
	g.items[key] = g.order.PushBack(key)
	if len(g.items) > g.size {
		front := g.order.Front()
		g.order.Remove(front)
		delete(g.items, front.Value.(string))
	}
	return nil
}

func (g *MemoryDeliveryGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.items)
}
