package storage

import (
	"context"
	"sync"

	"github.com/example/courier-dispatch/internal/models"
)

// OrderStore is the durable order store collaborator. The live registry is
// authoritative; this copy outlives removal from memory.
type OrderStore interface {
	SaveOrder(ctx context.Context, o models.Order) error
	UpdateOrder(ctx context.Context, o models.Order) error
	SaveOfferAttempt(ctx context.Context, a models.OfferAttempt) error
}

type MemoryStore struct {
	mu       sync.RWMutex
	orders   map[string]models.Order
	attempts map[string]models.OfferAttempt
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]models.Order), attempts: make(map[string]models.OfferAttempt)}
}

func (m *MemoryStore) SaveOrder(ctx context.Context, o models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o
	return nil
}

func (m *MemoryStore) UpdateOrder(ctx context.Context, o models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o
	return nil
}

func (m *MemoryStore) SaveOfferAttempt(ctx context.Context, a models.OfferAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[a.ID] = a
	return nil
}

func (m *MemoryStore) Get(id string) (models.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	return o, ok
}

func (m *MemoryStore) Attempt(id string) (models.OfferAttempt, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.attempts[id]
	return a, ok
}
