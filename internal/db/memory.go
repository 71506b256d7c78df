package db

import (
	"context"
	"database/sql"
	"sort"
	"sync"

	"github.com/amirphl/bracket-trader/internal/journal"
	"github.com/amirphl/bracket-trader/internal/order"
)

// MemoryStorage keeps the journal for the life of the process. It backs the
// CLI history command when no database is configured.
type MemoryStorage struct {
	mu sync.RWMutex

	// Orders by orderID
	orders map[string]OrderRecord

	// Events (append-only)
	events []journal.Event
}

func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		orders: make(map[string]OrderRecord),
		events: make([]journal.Event, 0, 256),
	}
}

// GetDB returns nil for in-memory storage (no SQL database)
func (m *MemoryStorage) GetDB() *sql.DB { return nil }

func (m *MemoryStorage) SaveOrder(ctx context.Context, groupID string, o order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = OrderRecord{GroupID: groupID, Order: o}
	return nil
}

func (m *MemoryStorage) GetOrder(ctx context.Context, orderID string) (*OrderRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.orders[orderID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *MemoryStorage) GetGroupOrders(ctx context.Context, groupID string) ([]OrderRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []OrderRecord
	for _, r := range m.orders {
		if r.GroupID == groupID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStorage) LogEvent(ctx context.Context, event journal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if event.Order != nil {
		m.orders[event.Order.ID] = OrderRecord{GroupID: event.GroupID, Order: *event.Order}
		// the stored event keeps only the reference to the order row
		event.Order = nil
	}
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryStorage) GetEvents(ctx context.Context, groupID string) ([]journal.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []journal.Event
	for _, e := range m.events {
		if e.GroupID == groupID {
			out = append(out, e)
		}
	}
	return out, nil
}
