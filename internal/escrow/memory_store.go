package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory order store for demo mode and tests.
// UpdateIf holds the store mutex across the guard check and the patch, which
// gives the same atomicity the SQL implementation gets from a conditional
// UPDATE.
type MemoryStore struct {
	mu        sync.Mutex
	orders    map[string]*Order
	byRef     map[string]string // reference → order ID
	events    map[string][]*Event
	eventKeys map[string]struct{} // orderID + "\x00" + key
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:    make(map[string]*Order),
		byRef:     make(map[string]string),
		events:    make(map[string][]*Event),
		eventKeys: make(map[string]struct{}),
	}
}

func (m *MemoryStore) Create(_ context.Context, order *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *order
	m.orders[order.ID] = &cp
	if order.Reference != "" {
		m.byRef[order.Reference] = order.ID
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(id)
}

func (m *MemoryStore) getLocked(id string) (*Order, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) GetByReference(_ context.Context, reference string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byRef[reference]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return m.getLocked(id)
}

func (m *MemoryStore) UpdateIf(_ context.Context, id string, guard Guard, patch Patch) (*Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, false, ErrOrderNotFound
	}
	if !guard.Matches(o) {
		cp := *o
		return &cp, false, nil
	}

	patch.apply(o, time.Now())
	cp := *o
	return &cp, true, nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.collectLocked(limit, func(o *Order) bool {
		return o.BuyerID == userID || o.SellerID == userID
	}), nil
}

func (m *MemoryStore) ListOpenDisputes(_ context.Context, limit int) ([]*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.collectLocked(limit, func(o *Order) bool {
		return o.DisputeStatus == DisputeOpen
	}), nil
}

func (m *MemoryStore) ListPendingReleases(_ context.Context, limit int) ([]*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.collectLocked(limit, func(o *Order) bool {
		return o.Status == StatusFunded &&
			o.DeliveryStatus == DeliveryConfirmed &&
			o.DisputeStatus == DisputeNone &&
			o.SettlementStatus == SettlementPending
	}), nil
}

func (m *MemoryStore) collectLocked(limit int, match func(*Order) bool) []*Order {
	var result []*Order
	for _, o := range m.orders {
		if match(o) {
			cp := *o
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func (m *MemoryStore) ExpireStale(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	now := time.Now()
	for _, o := range m.orders {
		if o.Status == StatusInitialized && o.CreatedAt.Before(cutoff) {
			o.Status = StatusExpired
			o.UpdatedAt = now
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if event.Key != "" {
		k := event.OrderID + "\x00" + event.Key
		if _, dup := m.eventKeys[k]; dup {
			return nil // duplicate insert is a silent success
		}
		m.eventKeys[k] = struct{}{}
	}

	cp := *event
	m.events[event.OrderID] = append(m.events[event.OrderID], &cp)
	return nil
}

func (m *MemoryStore) ListEvents(_ context.Context, orderID string, limit int) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := m.events[orderID]
	var result []*Event
	for _, e := range events {
		cp := *e
		result = append(result, &cp)
	}
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
