package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	domain "github.com/aq2208/gorder-payments/internal/entity"
	"github.com/aq2208/gorder-payments/internal/usecase"
)

// MemoryOrderRepo is an OrderStore for local runs and tests. Orders are kept
// per customer with an order-id index beside them, like the MySQL schema.
type MemoryOrderRepo struct {
	mu      sync.Mutex
	orders  map[string]map[string]*domain.Order // customer -> order -> record
	byOrder map[string]string                   // order -> customer
	now     func() time.Time
}

func NewMemoryOrderRepo() *MemoryOrderRepo {
	return &MemoryOrderRepo{
		orders:  make(map[string]map[string]*domain.Order),
		byOrder: make(map[string]string),
		now:     time.Now,
	}
}

// WithClock replaces the clock used to stamp updates.
func (r *MemoryOrderRepo) WithClock(now func() time.Time) *MemoryOrderRepo {
	r.now = now
	return r
}

func (r *MemoryOrderRepo) Create(_ context.Context, o *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byOrder[o.OrderID]; ok {
		return ErrAlreadyExists
	}
	sub, ok := r.orders[o.CustomerID]
	if !ok {
		sub = make(map[string]*domain.Order)
		r.orders[o.CustomerID] = sub
	}
	sub[o.OrderID] = o.Clone()
	r.byOrder[o.OrderID] = o.CustomerID
	return nil
}

func (r *MemoryOrderRepo) Get(_ context.Context, customerID, orderID string) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[customerID][orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (r *MemoryOrderRepo) ScanByOrderID(_ context.Context, orderID string) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	customerID, ok := r.byOrder[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return r.orders[customerID][orderID].Clone(), nil
}

func (r *MemoryOrderRepo) FindRecurringOrigin(_ context.Context, token string) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found *domain.Order
	for _, sub := range r.orders {
		for _, o := range sub {
			if !o.IsRecurringOrigin || o.RecurringToken != token {
				continue
			}
			if found == nil || o.CreatedAt.Before(found.CreatedAt) {
				found = o
			}
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found.Clone(), nil
}

func (r *MemoryOrderRepo) Update(_ context.Context, customerID, orderID string, patch domain.OrderPatch, expected []domain.Status) (*domain.Order, domain.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[customerID][orderID]
	if !ok {
		return nil, "", ErrNotFound
	}
	if !statusIn(o.Status, expected) {
		return nil, "", ErrConflict
	}
	prev := o.Status
	o.Apply(patch, r.now())
	return o.Clone(), prev, nil
}

// Orders lists every stored order, oldest first.
func (r *MemoryOrderRepo) Orders() []*domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Order
	for _, sub := range r.orders {
		for _, o := range sub {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// QuarantinedItem is one payload parked by MemoryQuarantineRepo.
type QuarantinedItem struct {
	Kind    string
	RefKey  string
	Payload []byte
	At      time.Time
}

type MemoryQuarantineRepo struct {
	mu    sync.Mutex
	items []QuarantinedItem
}

func NewMemoryQuarantineRepo() *MemoryQuarantineRepo { return &MemoryQuarantineRepo{} }

func (r *MemoryQuarantineRepo) Quarantine(_ context.Context, kind, refKey string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, QuarantinedItem{
		Kind:    kind,
		RefKey:  refKey,
		Payload: append([]byte(nil), payload...),
		At:      time.Now(),
	})
	return nil
}

func (r *MemoryQuarantineRepo) Items() []QuarantinedItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]QuarantinedItem(nil), r.items...)
}

var (
	_ usecase.OrderStore      = (*MemoryOrderRepo)(nil)
	_ usecase.QuarantineStore = (*MemoryQuarantineRepo)(nil)
)
