// Package orders is the boundary to the host shop: it loads orders and
// persists the few metadata keys this system owns on them.
package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"lexsync/pkg/models"
)

var (
	// ErrOrderNotFound is returned when the shop has no order with the given id.
	ErrOrderNotFound = errors.New("order not found")

	// ErrShopUnavailable is returned when the shop API cannot be reached or fails.
	ErrShopUnavailable = errors.New("shop API unavailable")
)

// Repository reads orders and writes order metadata and notes.
type Repository interface {
	Get(ctx context.Context, orderID string) (*models.Order, error)
	SetMeta(ctx context.Context, orderID string, values map[string]string) error
	DeleteMeta(ctx context.Context, orderID string, keys ...string) error
	AddNote(ctx context.Context, orderID, note string) error
}

// MemoryRepository keeps orders in process memory. Returned orders are copies.
type MemoryRepository struct {
	mu     sync.Mutex
	orders map[string]*models.Order
	notes  map[string][]string
}

// NewMemoryRepository creates a repository seeded with orders.
func NewMemoryRepository(orders ...*models.Order) *MemoryRepository {
	r := &MemoryRepository{
		orders: make(map[string]*models.Order),
		notes:  make(map[string][]string),
	}
	for _, o := range orders {
		r.Put(o)
	}
	return r
}

// Put stores a copy of order.
func (r *MemoryRepository) Put(order *models.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[order.ID] = cloneOrder(order)
}

func (r *MemoryRepository) Get(_ context.Context, orderID string) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("orders: get %s: %w", orderID, ErrOrderNotFound)
	}
	return cloneOrder(order), nil
}

func (r *MemoryRepository) SetMeta(_ context.Context, orderID string, values map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[orderID]
	if !ok {
		return fmt.Errorf("orders: set meta %s: %w", orderID, ErrOrderNotFound)
	}
	for key, value := range values {
		order.SetMetaValue(key, value)
	}
	return nil
}

func (r *MemoryRepository) DeleteMeta(_ context.Context, orderID string, keys ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[orderID]
	if !ok {
		return fmt.Errorf("orders: delete meta %s: %w", orderID, ErrOrderNotFound)
	}
	for _, key := range keys {
		order.SetMetaValue(key, "")
	}
	return nil
}

func (r *MemoryRepository) AddNote(_ context.Context, orderID, note string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.orders[orderID]; !ok {
		return fmt.Errorf("orders: add note %s: %w", orderID, ErrOrderNotFound)
	}
	r.notes[orderID] = append(r.notes[orderID], note)
	return nil
}

// Notes returns the notes added to an order, oldest first.
func (r *MemoryRepository) Notes(orderID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.notes[orderID]...)
}

func cloneOrder(o *models.Order) *models.Order {
	c := *o
	c.Items = append([]models.OrderItem(nil), o.Items...)
	c.Coupons = append([]models.Coupon(nil), o.Coupons...)
	c.RedeemedVouchers = append([]models.RedeemedVoucher(nil), o.RedeemedVouchers...)
	if o.Meta != nil {
		c.Meta = make(map[string]string, len(o.Meta))
		for k, v := range o.Meta {
			c.Meta[k] = v
		}
	}
	return &c
}
