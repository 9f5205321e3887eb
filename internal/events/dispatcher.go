// Package events maps order events from the shop to queue actions.
package events

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"lexsync/internal/logger"
	"lexsync/internal/orders"
	"lexsync/internal/queue"
	"lexsync/pkg/models"
)

// Kind is the type of an order event.
type Kind string

const (
	KindStatusChanged Kind = "status_changed"
	KindItemsChanged  Kind = "items_changed"
)

// NoteInvoiceExists is added to an order when a trigger status arrives for an invoiced order.
const NoteInvoiceExists = "Lexware Rechnung existiert bereits"

// ErrInvalidEvent is returned for events without order id or with an unknown kind.
var ErrInvalidEvent = errors.New("invalid order event")

// Event is an order change reported by the shop.
type Event struct {
	Kind    Kind   `json:"kind"`
	OrderID string `json:"order_id"`
	Status  string `json:"status,omitempty"`
}

// Result describes what Dispatch did with an event.
type Result struct {
	Action queue.Action `json:"action,omitempty"`
	Queued bool         `json:"queued"`
	Reason string       `json:"reason,omitempty"`
}

// Enqueuer accepts queue actions.
type Enqueuer interface {
	Enqueue(ctx context.Context, orderID string, action queue.Action) (bool, error)
}

type guard func(order *models.Order) (skip bool, reason string)

type route struct {
	action queue.Action
	guard  guard
}

// Dispatcher routes events through a table built once at startup.
type Dispatcher struct {
	queue  Enqueuer
	orders orders.Repository
	routes map[string]route
	log    zerolog.Logger
}

// NewDispatcher builds the dispatch table. Each trigger status creates an
// invoice; cancellation and refund void it; item edits regenerate it.
func NewDispatcher(q Enqueuer, repo orders.Repository, triggerStatuses []string) *Dispatcher {
	d := &Dispatcher{
		queue:  q,
		orders: repo,
		routes: make(map[string]route),
		log:    logger.WithComponent("events"),
	}

	for _, status := range triggerStatuses {
		d.routes[statusKey(status)] = route{action: queue.ActionCreateInvoice, guard: notInvoiced}
	}
	d.routes[statusKey("cancelled")] = route{action: queue.ActionVoidInvoice, guard: activeInvoice}
	d.routes[statusKey("refunded")] = route{action: queue.ActionVoidInvoice, guard: activeInvoice}
	d.routes[string(KindItemsChanged)] = route{action: queue.ActionUpdateInvoice, guard: activeInvoice}

	return d
}

// Dispatch queues the action mapped to ev, if any. Events without a route
// and events for orders the shop does not know are ignored.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) (Result, error) {
	const op = "events.Dispatch"

	if strings.TrimSpace(ev.OrderID) == "" {
		return Result{}, fmt.Errorf("%s: missing order id: %w", op, ErrInvalidEvent)
	}

	var key string
	switch ev.Kind {
	case KindStatusChanged:
		key = statusKey(ev.Status)
	case KindItemsChanged:
		key = string(KindItemsChanged)
	default:
		return Result{}, fmt.Errorf("%s: kind %q: %w", op, ev.Kind, ErrInvalidEvent)
	}

	r, ok := d.routes[key]
	if !ok {
		return Result{Reason: "no route"}, nil
	}
	res := Result{Action: r.action}

	order, err := d.orders.Get(ctx, ev.OrderID)
	if errors.Is(err, orders.ErrOrderNotFound) {
		res.Reason = "order not found"
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("%s: %w", op, err)
	}

	if skip, reason := r.guard(order); skip {
		res.Reason = reason
		if r.action == queue.ActionCreateInvoice {
			if err := d.orders.AddNote(ctx, order.ID, NoteInvoiceExists); err != nil {
				d.log.Warn().Err(err).Str("order_id", order.ID).Msg("Failed to add order note")
			}
		}
		d.log.Debug().Str("order_id", order.ID).Str("action", string(r.action)).Str("reason", reason).Msg("Event skipped")
		return res, nil
	}

	queued, err := d.queue.Enqueue(ctx, order.ID, r.action)
	if err != nil {
		return res, fmt.Errorf("%s: %w", op, err)
	}
	res.Queued = queued
	if !queued {
		res.Reason = "already queued"
	}
	return res, nil
}

func statusKey(status string) string {
	return "status:" + strings.TrimPrefix(strings.ToLower(strings.TrimSpace(status)), "wc-")
}

func notInvoiced(order *models.Order) (bool, string) {
	if order.InvoiceID() != "" {
		return true, "invoice exists"
	}
	return false, ""
}

func activeInvoice(order *models.Order) (bool, string) {
	switch {
	case order.InvoiceID() == "":
		return true, "no invoice"
	case order.InvoiceVoided():
		return true, "invoice already voided"
	}
	return false, ""
}
