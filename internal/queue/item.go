package queue

import (
	"errors"
	"time"
)

// Action is the work requested for an order.
type Action string

const (
	ActionCreateInvoice Action = "create_invoice"
	ActionVoidInvoice   Action = "void_invoice"
	ActionUpdateInvoice Action = "update_invoice"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionCreateInvoice, ActionVoidInvoice, ActionUpdateInvoice:
		return true
	}
	return false
}

// ParseAction validates a textual action.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !a.Valid() {
		return "", ErrInvalidAction
	}
	return a, nil
}

// Status is the lifecycle state of an item.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var (
	// ErrNoItem is returned when no eligible item exists.
	ErrNoItem = errors.New("queue: no eligible item")

	// ErrClaimLost is returned when another processor claimed the item first.
	ErrClaimLost = errors.New("queue: item claimed by another processor")

	// ErrNotFound is returned for unknown item ids.
	ErrNotFound = errors.New("queue: item not found")

	// ErrInvalidAction is returned for unknown actions.
	ErrInvalidAction = errors.New("queue: invalid action")
)

// Item is one unit of work for an order.
type Item struct {
	ID              int64     `json:"id"`
	OrderID         string    `json:"order_id"`
	Action          Action    `json:"action"`
	Status          Status    `json:"status"`
	Attempts        int       `json:"attempts"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	ResultReference string    `json:"result_reference,omitempty"`
}
