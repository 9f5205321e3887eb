package services

import (
	"context"
	"time"
)

// BookingJournal records every accounting document created for an order.
type BookingJournal interface {
	// Record appends a booking entry to the journal.
	Record(ctx context.Context, entry BookingEntry) error
}

// BookingEntry represents one row of the booking journal
type BookingEntry struct {
	DocumentType   string    `json:"document_type"`   // "invoice" or "credit_note"
	DocumentID     string    `json:"document_id"`     // accounting service id
	DocumentNumber string    `json:"document_number"` // empty when finalization is still pending
	OrderNumber    string    `json:"order_number"`
	Customer       string    `json:"customer"`
	GrossAmount    string    `json:"gross_amount"` // decimal string, negative for credit notes
	Currency       string    `json:"currency"`
	BookedAt       time.Time `json:"booked_at"`
}
