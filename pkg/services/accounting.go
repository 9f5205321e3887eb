package services

import (
	"context"

	"lexsync/pkg/models"
)

// Document types written to the booking journal.
const (
	DocumentInvoice    = "invoice"
	DocumentCreditNote = "credit_note"
)

// Document identifies a document created in the accounting service.
type Document struct {
	ID     string
	Number string
}

// AccountingService runs the accounting side effects for an order.
type AccountingService interface {
	// SyncContact creates or updates the accounting contact of the order and returns its id.
	SyncContact(ctx context.Context, order *models.Order) (string, error)

	// CreateInvoice creates an invoice for the order. contactID may be empty.
	CreateInvoice(ctx context.Context, order *models.Order, contactID string) (*Document, error)

	// CreateCreditNote cancels invoiceID with a finalized credit note.
	CreateCreditNote(ctx context.Context, order *models.Order, invoiceID string) (*Document, error)

	// DownloadDocument stores the PDF of a document locally and returns its path.
	// docType is DocumentInvoice or DocumentCreditNote.
	DownloadDocument(ctx context.Context, docType, documentID string) (string, error)
}
