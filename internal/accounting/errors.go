package accounting

import "errors"

var (
	// ErrDocumentNotReady is returned when a finalized document has no number or file yet.
	ErrDocumentNotReady = errors.New("document not ready")

	// ErrNoInvoice is returned when an order has no linked invoice to void.
	ErrNoInvoice = errors.New("order has no invoice")

	// ErrUnknownDocumentType is returned for document types other than invoice and credit note.
	ErrUnknownDocumentType = errors.New("unknown document type")
)
