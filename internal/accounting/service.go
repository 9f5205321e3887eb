// Package accounting runs the accounting side effects of an order: contact
// sync, invoice and credit note creation, and PDF download. Results are
// written back onto the order as metadata and audit notes.
package accounting

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"lexsync/internal/invoice"
	"lexsync/internal/lexware"
	"lexsync/internal/logger"
	"lexsync/internal/orders"
	"lexsync/internal/ratelimit"
	"lexsync/pkg/models"
	"lexsync/pkg/services"
)

const (
	// DefaultPollAttempts bounds the wait for an asynchronously assigned document number.
	DefaultPollAttempts = 5
	// DefaultPollInterval is the pause between two polls.
	DefaultPollInterval = time.Second

	invoiceDir = "lexware-invoices"
)

// API is the subset of the accounting client used here.
type API interface {
	Do(ctx context.Context, method, endpoint string, body, out any) error
	Download(ctx context.Context, endpoint string) ([]byte, error)
}

// Config holds the operation settings.
type Config struct {
	FinalizeImmediately bool
	UploadsDir          string
	PollAttempts        int
	PollInterval        time.Duration
}

// Service implements services.AccountingService.
type Service struct {
	api     API
	builder *invoice.Builder
	orders  orders.Repository
	cfg     Config
	clock   ratelimit.Clock
	log     zerolog.Logger
}

var _ services.AccountingService = (*Service)(nil)

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the clock used between polls.
func WithClock(clock ratelimit.Clock) Option {
	return func(s *Service) {
		s.clock = clock
	}
}

// NewService creates the accounting operations.
func NewService(api API, builder *invoice.Builder, repo orders.Repository, cfg Config, opts ...Option) *Service {
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = DefaultPollAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.UploadsDir == "" {
		cfg.UploadsDir = "uploads"
	}

	s := &Service{
		api:     api,
		builder: builder,
		orders:  repo,
		cfg:     cfg,
		clock:   ratelimit.SystemClock{},
		log:     logger.WithComponent("accounting"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SyncContact updates the cached contact (with a freshly read version) or creates a new one.
func (s *Service) SyncContact(ctx context.Context, order *models.Order) (string, error) {
	const op = "accounting.SyncContact"

	contact := BuildContact(order)

	if cachedID := order.MetaValue(models.MetaContactID); cachedID != "" {
		var current lexware.Contact
		err := s.api.Do(ctx, http.MethodGet, "contacts/"+url.PathEscape(cachedID), nil, &current)
		switch {
		case err == nil:
			contact.Version = current.Version
			if current.Roles.Customer != nil {
				contact.Roles = current.Roles
			}
			if err := s.api.Do(ctx, http.MethodPut, "contacts/"+url.PathEscape(cachedID), contact, nil); err != nil {
				return "", fmt.Errorf("%s: update contact %s: %w", op, cachedID, err)
			}
			s.log.Info().
				Str("order_id", order.ID).
				Str("contact_id", cachedID).
				Int("version", current.Version).
				Msg("Updated accounting contact")
			return cachedID, nil
		case lexware.IsNotFound(err):
			s.log.Warn().
				Str("order_id", order.ID).
				Str("contact_id", cachedID).
				Msg("Cached contact no longer exists, creating a new one")
		default:
			return "", fmt.Errorf("%s: read contact %s: %w", op, cachedID, err)
		}
	}

	var created lexware.Resource
	if err := s.api.Do(ctx, http.MethodPost, "contacts", contact, &created); err != nil {
		return "", fmt.Errorf("%s: create contact: %w", op, err)
	}

	s.persist(ctx, order, map[string]string{models.MetaContactID: created.ID})

	s.log.Info().
		Str("order_id", order.ID).
		Str("contact_id", created.ID).
		Msg("Created accounting contact")
	return created.ID, nil
}

// CreateInvoice creates the invoice for order and links it to the order.
func (s *Service) CreateInvoice(ctx context.Context, order *models.Order, contactID string) (*services.Document, error) {
	const op = "accounting.CreateInvoice"

	req, err := s.builder.Build(order, invoice.Options{ContactID: contactID})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	endpoint := "invoices"
	if s.cfg.FinalizeImmediately {
		endpoint += "?finalize=true"
	}

	var created lexware.Resource
	if err := s.api.Do(ctx, http.MethodPost, endpoint, req, &created); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	doc := &services.Document{ID: created.ID}
	if s.cfg.FinalizeImmediately {
		doc.Number = s.awaitNumber(ctx, "invoices", created.ID)
	}

	s.persist(ctx, order, map[string]string{
		models.MetaInvoiceID:     doc.ID,
		models.MetaInvoiceNumber: doc.Number,
	})
	s.note(ctx, order, fmt.Sprintf("Lexware Rechnung erstellt: %s", displayNumber(doc)))

	s.log.Info().
		Str("order_id", order.ID).
		Str("invoice_id", doc.ID).
		Str("invoice_number", doc.Number).
		Msg("Created invoice")
	return doc, nil
}

// CreateCreditNote cancels invoiceID with a finalized credit note mirroring the order.
func (s *Service) CreateCreditNote(ctx context.Context, order *models.Order, invoiceID string) (*services.Document, error) {
	const op = "accounting.CreateCreditNote"

	if invoiceID == "" {
		return nil, fmt.Errorf("%s: %w", op, ErrNoInvoice)
	}

	req, err := s.builder.Build(order, invoice.Options{
		Negate:    true,
		ContactID: order.MetaValue(models.MetaContactID),
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	query := url.Values{}
	query.Set("finalize", "true")
	query.Set("precedingSalesVoucherId", invoiceID)

	var created lexware.Resource
	if err := s.api.Do(ctx, http.MethodPost, "credit-notes?"+query.Encode(), req, &created); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	doc := &services.Document{ID: created.ID}
	doc.Number = s.awaitNumber(ctx, "credit-notes", created.ID)

	s.persist(ctx, order, map[string]string{
		models.MetaCreditNoteID:  doc.ID,
		models.MetaInvoiceVoided: "yes",
	})
	s.note(ctx, order, fmt.Sprintf("Lexware Gutschrift erstellt: %s (storniert Rechnung %s)", displayNumber(doc), invoiceID))

	s.log.Info().
		Str("order_id", order.ID).
		Str("invoice_id", invoiceID).
		Str("credit_note_id", doc.ID).
		Str("credit_note_number", doc.Number).
		Msg("Created credit note")
	return doc, nil
}

// DownloadDocument stores the PDF of an invoice or credit note under the
// uploads directory and returns its path. A file downloaded earlier is reused.
func (s *Service) DownloadDocument(ctx context.Context, docType, documentID string) (string, error) {
	const op = "accounting.DownloadDocument"

	collection, prefix, err := documentCollection(docType)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	dir := filepath.Join(s.cfg.UploadsDir, invoiceDir)
	path := filepath.Join(dir, prefix+"-"+sanitizeFileName(documentID)+".pdf")
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		s.log.Debug().Str("document_id", documentID).Str("path", path).Msg("Using cached document")
		return path, nil
	}

	var voucher lexware.Voucher
	if err := s.api.Do(ctx, http.MethodGet, collection+"/"+url.PathEscape(documentID), nil, &voucher); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if voucher.Files == nil || voucher.Files.DocumentFileID == "" {
		return "", fmt.Errorf("%s: %s has no document file: %w", op, documentID, ErrDocumentNotReady)
	}

	data, err := s.api.Download(ctx, "files/"+url.PathEscape(voucher.Files.DocumentFileID))
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%s: create %s: %w", op, dir, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("%s: write %s: %w", op, path, err)
	}

	s.log.Info().
		Str("document_id", documentID).
		Str("document_type", docType).
		Str("path", path).
		Int("bytes", len(data)).
		Msg("Downloaded document")
	return path, nil
}

// documentCollection maps a document type to its API collection and file prefix.
func documentCollection(docType string) (collection, prefix string, err error) {
	switch docType {
	case services.DocumentInvoice:
		return "invoices", "invoice", nil
	case services.DocumentCreditNote:
		return "credit-notes", "credit-note", nil
	}
	return "", "", fmt.Errorf("%w: %q", ErrUnknownDocumentType, docType)
}

// awaitNumber polls until finalization assigned a document number.
// A timeout is not an error: the document exists, only its number is unknown.
func (s *Service) awaitNumber(ctx context.Context, collection, id string) string {
	for attempt := 1; attempt <= s.cfg.PollAttempts; attempt++ {
		if attempt > 1 {
			if err := s.clock.Sleep(ctx, s.cfg.PollInterval); err != nil {
				break
			}
		}

		var voucher lexware.Voucher
		err := s.api.Do(ctx, http.MethodGet, collection+"/"+url.PathEscape(id), nil, &voucher)
		if err != nil {
			s.log.Warn().Err(err).Str("document_id", id).Int("attempt", attempt).Msg("Polling document failed")
			continue
		}
		if voucher.VoucherNumber != "" {
			return voucher.VoucherNumber
		}
	}

	s.log.Warn().
		Err(ErrDocumentNotReady).
		Str("collection", collection).
		Str("document_id", id).
		Int("attempts", s.cfg.PollAttempts).
		Msg("Document number not assigned yet, continuing without it")
	return ""
}

// persist writes metadata to the shop and the in-memory order. A failure is
// logged only: the document already exists and must not be created twice.
func (s *Service) persist(ctx context.Context, order *models.Order, values map[string]string) {
	for key, value := range values {
		order.SetMetaValue(key, value)
	}
	if err := s.orders.SetMeta(ctx, order.ID, values); err != nil {
		s.log.Error().Err(err).Str("order_id", order.ID).Msg("Failed to persist order metadata")
	}
}

func (s *Service) note(ctx context.Context, order *models.Order, text string) {
	if err := s.orders.AddNote(ctx, order.ID, text); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error().Err(err).Str("order_id", order.ID).Msg("Failed to add order note")
	}
}

func displayNumber(doc *services.Document) string {
	if doc.Number != "" {
		return doc.Number
	}
	return doc.ID
}

func sanitizeFileName(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
}
