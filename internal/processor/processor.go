// Package processor runs queued order actions against the accounting service.
//
// Each invocation dequeues at most one item, claims it, and converts the
// outcome into queue state. It is the only place where action errors become
// persisted retry or failure state.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"lexsync/internal/accounting"
	"lexsync/internal/invoice"
	"lexsync/internal/lexware"
	"lexsync/internal/logger"
	"lexsync/internal/notify"
	"lexsync/internal/orders"
	"lexsync/internal/queue"
	"lexsync/pkg/models"
	"lexsync/pkg/services"
)

// DefaultPollInterval is the default delay between two ticks of Run.
const DefaultPollInterval = 60 * time.Second

// claimRetries bounds how often ProcessNext moves on after losing a claim.
const claimRetries = 3

// Queue is the subset of the queue store the processor needs.
type Queue interface {
	Enqueue(ctx context.Context, orderID string, action queue.Action) (bool, error)
	DequeueNext(ctx context.Context, maxAttempts int) (*queue.Item, error)
	Claim(ctx context.Context, item *queue.Item) error
	FindPending(ctx context.Context, orderID string, action queue.Action) (*queue.Item, error)
	MarkCompleted(ctx context.Context, id int64, resultRef string) error
	MarkFailed(ctx context.Context, id int64, message string, retryable bool) error
	PendingCount(ctx context.Context) (int, error)
}

// Config controls processing behaviour.
type Config struct {
	MaxAttempts      int
	AutoSyncContacts bool
	AutoSendEmail    bool
	PollInterval     time.Duration
}

// Processor executes queue items.
type Processor struct {
	queue      Queue
	orders     orders.Repository
	accounting services.AccountingService
	notifier   notify.Notifier
	journal    services.BookingJournal
	metrics    Metrics
	cfg        Config
	now        func() time.Time
	log        zerolog.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithNotifier sets the notifier used for automatic invoice emails.
func WithNotifier(n notify.Notifier) Option {
	return func(p *Processor) {
		p.notifier = n
	}
}

// WithJournal records every created document in j.
func WithJournal(j services.BookingJournal) Option {
	return func(p *Processor) {
		p.journal = j
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(p *Processor) {
		p.metrics = m
	}
}

// WithNow overrides the time source used for durations and journal entries.
func WithNow(now func() time.Time) Option {
	return func(p *Processor) {
		p.now = now
	}
}

// New creates a Processor.
func New(q Queue, repo orders.Repository, acct services.AccountingService, cfg Config, opts ...Option) *Processor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = queue.DefaultMaxAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	p := &Processor{
		queue:      q,
		orders:     repo,
		accounting: acct,
		notifier:   notify.Nop{},
		metrics:    NopMetrics{},
		cfg:        cfg,
		now:        time.Now,
		log:        logger.WithComponent("processor"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run calls Tick every poll interval until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	p.log.Info().Dur("interval", p.cfg.PollInterval).Msg("Queue processor started")

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := p.Tick(ctx); err != nil && ctx.Err() == nil {
			p.log.Error().Err(err).Msg("Queue tick failed")
		}

		select {
		case <-ctx.Done():
			p.log.Info().Msg("Queue processor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick processes at most one item. An empty queue is not an error.
func (p *Processor) Tick(ctx context.Context) error {
	_, err := p.ProcessNext(ctx)
	if errors.Is(err, queue.ErrNoItem) {
		p.refreshPending(ctx)
		return nil
	}
	return err
}

// ProcessNext claims and processes the oldest eligible item and returns it
// with its final state. It returns queue.ErrNoItem when nothing is eligible.
func (p *Processor) ProcessNext(ctx context.Context) (*queue.Item, error) {
	const op = "processor.ProcessNext"

	for i := 0; i < claimRetries; i++ {
		item, err := p.queue.DequeueNext(ctx, p.cfg.MaxAttempts)
		if err != nil {
			if errors.Is(err, queue.ErrNoItem) {
				return nil, err
			}
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		if err := p.queue.Claim(ctx, item); err != nil {
			if errors.Is(err, queue.ErrClaimLost) {
				p.log.Debug().Int64("item_id", item.ID).Msg("Item claimed elsewhere, trying next")
				continue
			}
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		return item, p.process(ctx, item)
	}
	return nil, queue.ErrClaimLost
}

// RunNow queues action for orderID, or reuses the pending item for the
// pair, and processes it immediately.
func (p *Processor) RunNow(ctx context.Context, orderID string, action queue.Action) (*queue.Item, error) {
	const op = "processor.RunNow"

	if _, err := p.queue.Enqueue(ctx, orderID, action); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	item, err := p.queue.FindPending(ctx, orderID, action)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := p.queue.Claim(ctx, item); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return item, p.process(ctx, item)
}

func (p *Processor) process(ctx context.Context, item *queue.Item) error {
	start := p.now()
	log := p.log.With().
		Int64("item_id", item.ID).
		Str("order_id", item.OrderID).
		Str("action", string(item.Action)).
		Int("attempt", item.Attempts).
		Logger()

	log.Info().Msg("Processing queue item")

	doc, err := p.execute(ctx, item)
	if err != nil {
		return p.fail(ctx, log, item, err, start)
	}

	if err := p.queue.MarkCompleted(ctx, item.ID, doc.ID); err != nil {
		log.Error().Err(err).Str("document_id", doc.ID).Msg("Failed to mark item completed")
		return fmt.Errorf("processor: mark completed: %w", err)
	}
	item.Status = queue.StatusCompleted
	item.ResultReference = doc.ID
	item.ErrorMessage = ""

	p.metrics.ObserveItem(string(item.Action), OutcomeCompleted, p.now().Sub(start))
	p.refreshPending(ctx)

	log.Info().Str("document_id", doc.ID).Str("document_number", doc.Number).Msg("Queue item completed")
	return nil
}

func (p *Processor) fail(ctx context.Context, log zerolog.Logger, item *queue.Item, cause error, start time.Time) error {
	retryable := !IsPermanent(cause)
	if err := p.queue.MarkFailed(ctx, item.ID, cause.Error(), retryable); err != nil {
		log.Error().Err(err).Msg("Failed to record item failure")
	}

	item.ErrorMessage = cause.Error()
	outcome := OutcomeRetry
	if !retryable || item.Attempts >= p.cfg.MaxAttempts {
		item.Status = queue.StatusFailed
		outcome = OutcomeFailed
	}

	p.metrics.ObserveItem(string(item.Action), outcome, p.now().Sub(start))
	p.refreshPending(ctx)

	log.Error().Err(cause).Str("outcome", outcome).Msg("Queue item failed")
	return cause
}

func (p *Processor) execute(ctx context.Context, item *queue.Item) (*services.Document, error) {
	order, err := p.orders.Get(ctx, item.OrderID)
	if err != nil {
		return nil, err
	}

	switch item.Action {
	case queue.ActionCreateInvoice:
		if doc := linkedInvoice(order); doc != nil {
			// created by an earlier run whose completion was not recorded, or created manually
			p.log.Info().
				Int64("item_id", item.ID).
				Str("order_id", order.ID).
				Str("invoice_id", doc.ID).
				Msg("Order already has an active invoice, not creating another")
			return doc, nil
		}
		doc, err := p.createInvoice(ctx, order)
		if err != nil {
			return nil, err
		}
		if p.cfg.AutoSendEmail {
			p.sendInvoice(ctx, order)
		}
		return doc, nil
	case queue.ActionVoidInvoice:
		return p.voidInvoice(ctx, order)
	case queue.ActionUpdateInvoice:
		return p.updateInvoice(ctx, order)
	default:
		return nil, fmt.Errorf("%q: %w", item.Action, queue.ErrInvalidAction)
	}
}

func (p *Processor) createInvoice(ctx context.Context, order *models.Order) (*services.Document, error) {
	contactID := order.MetaValue(models.MetaContactID)
	if p.cfg.AutoSyncContacts {
		id, err := p.accounting.SyncContact(ctx, order)
		if err != nil {
			return nil, err
		}
		contactID = id
	}

	doc, err := p.accounting.CreateInvoice(ctx, order, contactID)
	if err != nil {
		return nil, err
	}
	p.record(ctx, services.DocumentInvoice, doc, order)
	return doc, nil
}

func (p *Processor) voidInvoice(ctx context.Context, order *models.Order) (*services.Document, error) {
	invoiceID := order.InvoiceID()
	if invoiceID == "" {
		return nil, accounting.ErrNoInvoice
	}
	if order.InvoiceVoided() {
		return nil, fmt.Errorf("invoice %s already voided: %w", invoiceID, accounting.ErrNoInvoice)
	}

	doc, err := p.accounting.CreateCreditNote(ctx, order, invoiceID)
	if err != nil {
		return nil, err
	}
	p.record(ctx, services.DocumentCreditNote, doc, order)
	return doc, nil
}

// updateInvoice voids the linked invoice and creates a new one. An invoice
// already voided by an interrupted earlier attempt is not voided again.
func (p *Processor) updateInvoice(ctx context.Context, order *models.Order) (*services.Document, error) {
	switch {
	case order.InvoiceID() != "" && !order.InvoiceVoided():
		if _, err := p.voidInvoice(ctx, order); err != nil {
			return nil, err
		}
	case order.InvoiceID() == "" && order.MetaValue(models.MetaCreditNoteID) == "":
		return nil, accounting.ErrNoInvoice
	}

	if err := p.orders.DeleteMeta(ctx, order.ID, models.LinkageKeys...); err != nil {
		return nil, fmt.Errorf("clear invoice linkage: %w", err)
	}
	for _, key := range models.LinkageKeys {
		order.SetMetaValue(key, "")
	}

	return p.createInvoice(ctx, order)
}

// linkedInvoice returns the active invoice of order, or nil.
func linkedInvoice(order *models.Order) *services.Document {
	if order.InvoiceID() == "" || order.InvoiceVoided() {
		return nil
	}
	return &services.Document{ID: order.InvoiceID(), Number: order.MetaValue(models.MetaInvoiceNumber)}
}

// sendInvoice is best effort: the invoice exists whether or not the email goes out.
func (p *Processor) sendInvoice(ctx context.Context, order *models.Order) {
	if err := p.notifier.SendInvoice(ctx, order); err != nil {
		p.log.Warn().Err(err).Str("order_id", order.ID).Msg("Automatic invoice email failed")
		return
	}
	if err := p.orders.AddNote(ctx, order.ID, "Rechnung automatisch per E-Mail versendet"); err != nil {
		p.log.Warn().Err(err).Str("order_id", order.ID).Msg("Failed to add order note")
	}
}

func (p *Processor) record(ctx context.Context, docType string, doc *services.Document, order *models.Order) {
	if p.journal == nil {
		return
	}

	amount := order.Total
	if docType == services.DocumentCreditNote {
		amount = amount.Neg()
	}
	customer := order.Billing.Company
	if customer == "" {
		customer = order.Billing.FullName()
	}

	entry := services.BookingEntry{
		DocumentType:   docType,
		DocumentID:     doc.ID,
		DocumentNumber: doc.Number,
		OrderNumber:    order.Number,
		Customer:       customer,
		GrossAmount:    amount.StringFixed(2),
		Currency:       order.Currency,
		BookedAt:       p.now(),
	}
	if err := p.journal.Record(ctx, entry); err != nil {
		p.log.Warn().Err(err).Str("order_id", order.ID).Str("document_id", doc.ID).Msg("Failed to record booking")
	}
}

func (p *Processor) refreshPending(ctx context.Context) {
	count, err := p.queue.PendingCount(ctx)
	if err != nil {
		p.log.Debug().Err(err).Msg("Failed to count pending items")
		return
	}
	p.metrics.SetPending(count)
}

// IsPermanent reports whether err cannot be fixed by retrying the item.
func IsPermanent(err error) bool {
	switch {
	case errors.Is(err, orders.ErrOrderNotFound),
		errors.Is(err, accounting.ErrNoInvoice),
		errors.Is(err, queue.ErrInvalidAction),
		errors.Is(err, invoice.ErrNoLineItems),
		errors.Is(err, invoice.ErrInvalidQuantity),
		errors.Is(err, invoice.ErrMissingBillingName):
		return true
	}
	return lexware.IsPermanent(err)
}
