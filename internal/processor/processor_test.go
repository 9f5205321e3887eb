package processor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lexsync/internal/accounting"
	"lexsync/internal/lexware"
	"lexsync/internal/orders"
	"lexsync/internal/queue"
	"lexsync/pkg/models"
	"lexsync/pkg/services"
)

// fakeAccounting mimics the accounting service: it records calls and links
// created documents to the order like the real implementation.
type fakeAccounting struct {
	repo *orders.MemoryRepository

	mu          sync.Mutex
	calls       []string
	seq         int
	contactErr  error
	invoiceErr  error
	creditErr   error
	lastContact string

	// when set, CreateInvoice signals entered and waits for release
	entered chan struct{}
	release chan struct{}
}

func (f *fakeAccounting) SyncContact(_ context.Context, order *models.Order) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "contact")
	if f.contactErr != nil {
		return "", f.contactErr
	}
	return "contact-" + order.ID, nil
}

func (f *fakeAccounting) CreateInvoice(ctx context.Context, order *models.Order, contactID string) (*services.Document, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	f.mu.Lock()
	f.calls = append(f.calls, "invoice")
	f.lastContact = contactID
	if f.invoiceErr != nil {
		f.mu.Unlock()
		return nil, f.invoiceErr
	}
	f.seq++
	doc := &services.Document{ID: fmt.Sprintf("inv-%d", f.seq), Number: fmt.Sprintf("RE-%d", f.seq)}
	f.mu.Unlock()

	values := map[string]string{models.MetaInvoiceID: doc.ID, models.MetaInvoiceNumber: doc.Number}
	for k, v := range values {
		order.SetMetaValue(k, v)
	}
	return doc, f.repo.SetMeta(ctx, order.ID, values)
}

func (f *fakeAccounting) CreateCreditNote(ctx context.Context, order *models.Order, invoiceID string) (*services.Document, error) {
	f.mu.Lock()
	f.calls = append(f.calls, "credit:"+invoiceID)
	if f.creditErr != nil {
		f.mu.Unlock()
		return nil, f.creditErr
	}
	f.seq++
	doc := &services.Document{ID: fmt.Sprintf("cn-%d", f.seq), Number: fmt.Sprintf("GS-%d", f.seq)}
	f.mu.Unlock()

	values := map[string]string{models.MetaCreditNoteID: doc.ID, models.MetaInvoiceVoided: "yes"}
	for k, v := range values {
		order.SetMetaValue(k, v)
	}
	return doc, f.repo.SetMeta(ctx, order.ID, values)
}

func (f *fakeAccounting) DownloadDocument(context.Context, string, string) (string, error) {
	return "", errors.New("not used")
}

func (f *fakeAccounting) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeNotifier struct {
	sent []string
	err  error
}

func (n *fakeNotifier) SendInvoice(_ context.Context, order *models.Order) error {
	n.sent = append(n.sent, order.ID)
	return n.err
}

func (n *fakeNotifier) NotifyError(context.Context, string, string) error { return nil }

type memoryJournal struct {
	entries []services.BookingEntry
}

func (j *memoryJournal) Record(_ context.Context, e services.BookingEntry) error {
	j.entries = append(j.entries, e)
	return nil
}

type fixture struct {
	store    *queue.Store
	repo     *orders.MemoryRepository
	acct     *fakeAccounting
	notifier *fakeNotifier
	journal  *memoryJournal
	proc     *Processor
}

func newFixture(t *testing.T, cfg Config, seed ...*models.Order) *fixture {
	t.Helper()

	store, err := queue.Open(context.Background(), queue.DialectSQLite, filepath.Join(t.TempDir(), "queue.db"), queue.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	repo := orders.NewMemoryRepository(seed...)
	f := &fixture{
		store:    store,
		repo:     repo,
		acct:     &fakeAccounting{repo: repo},
		notifier: &fakeNotifier{},
		journal:  &memoryJournal{},
	}
	f.proc = New(store, repo, f.acct, cfg, WithNotifier(f.notifier), WithJournal(f.journal))
	return f
}

func testOrder(id string) *models.Order {
	return &models.Order{
		ID:       id,
		Number:   "10" + id,
		Currency: "EUR",
		Total:    decimal.RequireFromString("119.00"),
		Billing:  models.BillingIdentity{FirstName: "Erika", LastName: "Mustermann"},
	}
}

func invoicedOrder(id, invoiceID string) *models.Order {
	o := testOrder(id)
	o.Meta = map[string]string{
		models.MetaInvoiceID:     invoiceID,
		models.MetaInvoiceNumber: "RE-OLD",
		models.MetaContactID:     "contact-" + id,
	}
	return o
}

func TestTickEmptyQueueIsNoop(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.proc.Tick(context.Background()))

	_, err := f.proc.ProcessNext(context.Background())
	assert.ErrorIs(t, err, queue.ErrNoItem)
}

func TestCreateInvoiceSyncsContactFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{AutoSyncContacts: true}, testOrder("1"))

	_, err := f.store.Enqueue(ctx, "1", queue.ActionCreateInvoice)
	require.NoError(t, err)

	item, err := f.proc.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, item.Status)
	assert.Equal(t, "inv-1", item.ResultReference)
	assert.Equal(t, []string{"contact", "invoice"}, f.acct.Calls())
	assert.Equal(t, "contact-1", f.acct.lastContact)

	stored, err := f.store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, stored.Status)
	assert.Equal(t, 1, stored.Attempts)

	require.Len(t, f.journal.entries, 1)
	entry := f.journal.entries[0]
	assert.Equal(t, services.DocumentInvoice, entry.DocumentType)
	assert.Equal(t, "RE-1", entry.DocumentNumber)
	assert.Equal(t, "119.00", entry.GrossAmount)
	assert.Equal(t, "Erika Mustermann", entry.Customer)

	assert.Empty(t, f.notifier.sent)
}

func TestCreateInvoiceContactFailureStopsBeforeInvoice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{AutoSyncContacts: true}, testOrder("1"))
	f.acct.contactErr = &lexware.APIError{Method: "POST", Endpoint: "contacts", Status: 400, Message: "invalid"}

	_, err := f.store.Enqueue(ctx, "1", queue.ActionCreateInvoice)
	require.NoError(t, err)

	item, err := f.proc.ProcessNext(ctx)
	assert.ErrorIs(t, err, lexware.ErrAPI)
	assert.Equal(t, []string{"contact"}, f.acct.Calls())

	stored, err := f.store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "HTTP 400")
}

func TestCreateInvoiceWithoutContactSyncUsesCachedContact(t *testing.T) {
	ctx := context.Background()
	o := testOrder("1")
	o.Meta = map[string]string{models.MetaContactID: "c-cached"}
	f := newFixture(t, Config{}, o)

	_, err := f.proc.RunNow(ctx, "1", queue.ActionCreateInvoice)
	require.NoError(t, err)
	assert.Equal(t, []string{"invoice"}, f.acct.Calls())
	assert.Equal(t, "c-cached", f.acct.lastContact)
}

func TestAutoSendEmailIsBestEffort(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{AutoSendEmail: true}, testOrder("1"), testOrder("2"))

	item, err := f.proc.RunNow(ctx, "1", queue.ActionCreateInvoice)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, item.Status)
	assert.Equal(t, []string{"1"}, f.notifier.sent)
	assert.Contains(t, f.repo.Notes("1"), "Rechnung automatisch per E-Mail versendet")

	f.notifier.err = errors.New("mailer down")
	item, err = f.proc.RunNow(ctx, "2", queue.ActionCreateInvoice)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, item.Status)
	assert.NotContains(t, f.repo.Notes("2"), "Rechnung automatisch per E-Mail versendet")
}

func TestMissingOrderFailsImmediately(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	_, err := f.store.Enqueue(ctx, "404", queue.ActionCreateInvoice)
	require.NoError(t, err)

	item, err := f.proc.ProcessNext(ctx)
	assert.ErrorIs(t, err, orders.ErrOrderNotFound)
	assert.Equal(t, queue.StatusFailed, item.Status)

	stored, err := f.store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Empty(t, f.acct.Calls())
}

func TestTransientFailureRetriesUntilMaxAttempts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxAttempts: 3}, testOrder("1"))
	f.acct.invoiceErr = fmt.Errorf("accounting.CreateInvoice: %w", lexware.ErrRateLimitExceeded)

	_, err := f.store.Enqueue(ctx, "1", queue.ActionCreateInvoice)
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		item, err := f.proc.ProcessNext(ctx)
		require.ErrorIs(t, err, lexware.ErrRateLimitExceeded)
		assert.Equal(t, attempt, item.Attempts)
		if attempt < 3 {
			assert.Equal(t, queue.StatusPending, item.Status)
		} else {
			assert.Equal(t, queue.StatusFailed, item.Status)
		}
	}

	require.NoError(t, f.proc.Tick(ctx))
	assert.Len(t, f.acct.Calls(), 3)
}

func TestVoidInvoiceCreatesCreditNote(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, invoicedOrder("1", "inv-old"))

	item, err := f.proc.RunNow(ctx, "1", queue.ActionVoidInvoice)
	require.NoError(t, err)
	assert.Equal(t, "cn-1", item.ResultReference)
	assert.Equal(t, []string{"credit:inv-old"}, f.acct.Calls())

	require.Len(t, f.journal.entries, 1)
	assert.Equal(t, services.DocumentCreditNote, f.journal.entries[0].DocumentType)
	assert.Equal(t, "-119.00", f.journal.entries[0].GrossAmount)
}

func TestVoidWithoutInvoiceFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, testOrder("1"))

	item, err := f.proc.RunNow(ctx, "1", queue.ActionVoidInvoice)
	assert.ErrorIs(t, err, accounting.ErrNoInvoice)
	assert.Equal(t, queue.StatusFailed, item.Status)
	assert.Empty(t, f.acct.Calls())
}

func TestVoidAlreadyVoidedInvoiceFails(t *testing.T) {
	ctx := context.Background()
	o := invoicedOrder("1", "inv-old")
	o.Meta[models.MetaInvoiceVoided] = "yes"
	f := newFixture(t, Config{}, o)

	_, err := f.proc.RunNow(ctx, "1", queue.ActionVoidInvoice)
	assert.ErrorIs(t, err, accounting.ErrNoInvoice)
	assert.Empty(t, f.acct.Calls())
}

func TestUpdateInvoiceVoidsThenRecreates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, invoicedOrder("1", "inv-old"))

	item, err := f.proc.RunNow(ctx, "1", queue.ActionUpdateInvoice)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, item.Status)
	assert.Equal(t, []string{"credit:inv-old", "invoice"}, f.acct.Calls())
	assert.Equal(t, "inv-2", item.ResultReference)

	order, err := f.repo.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "inv-2", order.InvoiceID())
	assert.Equal(t, "RE-2", order.MetaValue(models.MetaInvoiceNumber))
	assert.False(t, order.InvoiceVoided())
	assert.Equal(t, "cn-1", order.MetaValue(models.MetaCreditNoteID))

	require.Len(t, f.journal.entries, 2)
	assert.Equal(t, services.DocumentCreditNote, f.journal.entries[0].DocumentType)
	assert.Equal(t, services.DocumentInvoice, f.journal.entries[1].DocumentType)
}

func TestUpdateInvoiceResumesAfterInterruptedRecreate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, invoicedOrder("1", "inv-old"))
	f.acct.invoiceErr = lexware.ErrTransport

	_, err := f.proc.RunNow(ctx, "1", queue.ActionUpdateInvoice)
	require.ErrorIs(t, err, lexware.ErrTransport)

	f.acct.invoiceErr = nil
	item, err := f.proc.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, item.Attempts)
	assert.Equal(t, []string{"credit:inv-old", "invoice", "invoice"}, f.acct.Calls())

	order, err := f.repo.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "inv-2", order.InvoiceID())
	assert.False(t, order.InvoiceVoided())
}

func TestUpdateWithoutInvoiceFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, testOrder("1"))

	_, err := f.proc.RunNow(ctx, "1", queue.ActionUpdateInvoice)
	assert.ErrorIs(t, err, accounting.ErrNoInvoice)
	assert.Empty(t, f.acct.Calls())
}

func TestCreateInvoiceKeepsActiveInvoice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{AutoSyncContacts: true, AutoSendEmail: true}, invoicedOrder("1", "inv-old"))

	item, err := f.proc.RunNow(ctx, "1", queue.ActionCreateInvoice)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, item.Status)
	assert.Equal(t, "inv-old", item.ResultReference)
	assert.Empty(t, f.acct.Calls())
	assert.Empty(t, f.notifier.sent)
	assert.Empty(t, f.journal.entries)

	order, err := f.repo.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "inv-old", order.InvoiceID())
}

func TestCreateInvoiceAfterVoidCreatesNewInvoice(t *testing.T) {
	ctx := context.Background()
	o := invoicedOrder("1", "inv-old")
	o.Meta[models.MetaInvoiceVoided] = "yes"
	f := newFixture(t, Config{}, o)

	item, err := f.proc.RunNow(ctx, "1", queue.ActionCreateInvoice)
	require.NoError(t, err)
	assert.Equal(t, "inv-1", item.ResultReference)
	assert.Equal(t, []string{"invoice"}, f.acct.Calls())
}

func TestInFlightItemIsNotProcessedTwice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, testOrder("1"))
	f.acct.entered = make(chan struct{}, 1)
	f.acct.release = make(chan struct{})

	_, err := f.store.Enqueue(ctx, "1", queue.ActionCreateInvoice)
	require.NoError(t, err)

	type result struct {
		item *queue.Item
		err  error
	}
	done := make(chan result, 1)
	go func() {
		item, err := f.proc.ProcessNext(ctx)
		done <- result{item, err}
	}()

	select {
	case <-f.acct.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first run did not reach CreateInvoice")
	}

	_, err = f.proc.RunNow(ctx, "1", queue.ActionCreateInvoice)
	assert.ErrorIs(t, err, queue.ErrClaimLost)
	_, err = f.proc.ProcessNext(ctx)
	assert.ErrorIs(t, err, queue.ErrNoItem)

	close(f.acct.release)
	var first result
	select {
	case first = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("first run did not finish")
	}
	require.NoError(t, first.err)
	assert.Equal(t, queue.StatusCompleted, first.item.Status)
	assert.Equal(t, "inv-1", first.item.ResultReference)
	assert.Equal(t, []string{"invoice"}, f.acct.Calls())

	stored, err := f.store.Get(ctx, first.item.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Attempts)
}

func TestRunNowReusesPendingItem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, testOrder("1"))

	_, err := f.store.Enqueue(ctx, "1", queue.ActionCreateInvoice)
	require.NoError(t, err)
	queued, err := f.store.FindPending(ctx, "1", queue.ActionCreateInvoice)
	require.NoError(t, err)

	item, err := f.proc.RunNow(ctx, "1", queue.ActionCreateInvoice)
	require.NoError(t, err)
	assert.Equal(t, queued.ID, item.ID)

	count, err := f.store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, Config{PollInterval: 10 * time.Millisecond}, testOrder("1"))
	_, err := f.store.Enqueue(context.Background(), "1", queue.ActionCreateInvoice)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.proc.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(f.acct.Calls()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestPrometheusMetrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(reg)

	f := newFixture(t, Config{}, testOrder("1"))
	f.proc = New(f.store, f.repo, f.acct, Config{}, WithMetrics(metrics))

	_, err := f.store.Enqueue(ctx, "2", queue.ActionCreateInvoice)
	require.NoError(t, err)
	_, err = f.proc.RunNow(ctx, "1", queue.ActionCreateInvoice)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.processed.WithLabelValues("create_invoice", OutcomeCompleted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.pending))
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(fmt.Errorf("x: %w", orders.ErrOrderNotFound)))
	assert.True(t, IsPermanent(accounting.ErrNoInvoice))
	assert.True(t, IsPermanent(lexware.ErrConfiguration))
	assert.False(t, IsPermanent(lexware.ErrTransport))
	assert.False(t, IsPermanent(lexware.ErrRateLimitExceeded))
	assert.False(t, IsPermanent(orders.ErrShopUnavailable))
	assert.False(t, IsPermanent(&lexware.APIError{Status: 500}))
}
