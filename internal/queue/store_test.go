package queue

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepClock struct {
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	clock := &stepClock{now: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
	store, err := Open(context.Background(), DialectSQLite, filepath.Join(t.TempDir(), "queue.db"), Options{Now: clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestEnqueueDeduplicatesPendingPair(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	inserted, err := store.Enqueue(ctx, "42", ActionCreateInvoice)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.Enqueue(ctx, "42", ActionCreateInvoice)
	require.NoError(t, err)
	assert.False(t, inserted)

	// different action for the same order is its own item
	inserted, err = store.Enqueue(ctx, "42", ActionVoidInvoice)
	require.NoError(t, err)
	assert.True(t, inserted)

	count, err := store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestEnqueueAfterTerminalStateSucceeds(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "1", ActionCreateInvoice)
	require.NoError(t, err)
	item, err := store.FindPending(ctx, "1", ActionCreateInvoice)
	require.NoError(t, err)
	require.NoError(t, store.MarkCompleted(ctx, item.ID, "inv-1"))

	inserted, err := store.Enqueue(ctx, "1", ActionCreateInvoice)
	require.NoError(t, err)
	assert.True(t, inserted)

	item, err = store.FindPending(ctx, "1", ActionCreateInvoice)
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, item.ID, "boom", false))

	inserted, err = store.Enqueue(ctx, "1", ActionCreateInvoice)
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestEnqueueRejectsUnknownAction(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Enqueue(context.Background(), "1", Action("delete_everything"))
	assert.ErrorIs(t, err, ErrInvalidAction)
}

func TestDequeueNextReturnsOldestEligible(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.DequeueNext(ctx, 3)
	assert.ErrorIs(t, err, ErrNoItem)

	for _, id := range []string{"a", "b", "c"} {
		_, err := store.Enqueue(ctx, id, ActionCreateInvoice)
		require.NoError(t, err)
	}

	first, err := store.DequeueNext(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "a", first.OrderID)
	assert.Equal(t, StatusPending, first.Status)
	assert.Zero(t, first.Attempts)
	assert.False(t, first.CreatedAt.IsZero())

	// exhaust "a": three claims without success
	for i := 0; i < 3; i++ {
		require.NoError(t, store.MarkAttempted(ctx, first.ID, i))
	}

	next, err := store.DequeueNext(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "b", next.OrderID)
}

func TestClaimIsConditional(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "42", ActionCreateInvoice)
	require.NoError(t, err)

	a, err := store.DequeueNext(ctx, 3)
	require.NoError(t, err)
	b, err := store.DequeueNext(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, a.ID, b.ID)

	require.NoError(t, store.Claim(ctx, a))
	assert.Equal(t, 1, a.Attempts)

	assert.ErrorIs(t, store.Claim(ctx, b), ErrClaimLost)
	assert.Zero(t, b.Attempts)

	stored, err := store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Attempts)
}

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time { return c.now }

func TestClaimLeasesItemUntilReleased(t *testing.T) {
	clock := &manualClock{now: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
	store, err := Open(context.Background(), DialectSQLite, filepath.Join(t.TempDir(), "queue.db"),
		Options{Now: clock.Now, Lease: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	_, err = store.Enqueue(ctx, "42", ActionCreateInvoice)
	require.NoError(t, err)
	item, err := store.DequeueNext(ctx, 3)
	require.NoError(t, err)
	require.NoError(t, store.Claim(ctx, item))

	// in flight: hidden from dequeue, and a fresh copy cannot be claimed
	_, err = store.DequeueNext(ctx, 3)
	assert.ErrorIs(t, err, ErrNoItem)
	pending, err := store.FindPending(ctx, "42", ActionCreateInvoice)
	require.NoError(t, err)
	assert.Equal(t, 1, pending.Attempts)
	assert.ErrorIs(t, store.Claim(ctx, pending), ErrClaimLost)

	// released by a retryable failure
	clock.now = clock.now.Add(time.Second)
	require.NoError(t, store.MarkFailed(ctx, item.ID, "timeout", true))
	again, err := store.DequeueNext(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, item.ID, again.ID)
	require.NoError(t, store.Claim(ctx, again))
	assert.Equal(t, 2, again.Attempts)

	// a crashed processor's lease expires
	clock.now = clock.now.Add(2 * time.Minute)
	orphaned, err := store.DequeueNext(ctx, 3)
	require.NoError(t, err)
	require.NoError(t, store.Claim(ctx, orphaned))
	assert.Equal(t, 3, orphaned.Attempts)
}

func TestMarkFailedRetryableStaysPendingUntilLimit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "42", ActionVoidInvoice)
	require.NoError(t, err)

	for attempt := 1; attempt <= DefaultMaxAttempts; attempt++ {
		item, err := store.DequeueNext(ctx, DefaultMaxAttempts)
		require.NoError(t, err, "attempt %d", attempt)
		require.NoError(t, store.Claim(ctx, item))
		require.NoError(t, store.MarkFailed(ctx, item.ID, "rate limited", true))

		stored, err := store.Get(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, "rate limited", stored.ErrorMessage)
		if attempt < DefaultMaxAttempts {
			assert.Equal(t, StatusPending, stored.Status)
		} else {
			assert.Equal(t, StatusFailed, stored.Status)
		}
	}

	_, err = store.DequeueNext(ctx, DefaultMaxAttempts)
	assert.ErrorIs(t, err, ErrNoItem)
}

func TestMarkCompletedStoresReference(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "42", ActionCreateInvoice)
	require.NoError(t, err)
	item, err := store.DequeueNext(ctx, 3)
	require.NoError(t, err)
	require.NoError(t, store.Claim(ctx, item))
	require.NoError(t, store.MarkCompleted(ctx, item.ID, "inv-99"))

	stored, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
	assert.Equal(t, "inv-99", stored.ResultReference)
	assert.True(t, stored.UpdatedAt.After(stored.CreatedAt))

	assert.ErrorIs(t, store.MarkCompleted(ctx, 9999, "x"), ErrNotFound)
	_, err = store.Get(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRecentShowsPendingAndFailedNewestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		_, err := store.Enqueue(ctx, id, ActionCreateInvoice)
		require.NoError(t, err)
	}
	done, err := store.FindPending(ctx, "2", ActionCreateInvoice)
	require.NoError(t, err)
	require.NoError(t, store.MarkCompleted(ctx, done.ID, "inv"))
	failed, err := store.FindPending(ctx, "3", ActionCreateInvoice)
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, failed.ID, strings.Repeat("x", 2000), false))

	items, err := store.ListRecent(ctx, 50)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "3", items[0].OrderID)
	assert.Equal(t, StatusFailed, items[0].Status)
	assert.Len(t, items[0].ErrorMessage, maxErrorLength)
	assert.Equal(t, "1", items[1].OrderID)
}

func TestItemsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	store, err := Open(ctx, DialectSQLite, path, Options{})
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, "42", ActionUpdateInvoice)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(ctx, DialectSQLite, path, Options{})
	require.NoError(t, err)
	defer reopened.Close()

	item, err := reopened.DequeueNext(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, ActionUpdateInvoice, item.Action)
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction("void_invoice")
	require.NoError(t, err)
	assert.Equal(t, ActionVoidInvoice, a)

	_, err = ParseAction("nope")
	assert.ErrorIs(t, err, ErrInvalidAction)
}

func TestNewStoreRejectsBadTableName(t *testing.T) {
	_, err := NewStore(nil, DialectSQLite, Options{Table: "queue; DROP TABLE x"})
	assert.Error(t, err)
}
