package lexware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now   time.Time
	slept time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.slept += d
	c.now = c.now.Add(d)
	return nil
}

type countingLimiter struct {
	calls int32
}

func (l *countingLimiter) Acquire(context.Context) error {
	atomic.AddInt32(&l.calls, 1)
	return nil
}

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) (*Client, *fakeClock, *countingLimiter) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	clock := &fakeClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	limiter := &countingLimiter{}
	opts = append([]Option{WithClock(clock), WithLimiter(limiter)}, opts...)
	client := NewClient(Config{APIKey: "secret", BaseURL: srv.URL + "/v1/", LogRequests: true}, opts...)
	return client, clock, limiter
}

func TestDoSendsAuthenticatedJSON(t *testing.T) {
	var gotPath, gotAuth, gotAccept, gotContentType string
	var gotBody map[string]any

	client, _, limiter := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		gotContentType = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"c-1","version":2}`))
	})

	var res Resource
	err := client.Do(context.Background(), http.MethodPost, "contacts", map[string]any{"version": 0}, &res)
	require.NoError(t, err)

	assert.Equal(t, "/v1/contacts", gotPath)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "application/json", gotAccept)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, float64(0), gotBody["version"])
	assert.Equal(t, "c-1", res.ID)
	assert.Equal(t, 2, res.Version)
	assert.Equal(t, int32(1), limiter.calls)

	requests := client.Activity().Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, http.StatusCreated, requests[0].Status)
	assert.NotEmpty(t, requests[0].ID)
}

func TestMissingAPIKeyFailsBeforeRequest(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	limiter := &countingLimiter{}
	client := NewClient(Config{BaseURL: srv.URL}, WithLimiter(limiter))

	_, err := client.Request(context.Background(), http.MethodGet, "contacts/1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.True(t, IsPermanent(err))
	assert.Zero(t, atomic.LoadInt32(&hits))
	assert.Zero(t, limiter.calls)
	assert.Len(t, client.Activity().Errors(), 1)
}

func TestRetriesThrottledRequestsWithBackoff(t *testing.T) {
	var attempts int32
	client, clock, limiter := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) <= 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"id":"inv-1"}`))
	})

	raw, err := client.Request(context.Background(), http.MethodGet, "invoices/inv-1", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"inv-1"}`, string(raw))
	assert.Equal(t, int32(4), atomic.LoadInt32(&attempts))
	assert.Equal(t, int32(4), limiter.calls)
	assert.GreaterOrEqual(t, clock.slept, 7*time.Second)
}

func TestThrottlingExhaustsRetries(t *testing.T) {
	var attempts int32
	var hookErr error
	client, clock, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}, WithErrorHook(func(_ context.Context, err error) { hookErr = err }))

	_, err := client.Request(context.Background(), http.MethodGet, "invoices/inv-1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimitExceeded)
	assert.Equal(t, int32(4), atomic.LoadInt32(&attempts))
	assert.Equal(t, 7*time.Second, clock.slept)
	assert.ErrorIs(t, hookErr, ErrRateLimitExceeded)
}

func TestAPIErrorIsNotRetried(t *testing.T) {
	var attempts int32
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusNotAcceptable)
		_, _ = w.Write([]byte(`{"IssueList":[{"i18nKey":"missing_entity","source":"address.contactId","type":"validation_failure"}]}`))
	})

	err := client.Do(context.Background(), http.MethodPost, "invoices", map[string]string{}, nil)
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotAcceptable, apiErr.Status)
	assert.Equal(t, "address.contactId: missing_entity", apiErr.Message)
	assert.ErrorIs(t, err, ErrAPI)
	assert.False(t, IsNotFound(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))

	errs := client.Activity().Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, http.StatusNotAcceptable, errs[0].Status)
}

func TestAPIErrorMessageField(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Not Found"}`))
	})

	_, err := client.Request(context.Background(), http.MethodGet, "contacts/x", nil)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "Not Found")
}

func TestTransportErrorIsNotRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	limiter := &countingLimiter{}
	client := NewClient(Config{APIKey: "k", BaseURL: url}, WithLimiter(limiter), WithClock(&fakeClock{}))

	_, err := client.Request(context.Background(), http.MethodGet, "contacts/1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, int32(1), limiter.calls)
}

func TestDownloadReturnsBytesVerbatim(t *testing.T) {
	pdf := []byte("%PDF-1.4 binary")
	var accept string
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		accept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write(pdf)
	})

	data, err := client.Download(context.Background(), "files/f-1")
	require.NoError(t, err)
	assert.Equal(t, pdf, data)
	assert.Equal(t, "application/pdf", accept)
}

func TestOversizedResponseIsRejected(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("%PDF-1.4 0123456789"))
	}, WithMaxResponseSize(8))

	data, err := client.Download(context.Background(), "files/f-1")
	assert.Nil(t, data)
	assert.ErrorIs(t, err, ErrResponseTooLarge)
	assert.ErrorIs(t, err, ErrTransport)

	client, _, _ = newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("12345678"))
	}, WithMaxResponseSize(8))
	data, err = client.Download(context.Background(), "files/f-2")
	require.NoError(t, err)
	assert.Equal(t, "12345678", string(data))
}

func TestActivityLogIsBounded(t *testing.T) {
	log := NewActivityLog()
	for i := 0; i < MaxRequestEntries+10; i++ {
		log.addRequest(LogEntry{Attempt: i})
		log.addError(LogEntry{Attempt: i})
	}

	requests := log.Requests()
	require.Len(t, requests, MaxRequestEntries)
	assert.Equal(t, MaxRequestEntries+9, requests[0].Attempt)
	assert.Len(t, log.Errors(), MaxErrorEntries)

	log.Clear()
	assert.Empty(t, log.Requests())
}
