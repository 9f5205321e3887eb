// Package admin exposes the administrative actions and the order webhook over HTTP.
package admin

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"lexsync/internal/accounting"
	"lexsync/internal/events"
	"lexsync/internal/lexware"
	"lexsync/internal/logger"
	"lexsync/internal/notify"
	"lexsync/internal/orders"
	"lexsync/internal/queue"
	"lexsync/pkg/models"
	"lexsync/pkg/services"
)

// Header names.
const (
	HeaderUser      = "X-Admin-User"
	HeaderSignature = "X-WC-Webhook-Signature"
)

// NoteUnlinked is added to an order when its cached ids are cleared.
const NoteUnlinked = "Lexware Verknüpfung entfernt"

const maxWebhookBody = 1 << 20

// Processor runs an action immediately.
type Processor interface {
	RunNow(ctx context.Context, orderID string, action queue.Action) (*queue.Item, error)
}

// QueueLister lists recent queue items.
type QueueLister interface {
	ListRecent(ctx context.Context, limit int) ([]queue.Item, error)
}

// Dispatcher routes order events.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev events.Event) (events.Result, error)
}

// Deps are the collaborators of the admin server.
type Deps struct {
	Processor  Processor
	Queue      QueueLister
	Dispatcher Dispatcher
	Orders     orders.Repository
	Accounting services.AccountingService
	Notifier   notify.Notifier
	Activity   *lexware.ActivityLog
	Limiter    ActionLimiter
	Gatherer   prometheus.Gatherer
}

// Config holds the admin credentials.
type Config struct {
	// Token is the bearer token required on /admin routes. Empty rejects all.
	Token string
	// WebhookSecret signs webhook bodies. Empty disables the check.
	WebhookSecret string
}

// Server serves the admin API.
type Server struct {
	deps Deps
	cfg  Config
	log  zerolog.Logger
}

// NewServer creates a Server.
func NewServer(deps Deps, cfg Config) *Server {
	if deps.Limiter == nil {
		deps.Limiter = NewMemoryLimiter(DefaultCooldown)
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		deps: deps,
		cfg:  cfg,
		log:  logger.WithComponent("admin"),
	}
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	r.Post("/webhooks/orders", s.handleWebhook)

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/queue", s.handleQueue)
		r.Get("/logs", s.handleLogs)
		r.Delete("/logs", s.handleClearLogs)
		r.Route("/orders/{id}", func(r chi.Router) {
			r.Post("/invoice", s.limited("create_invoice", s.handleCreateInvoice))
			r.Post("/void", s.limited("void_invoice", s.handleVoidInvoice))
			r.Post("/email", s.limited("send_email", s.handleSendEmail))
			r.Post("/unlink", s.limited("unlink", s.handleUnlink))
			r.Get("/invoice.pdf", s.limited("download_pdf", s.handleDownload))
		})
	})
	return r
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if s.cfg.Token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limited(action string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get(HeaderUser)
		if user == "" {
			user = "admin"
		}
		ok, err := s.deps.Limiter.Allow(r.Context(), user, action)
		if err != nil {
			s.log.Error().Err(err).Str("user", user).Str("action", action).Msg("Cooldown check failed")
			writeError(w, http.StatusServiceUnavailable, "cooldown check failed")
			return
		}
		if !ok {
			writeError(w, http.StatusTooManyRequests, "Bitte warten Sie einen Moment, bevor Sie diese Aktion erneut ausführen.")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, queue.ActionCreateInvoice)
}

func (s *Server) handleVoidInvoice(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, queue.ActionVoidInvoice)
}

func (s *Server) runAction(w http.ResponseWriter, r *http.Request, action queue.Action) {
	orderID := chi.URLParam(r, "id")

	item, err := s.deps.Processor.RunNow(r.Context(), orderID, action)
	if err != nil {
		s.log.Warn().Err(err).Str("order_id", orderID).Str("action", string(action)).Msg("Manual action failed")
		writeJSON(w, statusFor(err), map[string]any{"error": err.Error(), "item": item})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": item})
}

func (s *Server) handleSendEmail(w http.ResponseWriter, r *http.Request) {
	order, ok := s.invoicedOrder(w, r)
	if !ok {
		return
	}
	if err := s.deps.Notifier.SendInvoice(r.Context(), order); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if err := s.deps.Orders.AddNote(r.Context(), order.ID, "Rechnung manuell per E-Mail versendet"); err != nil {
		s.log.Warn().Err(err).Str("order_id", order.ID).Msg("Failed to add order note")
	}
	writeJSON(w, http.StatusOK, map[string]any{"sent": true})
}

// handleUnlink clears all cached accounting ids without calling the accounting API.
func (s *Server) handleUnlink(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	if err := s.deps.Orders.DeleteMeta(r.Context(), orderID, models.CachedIDKeys...); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if err := s.deps.Orders.AddNote(r.Context(), orderID, NoteUnlinked); err != nil {
		s.log.Warn().Err(err).Str("order_id", orderID).Msg("Failed to add order note")
	}
	s.log.Info().Str("order_id", orderID).Msg("Unlinked order from accounting")
	writeJSON(w, http.StatusOK, map[string]any{"unlinked": true})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	order, ok := s.invoicedOrder(w, r)
	if !ok {
		return
	}

	path, err := s.deps.Accounting.DownloadDocument(r.Context(), services.DocumentInvoice, order.InvoiceID())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	f, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	name := filepath.Base(path)
	if number := order.MetaValue(models.MetaInvoiceNumber); number != "" {
		name = "Rechnung-" + number + ".pdf"
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (s *Server) invoicedOrder(w http.ResponseWriter, r *http.Request) (*models.Order, bool) {
	order, err := s.deps.Orders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return nil, false
	}
	if order.InvoiceID() == "" {
		writeError(w, http.StatusConflict, accounting.ErrNoInvoice.Error())
		return nil, false
	}
	return order, true
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := s.deps.Queue.ListRecent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Activity == nil {
		writeJSON(w, http.StatusOK, map[string]any{"requests": []lexware.LogEntry{}, "errors": []lexware.LogEntry{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requests": s.deps.Activity.Requests(),
		"errors":   s.deps.Activity.Errors(),
	})
}

func (s *Server) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Activity != nil {
		s.deps.Activity.Clear()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if s.cfg.WebhookSecret != "" && !validSignature(body, r.Header.Get(HeaderSignature), s.cfg.WebhookSecret) {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var ev events.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}

	res, err := s.deps.Dispatcher.Dispatch(r.Context(), ev)
	if err != nil {
		if errors.Is(err, events.ErrInvalidEvent) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error().Err(err).Str("order_id", ev.OrderID).Msg("Event dispatch failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// validSignature checks the base64 HMAC-SHA256 of body.
func validSignature(body []byte, signature, secret string) bool {
	got, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the signature header value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orders.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, accounting.ErrNoInvoice):
		return http.StatusConflict
	case errors.Is(err, accounting.ErrDocumentNotReady):
		return http.StatusConflict
	case errors.Is(err, lexware.ErrConfiguration):
		return http.StatusServiceUnavailable
	case errors.Is(err, queue.ErrClaimLost):
		return http.StatusConflict
	}
	return http.StatusBadGateway
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
