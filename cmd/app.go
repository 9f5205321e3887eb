package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"lexsync/internal/accounting"
	"lexsync/internal/admin"
	"lexsync/internal/config"
	"lexsync/internal/events"
	"lexsync/internal/invoice"
	"lexsync/internal/lexware"
	"lexsync/internal/notify"
	"lexsync/internal/orders"
	"lexsync/internal/processor"
	"lexsync/internal/queue"
	"lexsync/internal/ratelimit"
	"lexsync/internal/sheets"
	"lexsync/pkg/services"
)

// app holds the components wired from configuration.
type app struct {
	cfg        *config.Config
	client     *lexware.Client
	builder    *invoice.Builder
	orders     orders.Repository
	accounting *accounting.Service
	queue      *queue.Store
	notifier   notify.Notifier
	journal    services.BookingJournal
	registry   *prometheus.Registry
	processor  *processor.Processor
	dispatcher *events.Dispatcher
	redis      *redis.Client
	log        zerolog.Logger
}

// newApp constructs every component once. Callers must Close the app.
func newApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*app, error) {
	if cfg == nil {
		return nil, errors.New("configuration not loaded, check the environment and lexsync.yaml")
	}

	a := &app{cfg: cfg, log: log}

	a.notifier = notify.Nop{}
	if cfg.NotifyWebhookURL != "" {
		a.notifier = notify.NewWebhook(cfg.NotifyWebhookURL, 10*time.Second)
	}

	a.client = lexware.NewClient(
		lexware.Config{
			APIKey:      cfg.LexwareAPIKey,
			BaseURL:     cfg.LexwareBaseURL,
			Timeout:     cfg.LexwareTimeout,
			LogRequests: cfg.LexwareLogRequests,
		},
		lexware.WithLimiter(ratelimit.New(cfg.LexwareRateLimit, cfg.LexwareRateWindow)),
		lexware.WithErrorHook(a.alertOnAPIError),
	)

	a.builder = invoice.NewBuilder(builderSettings(cfg))

	if cfg.WooBaseURL == "" {
		return nil, errors.New("WOO_BASE_URL is required")
	}
	a.orders = orders.NewWooCommerce(orders.WooConfig{
		BaseURL:        cfg.WooBaseURL,
		ConsumerKey:    cfg.WooConsumerKey,
		ConsumerSecret: cfg.WooConsumerSecret,
	})

	a.accounting = accounting.NewService(a.client, a.builder, a.orders, accounting.Config{
		FinalizeImmediately: cfg.FinalizeImmediately,
		UploadsDir:          cfg.UploadsDir,
	})

	store, err := queue.Open(ctx, queue.Dialect(cfg.QueueDriver), cfg.QueueDSN, queue.Options{
		Table:       cfg.QueueTable,
		MaxAttempts: cfg.QueueMaxAttempts,
		Lease:       cfg.QueueLease,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue: %w", err)
	}
	a.queue = store

	if cfg.GoogleSheetURL != "" {
		journal, err := sheets.NewJournal(ctx, cfg.GoogleSheetURL, cfg.GoogleSheetWorksheet)
		if err != nil {
			log.Warn().Err(err).Msg("Booking journal disabled")
		} else {
			a.journal = journal
		}
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []processor.Option{
		processor.WithNotifier(a.notifier),
		processor.WithMetrics(processor.NewPrometheusMetrics(a.registry)),
	}
	if a.journal != nil {
		opts = append(opts, processor.WithJournal(a.journal))
	}
	a.processor = processor.New(a.queue, a.orders, a.accounting, processor.Config{
		MaxAttempts:      cfg.QueueMaxAttempts,
		AutoSyncContacts: cfg.AutoSyncContacts,
		AutoSendEmail:    cfg.AutoSendEmail,
		PollInterval:     cfg.QueuePollInterval,
	}, opts...)

	a.dispatcher = events.NewDispatcher(a.queue, a.orders, cfg.TriggerStatuses)

	return a, nil
}

// adminServer builds the HTTP surface. The cooldown limiter uses Redis when
// REDIS_ADDR is set and reachable.
func (a *app) adminServer(ctx context.Context) *admin.Server {
	var limiter admin.ActionLimiter = admin.NewMemoryLimiter(a.cfg.ActionCooldown)
	if a.cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.RedisAddr,
			Password: a.cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			a.log.Warn().Err(err).Str("addr", a.cfg.RedisAddr).Msg("Redis unreachable, using in-memory action cooldown")
			_ = client.Close()
		} else {
			a.redis = client
			limiter = admin.NewRedisLimiter(client, a.cfg.ActionCooldown)
		}
	}

	return admin.NewServer(admin.Deps{
		Processor:  a.processor,
		Queue:      a.queue,
		Dispatcher: a.dispatcher,
		Orders:     a.orders,
		Accounting: a.accounting,
		Notifier:   a.notifier,
		Activity:   a.client.Activity(),
		Limiter:    limiter,
		Gatherer:   a.registry,
	}, admin.Config{
		Token:         a.cfg.AdminToken,
		WebhookSecret: a.cfg.WebhookSecret,
	})
}

// alertOnAPIError notifies the operator about API errors when enabled.
func (a *app) alertOnAPIError(ctx context.Context, err error) {
	if !a.cfg.EmailOnError || !errors.Is(err, lexware.ErrAPI) {
		return
	}
	if notifyErr := a.notifier.NotifyError(ctx, "Lexware API Fehler", err.Error()); notifyErr != nil {
		a.log.Warn().Err(notifyErr).Msg("Failed to send error alert")
	}
}

func (a *app) Close() {
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.log.Warn().Err(err).Msg("Failed to close queue")
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}

func builderSettings(cfg *config.Config) invoice.Settings {
	methods := make(map[string]invoice.PaymentTerm, len(cfg.PaymentMethods))
	for id, m := range cfg.PaymentMethods {
		methods[id] = invoice.PaymentTerm{Label: m.Terms, DueDays: m.DueDays}
	}
	return invoice.Settings{
		Title:                  cfg.InvoiceTitle,
		Introduction:           cfg.InvoiceIntroduction,
		Remark:                 cfg.InvoiceRemark,
		CreditNoteTitle:        cfg.CreditNoteTitle,
		CreditNoteIntroduction: cfg.CreditNoteIntroduction,
		PaymentTerms:           cfg.PaymentTerms,
		PaymentDueDays:         cfg.PaymentDueDays,
		PaymentMethods:         methods,
		UnitName:               cfg.UnitName,
		ShippingAsLineItem:     cfg.ShippingAsLineItem,
	}
}
