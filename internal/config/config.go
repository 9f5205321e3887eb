package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"lexsync/internal/logger"
)

// PaymentMethodConfig overrides payment terms for one payment gateway.
type PaymentMethodConfig struct {
	Terms   string `mapstructure:"terms"`
	DueDays int    `mapstructure:"due_days"`
}

type Config struct {
	// Accounting API
	LexwareAPIKey      string
	LexwareBaseURL     string
	LexwareTimeout     time.Duration
	LexwareRateLimit   int
	LexwareRateWindow  time.Duration
	LexwareLogRequests bool

	// Durable queue
	QueueDriver       string // sqlite or postgres
	QueueDSN          string
	QueueTable        string
	QueueMaxAttempts  int
	QueuePollInterval time.Duration
	QueueLease        time.Duration

	// Order events and processing behaviour
	TriggerStatuses     []string
	AutoSyncContacts    bool
	FinalizeImmediately bool
	ShippingAsLineItem  bool
	AutoSendEmail       bool
	EmailOnError        bool

	// Invoice templates
	InvoiceTitle           string
	InvoiceIntroduction    string
	InvoiceRemark          string
	CreditNoteTitle        string
	CreditNoteIntroduction string
	PaymentTerms           string
	PaymentDueDays         int
	PaymentMethods         map[string]PaymentMethodConfig
	UnitName               string
	UploadsDir             string

	// Host shop (WooCommerce REST API)
	WooBaseURL        string
	WooConsumerKey    string
	WooConsumerSecret string

	// Notifications
	NotifyWebhookURL string

	// Admin surface
	AdminAddr      string
	AdminToken     string
	WebhookSecret  string
	ActionCooldown time.Duration
	RedisAddr      string
	RedisPassword  string

	// Optional booking journal in Google Sheets
	GoogleSheetURL       string
	GoogleSheetWorksheet string

	// Logging Configuration
	LogLevel      string
	LogFormat     string
	LogTimeFormat string
	LogOutput     string
}

var defaults = map[string]any{
	"lexware_base_url":         "https://api.lexware.io/v1",
	"lexware_timeout":          30 * time.Second,
	"lexware_rate_limit":       2,
	"lexware_rate_window":      time.Second,
	"lexware_log_requests":     true,
	"queue_driver":             "sqlite",
	"queue_dsn":                "lexsync.db",
	"queue_table":              "lexsync_queue",
	"queue_max_attempts":       3,
	"queue_poll_interval":      60 * time.Second,
	"queue_lease":              15 * time.Minute,
	"trigger_statuses":         "completed,processing",
	"auto_sync_contacts":       true,
	"finalize_immediately":     true,
	"shipping_as_line_item":    true,
	"auto_send_email":          false,
	"email_on_error":           false,
	"invoice_title":            "Rechnung",
	"invoice_introduction":     "Vielen Dank für Ihre Bestellung [order_number] vom [order_date].",
	"invoice_remark":           "Wir freuen uns auf Ihren nächsten Einkauf.",
	"credit_note_title":        "Rechnungskorrektur",
	"credit_note_introduction": "Stornierung der Bestellung [order_number] vom [order_date].",
	"payment_terms":            "Zahlbar innerhalb von 14 Tagen ohne Abzug.",
	"payment_due_days":         14,
	"unit_name":                "Stück",
	"uploads_dir":              "uploads",
	"admin_addr":               ":8080",
	"action_cooldown":          10 * time.Second,
	"google_sheet_worksheet":   "Buchungsjournal",
	"log_level":                "info",
	"log_format":               "console",
	"log_time_format":          "2006-01-02T15:04:05Z07:00",
	"log_output":               "stdout",
}

// Load reads configuration from the environment and an optional lexsync.yaml.
// Environment variables win over the file.
func Load() (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if path := os.Getenv("LEXSYNC_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("lexsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	v.AutomaticEnv()

	config := &Config{
		LexwareAPIKey:          v.GetString("lexware_api_key"),
		LexwareBaseURL:         strings.TrimRight(v.GetString("lexware_base_url"), "/"),
		LexwareTimeout:         v.GetDuration("lexware_timeout"),
		LexwareRateLimit:       v.GetInt("lexware_rate_limit"),
		LexwareRateWindow:      v.GetDuration("lexware_rate_window"),
		LexwareLogRequests:     v.GetBool("lexware_log_requests"),
		QueueDriver:            strings.ToLower(v.GetString("queue_driver")),
		QueueDSN:               v.GetString("queue_dsn"),
		QueueTable:             v.GetString("queue_table"),
		QueueMaxAttempts:       v.GetInt("queue_max_attempts"),
		QueuePollInterval:      v.GetDuration("queue_poll_interval"),
		QueueLease:             v.GetDuration("queue_lease"),
		TriggerStatuses:        splitList(v.GetString("trigger_statuses")),
		AutoSyncContacts:       v.GetBool("auto_sync_contacts"),
		FinalizeImmediately:    v.GetBool("finalize_immediately"),
		ShippingAsLineItem:     v.GetBool("shipping_as_line_item"),
		AutoSendEmail:          v.GetBool("auto_send_email"),
		EmailOnError:           v.GetBool("email_on_error"),
		InvoiceTitle:           v.GetString("invoice_title"),
		InvoiceIntroduction:    v.GetString("invoice_introduction"),
		InvoiceRemark:          v.GetString("invoice_remark"),
		CreditNoteTitle:        v.GetString("credit_note_title"),
		CreditNoteIntroduction: v.GetString("credit_note_introduction"),
		PaymentTerms:           v.GetString("payment_terms"),
		PaymentDueDays:         v.GetInt("payment_due_days"),
		UnitName:               v.GetString("unit_name"),
		UploadsDir:             v.GetString("uploads_dir"),
		WooBaseURL:             strings.TrimRight(v.GetString("woo_base_url"), "/"),
		WooConsumerKey:         v.GetString("woo_consumer_key"),
		WooConsumerSecret:      v.GetString("woo_consumer_secret"),
		NotifyWebhookURL:       v.GetString("notify_webhook_url"),
		AdminAddr:              v.GetString("admin_addr"),
		AdminToken:             v.GetString("admin_token"),
		WebhookSecret:          v.GetString("webhook_secret"),
		ActionCooldown:         v.GetDuration("action_cooldown"),
		RedisAddr:              v.GetString("redis_addr"),
		RedisPassword:          v.GetString("redis_password"),
		GoogleSheetURL:         v.GetString("google_sheet_url"),
		GoogleSheetWorksheet:   v.GetString("google_sheet_worksheet"),
		LogLevel:               v.GetString("log_level"),
		LogFormat:              v.GetString("log_format"),
		LogTimeFormat:          v.GetString("log_time_format"),
		LogOutput:              v.GetString("log_output"),
	}

	if err := v.UnmarshalKey("payment_methods", &config.PaymentMethods); err != nil {
		return nil, fmt.Errorf("invalid payment_methods section: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// validate checks structural values only. A missing API key surfaces as a
// configuration error on the first API request.
func (c *Config) validate() error {
	if c.LexwareRateLimit <= 0 {
		return fmt.Errorf("LEXWARE_RATE_LIMIT must be positive")
	}
	if c.LexwareRateWindow <= 0 {
		return fmt.Errorf("LEXWARE_RATE_WINDOW must be positive")
	}
	if c.QueueDriver != "sqlite" && c.QueueDriver != "postgres" {
		return fmt.Errorf("QUEUE_DRIVER must be sqlite or postgres, got %q", c.QueueDriver)
	}
	if c.QueueDSN == "" {
		return fmt.Errorf("QUEUE_DSN is required")
	}
	if c.QueueMaxAttempts <= 0 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be positive")
	}
	if c.QueuePollInterval <= 0 {
		return fmt.Errorf("QUEUE_POLL_INTERVAL must be positive")
	}
	if c.QueueLease <= 0 {
		return fmt.Errorf("QUEUE_LEASE must be positive")
	}
	if c.PaymentDueDays < 0 {
		return fmt.Errorf("PAYMENT_DUE_DAYS must not be negative")
	}
	return nil
}

// GetLoggerConfig returns a logger configuration from the main config
func (c *Config) GetLoggerConfig() logger.LogConfig {
	return logger.LogConfig{
		Level:      c.LogLevel,
		Format:     c.LogFormat,
		TimeFormat: c.LogTimeFormat,
		Output:     c.LogOutput,
	}
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
