package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"lexsync/internal/logger"
	"lexsync/pkg/models"
)

const maxShopResponseSize = 10 * 1024 * 1024

// MetaValueVoucher flags a coupon line as a multi-purpose value voucher.
const MetaValueVoucher = "_lexsync_value_voucher"

var (
	valueVoucherKeys = []string{MetaValueVoucher, "_is_voucher", "is_voucher"}
	vatIDKeys        = []string{"_billing_vat_id", "billing_vat_id", "_vat_number", "vat_number"}
	taxNumberKeys    = []string{"_billing_tax_number", "billing_tax_number"}
)

// WooConfig holds the WooCommerce REST API settings.
type WooConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	Timeout        time.Duration
}

// WooCommerce implements Repository on the WooCommerce REST API (wc/v3).
type WooCommerce struct {
	cfg        WooConfig
	httpClient *http.Client
	log        zerolog.Logger
}

// NewWooCommerce creates a shop client.
func NewWooCommerce(cfg WooConfig) *WooCommerce {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &WooCommerce{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        logger.WithComponent("woocommerce"),
	}
}

func (w *WooCommerce) Get(ctx context.Context, orderID string) (*models.Order, error) {
	const op = "orders.Get"

	var raw wooOrder
	if err := w.do(ctx, http.MethodGet, "orders/"+url.PathEscape(orderID), nil, &raw); err != nil {
		return nil, fmt.Errorf("%s: %s: %w", op, orderID, err)
	}
	return raw.toModel(), nil
}

func (w *WooCommerce) SetMeta(ctx context.Context, orderID string, values map[string]string) error {
	const op = "orders.SetMeta"

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	meta := make([]wooMetaUpdate, 0, len(keys))
	for _, key := range keys {
		meta = append(meta, wooMetaUpdate{Key: key, Value: values[key]})
	}

	if err := w.do(ctx, http.MethodPut, "orders/"+url.PathEscape(orderID), map[string]any{"meta_data": meta}, nil); err != nil {
		return fmt.Errorf("%s: %s: %w", op, orderID, err)
	}
	return nil
}

// DeleteMeta blanks the keys; empty values are treated as unset when reading.
func (w *WooCommerce) DeleteMeta(ctx context.Context, orderID string, keys ...string) error {
	values := make(map[string]string, len(keys))
	for _, key := range keys {
		values[key] = ""
	}
	return w.SetMeta(ctx, orderID, values)
}

func (w *WooCommerce) AddNote(ctx context.Context, orderID, note string) error {
	const op = "orders.AddNote"

	body := map[string]any{"note": note}
	if err := w.do(ctx, http.MethodPost, "orders/"+url.PathEscape(orderID)+"/notes", body, nil); err != nil {
		return fmt.Errorf("%s: %s: %w", op, orderID, err)
	}
	return nil
}

func (w *WooCommerce) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	endpoint := w.cfg.BaseURL + "/wp-json/wc/v3/" + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(w.cfg.ConsumerKey, w.cfg.ConsumerSecret)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrShopUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxShopResponseSize))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrShopUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrOrderNotFound
	case resp.StatusCode >= 400:
		w.log.Error().
			Str("method", method).
			Str("path", path).
			Int("status", resp.StatusCode).
			Msg("Shop API request failed")
		return fmt.Errorf("%w: HTTP %d", ErrShopUnavailable, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type wooOrder struct {
	ID                 int64           `json:"id"`
	Number             string          `json:"number"`
	Status             string          `json:"status"`
	Currency           string          `json:"currency"`
	DateCreatedGMT     string          `json:"date_created_gmt"`
	PaymentMethod      string          `json:"payment_method"`
	PaymentMethodTitle string          `json:"payment_method_title"`
	Billing            wooBilling      `json:"billing"`
	LineItems          []wooLineItem   `json:"line_items"`
	TaxLines           []wooTaxLine    `json:"tax_lines"`
	CouponLines        []wooCouponLine `json:"coupon_lines"`
	FeeLines           []wooFeeLine    `json:"fee_lines"`
	ShippingTotal      decimal.Decimal `json:"shipping_total"`
	ShippingTax        decimal.Decimal `json:"shipping_tax"`
	Total              decimal.Decimal `json:"total"`
	TotalTax           decimal.Decimal `json:"total_tax"`
	MetaData           []wooMeta       `json:"meta_data"`
}

type wooBilling struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
	Address1  string `json:"address_1"`
	Address2  string `json:"address_2"`
	City      string `json:"city"`
	Postcode  string `json:"postcode"`
	Country   string `json:"country"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
}

type wooLineItem struct {
	Name        string          `json:"name"`
	Quantity    decimal.Decimal `json:"quantity"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	SubtotalTax decimal.Decimal `json:"subtotal_tax"`
	Taxes       []wooItemTax    `json:"taxes"`
}

type wooItemTax struct {
	ID       int64           `json:"id"`
	Total    decimal.Decimal `json:"total"`
	Subtotal decimal.Decimal `json:"subtotal"`
}

type wooTaxLine struct {
	RateID      int64           `json:"rate_id"`
	RatePercent decimal.Decimal `json:"rate_percent"`
}

type wooCouponLine struct {
	Code        string          `json:"code"`
	Discount    decimal.Decimal `json:"discount"`
	DiscountTax decimal.Decimal `json:"discount_tax"`
	MetaData    []wooMeta       `json:"meta_data"`
}

type wooFeeLine struct {
	Name     string          `json:"name"`
	Total    decimal.Decimal `json:"total"`
	TotalTax decimal.Decimal `json:"total_tax"`
}

type wooMeta struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type wooMetaUpdate struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (o wooOrder) toModel() *models.Order {
	meta := metaMap(o.MetaData)

	order := &models.Order{
		ID:                 strconv.FormatInt(o.ID, 10),
		Number:             o.Number,
		Status:             o.Status,
		Currency:           o.Currency,
		PaymentMethod:      o.PaymentMethod,
		PaymentMethodTitle: o.PaymentMethodTitle,
		Billing: models.BillingIdentity{
			FirstName: o.Billing.FirstName,
			LastName:  o.Billing.LastName,
			Company:   o.Billing.Company,
			Address1:  o.Billing.Address1,
			Address2:  o.Billing.Address2,
			City:      o.Billing.City,
			Postcode:  o.Billing.Postcode,
			Country:   o.Billing.Country,
			Email:     o.Billing.Email,
			Phone:     o.Billing.Phone,
			VATID:     firstMeta(meta, vatIDKeys),
			TaxNumber: firstMeta(meta, taxNumberKeys),
		},
		ShippingTotal: o.ShippingTotal,
		ShippingTax:   o.ShippingTax,
		Total:         o.Total,
		TotalTax:      o.TotalTax,
		TaxRates:      make(map[string]decimal.Decimal, len(o.TaxLines)),
		Meta:          meta,
	}
	if order.Number == "" {
		order.Number = order.ID
	}
	if created, err := time.Parse("2006-01-02T15:04:05", o.DateCreatedGMT); err == nil {
		order.CreatedAt = created.UTC()
	}

	for _, line := range o.TaxLines {
		order.TaxRates[strconv.FormatInt(line.RateID, 10)] = line.RatePercent
	}

	for _, item := range o.LineItems {
		taxes := make([]models.TaxComponent, 0, len(item.Taxes))
		for _, tax := range item.Taxes {
			amount := tax.Subtotal
			if amount.IsZero() {
				amount = tax.Total
			}
			taxes = append(taxes, models.TaxComponent{RateID: strconv.FormatInt(tax.ID, 10), Amount: amount})
		}
		order.Items = append(order.Items, models.OrderItem{
			Name:        item.Name,
			Quantity:    item.Quantity,
			Subtotal:    item.Subtotal,
			SubtotalTax: item.SubtotalTax,
			Taxes:       taxes,
		})
		order.Subtotal = order.Subtotal.Add(item.Subtotal)
	}

	for _, coupon := range o.CouponLines {
		order.Coupons = append(order.Coupons, models.Coupon{
			Code:           coupon.Code,
			Discount:       coupon.Discount,
			DiscountTax:    coupon.DiscountTax,
			IsValueVoucher: isTruthy(firstMeta(metaMap(coupon.MetaData), valueVoucherKeys)),
		})
	}

	// Gift card plugins book redemptions as untaxed negative fees.
	for _, fee := range o.FeeLines {
		if fee.Total.IsNegative() && fee.TotalTax.IsZero() {
			order.RedeemedVouchers = append(order.RedeemedVouchers, models.RedeemedVoucher{
				Name:   fee.Name,
				Amount: fee.Total.Neg(),
			})
		}
	}

	return order
}

func metaMap(entries []wooMeta) map[string]string {
	out := make(map[string]string, len(entries))
	for _, entry := range entries {
		if value := metaString(entry.Value); value != "" {
			out[entry.Key] = value
		}
	}
	return out
}

func metaString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil && b {
		return "yes"
	}
	return ""
}

func firstMeta(meta map[string]string, keys []string) string {
	for _, key := range keys {
		if value := strings.TrimSpace(meta[key]); value != "" {
			return value
		}
	}
	return ""
}

func isTruthy(value string) bool {
	switch strings.ToLower(value) {
	case "yes", "1", "true", "on":
		return true
	}
	return false
}
