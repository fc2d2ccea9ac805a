// Package commerce talks to the storefront's commerce backend over its REST
// API. The client implements the coupon, customer, and order surfaces the
// checkout services depend on, translating HTTP failures into the shared
// gateway error taxonomy.
package commerce

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tidegate/storefront/internal/domain"
	"github.com/tidegate/storefront/internal/gateways"
)

// Config captures the backend connection settings.
type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	Timeout        time.Duration
}

// Client is the commerce backend REST client.
type Client struct {
	baseURL        string
	consumerKey    string
	consumerSecret string
	httpClient     *http.Client
	logger         *zap.Logger
}

// NewClient constructs a backend client. A nil logger falls back to a no-op.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("commerce: base url is required")
	}
	if strings.TrimSpace(cfg.ConsumerKey) == "" || strings.TrimSpace(cfg.ConsumerSecret) == "" {
		return nil, errors.New("commerce: consumer credentials are required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:        baseURL,
		consumerKey:    strings.TrimSpace(cfg.ConsumerKey),
		consumerSecret: strings.TrimSpace(cfg.ConsumerSecret),
		httpClient:     &http.Client{Timeout: timeout},
		logger:         logger,
	}, nil
}

type apiError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

type couponPayload struct {
	ID           string `json:"id"`
	Code         string `json:"code"`
	DiscountType string `json:"discount_type"`
	Amount       int64  `json:"amount"`
	MinimumSpend int64  `json:"minimum_spend"`
	ExpiresAt    string `json:"expires_at,omitempty"`
	UsageLimit   int    `json:"usage_limit"`
	UsageCount   int    `json:"usage_count"`
}

type customerPayload struct {
	ID        string          `json:"id,omitempty"`
	Email     string          `json:"email"`
	FirstName string          `json:"first_name,omitempty"`
	LastName  string          `json:"last_name,omitempty"`
	Billing   *addressPayload `json:"billing,omitempty"`
	Shipping  *addressPayload `json:"shipping,omitempty"`
}

type addressPayload struct {
	FirstName  string `json:"first_name,omitempty"`
	LastName   string `json:"last_name,omitempty"`
	Company    string `json:"company,omitempty"`
	Line1      string `json:"address_1,omitempty"`
	Line2      string `json:"address_2,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postcode,omitempty"`
	Country    string `json:"country,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Email      string `json:"email,omitempty"`
}

type orderLinePayload struct {
	ProductID string            `json:"product_id"`
	SKU       string            `json:"sku,omitempty"`
	Name      string            `json:"name"`
	Quantity  int               `json:"quantity"`
	UnitPrice int64             `json:"unit_price"`
	Subtotal  int64             `json:"subtotal"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type orderPayload struct {
	SessionID     string             `json:"session_id"`
	CustomerID    string             `json:"customer_id,omitempty"`
	Currency      string             `json:"currency"`
	Billing       addressPayload     `json:"billing"`
	Shipping      addressPayload     `json:"shipping"`
	Lines         []orderLinePayload `json:"line_items"`
	ShippingName  string             `json:"shipping_method,omitempty"`
	ShippingCost  int64              `json:"shipping_total"`
	CouponCode    string             `json:"coupon_code,omitempty"`
	CouponAmount  int64              `json:"discount_total,omitempty"`
	CustomerNote  string             `json:"customer_note,omitempty"`
	PaymentRef    string             `json:"transaction_id,omitempty"`
	PaymentMethod string             `json:"payment_method,omitempty"`
	Total         int64              `json:"total"`
}

type orderResponse struct {
	ID     string `json:"id"`
	Number string `json:"number"`
	Status string `json:"status"`
	Total  int64  `json:"total"`
}

// CouponByCode fetches the coupon matching the code. Codes are unique on the
// backend; an empty result maps to a not-found error.
func (c *Client) CouponByCode(ctx context.Context, code string) (domain.Coupon, error) {
	const op = "commerce.coupons.get"
	query := url.Values{"code": {code}}
	var coupons []couponPayload
	if err := c.do(ctx, op, http.MethodGet, "/coupons", query, nil, &coupons); err != nil {
		return domain.Coupon{}, err
	}
	if len(coupons) == 0 {
		return domain.Coupon{}, &gateways.NotFoundError{Op: op, Err: fmt.Errorf("coupon %q", code)}
	}
	return decodeCoupon(coupons[0])
}

// FindCustomerByEmail looks up a customer record by email.
func (c *Client) FindCustomerByEmail(ctx context.Context, email string) (domain.CustomerRef, error) {
	const op = "commerce.customers.find"
	query := url.Values{"email": {email}}
	var customers []customerPayload
	if err := c.do(ctx, op, http.MethodGet, "/customers", query, nil, &customers); err != nil {
		return domain.CustomerRef{}, err
	}
	if len(customers) == 0 {
		return domain.CustomerRef{}, &gateways.NotFoundError{Op: op, Err: fmt.Errorf("customer %q", email)}
	}
	return domain.CustomerRef{ID: customers[0].ID, Email: customers[0].Email}, nil
}

// CreateCustomer registers a guest customer on the backend.
func (c *Client) CreateCustomer(ctx context.Context, profile domain.CustomerProfile) (domain.CustomerRef, error) {
	const op = "commerce.customers.create"
	payload := customerPayload{
		Email:     profile.Email,
		FirstName: profile.FirstName,
		LastName:  profile.LastName,
		Billing:   encodeAddress(profile.Billing),
		Shipping:  encodeAddress(profile.Shipping),
	}
	var created customerPayload
	if err := c.do(ctx, op, http.MethodPost, "/customers", nil, payload, &created); err != nil {
		return domain.CustomerRef{}, err
	}
	c.logger.Info("commerce customer created", zap.String("customerId", created.ID))
	return domain.CustomerRef{ID: created.ID, Email: created.Email}, nil
}

// SubmitOrder records the order on the backend.
func (c *Client) SubmitOrder(ctx context.Context, draft domain.OrderDraft) (domain.OrderRef, error) {
	const op = "commerce.orders.create"
	payload := orderPayload{
		SessionID:     draft.SessionID,
		CustomerID:    draft.CustomerID,
		Currency:      draft.Currency,
		Billing:       *encodeAddress(&draft.Billing),
		Shipping:      *encodeAddress(&draft.Shipping),
		ShippingName:  draft.ShippingName,
		ShippingCost:  draft.ShippingCost,
		CouponCode:    draft.CouponCode,
		CouponAmount:  draft.CouponAmount,
		CustomerNote:  draft.CustomerNote,
		PaymentRef:    draft.PaymentRef,
		PaymentMethod: draft.PaymentMethod,
		Total:         draft.Total,
	}
	for _, line := range draft.Lines {
		payload.Lines = append(payload.Lines, orderLinePayload{
			ProductID: line.ProductID,
			SKU:       line.SKU,
			Name:      line.Name,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
			Subtotal:  line.Subtotal,
			Metadata:  line.Metadata,
		})
	}
	var created orderResponse
	if err := c.do(ctx, op, http.MethodPost, "/orders", nil, payload, &created); err != nil {
		return domain.OrderRef{}, err
	}
	c.logger.Info("commerce order created",
		zap.String("orderId", created.ID),
		zap.String("number", created.Number),
	)
	return domain.OrderRef{ID: created.ID, Number: created.Number, Status: created.Status, Total: created.Total}, nil
}

// UpdateOrderStatus moves an existing order to the given status.
func (c *Client) UpdateOrderStatus(ctx context.Context, orderID, status string) (domain.OrderRef, error) {
	const op = "commerce.orders.update_status"
	payload := map[string]string{"status": status}
	var updated orderResponse
	path := "/orders/" + url.PathEscape(orderID)
	if err := c.do(ctx, op, http.MethodPut, path, nil, payload, &updated); err != nil {
		return domain.OrderRef{}, err
	}
	return domain.OrderRef{ID: updated.ID, Number: updated.Number, Status: updated.Status, Total: updated.Total}, nil
}

// do performs one backend round trip: encode, authenticate, classify the
// response status, decode into out when provided.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.SetBasicAuth(c.consumerKey, c.consumerSecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &gateways.TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &gateways.TransientError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode >= 400 {
		return c.classify(op, resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &gateways.BackendError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *Client) classify(op string, statusCode int, body []byte) error {
	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)
	message := apiErr.Message
	if message == "" {
		message = strings.TrimSpace(string(body))
	}
	if message == "" {
		message = http.StatusText(statusCode)
	}

	c.logger.Warn("commerce backend error",
		zap.String("op", op),
		zap.Int("status", statusCode),
		zap.String("code", apiErr.Code),
	)

	switch {
	case statusCode == http.StatusNotFound:
		return &gateways.NotFoundError{Op: op, Err: errors.New(message)}
	case statusCode == http.StatusConflict || apiErr.Code == "registration-error-email-exists":
		return &gateways.ConflictError{Op: op, Err: errors.New(message)}
	case statusCode == http.StatusBadRequest || statusCode == http.StatusUnprocessableEntity:
		return &gateways.ValidationError{Op: op, Message: message, Fields: apiErr.Fields}
	case statusCode == http.StatusTooManyRequests,
		statusCode == http.StatusBadGateway,
		statusCode == http.StatusServiceUnavailable,
		statusCode == http.StatusGatewayTimeout:
		return &gateways.TransientError{Op: op, Err: fmt.Errorf("status %d: %s", statusCode, message)}
	default:
		return &gateways.BackendError{Op: op, StatusCode: statusCode, Err: errors.New(message)}
	}
}

func decodeCoupon(payload couponPayload) (domain.Coupon, error) {
	coupon := domain.Coupon{
		Code:         payload.Code,
		Type:         domain.DiscountType(payload.DiscountType),
		Amount:       payload.Amount,
		MinimumSpend: payload.MinimumSpend,
		UsageLimit:   payload.UsageLimit,
		UsageCount:   payload.UsageCount,
	}
	if payload.ExpiresAt != "" {
		expires, err := time.Parse(time.RFC3339, payload.ExpiresAt)
		if err != nil {
			return domain.Coupon{}, fmt.Errorf("commerce: parse coupon expiry: %w", err)
		}
		expires = expires.UTC()
		coupon.ExpiresAt = &expires
	}
	return coupon, nil
}

func encodeAddress(addr *domain.Address) *addressPayload {
	if addr == nil {
		return nil
	}
	return &addressPayload{
		FirstName:  addr.FirstName,
		LastName:   addr.LastName,
		Company:    addr.Company,
		Line1:      addr.Line1,
		Line2:      addr.Line2,
		City:       addr.City,
		State:      addr.State,
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
		Phone:      addr.Phone,
		Email:      addr.Email,
	}
}
