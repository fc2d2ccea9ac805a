package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tidegate/storefront/internal/domain"
	"github.com/tidegate/storefront/internal/gateways"
	"github.com/tidegate/storefront/internal/platform/httpx"
	"github.com/tidegate/storefront/internal/services"
)

const maxCheckoutBodySize = 32 * 1024

// CheckoutHandlers exposes the checkout session endpoints.
type CheckoutHandlers struct {
	sessions *services.SessionService
	flow     *services.CheckoutFlow
}

// NewCheckoutHandlers constructs the checkout endpoint handlers.
func NewCheckoutHandlers(sessions *services.SessionService, flow *services.CheckoutFlow) *CheckoutHandlers {
	return &CheckoutHandlers{
		sessions: sessions,
		flow:     flow,
	}
}

// Routes wires the checkout endpoints onto the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/sessions", h.createSession)
	r.Route("/sessions/{sessionID}", func(s chi.Router) {
		s.Get("/", h.getSession)
		s.Post("/lines", h.addLine)
		s.Patch("/lines/{lineKey}", h.updateLine)
		s.Delete("/lines/{lineKey}", h.removeLine)
		s.Put("/addresses", h.setAddresses)
		s.Put("/shipping-method", h.setShippingMethod)
		s.Post("/coupon", h.applyCoupon)
		s.Delete("/coupon", h.removeCoupon)
		s.Put("/payment-method", h.setPaymentMethod)
		s.Put("/note", h.setNote)
		s.Put("/tax", h.setTax)
		s.Post("/validate", h.validate)
		s.Post("/submit", h.submit)
		s.Post("/confirm", h.confirm)
		s.Post("/retry", h.retry)
		s.Post("/abandon", h.abandon)
	})
}

type addressPayload struct {
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Company    string `json:"company,omitempty"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
	Email      string `json:"email,omitempty"`
}

type linePayload struct {
	Key          string            `json:"key"`
	ProductID    string            `json:"product_id"`
	SKU          string            `json:"sku,omitempty"`
	Name         string            `json:"name,omitempty"`
	Quantity     int               `json:"quantity"`
	UnitPrice    int64             `json:"unit_price"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	CustomFields map[string]string `json:"custom_fields,omitempty"`
}

type totalsPayload struct {
	Currency string `json:"currency"`
	Subtotal int64  `json:"subtotal"`
	Discount int64  `json:"discount"`
	Tax      int64  `json:"tax"`
	Shipping int64  `json:"shipping"`
	Total    int64  `json:"total"`
}

type sessionPayload struct {
	ID             string          `json:"id"`
	State          string          `json:"state"`
	Currency       string          `json:"currency"`
	Lines          []linePayload   `json:"lines"`
	Billing        *addressPayload `json:"billing,omitempty"`
	Shipping       *addressPayload `json:"shipping,omitempty"`
	ShippingMethod string          `json:"shipping_method,omitempty"`
	CouponCode     string          `json:"coupon_code,omitempty"`
	PaymentMethod  string          `json:"payment_method,omitempty"`
	CustomerNote   string          `json:"customer_note,omitempty"`
	OrderID        string          `json:"order_id,omitempty"`
	OrderNumber    string          `json:"order_number,omitempty"`
	FailedStage    string          `json:"failed_stage,omitempty"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	RetryToken     string          `json:"retry_token,omitempty"`
	Totals         totalsPayload   `json:"totals"`
}

type sessionResponse struct {
	Session sessionPayload `json:"session"`
}

func (h *CheckoutHandlers) createSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Currency string `json:"currency"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
			return
		}
	}

	session, err := h.sessions.CreateSession(ctx, services.CreateSessionCommand{Currency: req.Currency})
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{Session: buildSessionPayload(session)})
}

func (h *CheckoutHandlers) getSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, err := h.sessions.GetSession(ctx, sessionID(r))
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: buildSessionPayload(session)})
}

func (h *CheckoutHandlers) addLine(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req linePayload
	if err := decodeJSON(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	session, err := h.sessions.AddLine(ctx, sessionID(r), services.LineInput{
		ProductID:    req.ProductID,
		SKU:          req.SKU,
		Name:         req.Name,
		Quantity:     req.Quantity,
		UnitPrice:    req.UnitPrice,
		Attributes:   req.Attributes,
		CustomFields: req.CustomFields,
	})
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: buildSessionPayload(session)})
}

func (h *CheckoutHandlers) updateLine(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Quantity int `json:"quantity"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	session, err := h.sessions.UpdateLineQuantity(ctx, sessionID(r), chi.URLParam(r, "lineKey"), req.Quantity)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: buildSessionPayload(session)})
}

func (h *CheckoutHandlers) removeLine(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, err := h.sessions.RemoveLine(ctx, sessionID(r), chi.URLParam(r, "lineKey"))
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: buildSessionPayload(session)})
}

func (h *CheckoutHandlers) setAddresses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Billing  *addressPayload `json:"billing"`
		Shipping *addressPayload `json:"shipping"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	session, err := h.sessions.SetAddresses(ctx, sessionID(r), decodeAddressPayload(req.Billing), decodeAddressPayload(req.Shipping))
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: buildSessionPayload(session)})
}

func (h *CheckoutHandlers) setShippingMethod(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Method string `json:"method"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	session, err := h.sessions.SetShippingMethod(ctx, sessionID(r), domain.ShippingMethod(strings.TrimSpace(req.Method)))
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: buildSessionPayload(session)})
}

func (h *CheckoutHandlers) applyCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Code string `json:"code"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	result, err := h.sessions.ApplyCoupon(ctx, sessionID(r), req.Code)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	if !result.Applied {
		payload := map[string]any{
			"error":   "coupon_rejected",
			"reason":  string(result.Reason),
			"session": buildSessionPayload(result.Session),
		}
		writeJSON(w, http.StatusUnprocessableEntity, payload)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: buildSessionPayload(result.Session)})
}

func (h *CheckoutHandlers) removeCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, err := h.sessions.RemoveCoupon(ctx, sessionID(r))
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: buildSessionPayload(session)})
}

func (h *CheckoutHandlers) setPaymentMethod(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Method string `json:"method"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	session, err := h.sessions.SetPaymentMethod(ctx, sessionID(r), req.Method)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: buildSessionPayload(session)})
}

func (h *CheckoutHandlers) setNote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Note string `json:"note"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	session, err := h.sessions.SetCustomerNote(ctx, sessionID(r), req.Note)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: buildSessionPayload(session)})
}

func (h *CheckoutHandlers) setTax(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Amount int64 `json:"amount"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	session, err := h.sessions.SetTaxAmount(ctx, sessionID(r), req.Amount)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: buildSessionPayload(session)})
}

func (h *CheckoutHandlers) validate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, issues, err := h.sessions.Validate(ctx, sessionID(r))
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	if len(issues) > 0 {
		payload := map[string]any{
			"error":   "validation_failed",
			"issues":  buildIssuesPayload(issues),
			"session": buildSessionPayload(session),
		}
		writeJSON(w, http.StatusUnprocessableEntity, payload)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: buildSessionPayload(session)})
}

func (h *CheckoutHandlers) submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	result, err := h.flow.Submit(ctx, sessionID(r))
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	payload := map[string]any{
		"session":       buildSessionPayload(result.Session),
		"client_secret": result.ClientSecret,
		"intent_id":     result.Intent.ID,
	}
	writeJSON(w, http.StatusOK, payload)
}

func (h *CheckoutHandlers) confirm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	result, err := h.flow.Confirm(ctx, sessionID(r))
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	payload := map[string]any{
		"session": buildSessionPayload(result.Session),
		"order": map[string]any{
			"id":     result.Order.ID,
			"number": result.Order.Number,
		},
		"confirmation_pending": result.ConfirmationPending,
	}
	writeJSON(w, http.StatusOK, payload)
}

func (h *CheckoutHandlers) retry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Token string `json:"token"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
			return
		}
	}

	session, err := h.sessions.Retry(ctx, sessionID(r), req.Token)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: buildSessionPayload(session)})
}

func (h *CheckoutHandlers) abandon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, err := h.sessions.Abandon(ctx, sessionID(r))
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: buildSessionPayload(session)})
}

// writeError maps service errors onto the JSON error envelope.
func (h *CheckoutHandlers) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrSessionNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("session_not_found", "checkout session not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCouponNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_not_found", "coupon not found", http.StatusNotFound))
	case errors.Is(err, services.ErrSessionLocked):
		httpx.WriteError(ctx, w, httpx.NewError("session_locked", "cart is locked after validation", http.StatusConflict))
	case errors.Is(err, services.ErrSessionStateConflict):
		httpx.WriteError(ctx, w, httpx.NewError("state_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrFlowBusy):
		httpx.WriteError(ctx, w, httpx.NewError("request_in_flight", "another request for this session is in flight", http.StatusConflict))
	case errors.Is(err, services.ErrSubmitInFlight):
		httpx.WriteError(ctx, w, httpx.NewError("request_in_flight", "order submission already in flight", http.StatusConflict))
	case errors.Is(err, services.ErrSessionInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrIntentNotConfirmed):
		httpx.WriteError(ctx, w, httpx.NewError("payment_not_confirmed", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrIntentAmountMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("payment_amount_mismatch", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrSessionUnavailable), gateways.IsTransient(err):
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "a downstream dependency is unavailable, retry shortly", http.StatusServiceUnavailable))
	case gateways.IsValidation(err):
		httpx.WriteError(ctx, w, httpx.NewError("order_rejected", err.Error(), http.StatusUnprocessableEntity))
	case gateways.IsGateway(err):
		httpx.WriteError(ctx, w, httpx.NewError("payment_failed", err.Error(), http.StatusPaymentRequired))
	case gateways.IsBackend(err):
		httpx.WriteError(ctx, w, httpx.NewError("backend_error", err.Error(), http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_server_error", "internal server error", http.StatusInternalServerError))
	}
}

func sessionID(r *http.Request) string {
	return chi.URLParam(r, "sessionID")
}

func decodeJSON(r *http.Request, out any) error {
	body := http.MaxBytesReader(nil, r.Body, maxCheckoutBodySize)
	defer body.Close()
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	return nil
}

func buildSessionPayload(session domain.CheckoutSession) sessionPayload {
	payload := sessionPayload{
		ID:            session.ID,
		State:         string(session.State),
		Currency:      session.Currency,
		Lines:         make([]linePayload, 0, len(session.Lines)),
		PaymentMethod: session.PaymentMethod,
		CustomerNote:  session.CustomerNote,
		OrderID:       session.OrderRef,
		OrderNumber:   session.OrderNumber,
		FailedStage:   session.FailedStage,
		FailureReason: session.FailureReason,
		RetryToken:    session.RetryToken,
		Totals: totalsPayload{
			Currency: session.Totals.Currency,
			Subtotal: session.Totals.Subtotal,
			Discount: session.Totals.Discount,
			Tax:      session.Totals.Tax,
			Shipping: session.Totals.Shipping,
			Total:    session.Totals.Total,
		},
	}
	for _, line := range session.Lines {
		payload.Lines = append(payload.Lines, linePayload{
			Key:          line.Key,
			ProductID:    line.ProductID,
			SKU:          line.SKU,
			Name:         line.Name,
			Quantity:     line.Quantity,
			UnitPrice:    line.UnitPrice,
			Attributes:   line.Attributes,
			CustomFields: line.CustomFields,
		})
	}
	payload.Billing = encodeAddressPayload(session.Billing)
	payload.Shipping = encodeAddressPayload(session.Shipping)
	if session.ShippingSelection != nil {
		payload.ShippingMethod = string(session.ShippingSelection.Method)
	}
	if session.Coupon != nil {
		payload.CouponCode = session.Coupon.Code
	}
	return payload
}

func buildIssuesPayload(issues []services.ValidationIssue) []map[string]string {
	out := make([]map[string]string, 0, len(issues))
	for _, issue := range issues {
		out = append(out, map[string]string{
			"field":   issue.Field,
			"message": issue.Message,
		})
	}
	return out
}

func encodeAddressPayload(addr *domain.Address) *addressPayload {
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

func decodeAddressPayload(payload *addressPayload) *domain.Address {
	if payload == nil {
		return nil
	}
	return &domain.Address{
		FirstName:  payload.FirstName,
		LastName:   payload.LastName,
		Company:    payload.Company,
		Line1:      payload.Line1,
		Line2:      payload.Line2,
		City:       payload.City,
		State:      payload.State,
		PostalCode: payload.PostalCode,
		Country:    payload.Country,
		Phone:      payload.Phone,
		Email:      payload.Email,
	}
}
