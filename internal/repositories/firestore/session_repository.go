// Package firestore provides Firestore-backed repositories.
package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/tidegate/storefront/internal/domain"
	pfirestore "github.com/tidegate/storefront/internal/platform/firestore"
)

const sessionCollection = "checkout_sessions"

// sessionDocument is the persisted shape of a checkout session. Derived
// totals are deliberately absent; they are recomputed on every load.
type sessionDocument struct {
	State             string                    `firestore:"state"`
	Currency          string                    `firestore:"currency"`
	Lines             []sessionLineDocument     `firestore:"lines,omitempty"`
	Billing           *addressDocument          `firestore:"billing,omitempty"`
	Shipping          *addressDocument          `firestore:"shipping,omitempty"`
	ShippingSelection *shippingSelectionDoc     `firestore:"shippingSelection,omitempty"`
	Coupon            *couponDocument           `firestore:"coupon,omitempty"`
	PaymentMethod     string                    `firestore:"paymentMethod,omitempty"`
	CustomerNote      string                    `firestore:"customerNote,omitempty"`
	TaxAmount         int64                     `firestore:"taxAmount"`
	CustomerRef       string                    `firestore:"customerRef,omitempty"`
	PaymentIntentRef  string                    `firestore:"paymentIntentRef,omitempty"`
	OrderRef          string                    `firestore:"orderRef,omitempty"`
	OrderNumber       string                    `firestore:"orderNumber,omitempty"`
	FailedStage       string                    `firestore:"failedStage,omitempty"`
	FailureReason     string                    `firestore:"failureReason,omitempty"`
	RetryToken        string                    `firestore:"retryToken,omitempty"`
	OrderValidated    bool                      `firestore:"orderValidated"`
	EmailSaved        bool                      `firestore:"emailSaved"`
	CreatedAt         time.Time                 `firestore:"createdAt"`
	UpdatedAt         time.Time                 `firestore:"updatedAt"`
}

type sessionLineDocument struct {
	Key          string            `firestore:"key"`
	ProductID    string            `firestore:"productId"`
	SKU          string            `firestore:"sku,omitempty"`
	Name         string            `firestore:"name,omitempty"`
	Quantity     int               `firestore:"quantity"`
	UnitPrice    int64             `firestore:"unitPrice"`
	Attributes   map[string]string `firestore:"attributes,omitempty"`
	CustomFields map[string]string `firestore:"customFields,omitempty"`
}

type addressDocument struct {
	FirstName  string `firestore:"firstName,omitempty"`
	LastName   string `firestore:"lastName,omitempty"`
	Company    string `firestore:"company,omitempty"`
	Line1      string `firestore:"line1,omitempty"`
	Line2      string `firestore:"line2,omitempty"`
	City       string `firestore:"city,omitempty"`
	State      string `firestore:"state,omitempty"`
	PostalCode string `firestore:"postalCode,omitempty"`
	Country    string `firestore:"country,omitempty"`
	Phone      string `firestore:"phone,omitempty"`
	Email      string `firestore:"email,omitempty"`
}

type shippingSelectionDoc struct {
	Method string `firestore:"method"`
	Cost   int64  `firestore:"cost"`
}

type couponDocument struct {
	Code         string     `firestore:"code"`
	Type         string     `firestore:"type"`
	Amount       int64      `firestore:"amount"`
	MinimumSpend int64      `firestore:"minimumSpend"`
	ExpiresAt    *time.Time `firestore:"expiresAt,omitempty"`
	UsageLimit   int        `firestore:"usageLimit"`
	UsageCount   int        `firestore:"usageCount"`
}

// SessionRepository stores checkout sessions in Firestore. Concurrent writers
// are serialised with an update-time precondition carried on the session as
// its revision.
type SessionRepository struct {
	provider *pfirestore.Provider
}

// NewSessionRepository constructs a Firestore-backed session repository.
func NewSessionRepository(provider *pfirestore.Provider) (*SessionRepository, error) {
	if provider == nil {
		return nil, errors.New("firestore: provider is required")
	}
	return &SessionRepository{provider: provider}, nil
}

func (r *SessionRepository) doc(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(sessionCollection).Doc(id), nil
}

// Create stores a new session. The id must be fresh.
func (r *SessionRepository) Create(ctx context.Context, session domain.CheckoutSession) (domain.CheckoutSession, error) {
	doc, err := r.doc(ctx, session.ID)
	if err != nil {
		return domain.CheckoutSession{}, err
	}
	result, err := doc.Create(ctx, encodeSession(session))
	if err != nil {
		return domain.CheckoutSession{}, pfirestore.WrapError("checkout_sessions.create", err)
	}
	session.Revision = result.UpdateTime
	return session, nil
}

// Get loads the session by id. The returned revision reflects the stored
// document's update time.
func (r *SessionRepository) Get(ctx context.Context, id string) (domain.CheckoutSession, error) {
	doc, err := r.doc(ctx, id)
	if err != nil {
		return domain.CheckoutSession{}, err
	}
	snap, err := doc.Get(ctx)
	if err != nil {
		return domain.CheckoutSession{}, pfirestore.WrapError("checkout_sessions.get", err)
	}
	var stored sessionDocument
	if err := snap.DataTo(&stored); err != nil {
		return domain.CheckoutSession{}, pfirestore.WrapError("checkout_sessions.get", err)
	}
	return decodeSession(id, stored, snap.UpdateTime), nil
}

// Save overwrites the session. When the session carries a revision the write
// is guarded by an update-time precondition; a lost race surfaces as a
// conflict so the caller can reload and retry.
func (r *SessionRepository) Save(ctx context.Context, session domain.CheckoutSession) (domain.CheckoutSession, error) {
	doc, err := r.doc(ctx, session.ID)
	if err != nil {
		return domain.CheckoutSession{}, err
	}

	opts := []firestore.Precondition{firestore.Exists}
	if !session.Revision.IsZero() {
		opts = []firestore.Precondition{firestore.LastUpdateTime(session.Revision)}
	}
	result, err := doc.Update(ctx, sessionUpdates(session), opts...)
	if err != nil {
		return domain.CheckoutSession{}, pfirestore.WrapError("checkout_sessions.save", err)
	}
	session.Revision = result.UpdateTime
	return session, nil
}

// sessionUpdates rewrites every mutable field. Field-level updates keep the
// document free of stale optional values by deleting cleared ones.
func sessionUpdates(session domain.CheckoutSession) []firestore.Update {
	encoded := encodeSession(session)
	updates := []firestore.Update{
		{Path: "state", Value: encoded.State},
		{Path: "currency", Value: encoded.Currency},
		{Path: "lines", Value: encoded.Lines},
		{Path: "paymentMethod", Value: encoded.PaymentMethod},
		{Path: "customerNote", Value: encoded.CustomerNote},
		{Path: "taxAmount", Value: encoded.TaxAmount},
		{Path: "customerRef", Value: encoded.CustomerRef},
		{Path: "paymentIntentRef", Value: encoded.PaymentIntentRef},
		{Path: "orderRef", Value: encoded.OrderRef},
		{Path: "orderNumber", Value: encoded.OrderNumber},
		{Path: "failedStage", Value: encoded.FailedStage},
		{Path: "failureReason", Value: encoded.FailureReason},
		{Path: "retryToken", Value: encoded.RetryToken},
		{Path: "orderValidated", Value: encoded.OrderValidated},
		{Path: "emailSaved", Value: encoded.EmailSaved},
		{Path: "updatedAt", Value: encoded.UpdatedAt},
	}
	updates = append(updates, optionalUpdate("billing", encoded.Billing != nil, encoded.Billing))
	updates = append(updates, optionalUpdate("shipping", encoded.Shipping != nil, encoded.Shipping))
	updates = append(updates, optionalUpdate("shippingSelection", encoded.ShippingSelection != nil, encoded.ShippingSelection))
	updates = append(updates, optionalUpdate("coupon", encoded.Coupon != nil, encoded.Coupon))
	return updates
}

func optionalUpdate(path string, present bool, value any) firestore.Update {
	if !present {
		return firestore.Update{Path: path, Value: firestore.Delete}
	}
	return firestore.Update{Path: path, Value: value}
}

func encodeSession(session domain.CheckoutSession) sessionDocument {
	doc := sessionDocument{
		State:            string(session.State),
		Currency:         session.Currency,
		PaymentMethod:    session.PaymentMethod,
		CustomerNote:     session.CustomerNote,
		TaxAmount:        session.TaxAmount,
		CustomerRef:      session.CustomerRef,
		PaymentIntentRef: session.PaymentIntentRef,
		OrderRef:         session.OrderRef,
		OrderNumber:      session.OrderNumber,
		FailedStage:      session.FailedStage,
		FailureReason:    session.FailureReason,
		RetryToken:       session.RetryToken,
		OrderValidated:   session.OrderValidated,
		EmailSaved:       session.EmailSaved,
		CreatedAt:        session.CreatedAt,
		UpdatedAt:        session.UpdatedAt,
	}
	for _, line := range session.Lines {
		doc.Lines = append(doc.Lines, sessionLineDocument{
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
	doc.Billing = encodeAddress(session.Billing)
	doc.Shipping = encodeAddress(session.Shipping)
	if session.ShippingSelection != nil {
		doc.ShippingSelection = &shippingSelectionDoc{
			Method: string(session.ShippingSelection.Method),
			Cost:   session.ShippingSelection.Cost,
		}
	}
	if session.Coupon != nil {
		doc.Coupon = &couponDocument{
			Code:         session.Coupon.Code,
			Type:         string(session.Coupon.Type),
			Amount:       session.Coupon.Amount,
			MinimumSpend: session.Coupon.MinimumSpend,
			ExpiresAt:    session.Coupon.ExpiresAt,
			UsageLimit:   session.Coupon.UsageLimit,
			UsageCount:   session.Coupon.UsageCount,
		}
	}
	return doc
}

func decodeSession(id string, doc sessionDocument, updateTime time.Time) domain.CheckoutSession {
	session := domain.CheckoutSession{
		ID:               id,
		State:            domain.SessionState(doc.State),
		Currency:         doc.Currency,
		PaymentMethod:    doc.PaymentMethod,
		CustomerNote:     doc.CustomerNote,
		TaxAmount:        doc.TaxAmount,
		CustomerRef:      doc.CustomerRef,
		PaymentIntentRef: doc.PaymentIntentRef,
		OrderRef:         doc.OrderRef,
		OrderNumber:      doc.OrderNumber,
		FailedStage:      doc.FailedStage,
		FailureReason:    doc.FailureReason,
		RetryToken:       doc.RetryToken,
		OrderValidated:   doc.OrderValidated,
		EmailSaved:       doc.EmailSaved,
		Revision:         updateTime,
		CreatedAt:        doc.CreatedAt,
		UpdatedAt:        doc.UpdatedAt,
	}
	for _, line := range doc.Lines {
		session.Lines = append(session.Lines, domain.CartLine{
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
	session.Billing = decodeAddress(doc.Billing)
	session.Shipping = decodeAddress(doc.Shipping)
	if doc.ShippingSelection != nil {
		session.ShippingSelection = &domain.ShippingSelection{
			Method: domain.ShippingMethod(doc.ShippingSelection.Method),
			Cost:   doc.ShippingSelection.Cost,
		}
	}
	if doc.Coupon != nil {
		session.Coupon = &domain.Coupon{
			Code:         doc.Coupon.Code,
			Type:         domain.DiscountType(doc.Coupon.Type),
			Amount:       doc.Coupon.Amount,
			MinimumSpend: doc.Coupon.MinimumSpend,
			ExpiresAt:    doc.Coupon.ExpiresAt,
			UsageLimit:   doc.Coupon.UsageLimit,
			UsageCount:   doc.Coupon.UsageCount,
		}
	}
	return session
}

func encodeAddress(addr *domain.Address) *addressDocument {
	if addr == nil {
		return nil
	}
	return &addressDocument{
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

func decodeAddress(doc *addressDocument) *domain.Address {
	if doc == nil {
		return nil
	}
	return &domain.Address{
		FirstName:  doc.FirstName,
		LastName:   doc.LastName,
		Company:    doc.Company,
		Line1:      doc.Line1,
		Line2:      doc.Line2,
		City:       doc.City,
		State:      doc.State,
		PostalCode: doc.PostalCode,
		Country:    doc.Country,
		Phone:      doc.Phone,
		Email:      doc.Email,
	}
}
