// Package payments drives push and card payments from creation to a terminal
// state, reconciling provider callbacks into Payment and Order records.
package payments

import (
	"context"
	"strings"
	"time"

	"bitbucket.org/storefront/backend/card"
	"bitbucket.org/storefront/backend/db"
	"bitbucket.org/storefront/backend/models"
	"bitbucket.org/storefront/backend/mpesa"
	"bitbucket.org/storefront/backend/phone"
	"bitbucket.org/storefront/backend/reference"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

type MobileMoneyGateway interface {
	InitiateSTKPush(ctx context.Context, request *mpesa.STKPushRequest) (*mpesa.STKPushResponse, error)
	QuerySTKPush(ctx context.Context, checkoutRequestID string) (*mpesa.STKQueryResponse, error)
}

type CardGateway interface {
	CreatePaymentIntent(ctx context.Context, request *card.CreateIntentRequest) (*card.PaymentIntent, error)
	GetPaymentIntent(ctx context.Context, id string) (*card.PaymentIntent, error)
}

type ReferenceGenerator interface {
	Generate() (string, error)
}

type PhoneNormalizer interface {
	Normalize(raw string) (string, error)
}

// Notifier is told about payments that reached completed for the first time.
type Notifier interface {
	PaymentCompleted(ctx context.Context, payment *models.Payment) error
}

type Config struct {
	// Currency is recorded on mobile money payments.
	Currency string
	// CardCurrency is charged when a card payment does not name one.
	CardCurrency string
	// CardCurrencies lists the currencies accepted for card payments.
	CardCurrencies []string
	// OrderPaidStatus is the order status set once its payment completes.
	OrderPaidStatus string
	// InProgressWindow blocks new attempts while a push is awaiting the customer.
	InProgressWindow time.Duration
	// MinimumAmount is the smallest standalone payment accepted.
	MinimumAmount decimal.Decimal
	// MaxReplayAttempts dead-letters a journaled delivery after this many
	// failed replays. Zero keeps retrying.
	MaxReplayAttempts int
}

func DefaultConfig() Config {
	return Config{
		Currency:          "KES",
		CardCurrency:      "USD",
		CardCurrencies:    []string{"USD", "KES", "EUR", "GBP"},
		OrderPaidStatus:   models.OrderStatusProcessing,
		InProgressWindow:  2 * time.Minute,
		MinimumAmount:     decimal.NewFromInt(1),
		MaxReplayAttempts: 5,
	}
}

type Deps struct {
	Store       db.Storage
	MobileMoney MobileMoneyGateway
	Card        CardGateway
	References  ReferenceGenerator
	Phones      PhoneNormalizer
	Notifier    Notifier
	Now         func() time.Time
	Logger      *log.Entry
}

type Orchestrator struct {
	store       db.Storage
	mobileMoney MobileMoneyGateway
	card        CardGateway
	references  ReferenceGenerator
	phones      PhoneNormalizer
	notifier    Notifier
	now         func() time.Time
	log         *log.Entry
	config      Config
}

func New(deps Deps, config Config) *Orchestrator {
	o := &Orchestrator{
		store:       deps.Store,
		mobileMoney: deps.MobileMoney,
		card:        deps.Card,
		references:  deps.References,
		phones:      deps.Phones,
		notifier:    deps.Notifier,
		now:         deps.Now,
		log:         deps.Logger,
		config:      config,
	}

	if o.now == nil {
		o.now = time.Now
	}
	if o.references == nil {
		g := reference.NewGenerator(reference.DefaultPrefix, nil)
		g.Now = o.now
		o.references = g
	}
	if o.phones == nil {
		o.phones = phone.NewNormalizer("", 0)
	}
	if o.log == nil {
		o.log = log.NewEntry(log.StandardLogger())
	}
	o.log = o.log.WithField("component", "payments")

	defaults := DefaultConfig()
	if o.config.Currency == "" {
		o.config.Currency = defaults.Currency
	}
	if o.config.CardCurrency == "" {
		o.config.CardCurrency = defaults.CardCurrency
	}
	if len(o.config.CardCurrencies) == 0 {
		o.config.CardCurrencies = defaults.CardCurrencies
	}
	if o.config.OrderPaidStatus == "" {
		o.config.OrderPaidStatus = defaults.OrderPaidStatus
	}
	o.config.Currency = strings.ToUpper(o.config.Currency)
	o.config.CardCurrency = strings.ToUpper(o.config.CardCurrency)

	return o
}

// Result is the outcome of a payment creation or refresh. Failures are
// reported through Success and Err rather than returned as errors.
type Result struct {
	Success           bool                 `json:"success"`
	PaymentID         string               `json:"payment_id,omitempty"`
	Reference         string               `json:"reference,omitempty"`
	Status            models.PaymentStatus `json:"status,omitempty"`
	CheckoutRequestID string               `json:"checkout_request_id,omitempty"`
	ClientSecret      string               `json:"client_secret,omitempty"`
	PaymentIntentID   string               `json:"payment_intent_id,omitempty"`
	Message           string               `json:"message,omitempty"`
	Err               error                `json:"-"`
}

// Kind classifies a failed result.
func (r *Result) Kind() Kind {
	return KindOf(r.Err)
}

func failure(err error) *Result {
	return &Result{Success: false, Message: messageOf(err), Err: err}
}

func messageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}

func (o *Orchestrator) isCardCurrency(currency string) bool {
	for _, c := range o.config.CardCurrencies {
		if strings.EqualFold(c, currency) {
			return true
		}
	}
	return false
}

func paymentResult(payment *models.Payment) *Result {
	return &Result{
		Success:           true,
		PaymentID:         payment.ID.String(),
		Reference:         payment.ReferenceNumber,
		Status:            payment.Status,
		CheckoutRequestID: payment.MpesaCheckoutRequestID,
		PaymentIntentID:   payment.StripePaymentIntentID,
	}
}

func orderID(order *models.Order) uuid.NullUUID {
	if order == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: order.ID, Valid: true}
}
