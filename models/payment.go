package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
	"github.com/thedevsaddam/govalidator"
)

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
	PaymentCancelled  PaymentStatus = "cancelled"
)

// paymentTransitions lists the statuses each status may move to. Re-applying
// the current status is always allowed so redelivered callbacks are no-ops.
var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:    {PaymentProcessing, PaymentCompleted, PaymentFailed, PaymentCancelled},
	PaymentProcessing: {PaymentCompleted, PaymentFailed, PaymentCancelled},
	// a provider may report success after an earlier decline on the same handle
	PaymentFailed:    {PaymentCompleted},
	PaymentCompleted: {},
	PaymentCancelled: {},
}

func (s PaymentStatus) IsValid() bool {
	_, ok := paymentTransitions[s]
	return ok
}

func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentCompleted || s == PaymentFailed || s == PaymentCancelled
}

func (s PaymentStatus) CanTransition(to PaymentStatus) bool {
	if s == to {
		return s.IsValid()
	}
	for _, next := range paymentTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

type PaymentMethod string

const (
	PaymentMethodMobileMoney PaymentMethod = "mpesa"
	PaymentMethodCard        PaymentMethod = "visa"
)

var paymentMethodAliases = map[string]PaymentMethod{
	"mpesa":        PaymentMethodMobileMoney,
	"mobile_money": PaymentMethodMobileMoney,
	"visa":         PaymentMethodCard,
	"card":         PaymentMethodCard,
}

// ParsePaymentMethod accepts both the stored names and their generic aliases.
func ParsePaymentMethod(method string) (PaymentMethod, bool) {
	m, ok := paymentMethodAliases[strings.ToLower(strings.TrimSpace(method))]
	return m, ok
}

type Payment struct {
	ID                     uuid.UUID       `json:"id" db:"id"`
	UserID                 uuid.UUID       `json:"user_id" db:"user_id"`
	OrderID                uuid.NullUUID   `json:"order_id" db:"order_id"`
	Amount                 decimal.Decimal `json:"amount" db:"amount"`
	Currency               string          `json:"currency" db:"currency"`
	PaymentMethod          PaymentMethod   `json:"payment_method" db:"payment_method"`
	Status                 PaymentStatus   `json:"status" db:"status"`
	Description            string          `json:"description" db:"description"`
	ReferenceNumber        string          `json:"reference_number" db:"reference_number"`
	MpesaPhoneNumber       string          `json:"-" db:"mpesa_phone_number"`
	MpesaCheckoutRequestID string          `json:"-" db:"mpesa_checkout_request_id"`
	MpesaTransactionID     string          `json:"mpesa_transaction_id,omitempty" db:"mpesa_transaction_id"`
	StripePaymentIntentID  string          `json:"-" db:"stripe_payment_intent_id"`
	CardLastFour           string          `json:"card_last_four,omitempty" db:"card_last_four"`
	CardBrand              string          `json:"card_brand,omitempty" db:"card_brand"`
	CallbackData           types.JSONText  `json:"-" db:"callback_data"`
	CreatedAt              time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at" db:"updated_at"`
	CompletedAt            *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// ProviderHandle returns the correlation id issued by the payment's provider.
func (p *Payment) ProviderHandle() string {
	if p.PaymentMethod == PaymentMethodCard {
		return p.StripePaymentIntentID
	}
	return p.MpesaCheckoutRequestID
}

type PaymentWebhookType string

const (
	WebhookMobileMoney PaymentWebhookType = "mpesa"
	WebhookCard        PaymentWebhookType = "stripe"
)

type PaymentWebhook struct {
	ID          uuid.UUID          `json:"id" db:"id"`
	WebhookType PaymentWebhookType `json:"webhook_type" db:"webhook_type"`
	PaymentID   uuid.NullUUID      `json:"payment_id" db:"payment_id"`
	RawData     types.JSONText     `json:"raw_data" db:"raw_data"`
	Processed   bool               `json:"processed" db:"processed"`
	CreatedAt   time.Time          `json:"created_at" db:"created_at"`
}

type InsertOrderPaymentOpts struct {
	PaymentMethod string `json:"payment_method"`
	PhoneNumber   string `json:"phone_number"`
}

var InsertOrderPaymentRules = govalidator.MapData{
	"payment_method": []string{"required", "payment_method"},
	"phone_number":   []string{"max:20"},
}

type InsertMobileMoneyPaymentOpts struct {
	Amount      json.Number `json:"amount"`
	PhoneNumber string      `json:"phone_number"`
	Description string      `json:"description"`
}

var InsertMobileMoneyPaymentRules = govalidator.MapData{
	"amount":       []string{"required", "decimal_amount"},
	"phone_number": []string{"required", "max:20"},
	"description":  []string{"max:255"},
}

type InsertCardPaymentOpts struct {
	Amount        json.Number `json:"amount"`
	Currency      string      `json:"currency"`
	CustomerEmail string      `json:"customer_email"`
}

var InsertCardPaymentRules = govalidator.MapData{
	"amount":         []string{"required", "decimal_amount"},
	"currency":       []string{"currency"},
	"customer_email": []string{"email"},
}

type GetPaymentsOpts struct {
	UserID        uuid.UUID `schema:"-"`
	Statuses      []string  `schema:"status"`
	PaymentMethod string    `schema:"payment_method"`
	LimitFrom     int       `schema:"limit_from"`
	LimitTo       int       `schema:"limit_to"`
}

var GetPaymentsRules = govalidator.MapData{
	"payment_method": []string{"payment_method"},
	"status":         []string{"payment_status"},
	"limit_from":     []string{"numeric"},
	"limit_to":       []string{"numeric"},
}

type PaymentsStruct struct {
	Payments []Payment `json:"payments"`
	Total    int       `json:"total"`
}
