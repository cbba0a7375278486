package card

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"bitbucket.org/storefront/backend/gateway"
	"github.com/gorilla/schema"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const (
	Provider       = "card"
	DefaultBaseURL = "https://api.stripe.com"
	pathIntents    = "/v1/payment_intents"

	IntentSucceeded = "succeeded"
	IntentCanceled  = "canceled"
)

type Config struct {
	BaseURL   string
	SecretKey string
	Timeout   time.Duration
}

type Card struct {
	BaseURL   string
	SecretKey string

	client  *gateway.Client
	encoder *schema.Encoder
}

func New(cfg Config) *Card {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	encoder := schema.NewEncoder()
	encoder.SetAliasTag("form")
	return &Card{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		SecretKey: cfg.SecretKey,
		client:    gateway.NewClient(Provider, cfg.Timeout, errorMessage),
		encoder:   encoder,
	}
}

type CreateIntentRequest struct {
	Amount        decimal.Decimal
	Currency      string
	Reference     string
	CustomerEmail string
}

type createIntentForm struct {
	Amount                   int64  `form:"amount"`
	Currency                 string `form:"currency"`
	AutomaticPaymentsEnabled bool   `form:"automatic_payment_methods[enabled]"`
	ReceiptEmail             string `form:"receipt_email,omitempty"`
	Reference                string `form:"metadata[reference],omitempty"`
}

type CardDetails struct {
	Brand string `json:"brand"`
	Last4 string `json:"last4"`
}

type PaymentMethodDetails struct {
	Card *CardDetails `json:"card,omitempty"`
}

type Charge struct {
	ID                   string                `json:"id"`
	PaymentMethodDetails *PaymentMethodDetails `json:"payment_method_details,omitempty"`
}

type Charges struct {
	Data []Charge `json:"data"`
}

type PaymentIntent struct {
	ID           string            `json:"id"`
	Object       string            `json:"object"`
	ClientSecret string            `json:"client_secret"`
	Status       string            `json:"status"`
	Amount       int64             `json:"amount"`
	Currency     string            `json:"currency"`
	Charges      Charges           `json:"charges"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Raw          json.RawMessage   `json:"-"`
}

// Card returns the brand and last four digits of the charged card, if any.
func (p *PaymentIntent) Card() *CardDetails {
	for _, charge := range p.Charges.Data {
		if charge.PaymentMethodDetails != nil && charge.PaymentMethodDetails.Card != nil {
			return charge.PaymentMethodDetails.Card
		}
	}
	return nil
}

// CreatePaymentIntent registers an intent for the payment. The reference is
// sent as the idempotency key so a retried create returns the same intent.
func (c *Card) CreatePaymentIntent(ctx context.Context, request *CreateIntentRequest) (*PaymentIntent, error) {
	currency := strings.ToLower(request.Currency)
	amount, err := ToMinorUnits(request.Amount, currency)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	if err := c.encoder.Encode(&createIntentForm{
		Amount:                   amount,
		Currency:                 currency,
		AutomaticPaymentsEnabled: true,
		ReceiptEmail:             request.CustomerEmail,
		Reference:                request.Reference,
	}, form); err != nil {
		return nil, errors.Wrap(err, "failed encoding payment intent")
	}

	headers := c.auth()
	if request.Reference != "" {
		headers["Idempotency-Key"] = request.Reference
	}

	var intent PaymentIntent
	body, err := c.client.PostForm(ctx, c.BaseURL+pathIntents, headers, form, &intent)
	if err != nil {
		return nil, errors.Wrap(err, "failed creating payment intent")
	}
	if intent.ID == "" {
		return nil, &gateway.Error{Provider: Provider, Message: "payment intent without id", Body: body}
	}
	intent.Raw = body

	return &intent, nil
}

func (c *Card) GetPaymentIntent(ctx context.Context, id string) (*PaymentIntent, error) {
	var intent PaymentIntent
	body, err := c.client.Get(ctx, fmt.Sprintf("%s%s/%s", c.BaseURL, pathIntents, url.PathEscape(id)), c.auth(), &intent)
	if err != nil {
		return nil, errors.Wrap(err, "failed retrieving payment intent")
	}
	intent.Raw = body

	return &intent, nil
}

func (c *Card) auth() gateway.Header {
	return gateway.Header{"Authorization": "Bearer " + c.SecretKey}
}

func errorMessage(body []byte) string {
	var payload struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.Error.Message
}
