package mpesa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"bitbucket.org/storefront/backend/gateway"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const (
	Provider          = "mpesa"
	TimestampLayout   = "20060102150405"
	TransactionType   = "CustomerPayBillOnline"
	ResponseAccepted  = "0"
	pathAccessToken   = "/oauth/v1/generate"
	pathSTKPush       = "/mpesa/stkpush/v1/processrequest"
	pathSTKPushQuery  = "/mpesa/stkpushquery/v1/query"
	SandboxBaseURL    = "https://sandbox.safaricom.co.ke"
	ProductionBaseURL = "https://api.safaricom.co.ke"
)

// EAT is the timezone the provider expects request timestamps in.
var EAT = time.FixedZone("EAT", 3*60*60)

type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	PassKey        string
	CallbackURL    string
	Timeout        time.Duration
}

type MPesa struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	PassKey        string
	CallbackURL    string
	Location       *time.Location

	client *gateway.Client
	now    func() time.Time
}

func New(cfg Config) *MPesa {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = SandboxBaseURL
	}
	return &MPesa{
		BaseURL:        strings.TrimRight(baseURL, "/"),
		ConsumerKey:    cfg.ConsumerKey,
		ConsumerSecret: cfg.ConsumerSecret,
		ShortCode:      cfg.ShortCode,
		PassKey:        cfg.PassKey,
		CallbackURL:    cfg.CallbackURL,
		Location:       EAT,
		client:         gateway.NewClient(Provider, cfg.Timeout, errorMessage),
		now:            time.Now,
	}
}

// WithClock replaces the clock used for request timestamps.
func (m *MPesa) WithClock(now func() time.Time) *MPesa {
	m.now = now
	return m
}

type STKPushRequest struct {
	Amount      decimal.Decimal
	Reference   string
	PhoneNumber string
	Description string
}

type stkPushBody struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type STKPushResponse struct {
	MerchantRequestID   string          `json:"MerchantRequestID"`
	CheckoutRequestID   string          `json:"CheckoutRequestID"`
	ResponseCode        string          `json:"ResponseCode"`
	ResponseDescription string          `json:"ResponseDescription"`
	CustomerMessage     string          `json:"CustomerMessage"`
	ErrorCode           string          `json:"errorCode,omitempty"`
	ErrorMessage        string          `json:"errorMessage,omitempty"`
	Raw                 json.RawMessage `json:"-"`
}

func (r *STKPushResponse) Accepted() bool {
	return r.ResponseCode == ResponseAccepted && r.CheckoutRequestID != ""
}

type stkQueryBody struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type STKQueryResponse struct {
	MerchantRequestID   string          `json:"MerchantRequestID"`
	CheckoutRequestID   string          `json:"CheckoutRequestID"`
	ResponseCode        string          `json:"ResponseCode"`
	ResponseDescription string          `json:"ResponseDescription"`
	ResultCode          json.Number     `json:"ResultCode"`
	ResultDesc          string          `json:"ResultDesc"`
	Raw                 json.RawMessage `json:"-"`
}

type accessTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// Password is base64(shortCode + passKey + timestamp).
func Password(shortCode, passKey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passKey + timestamp))
}

func (m *MPesa) timestamp() string {
	return m.now().In(m.Location).Format(TimestampLayout)
}

func (m *MPesa) AccessToken(ctx context.Context) (string, error) {
	credentials := base64.StdEncoding.EncodeToString([]byte(m.ConsumerKey + ":" + m.ConsumerSecret))
	endpoint := fmt.Sprintf("%s%s?%s", m.BaseURL, pathAccessToken, url.Values{"grant_type": {"client_credentials"}}.Encode())

	var response accessTokenResponse
	body, err := m.client.Get(ctx, endpoint, gateway.Header{"Authorization": "Basic " + credentials}, &response)
	if err != nil {
		return "", errors.Wrap(err, "failed getting access token")
	}
	if response.AccessToken == "" {
		return "", &gateway.Error{Provider: Provider, Message: "empty access token", Body: body}
	}

	return response.AccessToken, nil
}

// InitiateSTKPush asks the provider to prompt the customer's handset. The
// amount is rounded up to whole units since the provider rejects fractions.
func (m *MPesa) InitiateSTKPush(ctx context.Context, request *STKPushRequest) (*STKPushResponse, error) {
	token, err := m.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	ts := m.timestamp()
	requestBody := stkPushBody{
		BusinessShortCode: m.ShortCode,
		Password:          Password(m.ShortCode, m.PassKey, ts),
		Timestamp:         ts,
		TransactionType:   TransactionType,
		Amount:            request.Amount.Ceil().IntPart(),
		PartyA:            request.PhoneNumber,
		PartyB:            m.ShortCode,
		PhoneNumber:       request.PhoneNumber,
		CallBackURL:       m.CallbackURL,
		AccountReference:  request.Reference,
		TransactionDesc:   request.Description,
	}

	var response STKPushResponse
	body, err := m.client.PostJSON(ctx, m.BaseURL+pathSTKPush, bearer(token), &requestBody, &response)
	if err != nil {
		return nil, errors.Wrap(err, "failed initiating stk push")
	}
	response.Raw = body

	return &response, nil
}

func (m *MPesa) QuerySTKPush(ctx context.Context, checkoutRequestID string) (*STKQueryResponse, error) {
	token, err := m.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	ts := m.timestamp()
	requestBody := stkQueryBody{
		BusinessShortCode: m.ShortCode,
		Password:          Password(m.ShortCode, m.PassKey, ts),
		Timestamp:         ts,
		CheckoutRequestID: checkoutRequestID,
	}

	var response STKQueryResponse
	body, err := m.client.PostJSON(ctx, m.BaseURL+pathSTKPushQuery, bearer(token), &requestBody, &response)
	if err != nil {
		return nil, errors.Wrap(err, "failed querying stk push")
	}
	response.Raw = body

	return &response, nil
}

func bearer(token string) gateway.Header {
	return gateway.Header{"Authorization": "Bearer " + token}
}

func errorMessage(body []byte) string {
	var payload struct {
		ErrorCode    string `json:"errorCode"`
		ErrorMessage string `json:"errorMessage"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.ErrorMessage
}
