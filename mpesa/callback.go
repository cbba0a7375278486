package mpesa

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

const (
	ItemAmount        = "Amount"
	ItemReceiptNumber = "MpesaReceiptNumber"
	ItemPhoneNumber   = "PhoneNumber"

	// errorStillProcessing is returned by the query endpoint while the
	// customer has not answered the prompt yet.
	errorStillProcessing = "500.001.1001"
)

var (
	ErrMalformedCallback = errors.New("malformed stk callback")
	ErrMissingCheckoutID = errors.New("stk callback without CheckoutRequestID")
	ErrMissingResultCode = errors.New("stk callback without ResultCode")
	ErrMissingEnvelope   = errors.New("stk callback without Body.stkCallback")
)

type CallbackItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value,omitempty"`
}

type CallbackMetadata struct {
	Item []CallbackItem `json:"Item"`
}

type STKCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	ResultCode        *json.Number      `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *CallbackMetadata `json:"CallbackMetadata,omitempty"`
}

type callbackEnvelope struct {
	Body *struct {
		STKCallback *STKCallback `json:"stkCallback"`
	} `json:"Body"`
}

// ParseCallback decodes the result notification posted to CallBackURL.
// Missing envelope parts are errors; nothing is defaulted.
func ParseCallback(raw []byte) (*STKCallback, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var envelope callbackEnvelope
	if err := decoder.Decode(&envelope); err != nil {
		return nil, errors.Wrap(ErrMalformedCallback, err.Error())
	}
	if envelope.Body == nil || envelope.Body.STKCallback == nil {
		return nil, ErrMissingEnvelope
	}

	callback := envelope.Body.STKCallback
	callback.CheckoutRequestID = strings.TrimSpace(callback.CheckoutRequestID)
	if callback.CheckoutRequestID == "" {
		return callback, ErrMissingCheckoutID
	}
	if callback.ResultCode == nil || callback.ResultCode.String() == "" {
		return callback, ErrMissingResultCode
	}

	return callback, nil
}

// Succeeded reports a ResultCode of 0.
func (c *STKCallback) Succeeded() bool {
	return c.ResultCode != nil && c.ResultCode.String() == ResponseAccepted
}

// Item returns the metadata value with the given name as a string.
func (c *STKCallback) Item(name string) (string, bool) {
	if c.CallbackMetadata == nil {
		return "", false
	}
	for _, item := range c.CallbackMetadata.Item {
		if item.Name != name || len(item.Value) == 0 {
			continue
		}
		var s string
		if err := json.Unmarshal(item.Value, &s); err == nil {
			return s, s != ""
		}
		return string(item.Value), true
	}
	return "", false
}

// ReceiptNumber is the provider transaction id of a successful payment.
func (c *STKCallback) ReceiptNumber() string {
	receipt, _ := c.Item(ItemReceiptNumber)
	return receipt
}

// Succeeded reports whether the query found a completed transaction.
func (r *STKQueryResponse) Succeeded() bool {
	return r.ResultCode.String() == ResponseAccepted
}

// Finished reports whether the query carries a final result.
func (r *STKQueryResponse) Finished() bool {
	return r.ResponseCode == ResponseAccepted && r.ResultCode.String() != ""
}

// IsStillProcessing reports whether a query failed only because the customer
// has not completed the prompt yet.
func IsStillProcessing(body []byte) bool {
	var payload struct {
		ErrorCode string `json:"errorCode"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return false
	}
	return payload.ErrorCode == errorStillProcessing
}
