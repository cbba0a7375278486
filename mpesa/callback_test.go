package mpesa

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const successCallback = `{
  "Body": {
    "stkCallback": {
      "MerchantRequestID": "29115-34620561-1",
      "CheckoutRequestID": "ws_CO_191220191020363925",
      "ResultCode": 0,
      "ResultDesc": "The service request is processed successfully.",
      "CallbackMetadata": {
        "Item": [
          {"Name": "Amount", "Value": 1.00},
          {"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
          {"Name": "Balance"},
          {"Name": "TransactionDate", "Value": 20191219102115},
          {"Name": "PhoneNumber", "Value": 254708374149}
        ]
      }
    }
  }
}`

func TestParseCallbackSuccess(t *testing.T) {
	callback, err := ParseCallback([]byte(successCallback))
	require.NoError(t, err)

	assert.Equal(t, "ws_CO_191220191020363925", callback.CheckoutRequestID)
	assert.True(t, callback.Succeeded())
	assert.Equal(t, "NLJ7RT61SV", callback.ReceiptNumber())

	phone, ok := callback.Item(ItemPhoneNumber)
	assert.True(t, ok)
	assert.Equal(t, "254708374149", phone)

	_, ok = callback.Item("Balance")
	assert.False(t, ok)
}

func TestParseCallbackFailure(t *testing.T) {
	callback, err := ParseCallback([]byte(`{"Body":{"stkCallback":{"MerchantRequestID":"1","CheckoutRequestID":"ws_CO_2","ResultCode":1032,"ResultDesc":"Request cancelled by user"}}}`))
	require.NoError(t, err)
	assert.False(t, callback.Succeeded())
	assert.Empty(t, callback.ReceiptNumber())
}

func TestParseCallbackRejectsIncompleteEnvelopes(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want error
	}{
		{"not json", `Body=1`, ErrMalformedCallback},
		{"no body", `{}`, ErrMissingEnvelope},
		{"no stk callback", `{"Body":{}}`, ErrMissingEnvelope},
		{"no checkout id", `{"Body":{"stkCallback":{"ResultCode":0}}}`, ErrMissingCheckoutID},
		{"blank checkout id", `{"Body":{"stkCallback":{"CheckoutRequestID":"  ","ResultCode":0}}}`, ErrMissingCheckoutID},
		{"no result code", `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_3"}}}`, ErrMissingResultCode},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseCallback([]byte(tc.raw))
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}
