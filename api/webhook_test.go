package api

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"bitbucket.org/storefront/backend/card"
	"bitbucket.org/storefront/backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func succeededEvent(intentID string, amount int64, currency string) []byte {
	return []byte(fmt.Sprintf(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":%q,"object":"payment_intent","amount":%d,"currency":%q,"status":"succeeded"}}}`, intentID, amount, currency))
}

func signed(payload []byte, at time.Time) map[string]string {
	return map[string]string{card.SignatureHeader: card.SignatureHeaderValue(payload, testWebhookSecret, at)}
}

func TestCardWebhook(t *testing.T) {
	app := newTestApp(t)
	buyer := app.seedUser(t, false)
	app.seedOrder(t, buyer, "ORD-5001", "500.00")

	w := app.do(t, "POST", "/payment/order/ORD-5001", []byte(`{"payment_method":"visa"}`), buyer, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	reference := decode(t, w)["reference"].(string)

	payload := succeededEvent("pi_1", 50000, "usd")

	t.Run("missing signature", func(t *testing.T) {
		w := app.do(t, "POST", "/webhook/card", payload, nil, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("wrong secret", func(t *testing.T) {
		header := map[string]string{card.SignatureHeader: card.SignatureHeaderValue(payload, "whsec_other", time.Now())}
		w := app.do(t, "POST", "/webhook/card", payload, nil, header)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("outside tolerance", func(t *testing.T) {
		w := app.do(t, "POST", "/webhook/card", payload, nil, signed(payload, time.Now().Add(-time.Hour)))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	payment, err := app.store.GetPaymentByReference(reference)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPending, payment.Status)

	w = app.do(t, "POST", "/webhook/card", payload, nil, signed(payload, time.Now()))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decode(t, w)["received"])

	payment, err = app.store.GetPaymentByReference(reference)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCompleted, payment.Status)

	order, err := app.store.GetOrderByNumber("ORD-5001")
	require.NoError(t, err)
	assert.True(t, order.IsPaid)

	pending, err := app.ctx.Journal.Pending(0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCardWebhookUnknownIntentIsAcknowledged(t *testing.T) {
	app := newTestApp(t)
	payload := succeededEvent("pi_unknown", 1000, "usd")

	w := app.do(t, "POST", "/webhook/card", payload, nil, signed(payload, time.Now()))

	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	pending, err := app.ctx.Journal.Pending(0)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	webhooks, err := app.store.GetPaymentWebhooks(false, 0)
	require.NoError(t, err)
	require.Len(t, webhooks, 1)
	assert.Equal(t, webhooks[0].ID.String(), pending[0].WebhookID)
}

func TestMPesaCallback(t *testing.T) {
	app := newTestApp(t)
	buyer := app.seedUser(t, false)
	app.seedOrder(t, buyer, "ORD-6001", "500.00")

	w := app.do(t, "POST", "/payment/order/ORD-6001", []byte(`{"payment_method":"mpesa"}`), buyer, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	callback := []byte(`{"Body":{"stkCallback":{"MerchantRequestID":"1","CheckoutRequestID":"ws_CO_1","ResultCode":0,"ResultDesc":"The service request is processed successfully.","CallbackMetadata":{"Item":[{"Name":"Amount","Value":500},{"Name":"MpesaReceiptNumber","Value":"QCJ7XK2M1P"},{"Name":"PhoneNumber","Value":254712345678}]}}}}`)

	tests := []struct {
		name string
		body []byte
	}{
		{name: "not json", body: []byte(`<xml/>`)},
		{name: "unknown checkout", body: []byte(`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_404","ResultCode":1032,"ResultDesc":"Request cancelled by user"}}}`)},
		{name: "success", body: callback},
		{name: "duplicate", body: callback},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := app.do(t, "POST", "/webhook/mpesa", tt.body, nil, nil)
			require.Equal(t, http.StatusOK, w.Code)
			assert.JSONEq(t, `{"ResultCode":0,"ResultDesc":"Accepted"}`, w.Body.String())
		})
	}

	order, err := app.store.GetOrderByNumber("ORD-6001")
	require.NoError(t, err)
	assert.True(t, order.IsPaid)
	assert.Equal(t, models.OrderStatusProcessing, order.Status)
}

func TestWebhookAdminRoutes(t *testing.T) {
	app := newTestApp(t)
	buyer := app.seedUser(t, false)
	admin := app.seedUser(t, true)

	payload := succeededEvent("pi_orphan", 1000, "usd")
	w := app.do(t, "POST", "/webhook/card", payload, nil, signed(payload, time.Now()))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Equal(t, http.StatusUnauthorized, app.do(t, "GET", "/webhook", nil, nil, nil).Code)
	assert.Equal(t, http.StatusForbidden, app.do(t, "GET", "/webhook", nil, buyer, nil).Code)
	assert.Equal(t, http.StatusForbidden, app.do(t, "POST", "/webhook/replay", nil, buyer, nil).Code)

	w = app.do(t, "GET", "/webhook?processed=false&limit=10", nil, admin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "pi_orphan")

	w = app.do(t, "POST", "/webhook/replay?limit=10", nil, admin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"replayed":1,"accepted":0,"rejected":1,"dead_lettered":1}`, w.Body.String())

	webhooks, err := app.store.GetPaymentWebhooks(false, 0)
	require.NoError(t, err)
	assert.Len(t, webhooks, 1)

	assert.Equal(t, http.StatusForbidden, app.do(t, "GET", "/webhook/dead-letters", nil, buyer, nil).Code)
	w = app.do(t, "GET", "/webhook/dead-letters", nil, admin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "pi_orphan")
	assert.Contains(t, w.Body.String(), webhooks[0].ID.String())

	w = app.do(t, "POST", "/webhook/replay", nil, admin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"replayed":0,"accepted":0,"rejected":0,"dead_lettered":0}`, w.Body.String())
}
