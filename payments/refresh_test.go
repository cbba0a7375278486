package payments

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"bitbucket.org/storefront/backend/card"
	"bitbucket.org/storefront/backend/gateway"
	"bitbucket.org/storefront/backend/models"
	"bitbucket.org/storefront/backend/mpesa"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func succeededIntent(id string, amount int64) *card.PaymentIntent {
	return &card.PaymentIntent{
		ID:       id,
		Status:   card.IntentSucceeded,
		Amount:   amount,
		Currency: "usd",
		Charges: card.Charges{Data: []card.Charge{{
			ID:                   "ch_1",
			PaymentMethodDetails: &card.PaymentMethodDetails{Card: &card.CardDetails{Brand: "mastercard", Last4: "4444"}},
		}}},
		Raw: json.RawMessage(`{"id":"` + id + `","status":"succeeded"}`),
	}
}

func TestRefreshCardPayment(t *testing.T) {
	tests := []struct {
		name       string
		intent     *card.PaymentIntent
		wantStatus models.PaymentStatus
		wantPaid   bool
	}{
		{name: "succeeded", intent: succeededIntent("pi_1", 50000), wantStatus: models.PaymentCompleted, wantPaid: true},
		{name: "canceled", intent: &card.PaymentIntent{ID: "pi_1", Status: card.IntentCanceled, Raw: json.RawMessage(`{"status":"canceled"}`)}, wantStatus: models.PaymentFailed},
		{name: "awaiting card", intent: &card.PaymentIntent{ID: "pi_1", Status: "requires_payment_method"}, wantStatus: models.PaymentPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			order := h.seedOrder(t, "ORD-6001", "500.00", "")

			created := h.o.CreatePaymentForOrder(ctx, order.OrderNumber, "visa", "")
			require.True(t, created.Success, created.Message)

			h.card.get = tt.intent
			result := h.o.RefreshPayment(ctx, created.Reference, order.UserID)

			require.True(t, result.Success, result.Message)
			assert.Equal(t, tt.wantStatus, result.Status)
			assert.Equal(t, tt.wantStatus, h.payment(t, created.Reference).Status)
			assert.Equal(t, tt.wantPaid, h.order(t, order.OrderNumber).IsPaid)
			assert.Equal(t, 1, h.card.gets)
		})
	}
}

func TestRefreshCardPaymentAmountMismatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.seedOrder(t, "ORD-6002", "500.00", "")

	created := h.o.CreatePaymentForOrder(ctx, order.OrderNumber, "visa", "")
	require.True(t, created.Success, created.Message)

	h.card.get = succeededIntent(created.PaymentIntentID, 100)
	result := h.o.RefreshPayment(ctx, created.Reference, uuid.Nil)

	require.False(t, result.Success)
	assert.Equal(t, KindCallbackIntegrity, result.Kind())
	assert.Equal(t, models.PaymentPending, result.Status)
	assert.False(t, h.order(t, order.OrderNumber).IsPaid)
}

func TestRefreshMobileMoneyPayment(t *testing.T) {
	stillProcessing := &gateway.Error{
		Provider:   mpesa.Provider,
		StatusCode: 500,
		Body:       []byte(`{"requestId":"1","errorCode":"500.001.1001","errorMessage":"The transaction is being processed"}`),
	}

	tests := []struct {
		name       string
		query      *mpesa.STKQueryResponse
		queryErr   error
		wantStatus models.PaymentStatus
		wantOK     bool
	}{
		{
			name:       "paid",
			query:      &mpesa.STKQueryResponse{ResponseCode: "0", ResultCode: "0", Raw: json.RawMessage(`{"ResultCode":"0"}`)},
			wantStatus: models.PaymentCompleted,
			wantOK:     true,
		},
		{
			name:       "cancelled by customer",
			query:      &mpesa.STKQueryResponse{ResponseCode: "0", ResultCode: "1032", Raw: json.RawMessage(`{"ResultCode":"1032"}`)},
			wantStatus: models.PaymentFailed,
			wantOK:     true,
		},
		{
			name:       "still processing",
			queryErr:   stillProcessing,
			wantStatus: models.PaymentProcessing,
			wantOK:     true,
		},
		{
			name:       "gateway down",
			queryErr:   &gateway.Error{Provider: mpesa.Provider, StatusCode: 503, Message: "Service Unavailable"},
			wantStatus: models.PaymentProcessing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			order := h.seedOrder(t, "ORD-6003", "500.00", "254712345678")

			created := h.o.CreatePaymentForOrder(ctx, order.OrderNumber, "mpesa", "")
			require.True(t, created.Success, created.Message)

			h.mpesa.query = tt.query
			h.mpesa.queryErr = tt.queryErr
			result := h.o.RefreshPayment(ctx, created.Reference, order.UserID)

			assert.Equal(t, tt.wantOK, result.Success, result.Message)
			assert.Equal(t, tt.wantStatus, result.Status)
			assert.Equal(t, tt.wantStatus, h.payment(t, created.Reference).Status)
			if !tt.wantOK {
				assert.Equal(t, KindGateway, result.Kind())
			}
		})
	}
}

func TestRefreshPaymentSkipsTerminalAndForeign(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.seedOrder(t, "ORD-6004", "500.00", "254712345678")

	created := h.o.CreatePaymentForOrder(ctx, order.OrderNumber, "mpesa", "")
	require.True(t, created.Success, created.Message)

	foreign := h.o.RefreshPayment(ctx, created.Reference, uuid.New())
	require.False(t, foreign.Success)
	assert.Equal(t, ErrPaymentNotFound, foreign.Err)

	missing := h.o.RefreshPayment(ctx, "PAY20240302ZZZZZZZZ", uuid.Nil)
	assert.Equal(t, ErrPaymentNotFound, missing.Err)

	require.True(t, h.o.IngestMobileMoneyCallback(ctx, mpesaCallback(created.CheckoutRequestID, 0, "QKL7XYZ127")).Accepted)

	done := h.o.RefreshPayment(ctx, created.Reference, order.UserID)
	require.True(t, done.Success)
	assert.Equal(t, models.PaymentCompleted, done.Status)
	assert.Zero(t, h.mpesa.queries)
}

func TestReconcileStale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pushed := h.seedOrder(t, "ORD-7001", "500.00", "254712345678")
	carded := h.seedOrder(t, "ORD-7002", "500.00", "")
	fresh := h.seedOrder(t, "ORD-7003", "500.00", "254712345678")

	push := h.o.CreatePaymentForOrder(ctx, pushed.OrderNumber, "mpesa", "")
	require.True(t, push.Success, push.Message)
	intent := h.o.CreatePaymentForOrder(ctx, carded.OrderNumber, "visa", "")
	require.True(t, intent.Success, intent.Message)

	h.advance(10 * time.Minute)
	recent := h.o.CreatePaymentForOrder(ctx, fresh.OrderNumber, "mpesa", "")
	require.True(t, recent.Success, recent.Message)

	h.mpesa.query = &mpesa.STKQueryResponse{ResponseCode: "0", ResultCode: "0", Raw: json.RawMessage(`{"ResultCode":"0"}`)}
	h.card.get = &card.PaymentIntent{ID: intent.PaymentIntentID, Status: "requires_payment_method"}

	summary, err := h.o.ReconcileStale(ctx, 5*time.Minute, 10)
	require.NoError(t, err)

	assert.Equal(t, &ReconcileSummary{Checked: 2, Updated: 1}, summary)
	assert.Equal(t, models.PaymentCompleted, h.payment(t, push.Reference).Status)
	assert.Equal(t, models.PaymentPending, h.payment(t, intent.Reference).Status)
	assert.Equal(t, models.PaymentProcessing, h.payment(t, recent.Reference).Status)
	assert.True(t, h.order(t, pushed.OrderNumber).IsPaid)
	assert.Equal(t, 1, h.mpesa.queries)
}
