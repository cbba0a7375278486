package db

import (
	"testing"
	"time"

	"bitbucket.org/storefront/backend/models"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)

func TestInsertPaymentDuplicateReference(t *testing.T) {
	store := newTestDB(t)
	user, order := seedOrder(t, store, "ORD-2001", "500")

	require.NoError(t, store.InsertPayment(newPayment(user, order, "PAY20240302AAAAAAAA", t0)))

	err := store.InsertPayment(newPayment(user, order, "PAY20240302AAAAAAAA", t0))
	assert.True(t, errors.Is(err, ErrDuplicateReference), "got %v", err)
}

func TestGetPaymentLookups(t *testing.T) {
	store := newTestDB(t)
	user, order := seedOrder(t, store, "ORD-2002", "500")

	first := newPayment(user, order, "PAY20240302AAAAAAA1", t0)
	require.NoError(t, store.InsertPayment(first))
	second := newPayment(user, order, "PAY20240302AAAAAAA2", t0.Add(time.Minute))
	second.PaymentMethod = models.PaymentMethodCard
	second.StripePaymentIntentID = "pi_123"
	require.NoError(t, store.InsertPayment(second))

	got, err := store.GetPaymentByReference("PAY20240302AAAAAAA1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)
	assert.True(t, got.Amount.Equal(first.Amount))
	assert.Equal(t, order.ID, got.OrderID.UUID)

	got, err = store.GetPaymentByIntentID("pi_123")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	got, err = store.GetLatestPaymentForOrder(order.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	got, err = store.GetPaymentByID(first.ID)
	require.NoError(t, err)
	assert.Equal(t, "PAY20240302AAAAAAA1", got.ReferenceNumber)

	// Neither payment has a checkout id yet; an empty handle must not match them.
	got, err = store.GetPaymentByCheckoutRequestID("")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = store.GetPaymentByIntentID("pi_missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpdatePaymentCompletesOrderOnce(t *testing.T) {
	store := newTestDB(t)
	user, order := seedOrder(t, store, "ORD-2003", "500")

	payment := newPayment(user, order, "PAY20240302AAAAAAA3", t0)
	require.NoError(t, store.InsertPayment(payment))

	_, err := store.UpdatePayment(&PaymentUpdate{
		ID:                     payment.ID,
		ExpectedStatus:         models.PaymentPending,
		Status:                 models.PaymentProcessing,
		MpesaCheckoutRequestID: "ws_CO_1",
		CallbackData:           types.JSONText(`{"ResponseCode":"0"}`),
		UpdatedAt:              t0.Add(time.Second),
	})
	require.NoError(t, err)

	completedAt := t0.Add(time.Minute)
	paid, err := store.UpdatePayment(&PaymentUpdate{
		ID:                 payment.ID,
		ExpectedStatus:     models.PaymentProcessing,
		Status:             models.PaymentCompleted,
		MpesaTransactionID: "NLJ7RT61SV",
		CallbackData:       types.JSONText(`{"Body":{}}`),
		CompletedAt:        &completedAt,
		UpdatedAt:          completedAt,
		OrderID:            payment.OrderID,
		OrderStatus:        models.OrderStatusProcessing,
	})
	require.NoError(t, err)
	assert.True(t, paid)

	got, err := store.GetPaymentByCheckoutRequestID("ws_CO_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.PaymentCompleted, got.Status)
	assert.Equal(t, "ws_CO_1", got.MpesaCheckoutRequestID)
	assert.Equal(t, "NLJ7RT61SV", got.MpesaTransactionID)
	assert.JSONEq(t, `{"Body":{}}`, string(got.CallbackData))
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(completedAt))

	savedOrder, err := store.GetOrderByID(order.ID)
	require.NoError(t, err)
	assert.True(t, savedOrder.IsPaid)
	assert.Equal(t, models.OrderStatusProcessing, savedOrder.Status)
	require.NotNil(t, savedOrder.PaidAt)
	assert.True(t, savedOrder.PaidAt.Equal(completedAt))

	// redelivery: payment re-stamped, order untouched
	later := completedAt.Add(time.Hour)
	paid, err = store.UpdatePayment(&PaymentUpdate{
		ID:             payment.ID,
		ExpectedStatus: models.PaymentCompleted,
		Status:         models.PaymentCompleted,
		CompletedAt:    &later,
		UpdatedAt:      later,
		OrderID:        payment.OrderID,
		OrderStatus:    models.OrderStatusProcessing,
	})
	require.NoError(t, err)
	assert.False(t, paid)

	got, err = store.GetPaymentByID(payment.ID)
	require.NoError(t, err)
	assert.True(t, got.CompletedAt.Equal(later))
	assert.Equal(t, "NLJ7RT61SV", got.MpesaTransactionID)
	assert.JSONEq(t, `{"Body":{}}`, string(got.CallbackData))

	savedOrder, err = store.GetOrderByID(order.ID)
	require.NoError(t, err)
	assert.True(t, savedOrder.PaidAt.Equal(completedAt))
}

func TestUpdatePaymentStaleStatus(t *testing.T) {
	store := newTestDB(t)
	user, order := seedOrder(t, store, "ORD-2004", "500")

	payment := newPayment(user, order, "PAY20240302AAAAAAA4", t0)
	require.NoError(t, store.InsertPayment(payment))

	_, err := store.UpdatePayment(&PaymentUpdate{
		ID:             payment.ID,
		ExpectedStatus: models.PaymentProcessing,
		Status:         models.PaymentCompleted,
		UpdatedAt:      t0,
		OrderID:        payment.OrderID,
		OrderStatus:    models.OrderStatusProcessing,
	})
	assert.True(t, errors.Is(err, ErrStalePayment), "got %v", err)

	savedOrder, err := store.GetOrderByID(order.ID)
	require.NoError(t, err)
	assert.False(t, savedOrder.IsPaid)
}

func TestGetPaymentsFilters(t *testing.T) {
	store := newTestDB(t)
	user, order := seedOrder(t, store, "ORD-2005", "500")
	other, _ := seedOrder(t, store, "ORD-2006", "500")

	for i, status := range []models.PaymentStatus{models.PaymentPending, models.PaymentFailed, models.PaymentCompleted} {
		payment := newPayment(user, order, "PAY20240302BBBBBBB"+string(rune('1'+i)), t0.Add(time.Duration(i)*time.Minute))
		payment.Status = status
		require.NoError(t, store.InsertPayment(payment))
	}
	require.NoError(t, store.InsertPayment(newPayment(other, nil, "PAY20240302CCCCCCC1", t0)))

	all, err := store.GetPayments(&models.GetPaymentsOpts{UserID: user.ID})
	require.NoError(t, err)
	assert.Equal(t, 3, all.Total)
	require.Len(t, all.Payments, 3)
	assert.Equal(t, models.PaymentCompleted, all.Payments[0].Status)

	filtered, err := store.GetPayments(&models.GetPaymentsOpts{
		UserID:   user.ID,
		Statuses: []string{string(models.PaymentFailed), string(models.PaymentCompleted)},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, filtered.Total)

	paged, err := store.GetPayments(&models.GetPaymentsOpts{UserID: user.ID, LimitFrom: 1, LimitTo: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, paged.Total)
	require.Len(t, paged.Payments, 1)
	assert.Equal(t, models.PaymentFailed, paged.Payments[0].Status)

	everyone, err := store.GetPayments(&models.GetPaymentsOpts{PaymentMethod: string(models.PaymentMethodMobileMoney)})
	require.NoError(t, err)
	assert.Equal(t, 4, everyone.Total)

	none, err := store.GetPayments(&models.GetPaymentsOpts{UserID: uuid.New()})
	require.NoError(t, err)
	assert.Equal(t, 0, none.Total)
	assert.Empty(t, none.Payments)
}

func TestGetStalePayments(t *testing.T) {
	store := newTestDB(t)
	user, _ := seedOrder(t, store, "ORD-2007", "500")

	processing := newPayment(user, nil, "PAY20240302DDDDDDD1", t0)
	processing.Status = models.PaymentProcessing
	processing.MpesaCheckoutRequestID = "ws_CO_9"
	require.NoError(t, store.InsertPayment(processing))

	cardPending := newPayment(user, nil, "PAY20240302DDDDDDD2", t0)
	cardPending.PaymentMethod = models.PaymentMethodCard
	cardPending.StripePaymentIntentID = "pi_9"
	require.NoError(t, store.InsertPayment(cardPending))

	// never reached a provider
	require.NoError(t, store.InsertPayment(newPayment(user, nil, "PAY20240302DDDDDDD3", t0)))

	fresh := newPayment(user, nil, "PAY20240302DDDDDDD4", t0.Add(time.Hour))
	fresh.Status = models.PaymentProcessing
	require.NoError(t, store.InsertPayment(fresh))

	stale, err := store.GetStalePayments(t0.Add(10*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 2)

	refs := []string{stale[0].ReferenceNumber, stale[1].ReferenceNumber}
	assert.ElementsMatch(t, []string{"PAY20240302DDDDDDD1", "PAY20240302DDDDDDD2"}, refs)
}
