package db

import (
	"testing"

	"bitbucket.org/storefront/backend/models"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaymentWebhookLifecycle(t *testing.T) {
	store := newTestDB(t)
	user, order := seedOrder(t, store, "ORD-3001", "500")
	payment := newPayment(user, order, "PAY20240302EEEEEEE1", t0)
	require.NoError(t, store.InsertPayment(payment))

	orphan := &models.PaymentWebhook{WebhookType: models.WebhookMobileMoney, RawData: types.JSONText(`{"Body":{}}`), CreatedAt: t0}
	require.NoError(t, store.InsertPaymentWebhook(orphan))

	linked := &models.PaymentWebhook{WebhookType: models.WebhookCard, RawData: types.JSONText(`{"type":"payment_intent.succeeded"}`), CreatedAt: t0}
	require.NoError(t, store.InsertPaymentWebhook(linked))
	require.NoError(t, store.LinkPaymentWebhook(linked.ID, payment.ID))

	done := &models.PaymentWebhook{WebhookType: models.WebhookCard, RawData: types.JSONText(`{}`), CreatedAt: t0}
	require.NoError(t, store.InsertPaymentWebhook(done))
	require.NoError(t, store.MarkPaymentWebhookProcessed(done.ID, payment.ID))

	unprocessed, err := store.GetPaymentWebhooks(false, 10)
	require.NoError(t, err)
	require.Len(t, unprocessed, 2)

	processed, err := store.GetPaymentWebhooks(true, 10)
	require.NoError(t, err)
	require.Len(t, processed, 1)
	assert.Equal(t, done.ID, processed[0].ID)
	assert.True(t, processed[0].PaymentID.Valid)
	assert.Equal(t, payment.ID, processed[0].PaymentID.UUID)
	assert.Equal(t, models.WebhookCard, processed[0].WebhookType)

	stored, err := store.GetPaymentWebhookByID(linked.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.False(t, stored.Processed)
	assert.Equal(t, payment.ID, stored.PaymentID.UUID)
	assert.JSONEq(t, `{"type":"payment_intent.succeeded"}`, string(stored.RawData))

	missing, err := store.GetPaymentWebhookByID(uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)
}
