package db

import (
	"database/sql"
	"time"

	"bitbucket.org/storefront/backend/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type WebhookStorage interface {
	InsertPaymentWebhook(*models.PaymentWebhook) error
	LinkPaymentWebhook(webhookID uuid.UUID, paymentID uuid.UUID) error
	MarkPaymentWebhookProcessed(webhookID uuid.UUID, paymentID uuid.UUID) error
	GetPaymentWebhooks(processed bool, limit int) ([]models.PaymentWebhook, error)
	GetPaymentWebhookByID(id uuid.UUID) (*models.PaymentWebhook, error)
}

const (
	insertPaymentWebhook = `
	INSERT INTO
		payment_webhook (id, webhook_type, payment_id, raw_data, processed, created_at)
	VALUES
		(:id, :webhook_type, :payment_id, :raw_data, :processed, :created_at)
	`

	linkPaymentWebhook = `
	UPDATE
		payment_webhook
	SET
		payment_id = :payment_id
	WHERE
		id = :id
	`

	markPaymentWebhookProcessed = `
	UPDATE
		payment_webhook
	SET
		payment_id = :payment_id,
		processed = true
	WHERE
		id = :id
	`

	selectPaymentWebhook = `
	SELECT
		payment_webhook.id,
		payment_webhook.webhook_type,
		payment_webhook.payment_id,
		payment_webhook.raw_data,
		payment_webhook.processed,
		payment_webhook.created_at
	FROM
		payment_webhook
	`

	getPaymentWebhookByID = selectPaymentWebhook + `
	WHERE
		payment_webhook.id = :id
	`

	getPaymentWebhooks = `
	SELECT
		payment_webhook.id,
		payment_webhook.webhook_type,
		payment_webhook.payment_id,
		payment_webhook.raw_data,
		payment_webhook.processed,
		payment_webhook.created_at
	FROM
		payment_webhook
	WHERE
		payment_webhook.processed = :processed
	ORDER BY
		payment_webhook.created_at DESC
	LIMIT :limit
	`
)

// InsertPaymentWebhook stores a delivery before anything else is attempted
// with it. RawData must be valid JSON for the mysql JSON column.
func (db *DB) InsertPaymentWebhook(webhook *models.PaymentWebhook) error {
	if webhook.ID == uuid.Nil {
		webhook.ID = uuid.New()
	}
	if webhook.CreatedAt.IsZero() {
		webhook.CreatedAt = time.Now()
	}
	webhook.CreatedAt = webhook.CreatedAt.UTC()

	stmt, err := db.PrepareNamed(insertPaymentWebhook)
	if err != nil {
		return err
	}
	defer stmt.Close()

	args := map[string]interface{}{
		"id":           webhook.ID.String(),
		"webhook_type": string(webhook.WebhookType),
		"payment_id":   webhook.PaymentID,
		"raw_data":     string(webhook.RawData),
		"processed":    webhook.Processed,
		"created_at":   webhook.CreatedAt,
	}

	if _, err := stmt.Exec(args); err != nil {
		return errors.Wrap(err, "failed inserting payment webhook")
	}

	return nil
}

func (db *DB) LinkPaymentWebhook(webhookID uuid.UUID, paymentID uuid.UUID) error {
	return db.updatePaymentWebhook(linkPaymentWebhook, webhookID, paymentID)
}

func (db *DB) MarkPaymentWebhookProcessed(webhookID uuid.UUID, paymentID uuid.UUID) error {
	return db.updatePaymentWebhook(markPaymentWebhookProcessed, webhookID, paymentID)
}

func (db *DB) updatePaymentWebhook(query string, webhookID uuid.UUID, paymentID uuid.UUID) error {
	stmt, err := db.PrepareNamed(query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	args := map[string]interface{}{
		"id":         webhookID.String(),
		"payment_id": paymentID.String(),
	}

	result, err := stmt.Exec(args)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if int(rowsAffected) != 1 {
		return errors.Errorf("expected %d and updated %d", 1, rowsAffected)
	}

	return nil
}

func (db *DB) GetPaymentWebhooks(processed bool, limit int) ([]models.PaymentWebhook, error) {
	if limit <= 0 {
		limit = defaultLimit
	}

	stmt, err := db.PrepareNamed(getPaymentWebhooks)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	args := map[string]interface{}{
		"processed": processed,
		"limit":     limit,
	}

	webhooks := []models.PaymentWebhook{}
	if err := stmt.Select(&webhooks, args); err != nil {
		return nil, err
	}

	return webhooks, nil
}

// GetPaymentWebhookByID returns nil when no row has the id.
func (db *DB) GetPaymentWebhookByID(id uuid.UUID) (*models.PaymentWebhook, error) {
	stmt, err := db.PrepareNamed(getPaymentWebhookByID)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	var webhook models.PaymentWebhook
	if err := stmt.Get(&webhook, map[string]interface{}{"id": id.String()}); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}

		return nil, err
	}

	return &webhook, nil
}
