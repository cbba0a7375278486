package db

import (
	"database/sql"
	"strings"
	"time"

	"bitbucket.org/storefront/backend/models"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/pkg/errors"
)

type PaymentStorage interface {
	InsertPayment(*models.Payment) error
	GetPaymentByID(paymentID uuid.UUID) (*models.Payment, error)
	GetPaymentByReference(reference string) (*models.Payment, error)
	GetPaymentByCheckoutRequestID(checkoutRequestID string) (*models.Payment, error)
	GetPaymentByIntentID(intentID string) (*models.Payment, error)
	GetLatestPaymentForOrder(orderID uuid.UUID) (*models.Payment, error)
	GetPayments(*models.GetPaymentsOpts) (*models.PaymentsStruct, error)
	GetStalePayments(updatedBefore time.Time, limit int) ([]models.Payment, error)
	UpdatePayment(*PaymentUpdate) (orderPaid bool, err error)
}

// PaymentUpdate is the set of columns a status change may touch. Empty
// handle fields and nil CallbackData/CompletedAt keep the stored value.
type PaymentUpdate struct {
	ID                     uuid.UUID
	ExpectedStatus         models.PaymentStatus
	Status                 models.PaymentStatus
	MpesaCheckoutRequestID string
	MpesaTransactionID     string
	StripePaymentIntentID  string
	CardLastFour           string
	CardBrand              string
	CallbackData           types.JSONText
	CompletedAt            *time.Time
	UpdatedAt              time.Time

	// OrderID is marked paid in the same transaction when Status is completed.
	OrderID     uuid.NullUUID
	OrderStatus string
}

const (
	insertPayment = `
	INSERT INTO
		payment (
			id, user_id, order_id, amount, currency, payment_method, status,
			description, reference_number, mpesa_phone_number,
			mpesa_checkout_request_id, mpesa_transaction_id, stripe_payment_intent_id,
			card_last_four, card_brand, callback_data, created_at, updated_at, completed_at
		)
	VALUES
		(
			:id, :user_id, :order_id, :amount, :currency, :payment_method, :status,
			:description, :reference_number, :mpesa_phone_number,
			:mpesa_checkout_request_id, :mpesa_transaction_id, :stripe_payment_intent_id,
			:card_last_four, :card_brand, :callback_data, :created_at, :updated_at, :completed_at
		)
	`

	selectPayment = `
	SELECT
		payment.id,
		payment.user_id,
		payment.order_id,
		payment.amount,
		payment.currency,
		payment.payment_method,
		payment.status,
		payment.description,
		payment.reference_number,
		payment.mpesa_phone_number,
		payment.mpesa_checkout_request_id,
		payment.mpesa_transaction_id,
		payment.stripe_payment_intent_id,
		payment.card_last_four,
		payment.card_brand,
		payment.callback_data,
		payment.created_at,
		payment.updated_at,
		payment.completed_at
	FROM
		payment
	`

	getPaymentByID = selectPayment + `
	WHERE
		payment.id = :id
	`

	getPaymentByReference = selectPayment + `
	WHERE
		payment.reference_number = :reference_number
	`

	getPaymentByCheckoutRequestID = selectPayment + `
	WHERE
		payment.mpesa_checkout_request_id = :handle
	ORDER BY
		payment.created_at DESC
	LIMIT 1
	`

	getPaymentByIntentID = selectPayment + `
	WHERE
		payment.stripe_payment_intent_id = :handle
	ORDER BY
		payment.created_at DESC
	LIMIT 1
	`

	getLatestPaymentForOrder = selectPayment + `
	WHERE
		payment.order_id = :order_id
	ORDER BY
		payment.created_at DESC
	LIMIT 1
	`

	getPayments = selectPayment + `
	WHERE
		1 = 1
		#FILTERS#
	ORDER BY
		payment.created_at DESC
	LIMIT :limit_to OFFSET :limit_from
	`

	countPayments = `
	SELECT
		COUNT(payment.id)
	FROM
		payment
	WHERE
		1 = 1
		#FILTERS#
	`

	getStalePayments = selectPayment + `
	WHERE
		(
			payment.status = :processing OR
			(payment.status = :pending AND payment.stripe_payment_intent_id <> '')
		) AND
		payment.updated_at < :updated_before
	ORDER BY
		payment.updated_at ASC
	LIMIT :limit
	`

	updatePayment = `
	UPDATE
		payment
	SET
		status = :status,
		mpesa_checkout_request_id = COALESCE(NULLIF(:mpesa_checkout_request_id, ''), mpesa_checkout_request_id),
		mpesa_transaction_id = COALESCE(NULLIF(:mpesa_transaction_id, ''), mpesa_transaction_id),
		stripe_payment_intent_id = COALESCE(NULLIF(:stripe_payment_intent_id, ''), stripe_payment_intent_id),
		card_last_four = COALESCE(NULLIF(:card_last_four, ''), card_last_four),
		card_brand = COALESCE(NULLIF(:card_brand, ''), card_brand),
		callback_data = COALESCE(:callback_data, callback_data),
		completed_at = COALESCE(:completed_at, completed_at),
		updated_at = :updated_at
	WHERE
		id = :id AND
		status = :expected_status
	`
)

func (db *DB) InsertPayment(payment *models.Payment) error {
	if payment.ID == uuid.Nil {
		payment.ID = uuid.New()
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now()
	}
	payment.CreatedAt = payment.CreatedAt.UTC()
	if payment.UpdatedAt.IsZero() {
		payment.UpdatedAt = payment.CreatedAt
	}
	payment.UpdatedAt = payment.UpdatedAt.UTC()

	stmt, err := db.PrepareNamed(insertPayment)
	if err != nil {
		return err
	}
	defer stmt.Close()

	args := map[string]interface{}{
		"id":                        payment.ID.String(),
		"user_id":                   payment.UserID.String(),
		"order_id":                  payment.OrderID,
		"amount":                    payment.Amount.String(),
		"currency":                  payment.Currency,
		"payment_method":            string(payment.PaymentMethod),
		"status":                    string(payment.Status),
		"description":               payment.Description,
		"reference_number":          payment.ReferenceNumber,
		"mpesa_phone_number":        payment.MpesaPhoneNumber,
		"mpesa_checkout_request_id": payment.MpesaCheckoutRequestID,
		"mpesa_transaction_id":      payment.MpesaTransactionID,
		"stripe_payment_intent_id":  payment.StripePaymentIntentID,
		"card_last_four":            payment.CardLastFour,
		"card_brand":                payment.CardBrand,
		"callback_data":             jsonArg(payment.CallbackData),
		"created_at":                payment.CreatedAt,
		"updated_at":                payment.UpdatedAt,
		"completed_at":              utcPtr(payment.CompletedAt),
	}

	if _, err := stmt.Exec(args); err != nil {
		if isUniqueViolation(err) {
			return errors.Wrap(ErrDuplicateReference, payment.ReferenceNumber)
		}
		return errors.Wrap(err, "failed inserting payment")
	}

	return nil
}

func (db *DB) GetPaymentByID(paymentID uuid.UUID) (*models.Payment, error) {
	return db.getPayment(getPaymentByID, map[string]interface{}{
		"id": paymentID.String(),
	})
}

func (db *DB) GetPaymentByReference(reference string) (*models.Payment, error) {
	return db.getPayment(getPaymentByReference, map[string]interface{}{
		"reference_number": reference,
	})
}

// GetPaymentByCheckoutRequestID never matches on an empty handle.
func (db *DB) GetPaymentByCheckoutRequestID(checkoutRequestID string) (*models.Payment, error) {
	if strings.TrimSpace(checkoutRequestID) == "" {
		return nil, nil
	}
	return db.getPayment(getPaymentByCheckoutRequestID, map[string]interface{}{
		"handle": checkoutRequestID,
	})
}

// GetPaymentByIntentID never matches on an empty handle.
func (db *DB) GetPaymentByIntentID(intentID string) (*models.Payment, error) {
	if strings.TrimSpace(intentID) == "" {
		return nil, nil
	}
	return db.getPayment(getPaymentByIntentID, map[string]interface{}{
		"handle": intentID,
	})
}

func (db *DB) GetLatestPaymentForOrder(orderID uuid.UUID) (*models.Payment, error) {
	return db.getPayment(getLatestPaymentForOrder, map[string]interface{}{
		"order_id": orderID.String(),
	})
}

func (db *DB) getPayment(query string, args map[string]interface{}) (*models.Payment, error) {
	stmt, err := db.PrepareNamed(query)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	var payment models.Payment
	if err := stmt.Get(&payment, args); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}

		return nil, err
	}

	return &payment, nil
}

func (db *DB) GetPayments(opts *models.GetPaymentsOpts) (*models.PaymentsStruct, error) {
	var filters string
	args := make(map[string]interface{})
	if opts.UserID != uuid.Nil {
		filters += " AND payment.user_id = :user_id "
		args["user_id"] = opts.UserID.String()
	}
	if len(opts.Statuses) > 0 {
		filters += " AND payment.status IN (:statuses) "
		args["statuses"] = opts.Statuses
	}
	if opts.PaymentMethod != "" {
		filters += " AND payment.payment_method = :payment_method "
		args["payment_method"] = opts.PaymentMethod
	}

	total, err := db.countPayments(filters, args)
	if err != nil {
		return nil, err
	}

	opts.LimitFrom, opts.LimitTo = normalizeLimits(opts.LimitFrom, opts.LimitTo)
	args["limit_from"] = opts.LimitFrom
	args["limit_to"] = opts.LimitTo

	query, queryArgs, err := db.expand(strings.ReplaceAll(getPayments, "#FILTERS#", filters), args)
	if err != nil {
		return nil, err
	}

	payments := models.PaymentsStruct{
		Payments: []models.Payment{},
		Total:    total,
	}
	if err := db.Select(&payments.Payments, query, queryArgs...); err != nil {
		return nil, err
	}

	return &payments, nil
}

func (db *DB) countPayments(filters string, args map[string]interface{}) (int, error) {
	query, queryArgs, err := db.expand(strings.ReplaceAll(countPayments, "#FILTERS#", filters), args)
	if err != nil {
		return 0, err
	}

	var total int
	if err := db.Get(&total, query, queryArgs...); err != nil {
		return 0, err
	}

	return total, nil
}

// expand binds named args, expands slice args for IN clauses and rebinds
// the placeholders for the current driver.
func (db *DB) expand(query string, args map[string]interface{}) (string, []interface{}, error) {
	query, queryArgs, err := sqlx.Named(query, args)
	if err != nil {
		return "", nil, err
	}
	query, queryArgs, err = sqlx.In(query, queryArgs...)
	if err != nil {
		return "", nil, err
	}
	return db.Rebind(query), queryArgs, nil
}

// GetStalePayments returns payments still waiting on the provider whose last
// update is older than updatedBefore.
func (db *DB) GetStalePayments(updatedBefore time.Time, limit int) ([]models.Payment, error) {
	if limit <= 0 {
		limit = defaultLimit
	}

	stmt, err := db.PrepareNamed(getStalePayments)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	args := map[string]interface{}{
		"processing":     string(models.PaymentProcessing),
		"pending":        string(models.PaymentPending),
		"updated_before": updatedBefore.UTC(),
		"limit":          limit,
	}

	payments := []models.Payment{}
	if err := stmt.Select(&payments, args); err != nil {
		return nil, err
	}

	return payments, nil
}

// UpdatePayment applies update only if the payment still has ExpectedStatus,
// returning ErrStalePayment otherwise. It reports whether the linked order
// was flipped to paid by this call.
func (db *DB) UpdatePayment(update *PaymentUpdate) (orderPaid bool, err error) {
	err = db.withTx(func(tx Tx) error {
		if err := db.updatePaymentTx(tx, update); err != nil {
			return err
		}

		if update.Status != models.PaymentCompleted || !update.OrderID.Valid {
			return nil
		}

		paidAt := update.UpdatedAt
		if update.CompletedAt != nil {
			paidAt = *update.CompletedAt
		}
		orderPaid, err = db.markOrderPaidTx(tx, update.OrderID.UUID, paidAt.UTC(), update.OrderStatus)
		return err
	})
	if err != nil {
		return false, err
	}

	return orderPaid, nil
}

func (db *DB) updatePaymentTx(tx Tx, update *PaymentUpdate) error {
	stmt, err := tx.PrepareNamed(updatePayment)
	if err != nil {
		return err
	}
	defer stmt.Close()

	args := map[string]interface{}{
		"id":                        update.ID.String(),
		"expected_status":           string(update.ExpectedStatus),
		"status":                    string(update.Status),
		"mpesa_checkout_request_id": update.MpesaCheckoutRequestID,
		"mpesa_transaction_id":      update.MpesaTransactionID,
		"stripe_payment_intent_id":  update.StripePaymentIntentID,
		"card_last_four":            update.CardLastFour,
		"card_brand":                update.CardBrand,
		"callback_data":             jsonArg(update.CallbackData),
		"completed_at":              utcPtr(update.CompletedAt),
		"updated_at":                update.UpdatedAt.UTC(),
	}

	result, err := stmt.Exec(args)
	if err != nil {
		return errors.Wrap(err, "failed updating payment")
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected != 1 {
		return errors.Wrapf(ErrStalePayment, "payment %s expected %s", update.ID, update.ExpectedStatus)
	}

	return nil
}

func jsonArg(data types.JSONText) interface{} {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}

func utcPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
