package db

import (
	"database/sql"
	"time"

	"bitbucket.org/storefront/backend/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type OrderStorage interface {
	InsertOrder(*models.Order) error
	GetOrderByID(orderID uuid.UUID) (*models.Order, error)
	GetOrderByNumber(orderNumber string) (*models.Order, error)
}

const (
	insertOrder = `
	INSERT INTO
		orders (id, order_number, user_id, total_price, payment_method, is_paid, paid_at, status, created_at)
	VALUES
		(:id, :order_number, :user_id, :total_price, :payment_method, :is_paid, :paid_at, :status, :created_at)
	`

	selectOrder = `
	SELECT
		orders.id,
		orders.order_number,
		orders.user_id,
		orders.total_price,
		orders.payment_method,
		orders.is_paid,
		orders.paid_at,
		orders.status,
		orders.created_at
	FROM
		orders
	`

	getOrderByID = selectOrder + `
	WHERE
		orders.id = :id
	`

	getOrderByNumber = selectOrder + `
	WHERE
		orders.order_number = :order_number
	`

	// markOrderPaid only matches unpaid orders so a redelivered success
	// never rewrites paid_at.
	markOrderPaid = `
	UPDATE
		orders
	SET
		is_paid = true,
		paid_at = :paid_at,
		status = :status
	WHERE
		id = :id AND
		is_paid = false
	`
)

func (db *DB) InsertOrder(order *models.Order) error {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	if order.Status == "" {
		order.Status = models.OrderStatusPending
	}

	stmt, err := db.PrepareNamed(insertOrder)
	if err != nil {
		return err
	}
	defer stmt.Close()

	args := map[string]interface{}{
		"id":             order.ID.String(),
		"order_number":   order.OrderNumber,
		"user_id":        order.UserID.String(),
		"total_price":    order.TotalPrice.StringFixed(2),
		"payment_method": order.PaymentMethod,
		"is_paid":        order.IsPaid,
		"paid_at":        order.PaidAt,
		"status":         order.Status,
		"created_at":     order.CreatedAt,
	}

	if _, err := stmt.Exec(args); err != nil {
		return errors.Wrap(err, "failed inserting order")
	}

	return nil
}

func (db *DB) GetOrderByID(orderID uuid.UUID) (*models.Order, error) {
	return db.getOrder(getOrderByID, map[string]interface{}{
		"id": orderID.String(),
	})
}

func (db *DB) GetOrderByNumber(orderNumber string) (*models.Order, error) {
	return db.getOrder(getOrderByNumber, map[string]interface{}{
		"order_number": orderNumber,
	})
}

func (db *DB) getOrder(query string, args map[string]interface{}) (*models.Order, error) {
	stmt, err := db.PrepareNamed(query)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	var order models.Order
	if err := stmt.Get(&order, args); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}

		return nil, err
	}

	return &order, nil
}

func (db *DB) markOrderPaidTx(tx Tx, orderID uuid.UUID, paidAt time.Time, status string) (bool, error) {
	stmt, err := tx.PrepareNamed(markOrderPaid)
	if err != nil {
		return false, err
	}
	defer stmt.Close()

	args := map[string]interface{}{
		"id":      orderID.String(),
		"paid_at": paidAt,
		"status":  status,
	}

	result, err := stmt.Exec(args)
	if err != nil {
		return false, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rowsAffected == 1, nil
}
