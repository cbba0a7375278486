package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	OrderStatusPending    = "Pending"
	OrderStatusProcessing = "Processing"
	OrderStatusShipped    = "Shipped"
	OrderStatusDelivered  = "Delivered"
)

// Order carries only the fields the payment flow reads or writes. IsPaid,
// PaidAt and Status are written by the payments package alone.
type Order struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	OrderNumber   string          `json:"order_number" db:"order_number"`
	UserID        uuid.UUID       `json:"user_id" db:"user_id"`
	TotalPrice    decimal.Decimal `json:"total_price" db:"total_price"`
	PaymentMethod string          `json:"payment_method" db:"payment_method"`
	IsPaid        bool            `json:"is_paid" db:"is_paid"`
	PaidAt        *time.Time      `json:"paid_at,omitempty" db:"paid_at"`
	Status        string          `json:"status" db:"status"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}
