package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order represents a customer order owned by the order service
type Order struct {
	ID          string          `db:"id" json:"id"`
	CustomerID  string          `db:"customer_id" json:"customer_id"`
	TotalAmount decimal.Decimal `db:"total_amount" json:"total_amount"`
	Status      string          `db:"status" json:"status"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

// Product represents a stock keeping unit owned by the inventory service.
// ID is the externally assigned SKU.
type Product struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Quantity  int       `db:"quantity" json:"quantity"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// PaymentTransaction represents one charge attempt for an order
type PaymentTransaction struct {
	ID              int64           `db:"id" json:"id"`
	TransactionCode string          `db:"transaction_code" json:"transaction_code"`
	OrderID         string          `db:"order_id" json:"order_id"`
	Status          string          `db:"status" json:"status"`
	Amount          decimal.Decimal `db:"amount" json:"amount"`
	Reason          string          `db:"reason" json:"reason,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
}

// Shipment represents the shipping record of a dispatched order
type Shipment struct {
	ID           int64     `db:"id" json:"id"`
	OrderID      string    `db:"order_id" json:"order_id"`
	Status       string    `db:"status" json:"status"`
	TrackingCode string    `db:"tracking_code" json:"tracking_code,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// LineItem is a product and quantity requested by an order
type LineItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// Order statuses
const (
	OrderStatusPending = "PENDING"
	OrderStatusUpdated = "UPDATED"
	OrderStatusFailed  = "FAILED"
)

// Payment statuses
const (
	PaymentStatusSuccessful = "SUCCESSFUL"
	PaymentStatusFailed     = "FAILED"
)

// Shipment statuses
const (
	ShipmentStatusPreparing = "PREPARING"
	ShipmentStatusShipped   = "SHIPPED"
	ShipmentStatusDelivered = "DELIVERED"
)

// TrackingCodeFor derives the tracking code assigned when an order ships
func TrackingCodeFor(orderID string) string {
	return "TRACK-" + orderID
}
