package store

import (
	"context"

	"order-fulfillment/internal/models"
)

// CommitFunc runs inside a unit of work right before it commits.
// Returning an error rolls the unit back.
type CommitFunc func(ctx context.Context) error

// DeductionFunc runs inside a stock deduction right before it commits. rejection
// is nil when every line was deducted, otherwise the ErrNotFound or
// ErrInsufficientStock that refused the order. Returning an error rolls the unit back.
type DeductionFunc func(ctx context.Context, rejection error) error

// DispatchMutation mutates a locked DispatchState. It reports whether the
// state must be written back.
type DispatchMutation func(ctx context.Context, state *models.DispatchState) (bool, error)

// Ledger names used in processed_events
const (
	LedgerStockDeduction = "stock_deduction"
)

// Outcomes recorded in processed_events
const (
	LedgerOutcomeDeducted = "deducted"
	LedgerOutcomeRejected = "rejected"
)

type OrderRepository interface {
	// CreateOrder inserts the order and runs commit before the insert becomes visible
	CreateOrder(ctx context.Context, order *models.Order, commit CommitFunc) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	ListOrders(ctx context.Context) ([]models.Order, error)
	UpdateOrder(ctx context.Context, order *models.Order) error
	DeleteOrder(ctx context.Context, id string) error
	// MarkOrderFailed sets FAILED and reports whether the status changed
	MarkOrderFailed(ctx context.Context, id string) (bool, error)
}

type ProductRepository interface {
	GetProduct(ctx context.Context, id string) (*models.Product, error)
	SaveProduct(ctx context.Context, product *models.Product) error
	ListProducts(ctx context.Context) ([]models.Product, error)
	// DeductStock decrements every line item or none and records the outcome for
	// the order. A rejection is committed and then returned (ErrNotFound or
	// ErrInsufficientStock). Any later call for the same order fails with
	// ErrAlreadyProcessed, whatever the first outcome was.
	DeductStock(ctx context.Context, orderID string, lines []models.LineItem, commit DeductionFunc) error
}

type PaymentRepository interface {
	// RecordTransaction inserts the transaction; one per order, duplicates fail with ErrAlreadyProcessed
	RecordTransaction(ctx context.Context, tx *models.PaymentTransaction, commit CommitFunc) error
	GetTransactionByOrderID(ctx context.Context, orderID string) (*models.PaymentTransaction, error)
	ListTransactions(ctx context.Context) ([]models.PaymentTransaction, error)
}

type DispatchRepository interface {
	GetDispatchState(ctx context.Context, orderID string) (*models.DispatchState, error)
	// UpdateDispatchState loads or lazily creates the state and runs fn while
	// holding the order's lock
	UpdateDispatchState(ctx context.Context, orderID string, fn DispatchMutation) (*models.DispatchState, error)
	// ListDispatchStates filters by status, empty means all
	ListDispatchStates(ctx context.Context, status string) ([]models.DispatchState, error)
}

type ShipmentRepository interface {
	// CreateShipmentIfAbsent reports whether a new row was created
	CreateShipmentIfAbsent(ctx context.Context, shipment *models.Shipment) (bool, error)
	GetShipmentByOrderID(ctx context.Context, orderID string) (*models.Shipment, error)
	UpdateShipment(ctx context.Context, orderID string, fn func(*models.Shipment) error) (*models.Shipment, error)
	// ListShipments filters by status, empty means all
	ListShipments(ctx context.Context, status string) ([]models.Shipment, error)
}

// Repositories is implemented by both backends
type Repositories interface {
	OrderRepository
	ProductRepository
	PaymentRepository
	DispatchRepository
	ShipmentRepository
	Close() error
}
