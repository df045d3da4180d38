package models

import "time"

// Dispatch statuses
const (
	DispatchStatusWaiting = "WAITING"
	DispatchStatusReady   = "READY"
	DispatchStatusFailed  = "FAILED"
)

// DispatchState is the per-order join record of the dispatch coordinator.
// It is keyed by order id and never deleted.
type DispatchState struct {
	OrderID          string    `db:"order_id" json:"order_id"`
	StockConfirmed   bool      `db:"stock_confirmed" json:"stock_confirmed"`
	PaymentConfirmed bool      `db:"payment_confirmed" json:"payment_confirmed"`
	Status           string    `db:"status" json:"status"`
	FailureReason    string    `db:"failure_reason" json:"failure_reason,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// Transition describes what a confirmation did to a DispatchState
type Transition struct {
	Changed     bool
	BecameReady bool
}

// NewDispatchState returns the initial state for an order
func NewDispatchState(orderID string) *DispatchState {
	return &DispatchState{
		OrderID: orderID,
		Status:  DispatchStatusWaiting,
	}
}

// Terminal reports whether the state is frozen
func (d *DispatchState) Terminal() bool {
	return d.Status == DispatchStatusReady || d.Status == DispatchStatusFailed
}

// ConfirmStock records the stock confirmation and evaluates the join
func (d *DispatchState) ConfirmStock() Transition {
	if d.Terminal() {
		return Transition{}
	}
	changed := !d.StockConfirmed
	d.StockConfirmed = true
	return d.evaluate(changed)
}

// ConfirmPayment records the payment confirmation and evaluates the join
func (d *DispatchState) ConfirmPayment() Transition {
	if d.Terminal() {
		return Transition{}
	}
	changed := !d.PaymentConfirmed
	d.PaymentConfirmed = true
	return d.evaluate(changed)
}

// Fail moves a waiting state to FAILED. Flags are left as they were.
func (d *DispatchState) Fail(reason string) Transition {
	if d.Terminal() {
		return Transition{}
	}
	d.Status = DispatchStatusFailed
	d.FailureReason = reason
	return Transition{Changed: true}
}

func (d *DispatchState) evaluate(changed bool) Transition {
	if d.StockConfirmed && d.PaymentConfirmed && d.Status == DispatchStatusWaiting {
		d.Status = DispatchStatusReady
		return Transition{Changed: true, BecameReady: true}
	}
	return Transition{Changed: changed}
}
