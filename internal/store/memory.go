package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"order-fulfillment/internal/apperr"
	"order-fulfillment/internal/models"
)

// MemoryStore keeps every entity in process memory. Units of work hold the
// lock of the affected entity until their commit callback returns.
type MemoryStore struct {
	mu sync.RWMutex

	orders    map[string]models.Order
	products  map[string]models.Product
	ledger    map[string]string
	payments  map[string]models.PaymentTransaction
	codes     map[string]struct{}
	dispatch  map[string]models.DispatchState
	shipments map[string]models.Shipment

	orderMu     sync.Mutex
	stockMu     sync.Mutex
	paymentMu   sync.Mutex
	shipmentMu  sync.Mutex
	dispatchMus sync.Map

	nextPaymentID  int64
	nextShipmentID int64
	now            func() time.Time
}

var _ Repositories = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:    make(map[string]models.Order),
		products:  make(map[string]models.Product),
		ledger:    make(map[string]string),
		payments:  make(map[string]models.PaymentTransaction),
		codes:     make(map[string]struct{}),
		dispatch:  make(map[string]models.DispatchState),
		shipments: make(map[string]models.Shipment),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreateOrder(ctx context.Context, order *models.Order, commit CommitFunc) error {
	m.orderMu.Lock()
	defer m.orderMu.Unlock()

	m.mu.RLock()
	_, exists := m.orders[order.ID]
	m.mu.RUnlock()
	if exists {
		return fmt.Errorf("order %s: %w", order.ID, apperr.ErrAlreadyProcessed)
	}

	if commit != nil {
		if err := commit(ctx); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	order.CreatedAt, order.UpdatedAt = now, now
	m.orders[order.ID] = *order
	return nil
}

func (m *MemoryStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	order, ok := m.orders[id]
	if !ok {
		return nil, apperr.NotFound("order %s", id)
	}
	return &order, nil
}

func (m *MemoryStore) ListOrders(ctx context.Context) ([]models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	orders := make([]models.Order, 0, len(m.orders))
	for _, o := range m.orders {
		orders = append(orders, o)
	}
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return orders, nil
}

func (m *MemoryStore) UpdateOrder(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.orders[order.ID]
	if !ok {
		return apperr.NotFound("order %s", order.ID)
	}
	order.CreatedAt = existing.CreatedAt
	order.UpdatedAt = m.now()
	m.orders[order.ID] = *order
	return nil
}

func (m *MemoryStore) DeleteOrder(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[id]; !ok {
		return apperr.NotFound("order %s", id)
	}
	delete(m.orders, id)
	return nil
}

func (m *MemoryStore) MarkOrderFailed(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[id]
	if !ok {
		return false, apperr.NotFound("order %s", id)
	}
	if order.Status == models.OrderStatusFailed {
		return false, nil
	}
	order.Status = models.OrderStatusFailed
	order.UpdatedAt = m.now()
	m.orders[id] = order
	return true, nil
}

func (m *MemoryStore) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	product, ok := m.products[id]
	if !ok {
		return nil, apperr.NotFound("product %s", id)
	}
	return &product, nil
}

func (m *MemoryStore) SaveProduct(ctx context.Context, product *models.Product) error {
	if product.Quantity < 0 {
		return apperr.Validation("product %s: quantity must not be negative", product.ID)
	}

	m.stockMu.Lock()
	defer m.stockMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	product.UpdatedAt = m.now()
	m.products[product.ID] = *product
	return nil
}

func (m *MemoryStore) ListProducts(ctx context.Context) ([]models.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	products := make([]models.Product, 0, len(m.products))
	for _, p := range m.products {
		products = append(products, p)
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products, nil
}

func (m *MemoryStore) DeductStock(ctx context.Context, orderID string, lines []models.LineItem, commit DeductionFunc) error {
	wanted, ids := mergeLines(lines)
	ledgerKey := LedgerStockDeduction + ":" + orderID

	m.stockMu.Lock()
	defer m.stockMu.Unlock()

	m.mu.RLock()
	_, done := m.ledger[ledgerKey]
	available := make(map[string]int, len(ids))
	for _, id := range ids {
		if p, ok := m.products[id]; ok {
			available[id] = p.Quantity
		}
	}
	m.mu.RUnlock()

	if done {
		return fmt.Errorf("stock for order %s: %w", orderID, apperr.ErrAlreadyProcessed)
	}
	rejection := checkStock(wanted, ids, available)

	if commit != nil {
		if err := commit(ctx, rejection); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if rejection != nil {
		m.ledger[ledgerKey] = LedgerOutcomeRejected
		return rejection
	}

	now := m.now()
	for _, id := range ids {
		p := m.products[id]
		p.Quantity -= wanted[id]
		p.UpdatedAt = now
		m.products[id] = p
	}
	m.ledger[ledgerKey] = LedgerOutcomeDeducted
	return nil
}

func (m *MemoryStore) RecordTransaction(ctx context.Context, txn *models.PaymentTransaction, commit CommitFunc) error {
	m.paymentMu.Lock()
	defer m.paymentMu.Unlock()

	m.mu.RLock()
	_, exists := m.payments[txn.OrderID]
	_, codeTaken := m.codes[txn.TransactionCode]
	m.mu.RUnlock()

	if exists || codeTaken {
		return fmt.Errorf("payment for order %s: %w", txn.OrderID, apperr.ErrAlreadyProcessed)
	}

	if commit != nil {
		if err := commit(ctx); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextPaymentID++
	txn.ID = m.nextPaymentID
	txn.CreatedAt = m.now()
	m.payments[txn.OrderID] = *txn
	m.codes[txn.TransactionCode] = struct{}{}
	return nil
}

func (m *MemoryStore) GetTransactionByOrderID(ctx context.Context, orderID string) (*models.PaymentTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txn, ok := m.payments[orderID]
	if !ok {
		return nil, apperr.NotFound("payment for order %s", orderID)
	}
	return &txn, nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context) ([]models.PaymentTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txns := make([]models.PaymentTransaction, 0, len(m.payments))
	for _, t := range m.payments {
		txns = append(txns, t)
	}
	sort.Slice(txns, func(i, j int) bool { return txns[i].ID < txns[j].ID })
	return txns, nil
}

func (m *MemoryStore) GetDispatchState(ctx context.Context, orderID string) (*models.DispatchState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.dispatch[orderID]
	if !ok {
		return nil, apperr.NotFound("dispatch state for order %s", orderID)
	}
	return &state, nil
}

// UpdateDispatchState holds a per-order mutex while fn runs
func (m *MemoryStore) UpdateDispatchState(ctx context.Context, orderID string, fn DispatchMutation) (*models.DispatchState, error) {
	lock := m.dispatchLock(orderID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	state, ok := m.dispatch[orderID]
	m.mu.RUnlock()

	if !ok {
		state = *models.NewDispatchState(orderID)
		state.CreatedAt = m.now()
		state.UpdatedAt = state.CreatedAt
	}

	persist, err := fn(ctx, &state)
	if err != nil {
		return nil, err
	}

	if persist || !ok {
		if persist {
			state.UpdatedAt = m.now()
		}
		m.mu.Lock()
		m.dispatch[orderID] = state
		m.mu.Unlock()
	}
	return &state, nil
}

func (m *MemoryStore) dispatchLock(orderID string) *sync.Mutex {
	lock, _ := m.dispatchMus.LoadOrStore(orderID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func (m *MemoryStore) ListDispatchStates(ctx context.Context, status string) ([]models.DispatchState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make([]models.DispatchState, 0, len(m.dispatch))
	for _, s := range m.dispatch {
		if status == "" || s.Status == status {
			states = append(states, s)
		}
	}
	sort.Slice(states, func(i, j int) bool { return states[i].OrderID < states[j].OrderID })
	return states, nil
}

func (m *MemoryStore) CreateShipmentIfAbsent(ctx context.Context, shipment *models.Shipment) (bool, error) {
	m.shipmentMu.Lock()
	defer m.shipmentMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.shipments[shipment.OrderID]; ok {
		return false, nil
	}
	m.nextShipmentID++
	now := m.now()
	shipment.ID = m.nextShipmentID
	shipment.CreatedAt, shipment.UpdatedAt = now, now
	m.shipments[shipment.OrderID] = *shipment
	return true, nil
}

func (m *MemoryStore) GetShipmentByOrderID(ctx context.Context, orderID string) (*models.Shipment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	shipment, ok := m.shipments[orderID]
	if !ok {
		return nil, apperr.NotFound("shipment for order %s", orderID)
	}
	return &shipment, nil
}

func (m *MemoryStore) UpdateShipment(ctx context.Context, orderID string, fn func(*models.Shipment) error) (*models.Shipment, error) {
	m.shipmentMu.Lock()
	defer m.shipmentMu.Unlock()

	m.mu.RLock()
	shipment, ok := m.shipments[orderID]
	m.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("shipment for order %s", orderID)
	}

	if err := fn(&shipment); err != nil {
		return nil, err
	}
	shipment.UpdatedAt = m.now()

	m.mu.Lock()
	m.shipments[orderID] = shipment
	m.mu.Unlock()
	return &shipment, nil
}

func (m *MemoryStore) ListShipments(ctx context.Context, status string) ([]models.Shipment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	shipments := make([]models.Shipment, 0, len(m.shipments))
	for _, s := range m.shipments {
		if status == "" || s.Status == status {
			shipments = append(shipments, s)
		}
	}
	sort.Slice(shipments, func(i, j int) bool { return shipments[i].ID < shipments[j].ID })
	return shipments, nil
}
