// Package memstore is an in-process implementation of the store interfaces. A single
// store-wide lock makes every transaction serializable; writes are staged and applied
// only when the transaction function succeeds.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"order-fulfillment/internal/apperrors"
	"order-fulfillment/internal/models"
	"order-fulfillment/internal/store"

	"github.com/shopspring/decimal"
)

type lease struct {
	owner   string
	expires time.Time
}

type orderRecord struct {
	seq   int64
	order models.Order
}

// Store holds customers, products, orders and executions in memory
type Store struct {
	mu         sync.Mutex
	customers  map[string]models.Customer
	products   map[string]models.Product
	orders     map[string]*orderRecord
	reserved   map[string][]models.ReservedItem
	executions map[string]models.Execution
	leases     map[string]lease
	seq        int64
	now        func() time.Time
}

var (
	_ store.InventoryStore = (*Store)(nil)
	_ store.OrderStore     = (*Store)(nil)
	_ store.ExecutionStore = (*Store)(nil)
)

// New creates an empty store
func New() *Store {
	return &Store{
		customers:  make(map[string]models.Customer),
		products:   make(map[string]models.Product),
		orders:     make(map[string]*orderRecord),
		reserved:   make(map[string][]models.ReservedItem),
		executions: make(map[string]models.Execution),
		leases:     make(map[string]lease),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// AddCustomer inserts or replaces a customer
func (s *Store) AddCustomer(c models.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c.CreatedAt, c.UpdatedAt = now, now
	s.customers[c.ID] = c
}

// AddProduct inserts or replaces a product
func (s *Store) AddProduct(p models.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	p.CreatedAt, p.UpdatedAt = now, now
	s.products[p.ID] = p
}

// SetPrice changes a product's price
func (s *Store) SetPrice(productID string, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productID]
	if !ok {
		return apperrors.NotFound("product %s not found", productID)
	}
	p.Price = price
	p.UpdatedAt = s.now()
	s.products[productID] = p
	return nil
}

// Seed inserts the sample customers and products
func (s *Store) Seed() {
	for _, c := range []models.Customer{
		{ID: "CUST001", Name: "John Doe", Email: "john@example.com", Phone: "+1-555-0101", Address: "123 Main St, New York, NY"},
		{ID: "CUST002", Name: "Jane Smith", Email: "jane@example.com", Phone: "+1-555-0102", Address: "456 Oak Ave, Los Angeles, CA"},
		{ID: "CUST003", Name: "Bob Johnson", Email: "bob@example.com", Phone: "+1-555-0103", Address: "789 Pine Rd, Chicago, IL"},
	} {
		s.AddCustomer(c)
	}

	for _, p := range []models.Product{
		{ID: "PROD001", Name: "Laptop", Description: "High-performance laptop", Price: decimal.RequireFromString("999.99"), StockQuantity: 50, Category: "Electronics"},
		{ID: "PROD002", Name: "Wireless Mouse", Description: "Ergonomic wireless mouse", Price: decimal.RequireFromString("29.99"), StockQuantity: 200, Category: "Electronics"},
		{ID: "PROD003", Name: "Mechanical Keyboard", Description: "RGB mechanical keyboard", Price: decimal.RequireFromString("89.99"), StockQuantity: 8, Category: "Electronics"},
		{ID: "PROD004", Name: "Monitor", Description: "27-inch 4K monitor", Price: decimal.RequireFromString("399.99"), StockQuantity: 15, Category: "Electronics"},
		{ID: "PROD005", Name: "USB-C Hub", Description: "7-in-1 USB-C hub", Price: decimal.RequireFromString("49.99"), StockQuantity: 5, Category: "Accessories"},
	} {
		s.AddProduct(p)
	}
}

// Ping always succeeds
func (s *Store) Ping(ctx context.Context) error {
	return nil
}

// RunInTx runs fn while holding the store lock and applies its writes if fn succeeds
func (s *Store) RunInTx(ctx context.Context, fn func(tx store.InventoryTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return apperrors.Transient("transaction cancelled", err)
	}

	tx := &memTx{
		s:        s,
		stock:    make(map[string]int),
		statuses: make(map[string]models.StatusChange),
		reserved: make(map[string][]models.ReservedItem),
	}
	if err := fn(tx); err != nil {
		return err
	}

	now := s.now()
	for id, stock := range tx.stock {
		p := s.products[id]
		p.StockQuantity = stock
		p.UpdatedAt = now
		s.products[id] = p
	}
	for id, change := range tx.statuses {
		s.applyChange(s.orders[id], change, now)
	}
	for id, items := range tx.reserved {
		if items == nil {
			delete(s.reserved, id)
			continue
		}
		s.reserved[id] = items
	}
	return nil
}

// GetProduct retrieves a product by ID
func (s *Store) GetProduct(ctx context.Context, productID string) (*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productID]
	if !ok {
		return nil, apperrors.NotFound("product %s not found", productID)
	}
	return &p, nil
}

// ListProducts retrieves all products ordered by id
func (s *Store) ListProducts(ctx context.Context) ([]models.Product, error) {
	return s.filterProducts(func(models.Product) bool { return true }), nil
}

// ListLowStock retrieves products at or below the threshold
func (s *Store) ListLowStock(ctx context.Context, threshold int) ([]models.Product, error) {
	products := s.filterProducts(func(p models.Product) bool { return p.IsLowStock(threshold) })
	sort.SliceStable(products, func(i, j int) bool {
		return products[i].StockQuantity < products[j].StockQuantity
	})
	return products, nil
}

func (s *Store) filterProducts(keep func(models.Product) bool) []models.Product {
	s.mu.Lock()
	defer s.mu.Unlock()

	products := []models.Product{}
	for _, p := range s.products {
		if keep(p) {
			products = append(products, p)
		}
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products
}

// CreateOrder prices the items from current product prices and stores the order
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	if order.ID == "" || len(order.Items) == 0 {
		return apperrors.Validation("order id and items are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[order.ID]; exists {
		return apperrors.Conflict("order already exists", map[string]any{"order_id": order.ID}, nil)
	}
	if _, ok := s.customers[order.CustomerID]; !ok {
		return apperrors.NotFound("customer %s not found", order.CustomerID)
	}

	for i := range order.Items {
		p, ok := s.products[order.Items[i].ProductID]
		if !ok {
			return apperrors.NotFound("product %s not found", order.Items[i].ProductID)
		}
		order.Items[i].OrderID = order.ID
		order.Items[i].UnitPrice = p.Price
	}
	order.TotalAmount = order.ComputeTotal()

	now := s.now()
	order.CreatedAt, order.UpdatedAt = now, now

	s.seq++
	stored := copyOrder(*order)
	for i := range stored.Items {
		s.seq++
		stored.Items[i].ID = s.seq
		order.Items[i].ID = s.seq
	}
	s.orders[order.ID] = &orderRecord{seq: s.seq, order: stored}
	return nil
}

// GetOrder retrieves an order with its items
func (s *Store) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.orders[orderID]
	if !ok {
		return nil, apperrors.NotFound("order %s not found", orderID)
	}
	order := copyOrder(rec.order)
	return &order, nil
}

// ListOrders retrieves a page of orders, newest first, without items
func (s *Store) ListOrders(ctx context.Context, page models.PageRequest) ([]models.Order, int, error) {
	page = page.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]*orderRecord, 0, len(s.orders))
	for _, rec := range s.orders {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].seq > records[j].seq })

	orders := []models.Order{}
	for i := page.Offset(); i < len(records) && len(orders) < page.Limit; i++ {
		order := records[i].order
		order.Items = nil
		orders = append(orders, order)
	}
	return orders, len(records), nil
}

// ListByStatus retrieves orders in a status last updated before the given time
func (s *Store) ListByStatus(ctx context.Context, status models.OrderStatus, updatedBefore time.Time) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orders := []models.Order{}
	for _, rec := range s.orders {
		if rec.order.Status == status && rec.order.UpdatedAt.Before(updatedBefore) {
			orders = append(orders, copyOrder(rec.order))
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].UpdatedAt.Before(orders[j].UpdatedAt) })
	return orders, nil
}

// TransitionOrder changes the order status if the transition table allows it
func (s *Store) TransitionOrder(ctx context.Context, orderID string, change models.StatusChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.orders[orderID]
	if !ok {
		return apperrors.NotFound("order %s not found", orderID)
	}
	if err := checkChange(orderID, rec.order.Status, change); err != nil {
		return err
	}
	s.applyChange(rec, change, s.now())
	return nil
}

// DeleteOrder removes a terminal order and its items
func (s *Store) DeleteOrder(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.orders[orderID]
	if !ok {
		return apperrors.NotFound("order %s not found", orderID)
	}
	if !rec.order.Status.IsTerminal() {
		return apperrors.Conflict("order workflow is still in progress",
			map[string]any{"order_id": orderID, "status": rec.order.Status}, nil)
	}
	delete(s.orders, orderID)
	delete(s.reserved, orderID)
	return nil
}

// SaveExecution inserts or replaces an execution
func (s *Store) SaveExecution(ctx context.Context, exec *models.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.executions[exec.ID] = *exec
	return nil
}

// GetExecution retrieves an execution by its handle
func (s *Store) GetExecution(ctx context.Context, executionID string) (*models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[executionID]
	if !ok {
		return nil, apperrors.NotFound("execution %s not found", executionID)
	}
	return &exec, nil
}

// AcquireLease claims the execution unless another owner holds an unexpired lease
func (s *Store) AcquireLease(ctx context.Context, executionID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if held, ok := s.leases[executionID]; ok && held.owner != owner && now.Before(held.expires) {
		return false, nil
	}
	s.leases[executionID] = lease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

// ReleaseLease drops the lease if owner still holds it
func (s *Store) ReleaseLease(ctx context.Context, executionID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if held, ok := s.leases[executionID]; ok && held.owner == owner {
		delete(s.leases, executionID)
	}
	return nil
}

func (s *Store) applyChange(rec *orderRecord, change models.StatusChange, now time.Time) {
	rec.order.Status = change.To
	if change.PaymentStatus != "" {
		rec.order.PaymentStatus = change.PaymentStatus
	}
	if change.TransactionID != "" {
		rec.order.TransactionID = change.TransactionID
	}
	rec.order.UpdatedAt = now
}

func checkChange(orderID string, current models.OrderStatus, change models.StatusChange) error {
	sources := change.Sources()
	if len(sources) == 0 {
		return apperrors.Validation("illegal status change %s -> %s", change.From, change.To)
	}
	for _, s := range sources {
		if s == current {
			return nil
		}
	}
	return store.TransitionConflict(orderID, current, change.To)
}

func copyOrder(o models.Order) models.Order {
	if o.Items != nil {
		items := make([]models.OrderItem, len(o.Items))
		copy(items, o.Items)
		o.Items = items
	}
	return o
}

// memTx stages writes until RunInTx commits them. A nil reserved entry marks a deletion.
type memTx struct {
	s        *Store
	stock    map[string]int
	statuses map[string]models.StatusChange
	reserved map[string][]models.ReservedItem
}

func (t *memTx) FindProductIDsByName(ctx context.Context, name string) ([]string, error) {
	ids := []string{}
	for id, p := range t.s.products {
		if p.Name == name {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (t *memTx) LockProduct(ctx context.Context, productID string) (*models.Product, error) {
	p, ok := t.s.products[productID]
	if !ok {
		return nil, apperrors.NotFound("product %s not found", productID)
	}
	if stock, staged := t.stock[productID]; staged {
		p.StockQuantity = stock
	}
	return &p, nil
}

func (t *memTx) SetStock(ctx context.Context, productID string, stock int) error {
	if _, ok := t.s.products[productID]; !ok {
		return apperrors.NotFound("product %s not found", productID)
	}
	if stock < 0 {
		return apperrors.Conflict("stock cannot be negative", map[string]any{"product_id": productID}, nil)
	}
	t.stock[productID] = stock
	return nil
}

func (t *memTx) LockOrder(ctx context.Context, orderID string) (models.OrderStatus, error) {
	rec, ok := t.s.orders[orderID]
	if !ok {
		return "", apperrors.NotFound("order %s not found", orderID)
	}
	if staged, ok := t.statuses[orderID]; ok {
		return staged.To, nil
	}
	return rec.order.Status, nil
}

func (t *memTx) TransitionOrder(ctx context.Context, orderID string, change models.StatusChange) error {
	rec, ok := t.s.orders[orderID]
	if !ok {
		return apperrors.NotFound("order %s not found", orderID)
	}
	current := rec.order.Status
	if staged, ok := t.statuses[orderID]; ok {
		current = staged.To
	}
	if err := checkChange(orderID, current, change); err != nil {
		return err
	}
	t.statuses[orderID] = change
	return nil
}

func (t *memTx) SaveReservation(ctx context.Context, orderID string, items []models.ReservedItem) error {
	if _, ok := t.s.orders[orderID]; !ok {
		return apperrors.NotFound("order %s not found", orderID)
	}
	existing, err := t.GetReservation(ctx, orderID)
	if err != nil {
		return err
	}

	merged := existing
	for _, item := range items {
		for _, held := range existing {
			if held.ProductID == item.ProductID {
				return apperrors.Conflict("product already reserved for order",
					map[string]any{"order_id": orderID, "product_id": item.ProductID}, nil)
			}
		}
		item.OrderID = orderID
		merged = append(merged, item)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ProductID < merged[j].ProductID })
	t.reserved[orderID] = merged
	return nil
}

func (t *memTx) GetReservation(ctx context.Context, orderID string) ([]models.ReservedItem, error) {
	items, staged := t.reserved[orderID]
	if !staged {
		items = t.s.reserved[orderID]
	}
	out := make([]models.ReservedItem, len(items))
	copy(out, items)
	return out, nil
}

func (t *memTx) DeleteReservation(ctx context.Context, orderID string) error {
	t.reserved[orderID] = nil
	return nil
}
