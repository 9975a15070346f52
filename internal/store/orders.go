package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"order-fulfillment/internal/apperrors"
	"order-fulfillment/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

const orderColumns = `order_id, customer_id, total_amount, status,
	COALESCE(payment_status, '') AS payment_status, COALESCE(transaction_id, '') AS transaction_id,
	created_at, updated_at`

// CreateOrder creates a new order and its items priced at the current product prices
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	if order.ID == "" || len(order.Items) == 0 {
		return apperrors.Validation("order id and items are required")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapError("begin transaction", err)
	}
	defer tx.Rollback()

	ids := make([]string, 0, len(order.Items))
	for _, item := range order.Items {
		ids = append(ids, item.ProductID)
	}

	query, args, err := sqlx.In("SELECT product_id, price FROM inventory WHERE product_id IN (?)", ids)
	if err != nil {
		return mapError("build price query", err)
	}

	var rows []struct {
		ProductID string          `db:"product_id"`
		Price     decimal.Decimal `db:"price"`
	}
	if err := tx.SelectContext(ctx, &rows, tx.Rebind(query), args...); err != nil {
		return mapError("load product prices", err)
	}

	prices := make(map[string]decimal.Decimal, len(rows))
	for _, row := range rows {
		prices[row.ProductID] = row.Price
	}

	for i := range order.Items {
		price, ok := prices[order.Items[i].ProductID]
		if !ok {
			return apperrors.NotFound("product %s not found", order.Items[i].ProductID)
		}
		order.Items[i].OrderID = order.ID
		order.Items[i].UnitPrice = price
	}
	order.TotalAmount = order.ComputeTotal()

	err = tx.QueryRowxContext(ctx, `
		INSERT INTO orders (order_id, customer_id, total_amount, status)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`,
		order.ID, order.CustomerID, order.TotalAmount, order.Status,
	).Scan(&order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return mapError("create order", err)
	}

	for i := range order.Items {
		item := &order.Items[i]
		err := tx.GetContext(ctx, &item.ID, `
			INSERT INTO order_items (order_id, product_id, quantity, price)
			VALUES ($1, $2, $3, $4)
			RETURNING id`,
			item.OrderID, item.ProductID, item.Quantity, item.UnitPrice)
		if err != nil {
			return mapError("create order item", err)
		}
	}

	return mapError("commit order", tx.Commit())
}

// GetOrder retrieves an order with its items
func (s *Store) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE order_id = $1", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("order %s not found", orderID)
	}
	if err != nil {
		return nil, mapError("get order", err)
	}

	order.Items, err = getOrderItems(ctx, s.db, orderID)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ListOrders retrieves a page of orders, newest first, and the total order count
func (s *Store) ListOrders(ctx context.Context, page models.PageRequest) ([]models.Order, int, error) {
	page = page.Normalize()

	orders := []models.Order{}
	err := s.db.SelectContext(ctx, &orders,
		"SELECT "+orderColumns+" FROM orders ORDER BY created_at DESC, order_id LIMIT $1 OFFSET $2",
		page.Limit, page.Offset())
	if err != nil {
		return nil, 0, mapError("list orders", err)
	}

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM orders"); err != nil {
		return nil, 0, mapError("count orders", err)
	}
	return orders, total, nil
}

// ListByStatus retrieves orders in a status that were last updated before the given time
func (s *Store) ListByStatus(ctx context.Context, status models.OrderStatus, updatedBefore time.Time) ([]models.Order, error) {
	orders := []models.Order{}
	err := s.db.SelectContext(ctx, &orders,
		"SELECT "+orderColumns+" FROM orders WHERE status = $1 AND updated_at < $2 ORDER BY updated_at",
		status, updatedBefore)
	return orders, mapError("list orders by status", err)
}

// TransitionOrder updates the order status if the transition table allows it
func (s *Store) TransitionOrder(ctx context.Context, orderID string, change models.StatusChange) error {
	return transitionOrder(ctx, s.db, orderID, change)
}

// DeleteOrder deletes a terminal order and its items
func (s *Store) DeleteOrder(ctx context.Context, orderID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapError("begin transaction", err)
	}
	defer tx.Rollback()

	var status models.OrderStatus
	err = tx.GetContext(ctx, &status, "SELECT status FROM orders WHERE order_id = $1 FOR UPDATE", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NotFound("order %s not found", orderID)
	}
	if err != nil {
		return mapError("lock order", err)
	}
	if !status.IsTerminal() {
		return apperrors.Conflict("order workflow is still in progress",
			map[string]any{"order_id": orderID, "status": status}, nil)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM order_items WHERE order_id = $1", orderID); err != nil {
		return mapError("delete order items", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM orders WHERE order_id = $1", orderID); err != nil {
		return mapError("delete order", err)
	}
	return mapError("commit delete", tx.Commit())
}

func getOrderItems(ctx context.Context, q sqlx.QueryerContext, orderID string) ([]models.OrderItem, error) {
	items := []models.OrderItem{}
	err := sqlx.SelectContext(ctx, q, &items,
		"SELECT id, order_id, product_id, quantity, price FROM order_items WHERE order_id = $1 ORDER BY id",
		orderID)
	return items, mapError("get order items", err)
}

// transitionOrder is a status update with the allowed source statuses as precondition,
// so concurrent transitions on one order have exactly one winner.
func transitionOrder(ctx context.Context, q sqlx.ExtContext, orderID string, change models.StatusChange) error {
	sources := change.Sources()
	if len(sources) == 0 {
		return apperrors.Validation("illegal status change %s -> %s", change.From, change.To)
	}

	res, err := q.ExecContext(ctx, `
		UPDATE orders
		SET status = $1,
			payment_status = COALESCE(NULLIF($2::text, ''), payment_status),
			transaction_id = COALESCE(NULLIF($3::text, ''), transaction_id),
			updated_at = NOW()
		WHERE order_id = $4 AND status = ANY($5)`,
		change.To, change.PaymentStatus, change.TransactionID, orderID, pq.Array(models.Strings(sources)))
	if err != nil {
		return mapError("update order status", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var current models.OrderStatus
	err = sqlx.GetContext(ctx, q, &current, "SELECT status FROM orders WHERE order_id = $1", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NotFound("order %s not found", orderID)
	}
	if err != nil {
		return mapError("read order status", err)
	}
	return TransitionConflict(orderID, current, change.To)
}
