package store

import (
	"context"
	"database/sql"
	"errors"

	"order-fulfillment/internal/apperrors"
	"order-fulfillment/internal/models"

	"github.com/jmoiron/sqlx"
)

const productColumns = `product_id, product_name, COALESCE(description, '') AS description,
	price, stock_quantity, COALESCE(category, '') AS category, created_at, updated_at`

// GetProduct retrieves a product by ID
func (s *Store) GetProduct(ctx context.Context, productID string) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product,
		"SELECT "+productColumns+" FROM inventory WHERE product_id = $1", productID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("product %s not found", productID)
	}
	if err != nil {
		return nil, mapError("get product", err)
	}
	return &product, nil
}

// ListProducts retrieves all products
func (s *Store) ListProducts(ctx context.Context) ([]models.Product, error) {
	products := []models.Product{}
	err := s.db.SelectContext(ctx, &products,
		"SELECT "+productColumns+" FROM inventory ORDER BY product_id")
	return products, mapError("list products", err)
}

// ListLowStock retrieves products whose stock is at or below the threshold
func (s *Store) ListLowStock(ctx context.Context, threshold int) ([]models.Product, error) {
	products := []models.Product{}
	err := s.db.SelectContext(ctx, &products,
		"SELECT "+productColumns+" FROM inventory WHERE stock_quantity <= $1 ORDER BY stock_quantity, product_id",
		threshold)
	return products, mapError("list low stock products", err)
}

type pgTx struct {
	tx *sqlx.Tx
}

// FindProductIDsByName resolves a product name to ids
func (t *pgTx) FindProductIDsByName(ctx context.Context, name string) ([]string, error) {
	ids := []string{}
	err := t.tx.SelectContext(ctx, &ids,
		"SELECT product_id FROM inventory WHERE product_name = $1 ORDER BY product_id", name)
	return ids, mapError("resolve product name", err)
}

// LockProduct reads a product with FOR UPDATE
func (t *pgTx) LockProduct(ctx context.Context, productID string) (*models.Product, error) {
	var product models.Product
	err := t.tx.GetContext(ctx, &product,
		"SELECT "+productColumns+" FROM inventory WHERE product_id = $1 FOR UPDATE", productID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("product %s not found", productID)
	}
	if err != nil {
		return nil, mapError("lock product", err)
	}
	return &product, nil
}

// SetStock writes the stock level of a locked product
func (t *pgTx) SetStock(ctx context.Context, productID string, stock int) error {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE inventory SET stock_quantity = $1, updated_at = NOW() WHERE product_id = $2",
		stock, productID)
	if err != nil {
		return mapError("update stock", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("product %s not found", productID)
	}
	return nil
}

// LockOrder reads the order status with FOR UPDATE
func (t *pgTx) LockOrder(ctx context.Context, orderID string) (models.OrderStatus, error) {
	var status models.OrderStatus
	err := t.tx.GetContext(ctx, &status, "SELECT status FROM orders WHERE order_id = $1 FOR UPDATE", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperrors.NotFound("order %s not found", orderID)
	}
	if err != nil {
		return "", mapError("lock order", err)
	}
	return status, nil
}

// TransitionOrder updates the order status inside the transaction
func (t *pgTx) TransitionOrder(ctx context.Context, orderID string, change models.StatusChange) error {
	return transitionOrder(ctx, t.tx, orderID, change)
}

// SaveReservation inserts the reserved quantities of an order
func (t *pgTx) SaveReservation(ctx context.Context, orderID string, items []models.ReservedItem) error {
	for _, item := range items {
		_, err := t.tx.ExecContext(ctx,
			"INSERT INTO order_reservations (order_id, product_id, quantity) VALUES ($1, $2, $3)",
			orderID, item.ProductID, item.Quantity)
		if err != nil {
			return mapError("save reservation", err)
		}
	}
	return nil
}

// GetReservation reads the reserved quantities of an order
func (t *pgTx) GetReservation(ctx context.Context, orderID string) ([]models.ReservedItem, error) {
	items := []models.ReservedItem{}
	err := t.tx.SelectContext(ctx, &items,
		"SELECT order_id, product_id, quantity FROM order_reservations WHERE order_id = $1 ORDER BY product_id",
		orderID)
	return items, mapError("get reservation", err)
}

// DeleteReservation removes the reserved quantities of an order
func (t *pgTx) DeleteReservation(ctx context.Context, orderID string) error {
	_, err := t.tx.ExecContext(ctx, "DELETE FROM order_reservations WHERE order_id = $1", orderID)
	return mapError("delete reservation", err)
}
