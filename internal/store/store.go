package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"order-fulfillment/internal/apperrors"
	"order-fulfillment/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// InventoryTx is a unit of work over the product table. Every call made through one
// InventoryTx commits or rolls back together.
type InventoryTx interface {
	// FindProductIDsByName returns the ids of all products with the exact name
	FindProductIDsByName(ctx context.Context, name string) ([]string, error)
	// LockProduct reads a product and holds an exclusive row lock until the transaction ends
	LockProduct(ctx context.Context, productID string) (*models.Product, error)
	// SetStock writes a product's stock level
	SetStock(ctx context.Context, productID string, stock int) error
	// LockOrder reads an order's status and holds its row lock until the transaction ends
	LockOrder(ctx context.Context, orderID string) (models.OrderStatus, error)
	// TransitionOrder changes an order's status if its current status may move to change.To
	TransitionOrder(ctx context.Context, orderID string, change models.StatusChange) error
	// SaveReservation records the quantities reserved for an order
	SaveReservation(ctx context.Context, orderID string, items []models.ReservedItem) error
	// GetReservation returns the quantities reserved for an order, ordered by product id
	GetReservation(ctx context.Context, orderID string) ([]models.ReservedItem, error)
	// DeleteReservation removes an order's reservation record
	DeleteReservation(ctx context.Context, orderID string) error
}

// InventoryStore is the product table as seen by inventory reservation and the low-stock monitor
type InventoryStore interface {
	RunInTx(ctx context.Context, fn func(tx InventoryTx) error) error
	GetProduct(ctx context.Context, productID string) (*models.Product, error)
	ListProducts(ctx context.Context) ([]models.Product, error)
	ListLowStock(ctx context.Context, threshold int) ([]models.Product, error)
}

// OrderStore persists orders and their line items
type OrderStore interface {
	// CreateOrder prices every item from the current product prices, computes the
	// total and persists the order with its items in one transaction.
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	ListOrders(ctx context.Context, page models.PageRequest) ([]models.Order, int, error)
	ListByStatus(ctx context.Context, status models.OrderStatus, updatedBefore time.Time) ([]models.Order, error)
	// TransitionOrder is an atomic status update guarded by the transition table
	TransitionOrder(ctx context.Context, orderID string, change models.StatusChange) error
	// DeleteOrder removes a terminal order together with its line items
	DeleteOrder(ctx context.Context, orderID string) error
}

// ExecutionStore keeps workflow handles and the leases that let one executor at a time
// run a workflow
type ExecutionStore interface {
	SaveExecution(ctx context.Context, exec *models.Execution) error
	GetExecution(ctx context.Context, executionID string) (*models.Execution, error)
	// AcquireLease claims executionID for owner until ttl elapses. It reports false
	// while another owner holds an unexpired lease.
	AcquireLease(ctx context.Context, executionID, owner string, ttl time.Duration) (bool, error)
	// ReleaseLease drops the lease if owner still holds it
	ReleaseLease(ctx context.Context, executionID, owner string) error
}

// Store is the Postgres implementation of InventoryStore and OrderStore
type Store struct {
	db *sqlx.DB
}

var (
	_ InventoryStore = (*Store)(nil)
	_ OrderStore     = (*Store)(nil)
	_ InventoryTx    = (*pgTx)(nil)
)

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewStoreFromDB wraps an existing connection
func NewStoreFromDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return mapError("ping database", s.db.PingContext(ctx))
}

// RunInTx runs fn in a read-committed transaction. Row locks taken with LockProduct
// serialize concurrent writers on the same product.
func (s *Store) RunInTx(ctx context.Context, fn func(tx InventoryTx) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return mapError("begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return mapError("commit transaction", err)
	}
	return nil
}

// mapError classifies driver errors into application error kinds
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}

	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23503":
			return &apperrors.Error{
				Kind:    apperrors.KindNotFound,
				Message: fmt.Sprintf("failed to %s: referenced record does not exist", op),
				Details: map[string]any{"constraint": pqErr.Constraint},
				Err:     err,
			}
		case "23505", "23514":
			return apperrors.Conflict(
				fmt.Sprintf("failed to %s: constraint violated", op),
				map[string]any{"constraint": pqErr.Constraint}, err)
		case "40001", "40P01":
			return apperrors.Transient(fmt.Sprintf("failed to %s: concurrent update", op), err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperrors.Transient(fmt.Sprintf("failed to %s", op), err)
	}

	return apperrors.Fatal(fmt.Sprintf("failed to %s", op), err)
}

// TransitionConflict explains why a guarded status update could not be applied
func TransitionConflict(orderID string, current, to models.OrderStatus) error {
	cause := models.CheckTransition(current, to)
	if cause == nil {
		cause = fmt.Errorf("%w: %s -> %s (status changed concurrently)", models.ErrIllegalTransition, current, to)
	}
	return apperrors.Conflict(
		fmt.Sprintf("order %s cannot move from %s to %s", orderID, current, to),
		map[string]any{"order_id": orderID, "current_status": current, "requested_status": to},
		cause)
}
