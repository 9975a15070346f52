package memstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"order-fulfillment/internal/apperrors"
	"order-fulfillment/internal/models"
	"order-fulfillment/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSeeded(t *testing.T) *Store {
	t.Helper()
	s := New()
	s.Seed()
	return s
}

func newOrder(id string) *models.Order {
	return &models.Order{
		ID:         id,
		CustomerID: "CUST001",
		Status:     models.OrderStatusPending,
		Items: []models.OrderItem{
			{ProductID: "PROD002", Quantity: 2},
		},
	}
}

func TestCreateOrderPricesFromCatalog(t *testing.T) {
	s := newSeeded(t)
	ctx := context.Background()

	order := newOrder("o-1")
	require.NoError(t, s.CreateOrder(ctx, order))
	assert.True(t, decimal.RequireFromString("59.98").Equal(order.TotalAmount))

	require.NoError(t, s.SetPrice("PROD002", decimal.NewFromInt(100)))

	got, err := s.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("59.98").Equal(got.TotalAmount))
	require.Len(t, got.Items, 1)
	assert.True(t, decimal.RequireFromString("29.99").Equal(got.Items[0].UnitPrice))
}

func TestCreateOrderUnknownReferences(t *testing.T) {
	s := newSeeded(t)
	ctx := context.Background()

	order := newOrder("o-1")
	order.CustomerID = "nobody"
	assert.True(t, apperrors.Is(s.CreateOrder(ctx, order), apperrors.KindNotFound))

	order = newOrder("o-2")
	order.Items[0].ProductID = "PROD999"
	assert.True(t, apperrors.Is(s.CreateOrder(ctx, order), apperrors.KindNotFound))

	_, err := s.GetOrder(ctx, "o-2")
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))
}

func TestListOrdersNewestFirst(t *testing.T) {
	s := newSeeded(t)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		require.NoError(t, s.CreateOrder(ctx, newOrder(fmt.Sprintf("o-%02d", i))))
	}

	page, total, err := s.ListOrders(ctx, models.PageRequest{Page: 1, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 25, total)
	require.Len(t, page, 10)
	assert.Equal(t, "o-24", page[0].ID)
	assert.Nil(t, page[0].Items)

	page, _, err = s.ListOrders(ctx, models.PageRequest{Page: 3, Limit: 10})
	require.NoError(t, err)
	require.Len(t, page, 5)
	assert.Equal(t, "o-00", page[4].ID)
}

func TestTransitionOrderGuarded(t *testing.T) {
	s := newSeeded(t)
	ctx := context.Background()
	require.NoError(t, s.CreateOrder(ctx, newOrder("o-1")))

	err := s.TransitionOrder(ctx, "o-1", models.StatusChange{To: models.OrderStatusCompleted})
	assert.True(t, apperrors.Is(err, apperrors.KindConflict))
	assert.True(t, errors.Is(err, models.ErrIllegalTransition))

	require.NoError(t, s.TransitionOrder(ctx, "o-1", models.StatusChange{
		To:            models.OrderStatusPaymentSucceeded,
		PaymentStatus: models.PaymentStatusSuccess,
		TransactionID: "TXN-1",
	}))

	got, err := s.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaymentSucceeded, got.Status)
	assert.Equal(t, "TXN-1", got.TransactionID)

	err = s.TransitionOrder(ctx, "missing", models.StatusChange{To: models.OrderStatusCancelled})
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))
}

func TestRunInTxRollsBackOnError(t *testing.T) {
	s := newSeeded(t)
	ctx := context.Background()
	require.NoError(t, s.CreateOrder(ctx, newOrder("o-1")))

	boom := errors.New("boom")
	err := s.RunInTx(ctx, func(tx store.InventoryTx) error {
		require.NoError(t, tx.SetStock(ctx, "PROD001", 1))
		require.NoError(t, tx.TransitionOrder(ctx, "o-1", models.StatusChange{To: models.OrderStatusCancelled}))

		p, err := tx.LockProduct(ctx, "PROD001")
		require.NoError(t, err)
		assert.Equal(t, 1, p.StockQuantity)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	p, err := s.GetProduct(ctx, "PROD001")
	require.NoError(t, err)
	assert.Equal(t, 50, p.StockQuantity)

	order, err := s.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, order.Status)
}

func TestDeleteOrderOnlyWhenTerminal(t *testing.T) {
	s := newSeeded(t)
	ctx := context.Background()
	require.NoError(t, s.CreateOrder(ctx, newOrder("o-1")))

	assert.True(t, apperrors.Is(s.DeleteOrder(ctx, "o-1"), apperrors.KindConflict))

	require.NoError(t, s.TransitionOrder(ctx, "o-1", models.StatusChange{To: models.OrderStatusCancelled}))
	require.NoError(t, s.DeleteOrder(ctx, "o-1"))

	_, err := s.GetOrder(ctx, "o-1")
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))
}

func TestListByStatusAndLowStock(t *testing.T) {
	s := newSeeded(t)
	ctx := context.Background()
	require.NoError(t, s.CreateOrder(ctx, newOrder("o-1")))

	stale, err := s.ListByStatus(ctx, models.OrderStatusPending, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)

	fresh, err := s.ListByStatus(ctx, models.OrderStatusPending, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, fresh)

	low, err := s.ListLowStock(ctx, models.DefaultLowStockThreshold)
	require.NoError(t, err)
	require.Len(t, low, 2)
	assert.Equal(t, "PROD005", low[0].ID)
	assert.Equal(t, "PROD003", low[1].ID)
}

func TestExecutions(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.GetExecution(ctx, "order-x")
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))

	require.NoError(t, s.SaveExecution(ctx, &models.Execution{ID: "order-x", OrderID: "x", Status: models.ExecutionRunning}))
	exec, err := s.GetExecution(ctx, "order-x")
	require.NoError(t, err)
	assert.Equal(t, "x", exec.OrderID)
	assert.False(t, exec.Finished())
}

func TestExecutionLease(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	s.now = func() time.Time { return now }

	ok, err := s.AcquireLease(ctx, "order-x", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireLease(ctx, "order-x", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.ReleaseLease(ctx, "order-x", "b"))
	ok, err = s.AcquireLease(ctx, "order-x", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "releasing with the wrong owner keeps the lease")

	now = now.Add(2 * time.Minute)
	ok, err = s.AcquireLease(ctx, "order-x", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease can be taken over")

	require.NoError(t, s.ReleaseLease(ctx, "order-x", "b"))
	ok, err = s.AcquireLease(ctx, "order-x", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReservationIsStagedWithTransaction(t *testing.T) {
	s := newSeeded(t)
	ctx := context.Background()
	require.NoError(t, s.CreateOrder(ctx, newOrder("o-1")))

	held := []models.ReservedItem{{ProductID: "PROD002", Quantity: 3}}
	err := s.RunInTx(ctx, func(tx store.InventoryTx) error {
		require.NoError(t, tx.SaveReservation(ctx, "o-1", held))
		return errors.New("rollback")
	})
	require.Error(t, err)

	require.NoError(t, s.RunInTx(ctx, func(tx store.InventoryTx) error {
		got, err := tx.GetReservation(ctx, "o-1")
		require.NoError(t, err)
		assert.Empty(t, got)
		return tx.SaveReservation(ctx, "o-1", held)
	}))

	require.NoError(t, s.RunInTx(ctx, func(tx store.InventoryTx) error {
		got, err := tx.GetReservation(ctx, "o-1")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, 3, got[0].Quantity)
		assert.Equal(t, "o-1", got[0].OrderID)

		err = tx.SaveReservation(ctx, "o-1", held)
		assert.True(t, apperrors.Is(err, apperrors.KindConflict))

		require.NoError(t, tx.DeleteReservation(ctx, "o-1"))
		got, err = tx.GetReservation(ctx, "o-1")
		require.NoError(t, err)
		assert.Empty(t, got)
		return nil
	}))

	err = s.RunInTx(ctx, func(tx store.InventoryTx) error {
		return tx.SaveReservation(ctx, "missing", held)
	})
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))
}
