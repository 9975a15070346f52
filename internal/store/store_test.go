package store_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"order-fulfillment/internal/apperrors"
	"order-fulfillment/internal/inventory"
	"order-fulfillment/internal/models"
	"order-fulfillment/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	if os.Getenv("INTEGRATION") != "1" {
		t.Skip("Integration test - set INTEGRATION=1 to run against a Postgres container")
	}

	ctx := context.Background()
	pgC, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("fulfillment"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	st, err := store.NewStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, st.Migrate(ctx))
	require.NoError(t, st.Seed(ctx))
	return st
}

func newOrder(items ...models.OrderItem) *models.Order {
	return &models.Order{
		ID:         uuid.New().String(),
		CustomerID: "CUST001",
		Status:     models.OrderStatusPending,
		Items:      items,
	}
}

func TestCreateOrderPricesFromInventory(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	order := newOrder(
		models.OrderItem{ProductID: "PROD002", Quantity: 2},
		models.OrderItem{ProductID: "PROD005", Quantity: 1},
	)
	require.NoError(t, st.CreateOrder(ctx, order))
	assert.True(t, decimal.RequireFromString("109.97").Equal(order.TotalAmount), order.TotalAmount.String())

	got, err := st.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, got.Status)
	require.Len(t, got.Items, 2)
	assert.True(t, decimal.RequireFromString("29.99").Equal(got.Items[0].UnitPrice))

	_, err = st.GetOrder(ctx, "missing")
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))

	bad := newOrder(models.OrderItem{ProductID: "NOPE", Quantity: 1})
	err = st.CreateOrder(ctx, bad)
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))

	unknownCustomer := newOrder(models.OrderItem{ProductID: "PROD001", Quantity: 1})
	unknownCustomer.CustomerID = "CUST999"
	err = st.CreateOrder(ctx, unknownCustomer)
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))
}

func TestListOrdersPagination(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		require.NoError(t, st.CreateOrder(ctx, newOrder(models.OrderItem{ProductID: "PROD002", Quantity: 1})))
	}

	orders, total, err := st.ListOrders(ctx, models.PageRequest{Page: 3, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 25, total)
	assert.Len(t, orders, 5)
}

func TestTransitionOrderIsGuarded(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	order := newOrder(models.OrderItem{ProductID: "PROD002", Quantity: 1})
	require.NoError(t, st.CreateOrder(ctx, order))

	err := st.TransitionOrder(ctx, order.ID, models.StatusChange{To: models.OrderStatusCompleted})
	assert.True(t, apperrors.Is(err, apperrors.KindConflict))

	require.NoError(t, st.TransitionOrder(ctx, order.ID, models.StatusChange{
		To:            models.OrderStatusPaymentSucceeded,
		PaymentStatus: models.PaymentStatusSuccess,
		TransactionID: "TXN-1",
	}))

	got, err := st.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaymentSucceeded, got.Status)
	assert.Equal(t, "TXN-1", got.TransactionID)

	err = st.DeleteOrder(ctx, order.ID)
	assert.True(t, apperrors.Is(err, apperrors.KindConflict), "non-terminal orders cannot be deleted")
}

func TestConcurrentReservationsNeverOversell(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	reserver := inventory.NewReserver(st, models.DefaultLowStockThreshold)

	// PROD005 starts with 5 units; ten orders of 1 unit each compete for them
	var ids []string
	for i := 0; i < 10; i++ {
		order := newOrder(models.OrderItem{ProductID: "PROD005", Quantity: 1})
		require.NoError(t, st.CreateOrder(ctx, order))
		require.NoError(t, st.TransitionOrder(ctx, order.ID, models.StatusChange{To: models.OrderStatusPaymentSucceeded}))
		ids = append(ids, order.ID)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for _, id := range ids {
		wg.Add(1)
		go func(orderID string) {
			defer wg.Done()
			_, err := reserver.Reserve(ctx, orderID, []inventory.Item{{ProductID: "PROD005", Quantity: 1}})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 5, succeeded)
	product, err := st.GetProduct(ctx, "PROD005")
	require.NoError(t, err)
	assert.Equal(t, 0, product.StockQuantity)
}

func TestReleaseRestoresStock(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	reserver := inventory.NewReserver(st, models.DefaultLowStockThreshold)

	order := newOrder(models.OrderItem{ProductID: "PROD004", Quantity: 6})
	require.NoError(t, st.CreateOrder(ctx, order))
	require.NoError(t, st.TransitionOrder(ctx, order.ID, models.StatusChange{To: models.OrderStatusPaymentSucceeded}))

	outcome, err := reserver.Reserve(ctx, order.ID, []inventory.Item{{ProductName: "Monitor", Quantity: 6}})
	require.NoError(t, err)
	require.Len(t, outcome.LowStockAlerts, 1)
	assert.Equal(t, 9, outcome.LowStockAlerts[0].CurrentStock)

	require.NoError(t, reserver.Release(ctx, order.ID))

	product, err := st.GetProduct(ctx, "PROD004")
	require.NoError(t, err)
	assert.Equal(t, 15, product.StockQuantity)

	got, err := st.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, got.Status)
	require.NoError(t, st.DeleteOrder(ctx, order.ID))
}

func TestReleaseAfterExplicitItemReservation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	reserver := inventory.NewReserver(st, models.DefaultLowStockThreshold)

	order := newOrder(models.OrderItem{ProductID: "PROD001", Quantity: 20})
	require.NoError(t, st.CreateOrder(ctx, order))
	require.NoError(t, st.TransitionOrder(ctx, order.ID, models.StatusChange{To: models.OrderStatusPaymentSucceeded}))

	out := reserver.RunStep(ctx, st, inventory.StepInput{
		OrderID: order.ID,
		Items:   []inventory.StepItem{{ProductID: "PROD001", Quantity: 1}},
	})
	require.True(t, out.Succeeded(), out.Message)

	product, err := st.GetProduct(ctx, "PROD001")
	require.NoError(t, err)
	assert.Equal(t, 49, product.StockQuantity)

	require.NoError(t, reserver.Release(ctx, order.ID))

	product, err = st.GetProduct(ctx, "PROD001")
	require.NoError(t, err)
	assert.Equal(t, 50, product.StockQuantity)
}

func TestMigrateIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Migrate(ctx))
	require.NoError(t, st.Seed(ctx))

	products, err := st.ListProducts(ctx)
	require.NoError(t, err)
	assert.Len(t, products, 5)

	low, err := st.ListLowStock(ctx, models.DefaultLowStockThreshold)
	require.NoError(t, err)
	require.Len(t, low, 2)
	assert.Equal(t, "PROD005", low[0].ID)
	assert.Equal(t, "PROD003", low[1].ID)
}
