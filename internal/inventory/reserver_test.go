package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"order-fulfillment/internal/apperrors"
	"order-fulfillment/internal/models"
	"order-fulfillment/internal/store/memstore"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, products ...models.Product) *memstore.Store {
	t.Helper()
	s := memstore.New()
	s.AddCustomer(models.Customer{ID: "C1", Name: "Test", Email: "test@example.com"})
	for _, p := range products {
		s.AddProduct(p)
	}
	return s
}

func product(id string, stock int) models.Product {
	return models.Product{ID: id, Name: "Product " + id, Price: decimal.NewFromInt(10), StockQuantity: stock}
}

// paidOrder creates an order and moves it to payment_succeeded
func paidOrder(t *testing.T, s *memstore.Store, id string, items ...models.OrderItem) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateOrder(ctx, &models.Order{
		ID:         id,
		CustomerID: "C1",
		Status:     models.OrderStatusPending,
		Items:      items,
	}))
	require.NoError(t, s.TransitionOrder(ctx, id, models.StatusChange{To: models.OrderStatusPaymentSucceeded}))
}

func stockOf(t *testing.T, s *memstore.Store, id string) int {
	t.Helper()
	p, err := s.GetProduct(context.Background(), id)
	require.NoError(t, err)
	return p.StockQuantity
}

func statusOf(t *testing.T, s *memstore.Store, id string) models.OrderStatus {
	t.Helper()
	o, err := s.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return o.Status
}

func TestReserveSuccess(t *testing.T) {
	s := newTestStore(t, product("P1", 20), product("P2", 30))
	paidOrder(t, s, "o-1", models.OrderItem{ProductID: "P1", Quantity: 2})
	r := NewReserver(s, 10)

	outcome, err := r.Reserve(context.Background(), "o-1", []Item{
		{ProductID: "P2", Quantity: 1},
		{ProductID: "P1", Quantity: 2},
	})
	require.NoError(t, err)

	require.Len(t, outcome.Products, 2)
	assert.Equal(t, "P1", outcome.Products[0].ProductID)
	assert.Equal(t, 20, outcome.Products[0].PreviousStock)
	assert.Equal(t, 18, outcome.Products[0].NewStock)
	assert.Equal(t, "P2", outcome.Products[1].ProductID)
	assert.Empty(t, outcome.LowStockAlerts)

	assert.Equal(t, 18, stockOf(t, s, "P1"))
	assert.Equal(t, 29, stockOf(t, s, "P2"))
	assert.Equal(t, models.OrderStatusInventoryReserved, statusOf(t, s, "o-1"))
}

func TestReserveAllOrNothing(t *testing.T) {
	s := newTestStore(t, product("P1", 20), product("P2", 1))
	paidOrder(t, s, "o-1", models.OrderItem{ProductID: "P1", Quantity: 5})
	r := NewReserver(s, 10)

	_, err := r.Reserve(context.Background(), "o-1", []Item{
		{ProductID: "P1", Quantity: 5},
		{ProductID: "P2", Quantity: 3},
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindConflict))

	var stockErr *StockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, "P2", stockErr.ProductID)
	assert.Equal(t, 1, stockErr.Available)
	assert.Equal(t, 3, stockErr.Requested)
	assert.Equal(t, ReasonInsufficientStock, stockErr.Reason)

	assert.Equal(t, 20, stockOf(t, s, "P1"))
	assert.Equal(t, 1, stockOf(t, s, "P2"))
	assert.Equal(t, models.OrderStatusPaymentSucceeded, statusOf(t, s, "o-1"))
}

func TestReserveLowStockThreshold(t *testing.T) {
	tests := []struct {
		name     string
		quantity int
		alert    bool
	}{
		{"crosses threshold", 6, true},
		{"stays above threshold", 4, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t, product("P1", 15))
			paidOrder(t, s, "o-1", models.OrderItem{ProductID: "P1", Quantity: tt.quantity})

			outcome, err := NewReserver(s, models.DefaultLowStockThreshold).Reserve(
				context.Background(), "o-1", []Item{{ProductID: "P1", Quantity: tt.quantity}})
			require.NoError(t, err)

			if tt.alert {
				require.Len(t, outcome.LowStockAlerts, 1)
				assert.Equal(t, "P1", outcome.LowStockAlerts[0].ProductID)
				assert.Equal(t, 9, outcome.LowStockAlerts[0].CurrentStock)
			} else {
				assert.Empty(t, outcome.LowStockAlerts)
			}
		})
	}
}

func TestReserveConcurrentNeverOversells(t *testing.T) {
	s := newTestStore(t, product("P1", 10))
	r := NewReserver(s, 10)

	const orders = 25
	for i := 0; i < orders; i++ {
		paidOrder(t, s, fmt.Sprintf("o-%d", i), models.OrderItem{ProductID: "P1", Quantity: 1})
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < orders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.Reserve(context.Background(), fmt.Sprintf("o-%d", i), []Item{{ProductID: "P1", Quantity: 1}})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	assert.Equal(t, 0, stockOf(t, s, "P1"))
}

func TestReserveConflictingPairOneWins(t *testing.T) {
	s := newTestStore(t, product("A", 5), product("B", 5))
	r := NewReserver(s, 10)
	paidOrder(t, s, "o-1", models.OrderItem{ProductID: "A", Quantity: 3})
	paidOrder(t, s, "o-2", models.OrderItem{ProductID: "B", Quantity: 3})

	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = r.Reserve(context.Background(), "o-1", []Item{{ProductID: "A", Quantity: 3}, {ProductID: "B", Quantity: 3}})
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = r.Reserve(context.Background(), "o-2", []Item{{ProductID: "B", Quantity: 3}, {ProductID: "A", Quantity: 3}})
	}()
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			failures++
		}
	}
	assert.Equal(t, 1, failures)
	assert.Equal(t, 2, stockOf(t, s, "A"))
	assert.Equal(t, 2, stockOf(t, s, "B"))
}

func TestReserveResolvesNames(t *testing.T) {
	dup := models.Product{ID: "P3", Name: "Product P1", Price: decimal.NewFromInt(1), StockQuantity: 5}
	s := newTestStore(t, product("P1", 20), product("P2", 20))
	paidOrder(t, s, "o-1", models.OrderItem{ProductID: "P2", Quantity: 1})
	r := NewReserver(s, 10)

	outcome, err := r.Reserve(context.Background(), "o-1", []Item{
		{ProductName: "Product P2", Quantity: 1},
		{ProductID: "P2", Quantity: 2},
	})
	require.NoError(t, err)
	require.Len(t, outcome.Products, 1)
	assert.Equal(t, 3, outcome.Products[0].QuantityReserved)
	assert.Equal(t, 17, stockOf(t, s, "P2"))

	s.AddProduct(dup)
	paidOrder(t, s, "o-2", models.OrderItem{ProductID: "P1", Quantity: 1})

	_, err = r.Reserve(context.Background(), "o-2", []Item{{ProductName: "Product P1", Quantity: 1}})
	var stockErr *StockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, ReasonAmbiguousProduct, stockErr.Reason)

	_, err = r.Reserve(context.Background(), "o-2", []Item{{ProductName: "Nope", Quantity: 1}})
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, ReasonProductNotFound, stockErr.Reason)
	assert.True(t, apperrors.Is(err, apperrors.KindConflict))

	_, err = r.Reserve(context.Background(), "o-2", []Item{{ProductID: "P404", Quantity: 1}})
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, ReasonProductNotFound, stockErr.Reason)
	assert.Equal(t, models.OrderStatusPaymentSucceeded, statusOf(t, s, "o-2"))
}

func TestReserveValidation(t *testing.T) {
	s := newTestStore(t, product("P1", 20))
	r := NewReserver(s, 10)
	ctx := context.Background()

	_, err := r.Reserve(ctx, "", []Item{{ProductID: "P1", Quantity: 1}})
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))

	_, err = r.Reserve(ctx, "o-1", nil)
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))

	_, err = r.Reserve(ctx, "o-1", []Item{{ProductID: "P1", Quantity: 0}})
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))

	_, err = r.Reserve(ctx, "o-1", []Item{{Quantity: 1}})
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))
}

func TestReserveRequiresPaidOrder(t *testing.T) {
	s := newTestStore(t, product("P1", 20))
	ctx := context.Background()
	require.NoError(t, s.CreateOrder(ctx, &models.Order{
		ID: "o-1", CustomerID: "C1", Status: models.OrderStatusPending,
		Items: []models.OrderItem{{ProductID: "P1", Quantity: 1}},
	}))

	_, err := NewReserver(s, 10).Reserve(ctx, "o-1", []Item{{ProductID: "P1", Quantity: 1}})
	assert.True(t, apperrors.Is(err, apperrors.KindConflict))
	assert.True(t, errors.Is(err, models.ErrIllegalTransition))
	assert.Equal(t, 20, stockOf(t, s, "P1"))
}

func TestRelease(t *testing.T) {
	s := newTestStore(t, product("P1", 20), product("P2", 20))
	paidOrder(t, s, "o-1",
		models.OrderItem{ProductID: "P2", Quantity: 4},
		models.OrderItem{ProductID: "P1", Quantity: 2})
	r := NewReserver(s, 10)
	ctx := context.Background()

	err := r.Release(ctx, "o-1")
	assert.True(t, apperrors.Is(err, apperrors.KindConflict))

	_, err = r.Reserve(ctx, "o-1", []Item{{ProductID: "P2", Quantity: 4}, {ProductID: "P1", Quantity: 2}})
	require.NoError(t, err)
	assert.Equal(t, 18, stockOf(t, s, "P1"))

	require.NoError(t, r.Release(ctx, "o-1"))
	assert.Equal(t, 20, stockOf(t, s, "P1"))
	assert.Equal(t, 20, stockOf(t, s, "P2"))
	assert.Equal(t, models.OrderStatusCancelled, statusOf(t, s, "o-1"))

	err = r.Release(ctx, "missing")
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))
}

func TestRunStep(t *testing.T) {
	s := newTestStore(t, product("P1", 15), product("P2", 20))
	r := NewReserver(s, 10)
	ctx := context.Background()

	paidOrder(t, s, "o-1", models.OrderItem{ProductID: "P1", Quantity: 6})
	out := r.RunStep(ctx, s, StepInput{OrderID: "o-1"})
	require.True(t, out.Succeeded(), out.Message)
	require.Len(t, out.UpdatedProducts, 1)
	require.Len(t, out.LowStockAlerts, 1)
	assert.NotNil(t, out.UpdatedAt)

	var in StepInput
	require.NoError(t, json.Unmarshal([]byte(`{
		"order_id": "o-2",
		"items": [
			{"product_id": "P2", "quantity": 50},
			{"productName": "Product P1", "quantity": 1}
		]
	}`), &in))
	require.Len(t, in.Items, 2)
	assert.Equal(t, "P2", in.Items[0].ProductID)
	assert.Equal(t, "Product P1", in.Items[1].ProductName)

	paidOrder(t, s, "o-2", models.OrderItem{ProductID: "P2", Quantity: 1})
	out = r.RunStep(ctx, s, in)
	assert.Equal(t, StepFailed, out.InventoryStatus)
	assert.Equal(t, "P2", out.ProductID)
	require.NotNil(t, out.Available)
	assert.Equal(t, 20, *out.Available)
	assert.Equal(t, 50, *out.Requested)
	assert.Empty(t, out.UpdatedProducts)

	out = r.RunStep(ctx, s, StepInput{})
	assert.Equal(t, "Order ID is required", out.Message)

	out = r.RunStep(ctx, s, StepInput{OrderID: "missing"})
	assert.Equal(t, StepFailed, out.InventoryStatus)
	assert.Contains(t, out.Message, "Error fetching items")
}

func TestReleaseRestocksReservedQuantitiesNotLineItems(t *testing.T) {
	s := newTestStore(t, product("P1", 50), product("P2", 30))
	r := NewReserver(s, 10)
	ctx := context.Background()

	paidOrder(t, s, "o-1", models.OrderItem{ProductID: "P1", Quantity: 20})
	out := r.RunStep(ctx, s, StepInput{OrderID: "o-1", Items: []StepItem{{ProductID: "P1", Quantity: 1}}})
	require.True(t, out.Succeeded(), out.Message)
	assert.Equal(t, 49, stockOf(t, s, "P1"))

	require.NoError(t, r.Release(ctx, "o-1"))
	assert.Equal(t, 50, stockOf(t, s, "P1"))
	assert.Equal(t, models.OrderStatusCancelled, statusOf(t, s, "o-1"))

	paidOrder(t, s, "o-2", models.OrderItem{ProductID: "P1", Quantity: 1})
	out = r.RunStep(ctx, s, StepInput{OrderID: "o-2", Items: []StepItem{
		{ProductID: "P1", Quantity: 5},
		{ProductName: "Product P2", Quantity: 3},
	}})
	require.True(t, out.Succeeded(), out.Message)
	assert.Equal(t, 45, stockOf(t, s, "P1"))
	assert.Equal(t, 27, stockOf(t, s, "P2"))

	require.NoError(t, r.Release(ctx, "o-2"))
	assert.Equal(t, 50, stockOf(t, s, "P1"))
	assert.Equal(t, 30, stockOf(t, s, "P2"))

	err := r.Release(ctx, "o-2")
	assert.True(t, apperrors.Is(err, apperrors.KindConflict))
	assert.Equal(t, 50, stockOf(t, s, "P1"))
}
