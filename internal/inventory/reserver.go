// Package inventory owns every stock mutation. Reservations lock product rows in
// ascending product id order and decrement all of an order's items in one transaction.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"order-fulfillment/internal/apperrors"
	"order-fulfillment/internal/models"
	"order-fulfillment/internal/store"
	"order-fulfillment/internal/util"

	"go.uber.org/zap"
)

// Failure reasons carried by StockError
const (
	ReasonInsufficientStock = "insufficient_stock"
	ReasonProductNotFound   = "product_not_found"
	ReasonAmbiguousProduct  = "ambiguous_product"
)

// Item is one product and quantity to reserve. The product is identified by id, or by
// exact name when the id is empty.
type Item struct {
	ProductID   string
	ProductName string
	Quantity    int
}

// ProductUpdate records the stock change of one product
type ProductUpdate struct {
	ProductID        string `json:"product_id"`
	ProductName      string `json:"product_name"`
	PreviousStock    int    `json:"previous_stock"`
	NewStock         int    `json:"new_stock"`
	QuantityReserved int    `json:"quantity_reserved"`
}

// Outcome is the result of a successful reservation
type Outcome struct {
	OrderID        string                `json:"order_id"`
	Products       []ProductUpdate       `json:"updated_products"`
	LowStockAlerts []models.LowStockItem `json:"low_stock_alerts"`
}

// StockError describes the first item that could not be reserved
type StockError struct {
	ProductID   string
	ProductName string
	Available   int
	Requested   int
	Reason      string
}

func (e *StockError) Error() string {
	switch e.Reason {
	case ReasonProductNotFound:
		return fmt.Sprintf("product %s not found", e.label())
	case ReasonAmbiguousProduct:
		return fmt.Sprintf("product name %q matches more than one product", e.ProductName)
	}
	return fmt.Sprintf("insufficient stock for product %s: available %d, requested %d",
		e.label(), e.Available, e.Requested)
}

func (e *StockError) label() string {
	if e.ProductID != "" {
		return e.ProductID
	}
	return e.ProductName
}

func stockConflict(e *StockError) error {
	details := map[string]any{
		"reason":    e.Reason,
		"available": e.Available,
		"requested": e.Requested,
	}
	if e.ProductID != "" {
		details["product_id"] = e.ProductID
	}
	if e.ProductName != "" {
		details["product_name"] = e.ProductName
	}
	return apperrors.Conflict(e.Error(), details, e)
}

// Reserver reserves and releases stock for orders
type Reserver struct {
	store     store.InventoryStore
	threshold int
	logger    *zap.Logger
}

// NewReserver creates a reserver reporting products at or below threshold as low stock
func NewReserver(st store.InventoryStore, threshold int) *Reserver {
	if threshold <= 0 {
		threshold = models.DefaultLowStockThreshold
	}
	return &Reserver{
		store:     st,
		threshold: threshold,
		logger:    util.GetLogger(),
	}
}

// Threshold returns the low-stock threshold
func (r *Reserver) Threshold() int {
	return r.threshold
}

type demand struct {
	productID string
	quantity  int
}

// Reserve decrements stock for every item and moves the order from payment_succeeded
// to inventory_reserved, all in one transaction. Any shortfall or unresolvable product
// rolls back the whole reservation.
func (r *Reserver) Reserve(ctx context.Context, orderID string, items []Item) (*Outcome, error) {
	ctx, span := util.StartSpan(ctx, "Reserver.Reserve")
	defer span.End()

	start := time.Now()
	defer func() {
		util.InventoryReserveLatency.Observe(time.Since(start).Seconds())
	}()

	if err := validateItems(orderID, items); err != nil {
		util.InventoryReservationsFailed.WithLabelValues("validation").Inc()
		return nil, err
	}

	var outcome *Outcome
	err := r.store.RunInTx(ctx, func(tx store.InventoryTx) error {
		demands, err := resolve(ctx, tx, items)
		if err != nil {
			return err
		}

		outcome = &Outcome{
			OrderID:        orderID,
			Products:       make([]ProductUpdate, 0, len(demands)),
			LowStockAlerts: []models.LowStockItem{},
		}

		for _, d := range demands {
			product, err := tx.LockProduct(ctx, d.productID)
			if apperrors.Is(err, apperrors.KindNotFound) {
				return stockConflict(&StockError{
					ProductID: d.productID,
					Requested: d.quantity,
					Reason:    ReasonProductNotFound,
				})
			}
			if err != nil {
				return err
			}

			if product.StockQuantity < d.quantity {
				return stockConflict(&StockError{
					ProductID:   product.ID,
					ProductName: product.Name,
					Available:   product.StockQuantity,
					Requested:   d.quantity,
					Reason:      ReasonInsufficientStock,
				})
			}

			newStock := product.StockQuantity - d.quantity
			if err := tx.SetStock(ctx, product.ID, newStock); err != nil {
				return err
			}

			outcome.Products = append(outcome.Products, ProductUpdate{
				ProductID:        product.ID,
				ProductName:      product.Name,
				PreviousStock:    product.StockQuantity,
				NewStock:         newStock,
				QuantityReserved: d.quantity,
			})

			if newStock <= r.threshold {
				outcome.LowStockAlerts = append(outcome.LowStockAlerts, models.LowStockItem{
					ProductID:    product.ID,
					ProductName:  product.Name,
					CurrentStock: newStock,
				})
			}
		}

		if err := tx.TransitionOrder(ctx, orderID, models.StatusChange{To: models.OrderStatusInventoryReserved}); err != nil {
			return err
		}

		reserved := make([]models.ReservedItem, 0, len(demands))
		for _, d := range demands {
			reserved = append(reserved, models.ReservedItem{OrderID: orderID, ProductID: d.productID, Quantity: d.quantity})
		}
		return tx.SaveReservation(ctx, orderID, reserved)
	})
	if err != nil {
		util.RecordError(span, err)
		util.InventoryReservationsFailed.WithLabelValues(failureReason(err)).Inc()
		r.logger.Warn("Inventory reservation failed",
			zap.String("order_id", orderID),
			zap.Error(err))
		return nil, err
	}

	r.logger.Info("Inventory reserved",
		zap.String("order_id", orderID),
		zap.Int("products", len(outcome.Products)),
		zap.Int("low_stock_alerts", len(outcome.LowStockAlerts)))
	return outcome, nil
}

// Release returns the quantities recorded by Reserve to stock and cancels the order in
// one transaction. Only orders in inventory_reserved can be released.
func (r *Reserver) Release(ctx context.Context, orderID string) error {
	ctx, span := util.StartSpan(ctx, "Reserver.Release")
	defer span.End()

	err := r.store.RunInTx(ctx, func(tx store.InventoryTx) error {
		planned, err := tx.GetReservation(ctx, orderID)
		if err != nil {
			return err
		}

		locked := make(map[string]*models.Product, len(planned))
		for _, item := range planned {
			product, err := tx.LockProduct(ctx, item.ProductID)
			if err != nil {
				return err
			}
			locked[item.ProductID] = product
		}

		status, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if status != models.OrderStatusInventoryReserved {
			return apperrors.Conflict(
				fmt.Sprintf("order %s has no reservation to release", orderID),
				map[string]any{"order_id": orderID, "current_status": status}, nil)
		}

		// re-read under the order lock; a reservation committed after the first read
		// holds products that were not locked above
		reserved, err := tx.GetReservation(ctx, orderID)
		if err != nil {
			return err
		}
		if len(reserved) == 0 {
			return apperrors.Fatal(fmt.Sprintf("order %s is reserved but has no reservation record", orderID), nil)
		}
		for _, item := range reserved {
			if _, ok := locked[item.ProductID]; !ok {
				return apperrors.Transient(
					fmt.Sprintf("reservation of order %s changed during release", orderID), nil)
			}
		}

		for _, item := range reserved {
			if err := tx.SetStock(ctx, item.ProductID, locked[item.ProductID].StockQuantity+item.Quantity); err != nil {
				return err
			}
		}
		if err := tx.DeleteReservation(ctx, orderID); err != nil {
			return err
		}

		return tx.TransitionOrder(ctx, orderID, models.StatusChange{
			From: models.OrderStatusInventoryReserved,
			To:   models.OrderStatusCancelled,
		})
	})
	if err != nil {
		util.RecordError(span, err)
		return err
	}

	util.InventoryReleasedTotal.Inc()
	r.logger.Info("Inventory released", zap.String("order_id", orderID))
	return nil
}

func validateItems(orderID string, items []Item) error {
	if orderID == "" {
		return apperrors.Validation("order_id is required")
	}
	if len(items) == 0 {
		return apperrors.Validation("items are required")
	}
	for i, item := range items {
		if item.ProductID == "" && item.ProductName == "" {
			return apperrors.Validation("item %d: productId or productName is required", i)
		}
		if item.Quantity <= 0 {
			return apperrors.Validation("item %d: quantity must be greater than 0", i)
		}
	}
	return nil
}

// resolve maps names to ids, merges duplicate products and sorts by product id so
// concurrent reservations acquire row locks in the same order.
func resolve(ctx context.Context, tx store.InventoryTx, items []Item) ([]demand, error) {
	demands := make([]demand, 0, len(items))
	for _, item := range items {
		id := item.ProductID
		if id == "" {
			ids, err := tx.FindProductIDsByName(ctx, item.ProductName)
			if err != nil {
				return nil, err
			}
			switch len(ids) {
			case 0:
				return nil, stockConflict(&StockError{
					ProductName: item.ProductName,
					Requested:   item.Quantity,
					Reason:      ReasonProductNotFound,
				})
			case 1:
				id = ids[0]
			default:
				return nil, stockConflict(&StockError{
					ProductName: item.ProductName,
					Requested:   item.Quantity,
					Reason:      ReasonAmbiguousProduct,
				})
			}
		}
		demands = append(demands, demand{productID: id, quantity: item.Quantity})
	}
	return mergeDemands(demands), nil
}

func mergeDemands(demands []demand) []demand {
	totals := make(map[string]int, len(demands))
	for _, d := range demands {
		totals[d.productID] += d.quantity
	}

	merged := make([]demand, 0, len(totals))
	for id, qty := range totals {
		merged = append(merged, demand{productID: id, quantity: qty})
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].productID < merged[j].productID })
	return merged
}

func failureReason(err error) string {
	var stockErr *StockError
	if errors.As(err, &stockErr) {
		return stockErr.Reason
	}
	return apperrors.KindOf(err).String()
}
