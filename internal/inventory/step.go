package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"order-fulfillment/internal/apperrors"
	"order-fulfillment/internal/models"
)

// Inventory step statuses
const (
	StepSuccess = "success"
	StepFailed  = "failed"
)

// StepItem accepts the item shapes sent by step callers
type StepItem struct {
	ProductID   string `json:"productId"`
	ProductName string `json:"productName"`
	Quantity    int    `json:"quantity"`
}

// UnmarshalJSON accepts productId or product_id and productName or product_name
func (i *StepItem) UnmarshalJSON(data []byte) error {
	var raw struct {
		ProductID        string `json:"productId"`
		ProductIDSnake   string `json:"product_id"`
		ProductName      string `json:"productName"`
		ProductNameSnake string `json:"product_name"`
		Quantity         int    `json:"quantity"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	i.ProductID = raw.ProductID
	if i.ProductID == "" {
		i.ProductID = raw.ProductIDSnake
	}
	i.ProductName = raw.ProductName
	if i.ProductName == "" {
		i.ProductName = raw.ProductNameSnake
	}
	i.Quantity = raw.Quantity
	return nil
}

// StepInput is the input of the inventory step
type StepInput struct {
	OrderID string     `json:"order_id"`
	Items   []StepItem `json:"items"`
}

// StepOutput is the output of the inventory step
type StepOutput struct {
	OrderID         string                `json:"order_id"`
	InventoryStatus string                `json:"inventoryStatus"`
	Message         string                `json:"message"`
	UpdatedProducts []ProductUpdate       `json:"updated_products"`
	LowStockAlerts  []models.LowStockItem `json:"low_stock_alerts"`
	ProductID       string                `json:"product_id,omitempty"`
	Available       *int                  `json:"available,omitempty"`
	Requested       *int                  `json:"requested,omitempty"`
	UpdatedAt       *time.Time            `json:"updated_at,omitempty"`
}

// Succeeded reports whether the reservation went through
func (o *StepOutput) Succeeded() bool {
	return o.InventoryStatus == StepSuccess
}

// OrderItemsReader loads the persisted items of an order
type OrderItemsReader interface {
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
}

// RunStep runs a reservation for the step interface. Items are loaded from the order
// when the input has none. Failures are reported in the output, never as an error.
func (r *Reserver) RunStep(ctx context.Context, orders OrderItemsReader, in StepInput) StepOutput {
	out := StepOutput{
		OrderID:         in.OrderID,
		InventoryStatus: StepFailed,
		UpdatedProducts: []ProductUpdate{},
		LowStockAlerts:  []models.LowStockItem{},
	}

	if in.OrderID == "" {
		out.Message = "Order ID is required"
		return out
	}

	items := make([]Item, 0, len(in.Items))
	for _, it := range in.Items {
		items = append(items, Item{ProductID: it.ProductID, ProductName: it.ProductName, Quantity: it.Quantity})
	}

	if len(items) == 0 {
		order, err := orders.GetOrder(ctx, in.OrderID)
		if err != nil {
			out.Message = fmt.Sprintf("Error fetching items: %s", apperrors.MessageOf(err))
			return out
		}
		for _, it := range order.Items {
			items = append(items, Item{ProductID: it.ProductID, Quantity: it.Quantity})
		}
		if len(items) == 0 {
			out.Message = "No items found for this order"
			return out
		}
	}

	outcome, err := r.Reserve(ctx, in.OrderID, items)
	if err != nil {
		var stockErr *StockError
		if errors.As(err, &stockErr) {
			out.Message = stockErr.Error()
			out.ProductID = stockErr.ProductID
			out.Available = &stockErr.Available
			out.Requested = &stockErr.Requested
			return out
		}
		out.Message = fmt.Sprintf("Inventory update error: %s", apperrors.MessageOf(err))
		return out
	}

	now := time.Now().UTC()
	out.InventoryStatus = StepSuccess
	out.Message = "Inventory updated successfully"
	out.UpdatedProducts = outcome.Products
	out.LowStockAlerts = outcome.LowStockAlerts
	out.UpdatedAt = &now
	return out
}
