package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultLowStockThreshold is the stock level at or below which a product is reported as low
const DefaultLowStockThreshold = 10

// Product represents a product and its stock level
type Product struct {
	ID            string          `db:"product_id" json:"product_id"`
	Name          string          `db:"product_name" json:"product_name"`
	Description   string          `db:"description" json:"description,omitempty"`
	Price         decimal.Decimal `db:"price" json:"price"`
	StockQuantity int             `db:"stock_quantity" json:"stock_quantity"`
	Category      string          `db:"category" json:"category,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// IsLowStock reports whether the product is at or below the threshold
func (p Product) IsLowStock(threshold int) bool {
	return p.StockQuantity <= threshold
}

// Customer represents a customer placing orders
type Customer struct {
	ID        string    `db:"customer_id" json:"customer_id"`
	Name      string    `db:"customer_name" json:"customer_name"`
	Email     string    `db:"email" json:"email"`
	Phone     string    `db:"phone" json:"phone,omitempty"`
	Address   string    `db:"address" json:"address,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Order represents a customer order
type Order struct {
	ID            string          `db:"order_id" json:"order_id"`
	CustomerID    string          `db:"customer_id" json:"customer_id"`
	TotalAmount   decimal.Decimal `db:"total_amount" json:"total_amount"`
	Status        OrderStatus     `db:"status" json:"status"`
	PaymentStatus string          `db:"payment_status" json:"payment_status,omitempty"`
	TransactionID string          `db:"transaction_id" json:"transaction_id,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
	Items         []OrderItem     `db:"-" json:"items,omitempty"`
}

// ComputeTotal sums quantity x unit price over the order's line items
func (o *Order) ComputeTotal() decimal.Decimal {
	total := decimal.Zero
	for _, item := range o.Items {
		total = total.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return total
}

// OrderItem represents a line item in an order
type OrderItem struct {
	ID        int64           `db:"id" json:"-"`
	OrderID   string          `db:"order_id" json:"-"`
	ProductID string          `db:"product_id" json:"product_id"`
	Quantity  int             `db:"quantity" json:"quantity"`
	UnitPrice decimal.Decimal `db:"price" json:"price"`
}

// ReservedItem is the quantity of one product held for an order by a reservation
type ReservedItem struct {
	OrderID   string `db:"order_id" json:"-"`
	ProductID string `db:"product_id" json:"product_id"`
	Quantity  int    `db:"quantity" json:"quantity"`
}

// Payment statuses as reported by the payment authority
const (
	PaymentStatusSuccess = "success"
	PaymentStatusFailed  = "failed"
	PaymentStatusError   = "error"
)

// StatusChange describes a status transition and the payment fields recorded with it.
// Empty payment fields leave the stored values untouched. A non-empty From narrows the
// precondition to exactly that current status.
type StatusChange struct {
	To            OrderStatus
	From          OrderStatus
	PaymentStatus string
	TransactionID string
}

// Sources returns the statuses the order may currently be in for the change to apply
func (c StatusChange) Sources() []OrderStatus {
	if c.From != "" {
		if !CanTransition(c.From, c.To) {
			return nil
		}
		return []OrderStatus{c.From}
	}
	return SourcesFor(c.To)
}

// LowStockItem is a product reported as running low
type LowStockItem struct {
	ProductID    string `json:"product_id"`
	ProductName  string `json:"product_name"`
	CurrentStock int    `json:"current_stock"`
}

// Execution statuses
const (
	ExecutionRunning   = "RUNNING"
	ExecutionSucceeded = "SUCCEEDED"
	ExecutionFailed    = "FAILED"
	ExecutionAborted   = "ABORTED"
)

// Execution tracks the progress of one order's fulfillment workflow
type Execution struct {
	ID          string      `json:"execution_arn"`
	OrderID     string      `json:"order_id"`
	Status      string      `json:"status"`
	OrderStatus OrderStatus `json:"order_status"`
	Error       string      `json:"error,omitempty"`
	StartedAt   time.Time   `json:"start_date"`
	StoppedAt   *time.Time  `json:"stop_date"`
}

// Finished reports whether the execution reached a final state
func (e *Execution) Finished() bool {
	return e.Status != ExecutionRunning
}

// WorkflowJob is a unit of work handed to the workflow queue
type WorkflowJob struct {
	OrderID     string `json:"order_id"`
	ExecutionID string `json:"execution_arn"`
}

// Pagination defaults
const (
	DefaultPageLimit = 10
	MaxPageLimit     = 100
)

// PageRequest selects a page of results
type PageRequest struct {
	Page  int
	Limit int
}

// Normalize applies defaults and bounds
func (p PageRequest) Normalize() PageRequest {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}

// Offset returns the number of rows to skip
func (p PageRequest) Offset() int {
	return (p.Page - 1) * p.Limit
}

// Pagination describes a returned page
type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

// NewPagination builds pagination metadata; Pages is ceil(total/limit)
func NewPagination(req PageRequest, total int) Pagination {
	return Pagination{
		Page:  req.Page,
		Limit: req.Limit,
		Total: total,
		Pages: (total + req.Limit - 1) / req.Limit,
	}
}
