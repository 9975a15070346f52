package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeWorkflowJob  = "WORKFLOW_JOB"
	EventTypeNotification = "NOTIFICATION"
	EventTypeLowStock     = "LOW_STOCK"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// WorkflowJobEvent asks a worker to run an order's workflow
type WorkflowJobEvent struct {
	BaseEvent
	WorkflowJob
}

// NotificationEvent carries a rendered notification to the delivery channel
type NotificationEvent struct {
	BaseEvent
	OrderID          string          `json:"order_id,omitempty"`
	NotificationType string          `json:"notification_type"`
	Subject          string          `json:"subject"`
	Message          string          `json:"message"`
	Amount           decimal.Decimal `json:"amount"`
	TransactionID    string          `json:"transaction_id,omitempty"`
}

// LowStockEvent is published for each product crossing the low-stock threshold
type LowStockEvent struct {
	BaseEvent
	LowStockItem
}
