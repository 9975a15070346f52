package models

import (
	"errors"
	"fmt"
)

// OrderStatus is the persisted state of an order's workflow
type OrderStatus string

// Order statuses
const (
	OrderStatusPending           OrderStatus = "pending"
	OrderStatusPaymentSucceeded  OrderStatus = "payment_succeeded"
	OrderStatusPaymentFailed     OrderStatus = "payment_failed"
	OrderStatusInventoryReserved OrderStatus = "inventory_reserved"
	OrderStatusInventoryFailed   OrderStatus = "inventory_failed"
	OrderStatusCompleted         OrderStatus = "completed"
	OrderStatusCancelled         OrderStatus = "cancelled"
)

// ErrIllegalTransition is returned when a status change is not in the transition table
var ErrIllegalTransition = errors.New("illegal status transition")

// payment_failed -> pending is the re-entry point for an external retry policy.
var validNext = map[OrderStatus]map[OrderStatus]bool{
	OrderStatusPending: {
		OrderStatusPaymentSucceeded: true,
		OrderStatusPaymentFailed:    true,
		OrderStatusCancelled:        true,
	},
	OrderStatusPaymentSucceeded: {
		OrderStatusInventoryReserved: true,
		OrderStatusInventoryFailed:   true,
		OrderStatusCancelled:         true,
	},
	OrderStatusInventoryReserved: {
		OrderStatusCompleted: true,
		OrderStatusCancelled: true,
	},
	OrderStatusPaymentFailed: {
		OrderStatusPending:   true,
		OrderStatusCancelled: true,
	},
	OrderStatusInventoryFailed: {
		OrderStatusCancelled: true,
	},
	OrderStatusCompleted: {},
	OrderStatusCancelled: {},
}

// AllOrderStatuses lists every known status
func AllOrderStatuses() []OrderStatus {
	return []OrderStatus{
		OrderStatusPending,
		OrderStatusPaymentSucceeded,
		OrderStatusPaymentFailed,
		OrderStatusInventoryReserved,
		OrderStatusInventoryFailed,
		OrderStatusCompleted,
		OrderStatusCancelled,
	}
}

// ParseOrderStatus validates a status string
func ParseOrderStatus(s string) (OrderStatus, error) {
	status := OrderStatus(s)
	if _, ok := validNext[status]; !ok {
		return "", fmt.Errorf("unknown order status %q", s)
	}
	return status, nil
}

// CanTransition reports whether from -> to is allowed
func CanTransition(from, to OrderStatus) bool {
	return validNext[from][to]
}

// CheckTransition returns ErrIllegalTransition when from -> to is not allowed
func CheckTransition(from, to OrderStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// SourcesFor returns every status that may transition to the given status, in
// declaration order. Stores use it as the precondition of an atomic update.
func SourcesFor(to OrderStatus) []OrderStatus {
	var sources []OrderStatus
	for _, from := range AllOrderStatuses() {
		if validNext[from][to] {
			sources = append(sources, from)
		}
	}
	return sources
}

// IsTerminal reports whether no workflow step is pending for the status
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusCompleted, OrderStatusCancelled, OrderStatusPaymentFailed, OrderStatusInventoryFailed:
		return true
	}
	return false
}

// Strings converts statuses for use as SQL array parameters
func Strings(statuses []OrderStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
