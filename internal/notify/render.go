package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Rendered is the human-readable form of a notification
type Rendered struct {
	Subject string
	Body    string
}

// Render builds the subject and body for a notification. Unknown kinds fall back to a
// generic subject with the notification dumped as JSON.
func Render(n Notification, now time.Time) Rendered {
	orderID := orDefault(n.OrderID, "UNKNOWN")
	txID := orDefault(n.TransactionID, "N/A")
	reason := orDefault(n.ErrorMessage, "-")
	amount := n.Amount.StringFixed(2)

	var b strings.Builder
	switch n.Kind {
	case KindOrderConfirmation:
		fmt.Fprintf(&b, "Order Confirmation\n\n")
		fmt.Fprintf(&b, "Order ID      : %s\n", orderID)
		fmt.Fprintf(&b, "Status        : Confirmed\n")
		fmt.Fprintf(&b, "Payment       : Success\n")
		fmt.Fprintf(&b, "Transaction ID: %s\n", txID)
		fmt.Fprintf(&b, "Amount        : $%s\n\n", amount)
		b.WriteString("Your order has been successfully processed.\nThank you for your purchase!")
		return Rendered{Subject: "Order Confirmation - " + orderID, Body: b.String()}

	case KindPaymentFailed:
		fmt.Fprintf(&b, "Payment Processing Failed\n\n")
		fmt.Fprintf(&b, "Order ID : %s\n", orderID)
		fmt.Fprintf(&b, "Status   : Payment Failed\n")
		fmt.Fprintf(&b, "Amount   : $%s\n\n", amount)
		fmt.Fprintf(&b, "Reason:\n%s\n\n", reason)
		b.WriteString("Please try again or contact support.")
		return Rendered{Subject: "Payment Failed - " + orderID, Body: b.String()}

	case KindFulfillmentFailed:
		fmt.Fprintf(&b, "Order Fulfillment Failed\n\n")
		fmt.Fprintf(&b, "Order ID      : %s\n", orderID)
		fmt.Fprintf(&b, "Status        : Inventory Failed\n")
		fmt.Fprintf(&b, "Transaction ID: %s\n", txID)
		fmt.Fprintf(&b, "Amount        : $%s\n\n", amount)
		fmt.Fprintf(&b, "Reason:\n%s\n\n", reason)
		b.WriteString("Your payment was captured but the order cannot be fulfilled.\nA refund will be issued by our support team.")
		return Rendered{Subject: "Order Could Not Be Fulfilled - " + orderID, Body: b.String()}

	case KindOrderShipped:
		fmt.Fprintf(&b, "Order Shipped\n\n")
		fmt.Fprintf(&b, "Order ID : %s\n", orderID)
		fmt.Fprintf(&b, "Status   : Shipped\n\n")
		b.WriteString("Your order is on the way.\nThank you for shopping with us!")
		return Rendered{Subject: "Order Shipped - " + orderID, Body: b.String()}

	case KindLowStock:
		items, _ := json.MarshalIndent(n.LowStockItems, "", "  ")
		fmt.Fprintf(&b, "Low Stock Alert\n\n")
		fmt.Fprintf(&b, "The following items are running low:\n\n%s\n\n", items)
		b.WriteString("Please restock as soon as possible.")
		return Rendered{Subject: "Low Stock Alert", Body: b.String()}

	case KindSystemError:
		fmt.Fprintf(&b, "System Error Notification\n\n")
		fmt.Fprintf(&b, "Order ID : %s\n", orderID)
		fmt.Fprintf(&b, "Error    : %s\n\n", reason)
		fmt.Fprintf(&b, "Timestamp: %s\n\n", now.UTC().Format(time.RFC3339))
		b.WriteString("Immediate investigation is required.")
		return Rendered{Subject: "System Error - " + orderID, Body: b.String()}
	}

	dump, _ := json.MarshalIndent(n, "", "  ")
	return Rendered{Subject: "Order Management Notification", Body: string(dump)}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
