package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"order-fulfillment/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sinkFunc func(ctx context.Context, msg Message) (string, error)

func (f sinkFunc) Publish(ctx context.Context, msg Message) (string, error) {
	return f(ctx, msg)
}

type recordingPublisher struct {
	key   string
	event interface{}
	err   error
}

func (p *recordingPublisher) PublishEvent(ctx context.Context, key string, event interface{}) error {
	p.key, p.event = key, event
	return p.err
}

func TestNotifyDelivered(t *testing.T) {
	var got Message
	svc := NewService(sinkFunc(func(ctx context.Context, msg Message) (string, error) {
		got = msg
		return "msg-1", nil
	}))

	res := svc.Notify(context.Background(), Notification{
		OrderID:       "o-1",
		Kind:          KindOrderConfirmation,
		Amount:        decimal.NewFromInt(25),
		TransactionID: "TXN-1",
	})

	assert.True(t, res.Delivered())
	assert.Equal(t, "success", res.Status)
	assert.Equal(t, "msg-1", res.MessageID)
	assert.Equal(t, "Order Confirmation - o-1", got.Subject)
	assert.Contains(t, got.Body, "$25.00")
	assert.Contains(t, got.Body, "TXN-1")
}

func TestNotifyFailureIsReported(t *testing.T) {
	svc := NewService(sinkFunc(func(ctx context.Context, msg Message) (string, error) {
		return "", errors.New("topic unavailable")
	}))

	res := svc.Notify(context.Background(), Notification{OrderID: "o-1", Kind: KindPaymentFailed})
	assert.False(t, res.Delivered())
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, "error", res.Status)
	assert.Equal(t, "topic unavailable", res.Error)
	assert.Equal(t, "o-1", res.OrderID)
}

func TestNotifyRecoversPanics(t *testing.T) {
	svc := NewService(sinkFunc(func(ctx context.Context, msg Message) (string, error) {
		panic("nil sink")
	}))

	res := svc.Notify(context.Background(), Notification{OrderID: "o-1", Kind: KindOrderShipped})
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Contains(t, res.Error, "nil sink")
}

func TestNotifyDefaultsKind(t *testing.T) {
	svc := NewService(NewLogSink())
	res := svc.Notify(context.Background(), Notification{OrderID: "o-1"})
	assert.True(t, res.Delivered())
	assert.Equal(t, KindSystemError, res.NotificationType)
	assert.NotEmpty(t, res.MessageID)
}

func TestRender(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name    string
		n       Notification
		subject string
		body    string
	}{
		{"payment failed", Notification{OrderID: "o-1", Kind: KindPaymentFailed, ErrorMessage: "declined"}, "Payment Failed - o-1", "declined"},
		{"fulfillment failed", Notification{OrderID: "o-1", Kind: KindFulfillmentFailed}, "Order Could Not Be Fulfilled - o-1", "refund"},
		{"shipped", Notification{OrderID: "o-1", Kind: KindOrderShipped}, "Order Shipped - o-1", "on the way"},
		{"low stock", Notification{Kind: KindLowStock, LowStockItems: []models.LowStockItem{{ProductID: "P1", CurrentStock: 3}}}, "Low Stock Alert", `"product_id": "P1"`},
		{"system error", Notification{Kind: KindSystemError, ErrorMessage: "db down"}, "System Error - UNKNOWN", "2024-01-02T03:04:05Z"},
		{"unknown", Notification{OrderID: "o-1", Kind: "promo"}, "Order Management Notification", `"notification_type": "promo"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Render(tt.n, now)
			assert.Equal(t, tt.subject, r.Subject)
			assert.Contains(t, r.Body, tt.body)
		})
	}
}

func TestKafkaSink(t *testing.T) {
	pub := &recordingPublisher{}
	sink := NewKafkaSink(pub)

	id, err := sink.Publish(context.Background(), Message{OrderID: "o-1", Kind: KindOrderConfirmation, Subject: "s", Body: "b"})
	require.NoError(t, err)
	assert.Equal(t, "o-1", pub.key)

	event, ok := pub.event.(*models.NotificationEvent)
	require.True(t, ok)
	assert.Equal(t, id, event.EventID)
	assert.Equal(t, models.EventTypeNotification, event.EventType)
	assert.Equal(t, "order_confirmation", event.NotificationType)

	pub.err = errors.New("broker down")
	_, err = sink.Publish(context.Background(), Message{Kind: KindLowStock})
	assert.Error(t, err)
	assert.Equal(t, "low_stock", pub.key)
}
