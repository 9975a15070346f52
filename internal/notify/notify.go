// Package notify renders notifications and hands them to a delivery sink. Delivery is
// best-effort: Notify reports failures in its Result and never returns an error.
package notify

import (
	"context"
	"fmt"
	"time"

	"order-fulfillment/internal/models"
	"order-fulfillment/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Kind identifies a notification template
type Kind string

// Notification kinds
const (
	KindOrderConfirmation Kind = "order_confirmation"
	KindPaymentFailed     Kind = "payment_failed"
	KindFulfillmentFailed Kind = "fulfillment_failed"
	KindOrderShipped      Kind = "order_shipped"
	KindLowStock          Kind = "low_stock"
	KindSystemError       Kind = "system_error"
)

// Notification is the input of the notification step
type Notification struct {
	OrderID       string                `json:"order_id,omitempty"`
	Kind          Kind                  `json:"notification_type"`
	Amount        decimal.Decimal       `json:"amount"`
	TransactionID string                `json:"transaction_id,omitempty"`
	ErrorMessage  string                `json:"error_message,omitempty"`
	LowStockItems []models.LowStockItem `json:"low_stock_items,omitempty"`
}

// Message is a rendered notification ready for delivery
type Message struct {
	OrderID       string
	Kind          Kind
	Subject       string
	Body          string
	Amount        decimal.Decimal
	TransactionID string
}

// Sink delivers rendered messages and returns a delivery id
type Sink interface {
	Publish(ctx context.Context, msg Message) (string, error)
}

// Outcome tags a notification result
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeFailed    Outcome = "failed"
)

// Result reports what happened to one notification
type Result struct {
	Outcome          Outcome   `json:"outcome"`
	Status           string    `json:"status"`
	OrderID          string    `json:"order_id,omitempty"`
	NotificationType Kind      `json:"notification_type,omitempty"`
	MessageID        string    `json:"message_id,omitempty"`
	Error            string    `json:"error,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Delivered reports whether the sink accepted the message
func (r Result) Delivered() bool {
	return r.Outcome == OutcomeDelivered
}

// Notifier is what the workflow and the low-stock monitor depend on
type Notifier interface {
	Notify(ctx context.Context, n Notification) Result
}

// Service renders notifications and publishes them to a sink
type Service struct {
	sink   Sink
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a notification service
func NewService(sink Sink) *Service {
	return &Service{
		sink:   sink,
		logger: util.GetLogger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Notify renders and publishes n. A failing or panicking sink yields a failed Result.
func (s *Service) Notify(ctx context.Context, n Notification) (result Result) {
	ctx, span := util.StartSpan(ctx, "Notifier.Notify")
	defer span.End()

	if n.Kind == "" {
		n.Kind = KindSystemError
	}

	result = Result{
		OrderID:          n.OrderID,
		NotificationType: n.Kind,
		Timestamp:        s.now(),
	}

	defer func() {
		if r := recover(); r != nil {
			result = s.failed(result, fmt.Errorf("notification sink panicked: %v", r))
		}
		util.NotificationsTotal.WithLabelValues(string(n.Kind), string(result.Outcome)).Inc()
	}()

	rendered := Render(n, result.Timestamp)
	id, err := s.sink.Publish(ctx, Message{
		OrderID:       n.OrderID,
		Kind:          n.Kind,
		Subject:       rendered.Subject,
		Body:          rendered.Body,
		Amount:        n.Amount,
		TransactionID: n.TransactionID,
	})
	if err != nil {
		util.RecordError(span, err)
		return s.failed(result, err)
	}

	s.logger.Info("Notification sent",
		zap.String("order_id", n.OrderID),
		zap.String("notification_type", string(n.Kind)),
		zap.String("message_id", id))

	result.Outcome = OutcomeDelivered
	result.Status = "success"
	result.MessageID = id
	return result
}

func (s *Service) failed(result Result, err error) Result {
	s.logger.Error("Failed to send notification",
		zap.String("order_id", result.OrderID),
		zap.String("notification_type", string(result.NotificationType)),
		zap.Error(err))

	result.Outcome = OutcomeFailed
	result.Status = "error"
	result.MessageID = ""
	result.Error = err.Error()
	return result
}

// LogSink writes messages to the structured log
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink backed by the global logger
func NewLogSink() *LogSink {
	return &LogSink{logger: util.GetLogger()}
}

// Publish logs the message
func (s *LogSink) Publish(ctx context.Context, msg Message) (string, error) {
	id := uuid.New().String()
	s.logger.Info(msg.Subject,
		zap.String("message_id", id),
		zap.String("order_id", msg.OrderID),
		zap.String("notification_type", string(msg.Kind)),
		zap.String("body", msg.Body))
	return id, nil
}

// EventPublisher is the producer side of the message broker
type EventPublisher interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// KafkaSink publishes messages as NotificationEvents
type KafkaSink struct {
	publisher EventPublisher
}

// NewKafkaSink creates a sink writing to the notifications topic
func NewKafkaSink(publisher EventPublisher) *KafkaSink {
	return &KafkaSink{publisher: publisher}
}

// Publish writes the message and returns the event id
func (s *KafkaSink) Publish(ctx context.Context, msg Message) (string, error) {
	event := &models.NotificationEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeNotification,
			Timestamp: time.Now().UTC(),
		},
		OrderID:          msg.OrderID,
		NotificationType: string(msg.Kind),
		Subject:          msg.Subject,
		Message:          msg.Body,
		Amount:           msg.Amount,
		TransactionID:    msg.TransactionID,
	}

	key := msg.OrderID
	if key == "" {
		key = string(msg.Kind)
	}
	if err := s.publisher.PublishEvent(ctx, key, event); err != nil {
		return "", fmt.Errorf("failed to publish notification: %w", err)
	}
	return event.EventID, nil
}
