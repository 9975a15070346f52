package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"order-fulfillment/internal/models"
	"order-fulfillment/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher publishes domain events
type EventPublisher interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// JobPublisher hands workflow jobs to workers through the workflow topic
type JobPublisher struct {
	publisher EventPublisher
}

// NewJobPublisher creates a new job publisher
func NewJobPublisher(publisher EventPublisher) *JobPublisher {
	return &JobPublisher{publisher: publisher}
}

// Enqueue publishes a WorkflowJob event keyed by order id
func (jp *JobPublisher) Enqueue(ctx context.Context, job models.WorkflowJob) error {
	event := &models.WorkflowJobEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeWorkflowJob,
			Timestamp: time.Now().UTC(),
		},
		WorkflowJob: job,
	}
	return jp.publisher.PublishEvent(ctx, job.OrderID, event)
}

// EventHandler routes incoming events to registered handlers
type EventHandler struct {
	onWorkflowJob func(context.Context, models.WorkflowJob) error
	logger        *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnWorkflowJob registers a handler for WorkflowJob events
func (eh *EventHandler) OnWorkflowJob(handler func(context.Context, models.WorkflowJob) error) {
	eh.onWorkflowJob = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeWorkflowJob:
		if eh.onWorkflowJob != nil {
			var event models.WorkflowJobEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal WorkflowJob event: %w", err)
			}
			if event.OrderID == "" {
				return fmt.Errorf("workflow job %s has no order id", event.EventID)
			}
			return eh.onWorkflowJob(ctx, event.WorkflowJob)
		}

	default:
		eh.logger.Warn("Unhandled event type", zap.String("type", baseEvent.EventType))
	}

	return nil
}
