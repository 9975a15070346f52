// Package workflow runs an order through payment, inventory reservation, completion
// and notification. Every step's result is persisted as an order status transition, so
// a workflow can resume from whatever status the order was left in.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"order-fulfillment/internal/apperrors"
	"order-fulfillment/internal/inventory"
	"order-fulfillment/internal/models"
	"order-fulfillment/internal/notify"
	"order-fulfillment/internal/payment"
	"order-fulfillment/internal/store"
	"order-fulfillment/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultPaymentTimeout = 30 * time.Second
	// leaseMargin is added to the payment timeout to cover the storage steps of a run
	leaseMargin = time.Minute
)

// Queue hands workflow jobs to asynchronous workers
type Queue interface {
	Enqueue(ctx context.Context, job models.WorkflowJob) error
}

// SubmitItem is one requested line item
type SubmitItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// SubmitRequest is the input of Submit
type SubmitRequest struct {
	CustomerID string       `json:"customer_id"`
	Items      []SubmitItem `json:"items"`
}

// Submission is returned once an order is persisted and its workflow dispatched
type Submission struct {
	OrderID     string             `json:"order_id"`
	ExecutionID string             `json:"execution_arn"`
	Status      models.OrderStatus `json:"status"`
	TotalAmount decimal.Decimal    `json:"total_amount"`
}

// OrderPage is one page of orders
type OrderPage struct {
	Orders     []models.Order    `json:"orders"`
	Pagination models.Pagination `json:"pagination"`
}

// Engine orchestrates order workflows
type Engine struct {
	orders         store.OrderStore
	executions     store.ExecutionStore
	reserver       *inventory.Reserver
	authority      payment.Authority
	notifier       notify.Notifier
	monitor        *inventory.Monitor
	queue          Queue
	paymentTimeout time.Duration
	logger         *zap.Logger
	now            func() time.Time
}

// Option configures an Engine
type Option func(*Engine)

// WithQueue dispatches workflows to q instead of running them inside Submit
func WithQueue(q Queue) Option {
	return func(e *Engine) {
		e.queue = q
	}
}

// WithPaymentTimeout bounds each payment authority call
func WithPaymentTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.paymentTimeout = d
	}
}

// WithMonitor re-emits reservation low-stock alerts through m
func WithMonitor(m *inventory.Monitor) Option {
	return func(e *Engine) {
		e.monitor = m
	}
}

// NewEngine creates a workflow engine
func NewEngine(
	orders store.OrderStore,
	executions store.ExecutionStore,
	reserver *inventory.Reserver,
	authority payment.Authority,
	notifier notify.Notifier,
	opts ...Option,
) *Engine {
	e := &Engine{
		orders:         orders,
		executions:     executions,
		reserver:       reserver,
		authority:      authority,
		notifier:       notifier,
		paymentTimeout: defaultPaymentTimeout,
		logger:         util.GetLogger(),
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecutionID returns the workflow handle of an order
func ExecutionID(orderID string) string {
	return "order-" + orderID
}

// Submit validates and persists a new pending order, then dispatches its workflow.
// Nothing is persisted when validation fails.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*Submission, error) {
	ctx, span := util.StartSpan(ctx, "Engine.Submit")
	defer span.End()

	if err := validateSubmit(req); err != nil {
		return nil, err
	}

	order := &models.Order{
		ID:         uuid.New().String(),
		CustomerID: req.CustomerID,
		Status:     models.OrderStatusPending,
		Items:      make([]models.OrderItem, 0, len(req.Items)),
	}
	for _, item := range req.Items {
		order.Items = append(order.Items, models.OrderItem{ProductID: item.ProductID, Quantity: item.Quantity})
	}

	if err := e.orders.CreateOrder(ctx, order); err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	util.OrdersSubmittedTotal.Inc()

	e.logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("customer_id", order.CustomerID),
		zap.String("total_amount", order.TotalAmount.StringFixed(2)))

	exec, err := e.start(ctx, order.ID)
	if err != nil {
		return nil, err
	}

	sub := &Submission{
		OrderID:     order.ID,
		ExecutionID: exec.ID,
		Status:      order.Status,
		TotalAmount: order.TotalAmount,
	}

	if err := e.dispatch(ctx, models.WorkflowJob{OrderID: order.ID, ExecutionID: exec.ID}); err != nil {
		// the order stays pending and is picked up by Reconcile
		e.logger.Error("Failed to dispatch workflow",
			zap.String("order_id", order.ID),
			zap.Error(err))
	}
	return sub, nil
}

// Execute runs the workflow of one order from its current status until it reaches a
// terminal status. The executor first claims a lease on the execution, so a job
// delivered twice runs once. Redelivered jobs for finished or claimed executions are
// no-ops. The returned error is set only when the execution could not be loaded or
// recorded.
func (e *Engine) Execute(ctx context.Context, job models.WorkflowJob) (*models.Execution, error) {
	ctx, span := util.StartSpan(ctx, "Engine.Execute")
	defer span.End()

	if job.ExecutionID == "" {
		job.ExecutionID = ExecutionID(job.OrderID)
	}

	exec, err := e.executions.GetExecution(ctx, job.ExecutionID)
	if apperrors.Is(err, apperrors.KindNotFound) {
		exec, err = e.start(ctx, job.OrderID)
	}
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	if exec.Finished() {
		return exec, nil
	}

	logger := e.logger.With(zap.String("order_id", job.OrderID), zap.String("execution_arn", exec.ID))

	owner := uuid.New().String()
	acquired, err := e.executions.AcquireLease(ctx, exec.ID, owner, e.paymentTimeout+leaseMargin)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	if !acquired {
		logger.Info("Workflow already claimed by another executor")
		return exec, nil
	}
	defer func() {
		if err := e.executions.ReleaseLease(context.WithoutCancel(ctx), exec.ID, owner); err != nil {
			logger.Warn("Failed to release execution lease", zap.Error(err))
		}
	}()

	// the previous holder may have finished between the first read and the claim
	if current, err := e.executions.GetExecution(ctx, exec.ID); err == nil {
		exec = current
	}
	if exec.Finished() {
		return exec, nil
	}

	order, err := e.orders.GetOrder(ctx, job.OrderID)
	if err != nil {
		if !apperrors.Is(err, apperrors.KindNotFound) {
			util.RecordError(span, err)
			return nil, err
		}
		logger.Warn("Workflow started for unknown order")
		exec.Status = models.ExecutionFailed
		exec.Error = apperrors.MessageOf(err)
		return exec, e.stop(ctx, exec)
	}

	status, runErr := e.run(ctx, order)
	exec.OrderStatus = status

	if runErr != nil {
		util.RecordError(span, runErr)
		logger.Error("Workflow failed",
			zap.String("order_status", string(status)),
			zap.Error(runErr))
		exec.Status = models.ExecutionFailed
		exec.Error = runErr.Error()
		util.OrdersFailedTotal.WithLabelValues(apperrors.KindOf(runErr).String()).Inc()
		return exec, e.stop(ctx, exec)
	}

	exec.Status = executionStatusFor(status)
	if !exec.Finished() {
		// another executor advanced the order and will finish the execution
		logger.Info("Workflow handed over", zap.String("order_status", string(status)))
		return exec, nil
	}

	logger.Info("Workflow finished",
		zap.String("status", exec.Status),
		zap.String("order_status", string(status)))
	return exec, e.stop(ctx, exec)
}

// Handle executes a job for a queue consumer
func (e *Engine) Handle(ctx context.Context, job models.WorkflowJob) error {
	_, err := e.Execute(ctx, job)
	return err
}

// run advances the order one step at a time. Steps are strictly sequential: reservation
// starts only after payment succeeded and the confirmation only after reservation.
func (e *Engine) run(ctx context.Context, order *models.Order) (models.OrderStatus, error) {
	status := order.Status
	var err error

	if status == models.OrderStatusPending {
		if status, err = e.charge(ctx, order); err != nil {
			return status, err
		}
	}
	if status == models.OrderStatusPaymentSucceeded {
		if status, err = e.reserve(ctx, order); err != nil {
			return status, err
		}
	}
	if status == models.OrderStatusInventoryReserved {
		if status, err = e.complete(ctx, order); err != nil {
			return status, err
		}
	}
	return status, nil
}

func (e *Engine) charge(ctx context.Context, order *models.Order) (models.OrderStatus, error) {
	ctx, span := util.StartSpan(ctx, "Engine.charge")
	defer span.End()

	res := payment.Process(ctx, e.authority, payment.Request{
		OrderID: order.ID,
		Amount:  order.TotalAmount,
	}, e.paymentTimeout)

	change := models.StatusChange{
		From:          models.OrderStatusPending,
		To:            models.OrderStatusPaymentFailed,
		PaymentStatus: res.PaymentStatus,
	}
	if res.Succeeded() {
		change.To = models.OrderStatusPaymentSucceeded
		change.TransactionID = res.TxID()
	}

	if err := e.orders.TransitionOrder(ctx, order.ID, change); err != nil {
		if isTransitionConflict(err) {
			status, ierr := e.interrupted(ctx, order, false)
			if res.Succeeded() {
				// this charge is recorded nowhere; someone has to refund it
				util.OrdersFailedTotal.WithLabelValues("orphaned_payment").Inc()
				e.notify(ctx, notify.Notification{
					OrderID:       order.ID,
					Kind:          notify.KindSystemError,
					Amount:        order.TotalAmount,
					TransactionID: res.TxID(),
					ErrorMessage: fmt.Sprintf("payment %s captured but order is already %s; refund required",
						res.TxID(), status),
				})
			}
			return status, ierr
		}
		if res.Succeeded() {
			e.notify(ctx, notify.Notification{
				OrderID:       order.ID,
				Kind:          notify.KindSystemError,
				Amount:        order.TotalAmount,
				TransactionID: res.TxID(),
				ErrorMessage:  fmt.Sprintf("payment captured but not recorded: %s", apperrors.MessageOf(err)),
			})
		}
		return order.Status, fmt.Errorf("failed to record payment result: %w", err)
	}

	order.Status = change.To
	order.PaymentStatus = change.PaymentStatus
	if change.TransactionID != "" {
		order.TransactionID = change.TransactionID
	}

	if !res.Succeeded() {
		util.OrdersFailedTotal.WithLabelValues("payment").Inc()
		e.notify(ctx, notify.Notification{
			OrderID:      order.ID,
			Kind:         notify.KindPaymentFailed,
			Amount:       order.TotalAmount,
			ErrorMessage: res.Message,
		})
	}
	return order.Status, nil
}

func (e *Engine) reserve(ctx context.Context, order *models.Order) (models.OrderStatus, error) {
	ctx, span := util.StartSpan(ctx, "Engine.reserve")
	defer span.End()

	items := make([]inventory.Item, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, inventory.Item{ProductID: item.ProductID, Quantity: item.Quantity})
	}

	outcome, err := e.reserver.Reserve(ctx, order.ID, items)
	if err == nil {
		order.Status = models.OrderStatusInventoryReserved
		if e.monitor != nil {
			e.monitor.OnReservation(ctx, outcome)
		}
		return order.Status, nil
	}

	if isTransitionConflict(err) {
		return e.interrupted(ctx, order, true)
	}

	var stockErr *inventory.StockError
	stockFailure := errors.As(err, &stockErr)

	change := models.StatusChange{From: models.OrderStatusPaymentSucceeded, To: models.OrderStatusInventoryFailed}
	if terr := e.orders.TransitionOrder(ctx, order.ID, change); terr != nil {
		if isTransitionConflict(terr) {
			return e.interrupted(ctx, order, true)
		}
		e.notify(ctx, notify.Notification{
			OrderID:       order.ID,
			Kind:          notify.KindSystemError,
			Amount:        order.TotalAmount,
			TransactionID: order.TransactionID,
			ErrorMessage:  fmt.Sprintf("reservation failed and order could not be marked: %v", err),
		})
		return order.Status, fmt.Errorf("failed to record reservation failure: %w", terr)
	}
	order.Status = models.OrderStatusInventoryFailed
	util.OrdersFailedTotal.WithLabelValues("inventory").Inc()

	// payment was captured but the goods cannot be delivered
	e.notify(ctx, notify.Notification{
		OrderID:       order.ID,
		Kind:          notify.KindFulfillmentFailed,
		Amount:        order.TotalAmount,
		TransactionID: order.TransactionID,
		ErrorMessage:  apperrors.MessageOf(err),
	})

	if stockFailure {
		return order.Status, nil
	}
	return order.Status, fmt.Errorf("failed to reserve inventory: %w", err)
}

func (e *Engine) complete(ctx context.Context, order *models.Order) (models.OrderStatus, error) {
	ctx, span := util.StartSpan(ctx, "Engine.complete")
	defer span.End()

	change := models.StatusChange{From: models.OrderStatusInventoryReserved, To: models.OrderStatusCompleted}
	if err := e.orders.TransitionOrder(ctx, order.ID, change); err != nil {
		if isTransitionConflict(err) {
			return e.interrupted(ctx, order, true)
		}
		return order.Status, fmt.Errorf("failed to complete order: %w", err)
	}
	order.Status = models.OrderStatusCompleted
	util.OrdersCompletedTotal.Inc()

	// delivery failure does not revert completion
	e.notify(ctx, notify.Notification{
		OrderID:       order.ID,
		Kind:          notify.KindOrderConfirmation,
		Amount:        order.TotalAmount,
		TransactionID: order.TransactionID,
	})
	return order.Status, nil
}

// interrupted handles a lost precondition: the order moved under the workflow, usually
// because it was cancelled.
func (e *Engine) interrupted(ctx context.Context, order *models.Order, paymentCaptured bool) (models.OrderStatus, error) {
	current, err := e.orders.GetOrder(ctx, order.ID)
	if err != nil {
		return order.Status, fmt.Errorf("failed to reload order: %w", err)
	}
	order.Status = current.Status
	order.PaymentStatus = current.PaymentStatus
	order.TransactionID = current.TransactionID

	if current.Status == models.OrderStatusCancelled {
		e.logger.Warn("Workflow aborted by cancellation", zap.String("order_id", order.ID))
		if paymentCaptured {
			e.notify(ctx, notify.Notification{
				OrderID:       order.ID,
				Kind:          notify.KindSystemError,
				Amount:        order.TotalAmount,
				TransactionID: current.TransactionID,
				ErrorMessage:  "order cancelled after payment was captured; refund required",
			})
		}
	}
	return current.Status, nil
}

func (e *Engine) notify(ctx context.Context, n notify.Notification) {
	res := e.notifier.Notify(ctx, n)
	if !res.Delivered() {
		e.logger.Warn("Notification not delivered",
			zap.String("order_id", n.OrderID),
			zap.String("notification_type", string(n.Kind)),
			zap.String("error", res.Error))
	}
}

// Status returns a workflow handle with the order's current status
func (e *Engine) Status(ctx context.Context, executionID string) (*models.Execution, error) {
	exec, err := e.executions.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	order, err := e.orders.GetOrder(ctx, exec.OrderID)
	if err == nil {
		exec.OrderStatus = order.Status
	} else if !apperrors.Is(err, apperrors.KindNotFound) {
		return nil, err
	}
	return exec, nil
}

// Get returns an order with its items
func (e *Engine) Get(ctx context.Context, orderID string) (*models.Order, error) {
	return e.orders.GetOrder(ctx, orderID)
}

// List returns a page of orders, newest first
func (e *Engine) List(ctx context.Context, page models.PageRequest) (*OrderPage, error) {
	page = page.Normalize()
	orders, total, err := e.orders.ListOrders(ctx, page)
	if err != nil {
		return nil, err
	}
	return &OrderPage{Orders: orders, Pagination: models.NewPagination(page, total)}, nil
}

// UpdateStatus applies an administrative status change. Only cancellation and the
// payment retry re-entry (payment_failed -> pending) may be requested; every other
// status is owned by the workflow.
func (e *Engine) UpdateStatus(ctx context.Context, orderID, status string) (*models.Order, error) {
	to, err := models.ParseOrderStatus(status)
	if err != nil {
		return nil, apperrors.Validation("invalid status %q", status)
	}

	switch to {
	case models.OrderStatusCancelled:
		return e.Cancel(ctx, orderID)
	case models.OrderStatusPending:
		return e.Retry(ctx, orderID)
	}
	return nil, apperrors.Validation("status %s is set by the workflow and cannot be requested", to)
}

// Retry moves a payment_failed order back to pending and runs its workflow again
func (e *Engine) Retry(ctx context.Context, orderID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "Engine.Retry")
	defer span.End()

	change := models.StatusChange{From: models.OrderStatusPaymentFailed, To: models.OrderStatusPending}
	if err := e.orders.TransitionOrder(ctx, orderID, change); err != nil {
		return nil, err
	}

	exec, err := e.start(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := e.dispatch(ctx, models.WorkflowJob{OrderID: orderID, ExecutionID: exec.ID}); err != nil {
		e.logger.Error("Failed to dispatch workflow", zap.String("order_id", orderID), zap.Error(err))
	}
	return e.orders.GetOrder(ctx, orderID)
}

const cancelAttempts = 3

// Cancel cancels an order that has not completed. A reserved order has its stock
// released in the same transaction. The status precondition is rechecked by the store,
// so a cancel racing a workflow step has exactly one winner.
func (e *Engine) Cancel(ctx context.Context, orderID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "Engine.Cancel")
	defer span.End()

	var err error
	for attempt := 0; attempt < cancelAttempts; attempt++ {
		var order *models.Order
		order, err = e.orders.GetOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if !models.CanTransition(order.Status, models.OrderStatusCancelled) {
			return nil, store.TransitionConflict(orderID, order.Status, models.OrderStatusCancelled)
		}

		if order.Status == models.OrderStatusInventoryReserved {
			err = e.reserver.Release(ctx, orderID)
		} else {
			err = e.orders.TransitionOrder(ctx, orderID, models.StatusChange{
				From: order.Status,
				To:   models.OrderStatusCancelled,
			})
		}
		if err == nil {
			util.OrdersCancelledTotal.Inc()
			e.logger.Info("Order cancelled",
				zap.String("order_id", orderID),
				zap.String("previous_status", string(order.Status)))
			return e.orders.GetOrder(ctx, orderID)
		}
		if !apperrors.Is(err, apperrors.KindConflict) {
			return nil, err
		}
	}
	util.RecordError(span, err)
	return nil, err
}

// Delete removes a terminal order and its items
func (e *Engine) Delete(ctx context.Context, orderID string) error {
	return e.orders.DeleteOrder(ctx, orderID)
}

// Reconcile re-dispatches pending orders last touched before olderThan ago, resolving
// orders left behind by a crash between persistence and payment.
func (e *Engine) Reconcile(ctx context.Context, olderThan time.Duration) (int, error) {
	ctx, span := util.StartSpan(ctx, "Engine.Reconcile")
	defer span.End()

	stale, err := e.orders.ListByStatus(ctx, models.OrderStatusPending, e.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, order := range stale {
		exec, err := e.start(ctx, order.ID)
		if err != nil {
			e.logger.Error("Failed to restart workflow", zap.String("order_id", order.ID), zap.Error(err))
			continue
		}
		if err := e.dispatch(ctx, models.WorkflowJob{OrderID: order.ID, ExecutionID: exec.ID}); err != nil {
			e.logger.Error("Failed to dispatch workflow", zap.String("order_id", order.ID), zap.Error(err))
			continue
		}
		dispatched++
	}

	if dispatched > 0 {
		e.logger.Info("Reconciled stale orders", zap.Int("orders", dispatched))
	}
	return dispatched, nil
}

// RunReconciler calls Reconcile on every tick until ctx is cancelled
func (e *Engine) RunReconciler(ctx context.Context, interval, olderThan time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := e.Reconcile(ctx, olderThan); err != nil {
				e.logger.Error("Reconciliation failed", zap.Error(err))
			}
		}
	}
}

// start records a new RUNNING execution for the order
func (e *Engine) start(ctx context.Context, orderID string) (*models.Execution, error) {
	exec := &models.Execution{
		ID:          ExecutionID(orderID),
		OrderID:     orderID,
		Status:      models.ExecutionRunning,
		OrderStatus: models.OrderStatusPending,
		StartedAt:   e.now(),
	}
	if err := e.executions.SaveExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("failed to save execution: %w", err)
	}
	return exec, nil
}

func (e *Engine) stop(ctx context.Context, exec *models.Execution) error {
	stopped := e.now()
	exec.StoppedAt = &stopped
	util.WorkflowExecutionsTotal.WithLabelValues(exec.Status).Inc()
	util.WorkflowDuration.Observe(stopped.Sub(exec.StartedAt).Seconds())

	if err := e.executions.SaveExecution(ctx, exec); err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	return nil
}

func (e *Engine) dispatch(ctx context.Context, job models.WorkflowJob) error {
	if e.queue != nil {
		return e.queue.Enqueue(ctx, job)
	}
	_, err := e.Execute(context.WithoutCancel(ctx), job)
	return err
}

func validateSubmit(req SubmitRequest) error {
	if req.CustomerID == "" {
		return apperrors.Validation("Missing required field: customer_id")
	}
	if len(req.Items) == 0 {
		return apperrors.Validation("Missing required field: items")
	}
	for i, item := range req.Items {
		if item.ProductID == "" {
			return apperrors.Validation("item %d: product_id is required", i)
		}
		if item.Quantity <= 0 {
			return apperrors.Validation("item %d: quantity must be greater than 0", i)
		}
	}
	return nil
}

func isTransitionConflict(err error) bool {
	return apperrors.Is(err, apperrors.KindConflict) && errors.Is(err, models.ErrIllegalTransition)
}

func executionStatusFor(status models.OrderStatus) string {
	switch status {
	case models.OrderStatusCompleted:
		return models.ExecutionSucceeded
	case models.OrderStatusCancelled:
		return models.ExecutionAborted
	case models.OrderStatusPaymentFailed, models.OrderStatusInventoryFailed:
		return models.ExecutionFailed
	}
	return models.ExecutionRunning
}
