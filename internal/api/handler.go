package api

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"order-fulfillment/internal/apperrors"
	"order-fulfillment/internal/inventory"
	"order-fulfillment/internal/models"
	"order-fulfillment/internal/notify"
	"order-fulfillment/internal/payment"
	"order-fulfillment/internal/store"
	"order-fulfillment/internal/util"
	"order-fulfillment/internal/workflow"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadinessCheck reports whether a dependency can serve requests
type ReadinessCheck func(ctx context.Context) error

// Dependencies are the components the HTTP layer exposes
type Dependencies struct {
	Engine         *workflow.Engine
	Orders         store.OrderStore
	Inventory      store.InventoryStore
	Reserver       *inventory.Reserver
	Monitor        *inventory.Monitor
	Authority      payment.Authority
	PaymentTimeout time.Duration
	Notifier       notify.Notifier
	Checks         map[string]ReadinessCheck
}

// Handler contains HTTP handlers
type Handler struct {
	deps       Dependencies
	dispatcher *Dispatcher
}

// NewHandler creates a new HTTP handler
func NewHandler(deps Dependencies) *Handler {
	h := &Handler{deps: deps}
	h.dispatcher = NewDispatcher(map[CommandKind]CommandHandler{
		CmdSubmitOrder:      h.submitOrder,
		CmdListOrders:       h.listOrders,
		CmdGetOrder:         h.getOrder,
		CmdUpdateOrder:      h.updateOrder,
		CmdCancelOrder:      h.cancelOrder,
		CmdDeleteOrder:      h.deleteOrder,
		CmdExecutionStatus:  h.executionStatus,
		CmdListProducts:     h.listProducts,
		CmdListLowStock:     h.listLowStock,
		CmdPaymentStep:      h.paymentStep,
		CmdInventoryStep:    h.inventoryStep,
		CmdNotificationStep: h.notificationStep,
	})
	return h
}

// Dispatcher returns the command dispatcher behind the routes
func (h *Handler) Dispatcher() *Dispatcher {
	return h.dispatcher
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", h.route(CmdSubmitOrder))
		v1.GET("/orders", h.route(CmdListOrders))
		v1.GET("/orders/:id", h.route(CmdGetOrder))
		v1.PUT("/orders/:id", h.route(CmdUpdateOrder))
		v1.DELETE("/orders/:id", h.route(CmdDeleteOrder))
		v1.POST("/orders/:id/cancel", h.route(CmdCancelOrder))

		v1.GET("/status/:id", h.route(CmdExecutionStatus))

		v1.GET("/products", h.route(CmdListProducts))
		v1.GET("/products/low-stock", h.route(CmdListLowStock))

		v1.POST("/steps/payment", h.route(CmdPaymentStep))
		v1.POST("/steps/inventory", h.route(CmdInventoryStep))
		v1.POST("/steps/notification", h.route(CmdNotificationStep))
	}
}

// route translates a gin request into a command and writes its result
func (h *Handler) route(kind CommandKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		cmd := Command{
			Kind:  kind,
			ID:    c.Param("id"),
			Query: c.Request.URL.Query(),
		}
		if c.Request.Body != nil {
			body, err := io.ReadAll(c.Request.Body)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"message": "Failed to read request body"})
				return
			}
			cmd.Body = body
		}

		res := h.dispatcher.Dispatch(c.Request.Context(), cmd)
		c.JSON(res.StatusCode, res.Body)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "healthy",
		"status":  "healthy",
		"time":    time.Now().Unix(),
	})
}

// readinessCheck runs every registered dependency check
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failures := gin.H{}
	for name, check := range h.deps.Checks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}

	if len(failures) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"message": "not ready",
			"status":  "not_ready",
			"checks":  failures,
			"time":    time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "ready",
		"status":  "ready",
		"time":    time.Now().Unix(),
	})
}

func (h *Handler) submitOrder(ctx context.Context, cmd Command) Result {
	var req workflow.SubmitRequest
	if err := decodeBody(cmd, &req); err != nil {
		return errorResult(cmd, err)
	}

	sub, err := h.deps.Engine.Submit(ctx, req)
	if err != nil {
		return errorResult(cmd, err)
	}

	return success(http.StatusCreated, "Order created successfully", gin.H{
		"order_id":      sub.OrderID,
		"execution_arn": sub.ExecutionID,
		"status":        sub.Status,
		"total_amount":  sub.TotalAmount,
	})
}

func (h *Handler) listOrders(ctx context.Context, cmd Command) Result {
	page, err := pageRequest(cmd.Query)
	if err != nil {
		return errorResult(cmd, err)
	}

	result, err := h.deps.Engine.List(ctx, page)
	if err != nil {
		return errorResult(cmd, err)
	}

	return success(http.StatusOK, "Orders retrieved successfully", gin.H{
		"orders":     result.Orders,
		"pagination": result.Pagination,
	})
}

func (h *Handler) getOrder(ctx context.Context, cmd Command) Result {
	order, err := h.deps.Engine.Get(ctx, cmd.ID)
	if err != nil {
		return errorResult(cmd, err)
	}
	return success(http.StatusOK, "Order retrieved successfully", gin.H{"order": order})
}

func (h *Handler) updateOrder(ctx context.Context, cmd Command) Result {
	var req struct {
		Status string `json:"status"`
	}
	if err := decodeBody(cmd, &req); err != nil {
		return errorResult(cmd, err)
	}
	if req.Status == "" {
		return errorResult(cmd, apperrors.Validation("Missing required field: status"))
	}

	order, err := h.deps.Engine.UpdateStatus(ctx, cmd.ID, req.Status)
	if err != nil {
		return errorResult(cmd, err)
	}
	return success(http.StatusOK, "Order status updated successfully", gin.H{"order": order})
}

func (h *Handler) cancelOrder(ctx context.Context, cmd Command) Result {
	order, err := h.deps.Engine.Cancel(ctx, cmd.ID)
	if err != nil {
		return errorResult(cmd, err)
	}
	return success(http.StatusOK, "Order cancelled successfully", gin.H{"order": order})
}

func (h *Handler) deleteOrder(ctx context.Context, cmd Command) Result {
	if err := h.deps.Engine.Delete(ctx, cmd.ID); err != nil {
		return errorResult(cmd, err)
	}
	return success(http.StatusOK, "Order deleted successfully", gin.H{"order_id": cmd.ID})
}

func (h *Handler) executionStatus(ctx context.Context, cmd Command) Result {
	exec, err := h.deps.Engine.Status(ctx, cmd.ID)
	if err != nil {
		return errorResult(cmd, err)
	}

	return success(http.StatusOK, "Execution status retrieved successfully", gin.H{
		"execution_arn": exec.ID,
		"order_id":      exec.OrderID,
		"status":        exec.Status,
		"order_status":  exec.OrderStatus,
		"start_date":    exec.StartedAt,
		"stop_date":     exec.StoppedAt,
		"error":         exec.Error,
	})
}

func (h *Handler) listProducts(ctx context.Context, cmd Command) Result {
	products, err := h.deps.Inventory.ListProducts(ctx)
	if err != nil {
		return errorResult(cmd, err)
	}
	return success(http.StatusOK, "Products retrieved successfully", gin.H{
		"products": products,
		"count":    len(products),
	})
}

func (h *Handler) listLowStock(ctx context.Context, cmd Command) Result {
	threshold := h.deps.Reserver.Threshold()
	if raw := cmd.Query.Get("threshold"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return errorResult(cmd, apperrors.Validation("threshold must be a non-negative integer"))
		}
		threshold = n
	}

	products, err := h.deps.Inventory.ListLowStock(ctx, threshold)
	if err != nil {
		return errorResult(cmd, err)
	}

	items := make([]models.LowStockItem, 0, len(products))
	for _, p := range products {
		items = append(items, models.LowStockItem{
			ProductID:    p.ID,
			ProductName:  p.Name,
			CurrentStock: p.StockQuantity,
		})
	}
	return success(http.StatusOK, "Low stock products retrieved successfully", gin.H{
		"threshold":       threshold,
		"low_stock_items": items,
		"count":           len(items),
	})
}

func (h *Handler) paymentStep(ctx context.Context, cmd Command) Result {
	var req payment.Request
	if err := decodeBody(cmd, &req); err != nil {
		return errorResult(cmd, err)
	}
	if req.OrderID == "" {
		return errorResult(cmd, apperrors.Validation("Missing required field: order_id"))
	}
	if !req.Amount.IsPositive() {
		return errorResult(cmd, apperrors.Validation("total_amount must be greater than 0"))
	}

	res := payment.Process(ctx, h.deps.Authority, req, h.deps.PaymentTimeout)
	return Result{StatusCode: http.StatusOK, Body: res}
}

func (h *Handler) inventoryStep(ctx context.Context, cmd Command) Result {
	var in inventory.StepInput
	if err := decodeBody(cmd, &in); err != nil {
		return errorResult(cmd, err)
	}

	out := h.deps.Reserver.RunStep(ctx, h.deps.Orders, in)
	if out.Succeeded() && h.deps.Monitor != nil && len(out.LowStockAlerts) > 0 {
		h.deps.Monitor.OnReservation(ctx, &inventory.Outcome{
			OrderID:        out.OrderID,
			Products:       out.UpdatedProducts,
			LowStockAlerts: out.LowStockAlerts,
		})
	}
	return Result{StatusCode: http.StatusOK, Body: out}
}

func (h *Handler) notificationStep(ctx context.Context, cmd Command) Result {
	var n notify.Notification
	if err := decodeBody(cmd, &n); err != nil {
		return errorResult(cmd, err)
	}

	res := h.deps.Notifier.Notify(ctx, n)
	message := "Notification sent successfully"
	if !res.Delivered() {
		message = "Notification delivery failed"
	}

	return Result{StatusCode: http.StatusOK, Body: gin.H{
		"message":           message,
		"status":            res.Status,
		"outcome":           res.Outcome,
		"order_id":          res.OrderID,
		"notification_type": res.NotificationType,
		"message_id":        res.MessageID,
		"error":             res.Error,
		"timestamp":         res.Timestamp,
	}}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
