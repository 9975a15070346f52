package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"order-fulfillment/internal/apperrors"
	"order-fulfillment/internal/models"
	"order-fulfillment/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// CommandKind names one API operation
type CommandKind string

const (
	CmdSubmitOrder      CommandKind = "submit_order"
	CmdListOrders       CommandKind = "list_orders"
	CmdGetOrder         CommandKind = "get_order"
	CmdUpdateOrder      CommandKind = "update_order"
	CmdCancelOrder      CommandKind = "cancel_order"
	CmdDeleteOrder      CommandKind = "delete_order"
	CmdExecutionStatus  CommandKind = "execution_status"
	CmdListProducts     CommandKind = "list_products"
	CmdListLowStock     CommandKind = "list_low_stock"
	CmdPaymentStep      CommandKind = "payment_step"
	CmdInventoryStep    CommandKind = "inventory_step"
	CmdNotificationStep CommandKind = "notification_step"
)

// Command is a transport-independent request
type Command struct {
	Kind  CommandKind
	ID    string
	Body  []byte
	Query url.Values
}

// Result is what a command produces: a status code and a JSON body carrying a message
type Result struct {
	StatusCode int
	Body       any
}

// CommandHandler executes one kind of command
type CommandHandler func(ctx context.Context, cmd Command) Result

// Dispatcher routes commands to their handlers
type Dispatcher struct {
	handlers map[CommandKind]CommandHandler
}

// NewDispatcher creates a dispatcher over a handler table
func NewDispatcher(handlers map[CommandKind]CommandHandler) *Dispatcher {
	return &Dispatcher{handlers: handlers}
}

// Dispatch runs the handler registered for cmd.Kind
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) Result {
	handler, ok := d.handlers[cmd.Kind]
	if !ok {
		return Result{
			StatusCode: http.StatusNotFound,
			Body:       gin.H{"message": "Unsupported operation", "operation": string(cmd.Kind)},
		}
	}
	return handler(ctx, cmd)
}

func success(status int, message string, fields gin.H) Result {
	body := gin.H{"message": message}
	for k, v := range fields {
		body[k] = v
	}
	return Result{StatusCode: status, Body: body}
}

// errorResult maps an application error to a response. Internal error text is only
// attached for fatal errors, next to a human readable message.
func errorResult(cmd Command, err error) Result {
	kind := apperrors.KindOf(err)
	body := gin.H{
		"message":    apperrors.MessageOf(err),
		"error_type": kind.String(),
	}
	if details := apperrors.DetailsOf(err); len(details) > 0 {
		body["details"] = details
	}

	logger := util.GetLogger()
	if kind == apperrors.KindFatal {
		body["error"] = err.Error()
		logger.Error("Command failed",
			zap.String("command", string(cmd.Kind)),
			zap.String("id", cmd.ID),
			zap.Error(err))
	} else {
		logger.Info("Command rejected",
			zap.String("command", string(cmd.Kind)),
			zap.String("id", cmd.ID),
			zap.String("error_type", kind.String()),
			zap.String("reason", apperrors.MessageOf(err)))
	}

	return Result{StatusCode: apperrors.StatusCode(err), Body: body}
}

func decodeBody(cmd Command, v any) error {
	if len(cmd.Body) == 0 {
		return apperrors.Validation("Request body is required")
	}
	if err := json.Unmarshal(cmd.Body, v); err != nil {
		return apperrors.Validation("Invalid request body: %v", err)
	}
	return nil
}

func pageRequest(query url.Values) (models.PageRequest, error) {
	var page models.PageRequest
	var err error

	if page.Page, err = positiveInt(query, "page", 1); err != nil {
		return page, err
	}
	if page.Limit, err = positiveInt(query, "limit", models.DefaultPageLimit); err != nil {
		return page, err
	}
	return page.Normalize(), nil
}

func positiveInt(query url.Values, key string, def int) (int, error) {
	raw := query.Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, apperrors.Validation("%s must be a positive integer", key)
	}
	return n, nil
}
