package inventory

import (
	"context"
	"time"

	"order-fulfillment/internal/models"
	"order-fulfillment/internal/notify"
	"order-fulfillment/internal/store"
	"order-fulfillment/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Monitor reports products at or below the low-stock threshold. Alerts are not
// deduplicated, and delivery failures are logged and dropped.
type Monitor struct {
	store     store.InventoryStore
	notifier  notify.Notifier
	events    notify.EventPublisher
	threshold int
	interval  time.Duration
	logger    *zap.Logger
}

// MonitorOption configures a Monitor
type MonitorOption func(*Monitor)

// WithEventPublisher also publishes a LowStockEvent per low product
func WithEventPublisher(events notify.EventPublisher) MonitorOption {
	return func(m *Monitor) {
		m.events = events
	}
}

// WithInterval sets the period of the scheduled scan
func WithInterval(interval time.Duration) MonitorOption {
	return func(m *Monitor) {
		m.interval = interval
	}
}

// NewMonitor creates a low-stock monitor
func NewMonitor(st store.InventoryStore, notifier notify.Notifier, threshold int, opts ...MonitorOption) *Monitor {
	if threshold <= 0 {
		threshold = models.DefaultLowStockThreshold
	}
	m := &Monitor{
		store:     st,
		notifier:  notifier,
		threshold: threshold,
		interval:  5 * time.Minute,
		logger:    util.GetLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Scan returns every product with stock at or below the threshold
func (m *Monitor) Scan(ctx context.Context) ([]models.Product, error) {
	ctx, span := util.StartSpan(ctx, "Monitor.Scan")
	defer span.End()

	products, err := m.store.ListLowStock(ctx, m.threshold)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	return products, nil
}

// Alert scans and sends one low_stock notification when any product is low.
// It returns the reported items.
func (m *Monitor) Alert(ctx context.Context) ([]models.LowStockItem, error) {
	products, err := m.Scan(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]models.LowStockItem, 0, len(products))
	for _, p := range products {
		items = append(items, models.LowStockItem{
			ProductID:    p.ID,
			ProductName:  p.Name,
			CurrentStock: p.StockQuantity,
		})
	}

	m.emit(ctx, "", items)
	return items, nil
}

// OnReservation re-emits the low-stock alerts of a reservation
func (m *Monitor) OnReservation(ctx context.Context, outcome *Outcome) {
	if outcome == nil {
		return
	}
	m.emit(ctx, outcome.OrderID, outcome.LowStockAlerts)
}

// Run scans on every tick until ctx is cancelled
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("Starting low-stock monitor",
		zap.Int("threshold", m.threshold),
		zap.Duration("interval", m.interval))

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Low-stock monitor stopped")
			return nil
		case <-ticker.C:
			if _, err := m.Alert(ctx); err != nil {
				m.logger.Error("Low-stock scan failed", zap.Error(err))
			}
		}
	}
}

func (m *Monitor) emit(ctx context.Context, orderID string, items []models.LowStockItem) {
	if len(items) == 0 {
		return
	}
	util.LowStockAlertsTotal.Add(float64(len(items)))

	res := m.notifier.Notify(ctx, notify.Notification{
		OrderID:       orderID,
		Kind:          notify.KindLowStock,
		LowStockItems: items,
	})
	if !res.Delivered() {
		m.logger.Warn("Low-stock alert not delivered",
			zap.Int("items", len(items)),
			zap.String("error", res.Error))
	}

	if m.events == nil {
		return
	}
	for _, item := range items {
		event := &models.LowStockEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypeLowStock,
				Timestamp: time.Now().UTC(),
			},
			LowStockItem: item,
		}
		if err := m.events.PublishEvent(ctx, item.ProductID, event); err != nil {
			m.logger.Error("Failed to publish low-stock event",
				zap.String("product_id", item.ProductID),
				zap.Error(err))
		}
	}
}
