package payment

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"order-fulfillment/internal/models"
	"order-fulfillment/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Request asks the payment authority to charge an order
type Request struct {
	OrderID string          `json:"order_id"`
	Amount  decimal.Decimal `json:"total_amount"`
}

// Charge is the authority's answer for one charge attempt
type Charge struct {
	Approved      bool
	TransactionID string
	Message       string
}

// Authority charges orders. Implementations may be slow and must honour ctx.
type Authority interface {
	Charge(ctx context.Context, req Request) (*Charge, error)
}

// Result is the output of the payment step
type Result struct {
	OrderID       string          `json:"order_id"`
	PaymentStatus string          `json:"paymentStatus"`
	TransactionID *string         `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	Message       string          `json:"message"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Succeeded reports whether the charge was approved
func (r *Result) Succeeded() bool {
	return r.PaymentStatus == models.PaymentStatusSuccess
}

// TxID returns the transaction id or an empty string
func (r *Result) TxID() string {
	if r.TransactionID == nil {
		return ""
	}
	return *r.TransactionID
}

// Process runs one charge against the authority bounded by timeout. It never returns
// an error: a timeout or authority error is reported as PaymentStatusError, which the
// workflow treats as a failed payment.
func Process(ctx context.Context, authority Authority, req Request, timeout time.Duration) Result {
	ctx, span := util.StartSpan(ctx, "Payment.Process")
	defer span.End()

	logger := util.GetLogger()
	util.PaymentAttemptsTotal.Inc()
	start := time.Now()
	defer func() {
		util.PaymentProcessingLatency.Observe(time.Since(start).Seconds())
	}()

	result := Result{
		OrderID: req.OrderID,
		Amount:  req.Amount,
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	charge, err := authority.Charge(ctx, req)
	result.Timestamp = time.Now().UTC()

	switch {
	case err != nil:
		result.PaymentStatus = models.PaymentStatusError
		if errors.Is(err, context.DeadlineExceeded) {
			result.Message = fmt.Sprintf("Payment timed out after %s", timeout)
		} else {
			result.Message = fmt.Sprintf("Payment processing error: %v", err)
		}
		util.RecordError(span, err)
		logger.Error("Payment processing error",
			zap.String("order_id", req.OrderID),
			zap.Error(err))

	case charge == nil:
		result.PaymentStatus = models.PaymentStatusError
		result.Message = "Payment processing error: authority returned no result"
		util.RecordError(span, errors.New("payment authority returned no charge"))
		logger.Error("Payment authority returned no charge", zap.String("order_id", req.OrderID))

	case charge.Approved:
		result.PaymentStatus = models.PaymentStatusSuccess
		txID := charge.TransactionID
		result.TransactionID = &txID
		result.Message = "Payment processed successfully"
		logger.Info("Payment succeeded",
			zap.String("order_id", req.OrderID),
			zap.String("tx_id", txID))

	default:
		result.PaymentStatus = models.PaymentStatusFailed
		result.Message = "Payment declined"
		if charge.Message != "" {
			result.Message = charge.Message
		}
		logger.Warn("Payment failed", zap.String("order_id", req.OrderID))
	}

	if result.Succeeded() {
		util.PaymentSuccessTotal.Inc()
	} else {
		util.PaymentFailedTotal.WithLabelValues(result.PaymentStatus).Inc()
	}
	return result
}

// Simulator is a mock payment authority with a fixed approval rate
type Simulator struct {
	mu          sync.Mutex
	rng         *rand.Rand
	successRate float64
	minDelay    time.Duration
	maxDelay    time.Duration
	now         func() time.Time
}

// SimulatorOption configures a Simulator
type SimulatorOption func(*Simulator)

// WithDelay sets the range of simulated processing time
func WithDelay(min, max time.Duration) SimulatorOption {
	return func(s *Simulator) {
		s.minDelay, s.maxDelay = min, max
	}
}

// WithSeed makes the approval sequence deterministic
func WithSeed(seed int64) SimulatorOption {
	return func(s *Simulator) {
		s.rng = rand.New(rand.NewSource(seed))
	}
}

// NewSimulator creates a simulator approving successRate of charges
func NewSimulator(successRate float64, opts ...SimulatorOption) *Simulator {
	s := &Simulator{
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		successRate: successRate,
		minDelay:    100 * time.Millisecond,
		maxDelay:    500 * time.Millisecond,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Charge approves or declines the request after a simulated delay
func (s *Simulator) Charge(ctx context.Context, req Request) (*Charge, error) {
	s.mu.Lock()
	delay := s.minDelay
	if span := s.maxDelay - s.minDelay; span > 0 {
		delay += time.Duration(s.rng.Int63n(int64(span)))
	}
	approved := s.rng.Float64() < s.successRate
	s.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	if !approved {
		return &Charge{Approved: false, Message: "Payment declined"}, nil
	}
	return &Charge{Approved: true, TransactionID: TransactionID(req.OrderID, s.now())}, nil
}

// TransactionID formats a transaction id as TXN-<first 8 chars of order id>-<unix seconds>
func TransactionID(orderID string, at time.Time) string {
	prefix := orderID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("TXN-%s-%d", prefix, at.Unix())
}
