package execution

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradecycle/internal/decision"
)

type OrderStatus string

const (
	OrderSubmitted OrderStatus = "submitted"
	OrderConfirmed OrderStatus = "confirmed"
	OrderRejected  OrderStatus = "rejected"
	OrderFailed    OrderStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s == OrderConfirmed || s == OrderRejected || s == OrderFailed
}

// TradeOrder is the persisted order record. Orders are never deleted;
// they move through submitted -> confirmed | rejected | failed.
type TradeOrder struct {
	OrderID       string          `json:"orderId"`
	CycleID       string          `json:"cycleId"`
	Ticker        string          `json:"ticker"`
	Action        decision.Action `json:"action"`
	Quantity      float64         `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	RequiredFunds decimal.Decimal `json:"requiredFunds"`
	Status        OrderStatus     `json:"status"`
	Reason        string          `json:"reason,omitempty"`
	BrokerRef     string          `json:"brokerRef,omitempty"`
	Simulated     bool            `json:"simulated"`
	SubmittedAt   time.Time       `json:"submittedAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// OrderID is the idempotency key: one cycle produces at most one order
// per ticker and direction, so resubmission after a crash or retry maps
// onto the existing record.
func OrderID(cycleID, ticker string, action decision.Action) string {
	sum := sha256.Sum256([]byte(cycleID + "|" + ticker + "|" + string(action)))
	return hex.EncodeToString(sum[:8])
}

// Validation reasons reported upstream; a rejected validation is
// terminal and never retried.
const (
	ReasonInsufficientFunds    = "insufficient_funds"
	ReasonInsufficientPosition = "insufficient_position"
	ReasonPositionLimit        = "position_limit"
)

type ValidationResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// ValidationError wraps a terminal validation rejection.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("order validation failed: %s", e.Reason)
}

// Ack is the broker's reply to a submission.
type Ack struct {
	RefID  string
	Status OrderStatus
}

// Broker is the external execution surface.
type Broker interface {
	Submit(ctx context.Context, order TradeOrder) (Ack, error)
	OrderStatus(ctx context.Context, refID string) (OrderStatus, error)
}

// OrderStore persists orders; the gorm store implements it.
type OrderStore interface {
	GetTradeOrder(ctx context.Context, orderID string) (TradeOrder, bool, error)
	SaveTradeOrder(ctx context.Context, order TradeOrder) error
}

// TransientSubmitError marks a broker failure worth retrying.
type TransientSubmitError struct {
	Err error
}

func (e *TransientSubmitError) Error() string { return e.Err.Error() }
func (e *TransientSubmitError) Unwrap() error { return e.Err }
