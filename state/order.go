package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/rustyeddy/orderguard/intent"
)

type OrderStatus string

const (
	Pending      OrderStatus = "PENDING"
	Sent         OrderStatus = "SENT"
	Acknowledged OrderStatus = "ACKNOWLEDGED"
	Filled       OrderStatus = "FILLED"
	Rejected     OrderStatus = "REJECTED"
	Cancelled    OrderStatus = "CANCELLED"
	Unknown      OrderStatus = "UNKNOWN"
)

// Terminal states never change once reached.
func (s OrderStatus) Terminal() bool {
	return s == Filled || s == Rejected || s == Cancelled
}

var (
	ErrTerminal          = errors.New("order record is terminal")
	ErrIllegalTransition = errors.New("illegal order status transition")
)

// A dispatched record never goes back to PENDING: that would allow a
// second send under the same key.
var orderTransitions = map[OrderStatus][]OrderStatus{
	Pending:      {Sent, Acknowledged, Filled, Rejected, Cancelled, Unknown},
	Sent:         {Sent, Acknowledged, Filled, Rejected, Cancelled, Unknown},
	Acknowledged: {Acknowledged, Filled, Cancelled, Rejected},
	Unknown:      {Sent, Acknowledged, Filled, Rejected, Cancelled, Unknown},
}

func CanTransition(from, to OrderStatus) bool {
	for _, s := range orderTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// OrderRecord is the durable ledger entry for one intent.
type OrderRecord struct {
	Key             string             `json:"idempotency_key"`
	Intent          intent.OrderIntent `json:"intent"`
	Status          OrderStatus        `json:"status"`
	ExchangeOrderID string             `json:"exchange_order_id,omitempty"`
	FilledQty       float64            `json:"filled_qty,omitempty"`
	AvgPrice        float64            `json:"avg_price,omitempty"`
	RetryCount      int                `json:"retry_count"`
	LastAttemptAt   time.Time          `json:"last_attempt_at,omitempty"`
	LastError       string             `json:"last_error,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

func NewRecord(in intent.OrderIntent, now time.Time) *OrderRecord {
	return &OrderRecord{
		Key:       in.Key,
		Intent:    in,
		Status:    Pending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition moves the record to status to.
func (r *OrderRecord) Transition(to OrderStatus, now time.Time) error {
	if r.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, r.Key, r.Status)
	}
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, r.Status, to)
	}
	r.Status = to
	r.UpdatedAt = now
	return nil
}

// Live reports whether the order may still act on the exchange.
func (r *OrderRecord) Live() bool {
	return r != nil && !r.Status.Terminal()
}

func (r *OrderRecord) Role() intent.Role { return r.Intent.Role }
