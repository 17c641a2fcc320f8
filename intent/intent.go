package intent

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rustyeddy/orderguard/market"
)

type Role string

const (
	RoleEntry       Role = "ENTRY"
	RoleStopLoss    Role = "STOP_LOSS"
	RoleTakeProfit  Role = "TAKE_PROFIT"
	RolePartialExit Role = "PARTIAL_EXIT"
	RoleCancel      Role = "CANCEL"
)

// Code is the two letter tag embedded in client order ids.
func (r Role) Code() string {
	switch r {
	case RoleEntry:
		return "EN"
	case RoleStopLoss:
		return "SL"
	case RoleTakeProfit:
		return "TP"
	case RolePartialExit:
		return "PX"
	case RoleCancel:
		return "CX"
	}
	return "XX"
}

// Protective reports whether the role is a stop-loss or take-profit.
func (r Role) Protective() bool { return r == RoleStopLoss || r == RoleTakeProfit }

var (
	ErrInvalidSignal = errors.New("invalid signal")
	ErrZeroQuantity  = errors.New("quantity rounds to zero")
)

// Signal is what the signal source hands to the engine.
type Signal struct {
	Symbol    string           `json:"symbol"`
	Side      market.Side      `json:"side"`
	Timeframe market.Timeframe `json:"timeframe"`
	EntryHint float64          `json:"entry_hint"`
	Quantity  float64          `json:"quantity"`
	Time      time.Time        `json:"time"`
	Risk      RiskParams       `json:"risk_params"`
}

func (s Signal) Validate() error {
	switch {
	case s.Symbol == "":
		return fmt.Errorf("%w: symbol is required", ErrInvalidSignal)
	case !s.Side.Valid():
		return fmt.Errorf("%w: bad side %q", ErrInvalidSignal, s.Side)
	case !s.Timeframe.Valid():
		return fmt.Errorf("%w: bad timeframe %q", ErrInvalidSignal, s.Timeframe)
	case s.Time.IsZero():
		return fmt.Errorf("%w: signal time is required", ErrInvalidSignal)
	case s.Quantity <= 0:
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidSignal)
	}
	return nil
}

// OrderIntent is a requested action before it is known to have reached
// the exchange.
type OrderIntent struct {
	Key           string           `json:"idempotency_key"`
	Role          Role             `json:"role"`
	Symbol        string           `json:"symbol"`
	Side          market.Side      `json:"side"`
	Type          market.OrderType `json:"type"`
	Quantity      float64          `json:"quantity"`
	Price         float64          `json:"price_or_trigger"`
	Timeframe     market.Timeframe `json:"timeframe,omitempty"`
	ReduceOnly    bool             `json:"reduce_only,omitempty"`
	ClosePosition bool             `json:"close_position,omitempty"`
	TargetKey     string           `json:"target_key,omitempty"`
	// Parent is the entry fill id of the position a protective or exit
	// order belongs to.
	Parent        string           `json:"parent,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// Owner identifies the position a protective or exit intent belongs to.
type Owner struct {
	Symbol      string
	Side        market.Side
	Timeframe   market.Timeframe
	EntryFillID string
	Size        float64
}

// KeyFields are the inputs of an idempotency key. Nothing time-of-call
// or random may go in here.
type KeyFields struct {
	Symbol  string
	Role    Role
	Side    market.Side
	Bucket  time.Time
	Parent  string
	Trigger string
	Tag     string
}

// Key derives the client order id for f. The result is at most 36
// characters, the venue limit.
func Key(f KeyFields) string {
	var bucket int64
	if !f.Bucket.IsZero() {
		bucket = f.Bucket.UTC().Unix()
	}
	h := sha1.New()
	fmt.Fprintf(h, "%s|%s|%s|%d|%s|%s|%s", f.Symbol, f.Role, f.Side, bucket, f.Parent, f.Trigger, f.Tag)
	sum := h.Sum(nil)
	return "og-" + f.Role.Code() + "-" + hex.EncodeToString(sum[:15])
}

// Entry builds the market entry for sig. Replaying the same signal within
// one candle yields the same key.
func Entry(sig Signal, rules market.SymbolRules) (OrderIntent, error) {
	if err := sig.Validate(); err != nil {
		return OrderIntent{}, err
	}
	qty := rules.RoundQty(sig.Quantity)
	if qty <= 0 || qty < rules.MinQty {
		return OrderIntent{}, fmt.Errorf("%w: %v on step %v", ErrZeroQuantity, sig.Quantity, rules.StepSize)
	}
	bucket := sig.Timeframe.Bucket(sig.Time)
	return OrderIntent{
		Key: Key(KeyFields{
			Symbol: sig.Symbol,
			Role:   RoleEntry,
			Side:   sig.Side,
			Bucket: bucket,
			Tag:    string(sig.Timeframe),
		}),
		Role:      RoleEntry,
		Symbol:    sig.Symbol,
		Side:      sig.Side,
		Type:      market.Market,
		Quantity:  qty,
		Price:     rules.RoundPrice(sig.EntryHint),
		Timeframe: sig.Timeframe,
		CreatedAt: sig.Time.UTC(),
	}, nil
}

func StopLoss(o Owner, trigger float64, rules market.SymbolRules, at time.Time) OrderIntent {
	return protective(RoleStopLoss, market.StopMarket, o, trigger, rules, at)
}

func TakeProfit(o Owner, trigger float64, rules market.SymbolRules, at time.Time) OrderIntent {
	return protective(RoleTakeProfit, market.TakeProfitMarket, o, trigger, rules, at)
}

// protective orders close whatever is left of the position, so their
// quantity is informational and only the trigger price enters the key.
func protective(role Role, typ market.OrderType, o Owner, trigger float64, rules market.SymbolRules, at time.Time) OrderIntent {
	px := rules.FormatPrice(trigger)
	return OrderIntent{
		Key: Key(KeyFields{
			Symbol:  o.Symbol,
			Role:    role,
			Side:    o.Side.Opposite(),
			Parent:  o.EntryFillID,
			Trigger: px,
		}),
		Role:          role,
		Symbol:        o.Symbol,
		Side:          o.Side.Opposite(),
		Type:          typ,
		Quantity:      rules.RoundQty(o.Size),
		Price:         rules.RoundPrice(trigger),
		Timeframe:     o.Timeframe,
		ReduceOnly:    true,
		ClosePosition: true,
		Parent:        o.EntryFillID,
		CreatedAt:     at.UTC(),
	}
}

// PartialExit builds a reduce-only market order for qty. tag separates
// distinct exits of the same position, e.g. "partial" and "close".
func PartialExit(o Owner, qty float64, tag string, rules market.SymbolRules, at time.Time) (OrderIntent, error) {
	q := rules.RoundQty(qty)
	if q <= 0 {
		return OrderIntent{}, fmt.Errorf("%w: %v on step %v", ErrZeroQuantity, qty, rules.StepSize)
	}
	return OrderIntent{
		Key: Key(KeyFields{
			Symbol:  o.Symbol,
			Role:    RolePartialExit,
			Side:    o.Side.Opposite(),
			Parent:  o.EntryFillID,
			Trigger: rules.FormatQty(q),
			Tag:     tag,
		}),
		Role:       RolePartialExit,
		Symbol:     o.Symbol,
		Side:       o.Side.Opposite(),
		Type:       market.Market,
		Quantity:   q,
		Timeframe:  o.Timeframe,
		ReduceOnly: true,
		Parent:     o.EntryFillID,
		CreatedAt:  at.UTC(),
	}, nil
}

// Cancel builds the cancel request for target. There is exactly one
// cancel key per target order.
func Cancel(target OrderIntent, at time.Time) OrderIntent {
	return OrderIntent{
		Key: Key(KeyFields{
			Symbol: target.Symbol,
			Role:   RoleCancel,
			Side:   target.Side,
			Parent: target.Key,
		}),
		Role:      RoleCancel,
		Symbol:    target.Symbol,
		Side:      target.Side,
		Type:      target.Type,
		Price:     target.Price,
		Timeframe: target.Timeframe,
		TargetKey: target.Key,
		Parent:    target.Parent,
		CreatedAt: at.UTC(),
	}
}

// Reissue gives a protective intent the n-th replacement key, for when
// the order under its natural key ended without filling and the venue
// will not take the same client id twice.
func Reissue(in OrderIntent, n int, rules market.SymbolRules) OrderIntent {
	in.Key = Key(KeyFields{
		Symbol:  in.Symbol,
		Role:    in.Role,
		Side:    in.Side,
		Parent:  in.Parent,
		Trigger: rules.FormatPrice(in.Price),
		Tag:     fmt.Sprintf("re%d", n),
	})
	return in
}
