package state

import (
	"sort"
	"time"

	"github.com/rustyeddy/orderguard/market"
)

// CooldownEntry gates new entries for one timeframe.
type CooldownEntry struct {
	Timeframe   market.Timeframe `json:"timeframe"`
	LockedUntil time.Time        `json:"locked_until"`
}

// TradeBlocker is the consecutive-loss circuit breaker.
type TradeBlocker struct {
	ConsecutiveLosses int        `json:"consecutive_losses"`
	BlockedUntil      *time.Time `json:"blocked_until"`
}

func (b TradeBlocker) Blocked(now time.Time) bool {
	return b.BlockedUntil != nil && now.Before(*b.BlockedUntil)
}

// RecordClose updates the streak from a realized PnL and arms the blocker
// when the streak reaches threshold. Every further loss while the streak
// is at or past threshold re-arms it. It reports whether it armed.
func (b *TradeBlocker) RecordClose(pnl float64, now time.Time, threshold int, d time.Duration) bool {
	if pnl >= 0 {
		b.ConsecutiveLosses = 0
		return false
	}
	b.ConsecutiveLosses++
	if threshold > 0 && b.ConsecutiveLosses >= threshold {
		until := now.Add(d)
		b.BlockedUntil = &until
		return true
	}
	return false
}

// LastSignal is the most recent admitted signal for the symbol.
type LastSignal struct {
	Side      market.Side      `json:"side"`
	Timeframe market.Timeframe `json:"timeframe"`
	At        time.Time        `json:"at"`
}

// SymbolState is the persisted snapshot for one symbol. It is always
// written as a whole.
type SymbolState struct {
	Symbol          string                             `json:"symbol"`
	Version         int64                              `json:"version"`
	Orders          map[string]*OrderRecord            `json:"order_records"`
	Position        *Position                          `json:"position"`
	Cooldowns       map[market.Timeframe]CooldownEntry `json:"cooldowns"`
	Blocker         TradeBlocker                       `json:"trade_blocker"`
	LastSignal      *LastSignal                        `json:"last_signal,omitempty"`
	LastExitAt      *time.Time                         `json:"last_exit_at,omitempty"`
	LastReconcileAt time.Time                          `json:"last_reconcile_at,omitempty"`
	UpdatedAt       time.Time                          `json:"updated_at"`
}

func NewSymbolState(symbol string) *SymbolState {
	return &SymbolState{
		Symbol:    symbol,
		Orders:    make(map[string]*OrderRecord),
		Cooldowns: make(map[market.Timeframe]CooldownEntry),
	}
}

func (s *SymbolState) Order(key string) (*OrderRecord, bool) {
	if key == "" {
		return nil, false
	}
	r, ok := s.Orders[key]
	return r, ok
}

func (s *SymbolState) PutOrder(r *OrderRecord) {
	if s.Orders == nil {
		s.Orders = make(map[string]*OrderRecord)
	}
	s.Orders[r.Key] = r
}

// NonTerminal returns the records that still need an answer from the
// exchange, oldest first.
func (s *SymbolState) NonTerminal() []*OrderRecord {
	var out []*OrderRecord
	for _, r := range s.Orders {
		if !r.Status.Terminal() {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *SymbolState) CooldownActive(tf market.Timeframe, now time.Time) (time.Time, bool) {
	c, ok := s.Cooldowns[tf]
	if !ok {
		return time.Time{}, false
	}
	return c.LockedUntil, now.Before(c.LockedUntil)
}

// ArmCooldown locks tf for one candle starting at now.
func (s *SymbolState) ArmCooldown(tf market.Timeframe, now time.Time) {
	if s.Cooldowns == nil {
		s.Cooldowns = make(map[market.Timeframe]CooldownEntry)
	}
	s.Cooldowns[tf] = CooldownEntry{Timeframe: tf, LockedUntil: now.Add(tf.Duration())}
}

// HasOpenPosition is true for anything not yet flat, OPENING included.
func (s *SymbolState) HasOpenPosition() bool {
	return s.Position != nil && s.Position.RiskState != Closed && s.Position.RiskState != Aborted
}

// Referenced reports whether key is tied to the current position.
func (s *SymbolState) Referenced(key string) bool {
	p := s.Position
	if p == nil || key == "" {
		return false
	}
	switch key {
	case p.EntryKey, p.StopLossKey, p.TakeProfitKey, p.PartialExitKey, p.CloseKey:
		return true
	}
	return false
}

// Clone returns a deep copy safe to mutate.
func (s *SymbolState) Clone() *SymbolState {
	if s == nil {
		return nil
	}
	c := *s
	c.Orders = make(map[string]*OrderRecord, len(s.Orders))
	for k, r := range s.Orders {
		rc := *r
		c.Orders[k] = &rc
	}
	c.Cooldowns = make(map[market.Timeframe]CooldownEntry, len(s.Cooldowns))
	for k, v := range s.Cooldowns {
		c.Cooldowns[k] = v
	}
	c.Position = s.Position.clone()
	if s.Blocker.BlockedUntil != nil {
		v := *s.Blocker.BlockedUntil
		c.Blocker.BlockedUntil = &v
	}
	if s.LastSignal != nil {
		v := *s.LastSignal
		c.LastSignal = &v
	}
	if s.LastExitAt != nil {
		v := *s.LastExitAt
		c.LastExitAt = &v
	}
	return &c
}
