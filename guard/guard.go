// Package guard decides whether a new entry may be sent. Only ENTRY
// intents are gated; anything protecting or reducing an open position
// always passes.
package guard

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/orderguard/intent"
	"github.com/rustyeddy/orderguard/market"
	"github.com/rustyeddy/orderguard/metrics"
	"github.com/rustyeddy/orderguard/pkg/id"
	"github.com/rustyeddy/orderguard/state"
)

type Reason string

const (
	CooldownActive    Reason = "COOLDOWN_ACTIVE"
	LossStreakBlocked Reason = "LOSS_STREAK_BLOCKED"
	PositionExists    Reason = "POSITION_EXISTS"
	ExitCooldown      Reason = "EXIT_COOLDOWN"
)

// Decision is the admission verdict. Until is when the blocking condition
// lapses, if it is time based.
type Decision struct {
	Allowed bool      `json:"allowed"`
	Reason  Reason    `json:"reason,omitempty"`
	Until   time.Time `json:"until,omitempty"`
}

func allow() Decision { return Decision{Allowed: true} }

func reject(r Reason, until time.Time) Decision {
	return Decision{Reason: r, Until: until}
}

func (d Decision) String() string {
	if d.Allowed {
		return "ALLOWED"
	}
	return string(d.Reason)
}

// CooldownPolicy says when an entry consumes its timeframe slot.
type CooldownPolicy string

const (
	OnAdmission CooldownPolicy = "on_admission"
	OnFill      CooldownPolicy = "on_fill"
)

func (p CooldownPolicy) Valid() bool { return p == OnAdmission || p == OnFill }

type Config struct {
	CooldownPolicy      CooldownPolicy `yaml:"cooldown_policy" json:"cooldown_policy"`
	LossStreakThreshold int            `yaml:"loss_streak_threshold" json:"loss_streak_threshold"`
	LossStreakCooldown  time.Duration  `yaml:"loss_streak_cooldown" json:"loss_streak_cooldown"`
	CooldownAfterExit   time.Duration  `yaml:"cooldown_after_exit" json:"cooldown_after_exit"`
}

func DefaultConfig() Config {
	return Config{
		CooldownPolicy:      OnAdmission,
		LossStreakThreshold: 5,
		LossStreakCooldown:  60 * time.Minute,
	}
}

func (c Config) Validate() error {
	if !c.CooldownPolicy.Valid() {
		return fmt.Errorf("guard.cooldown_policy must be %s or %s", OnAdmission, OnFill)
	}
	if c.LossStreakThreshold < 1 {
		return fmt.Errorf("guard.loss_streak_threshold must be at least 1")
	}
	if c.LossStreakCooldown <= 0 {
		return fmt.Errorf("guard.loss_streak_cooldown must be positive")
	}
	if c.CooldownAfterExit < 0 || c.CooldownAfterExit > time.Hour {
		return fmt.Errorf("guard.cooldown_after_exit must be within [0, 1h]")
	}
	return nil
}

type Guard struct {
	ledger  *state.Ledger
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Recorder
	now     func() time.Time
}

func New(ledger *state.Ledger, cfg Config, log *zap.Logger, m *metrics.Recorder, now func() time.Time) *Guard {
	if log == nil {
		log = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	if !cfg.CooldownPolicy.Valid() {
		cfg.CooldownPolicy = OnAdmission
	}
	return &Guard{ledger: ledger, cfg: cfg, log: log.Named("guard"), metrics: m, now: now}
}

func (g *Guard) Config() Config { return g.cfg }

// Check evaluates in against st without changing anything.
func (g *Guard) Check(st *state.SymbolState, in intent.OrderIntent, now time.Time) Decision {
	if in.Role != intent.RoleEntry {
		return allow()
	}
	if until, active := st.CooldownActive(in.Timeframe, now); active {
		return reject(CooldownActive, until)
	}
	if st.Blocker.Blocked(now) {
		return reject(LossStreakBlocked, *st.Blocker.BlockedUntil)
	}
	if st.HasOpenPosition() {
		return reject(PositionExists, time.Time{})
	}
	if g.cfg.CooldownAfterExit > 0 && st.LastExitAt != nil {
		until := st.LastExitAt.Add(g.cfg.CooldownAfterExit)
		if now.Before(until) {
			return reject(ExitCooldown, until)
		}
	}
	return allow()
}

// Admit checks in and, if it is an admitted entry, records the admission
// in the same write that will later carry the order: the cooldown (under
// the on_admission policy), the last signal, and an OPENING position.
// That write lands before anything is sent, so a burst of signals cannot
// slip past the gate while the first is in flight.
func (g *Guard) Admit(ctx context.Context, in intent.OrderIntent, sig intent.Signal) (Decision, error) {
	if in.Role != intent.RoleEntry {
		return allow(), nil
	}
	now := g.now().UTC()

	var d Decision
	_, err := g.ledger.Update(ctx, in.Symbol, func(st *state.SymbolState) error {
		d = g.Check(st, in, now)
		if !d.Allowed {
			return state.ErrNoop
		}
		if g.cfg.CooldownPolicy == OnAdmission {
			st.ArmCooldown(in.Timeframe, now)
		}
		st.LastSignal = &state.LastSignal{Side: sig.Side, Timeframe: sig.Timeframe, At: sig.Time.UTC()}
		st.Position = opening(in, sig, now)
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("admit %s: %w", in.Key, err)
	}

	g.metrics.Admission(d.String())
	fields := []zap.Field{
		zap.String("symbol", in.Symbol),
		zap.String("key", in.Key),
		zap.String("side", string(in.Side)),
		zap.String("timeframe", string(in.Timeframe)),
	}
	if d.Allowed {
		g.log.Info("entry admitted", fields...)
	} else {
		fields = append(fields, zap.String("reason", string(d.Reason)))
		if !d.Until.IsZero() {
			fields = append(fields, zap.Time("until", d.Until))
		}
		g.log.Info("entry refused", fields...)
	}
	return d, nil
}

func opening(in intent.OrderIntent, sig intent.Signal, now time.Time) *state.Position {
	risk := sig.Risk
	if risk.IsZero() {
		risk = intent.DefaultRiskParams()
	}
	return &state.Position{
		ID:          id.At(now),
		Symbol:      in.Symbol,
		Side:        in.Side,
		Timeframe:   in.Timeframe,
		RiskState:   state.Opening,
		Risk:        risk,
		EntryKey:    in.Key,
		EntryPrice:  in.Price,
		Size:        in.Quantity,
		InitialSize: in.Quantity,
		OpenedAt:    now,
	}
}

// EntryFilled arms the timeframe cooldown under the on_fill policy. It is
// meant to run inside the ledger update that records the fill.
func (g *Guard) EntryFilled(st *state.SymbolState, tf market.Timeframe, now time.Time) {
	if g.cfg.CooldownPolicy == OnFill {
		st.ArmCooldown(tf, now)
	}
}

// RecordClose books a closed position's PnL against the loss streak and
// starts the exit cooldown. It runs inside the ledger update that closes
// the position and reports whether the blocker armed.
func (g *Guard) RecordClose(st *state.SymbolState, pnl float64, now time.Time) bool {
	exit := now
	st.LastExitAt = &exit
	armed := st.Blocker.RecordClose(pnl, now, g.cfg.LossStreakThreshold, g.cfg.LossStreakCooldown)
	if armed {
		g.log.Warn("loss streak blocker armed",
			zap.String("symbol", st.Symbol),
			zap.Int("consecutive_losses", st.Blocker.ConsecutiveLosses),
			zap.Time("blocked_until", *st.Blocker.BlockedUntil))
	}
	return armed
}
