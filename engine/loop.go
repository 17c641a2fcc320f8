// Package engine runs one loop per symbol: reconcile when due, follow the
// open position, then admit queued signals. Each symbol has exactly one
// loop, which makes it the only writer of that symbol's state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/orderguard/intent"
	"github.com/rustyeddy/orderguard/lifecycle"
	"github.com/rustyeddy/orderguard/market"
	"github.com/rustyeddy/orderguard/reconcile"
)

type LoopOptions struct {
	ReconcileInterval time.Duration
	// Complete fills in quantity and risk for bare signals.
	Complete func(intent.Signal) (intent.Signal, error)
	Logger   *zap.Logger
}

type SymbolLoop struct {
	symbol     string
	machine    *lifecycle.Machine
	reconciler *reconcile.Engine
	prices     market.TickSource
	interval   time.Duration
	complete   func(intent.Signal) (intent.Signal, error)
	log        *zap.Logger

	mu      sync.Mutex
	pending []intent.Signal

	lastReconcile time.Time
}

func NewSymbolLoop(symbol string, m *lifecycle.Machine, r *reconcile.Engine, prices market.TickSource, opts LoopOptions) *SymbolLoop {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	interval := opts.ReconcileInterval
	if interval <= 0 {
		interval = time.Minute
	}
	complete := opts.Complete
	if complete == nil {
		complete = func(s intent.Signal) (intent.Signal, error) { return s, nil }
	}
	return &SymbolLoop{
		symbol:     symbol,
		machine:    m,
		reconciler: r,
		prices:     prices,
		interval:   interval,
		complete:   complete,
		log:        log.Named("loop").With(zap.String("symbol", symbol)),
	}
}

func (l *SymbolLoop) Symbol() string { return l.symbol }

// Enqueue queues sig for admission on the first pass at or after its time.
func (l *SymbolLoop) Enqueue(sig intent.Signal) error {
	if sig.Symbol != l.symbol {
		return fmt.Errorf("%w: %s signal sent to the %s loop", intent.ErrInvalidSignal, sig.Symbol, l.symbol)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, sig)
	sort.SliceStable(l.pending, func(i, j int) bool { return l.pending[i].Time.Before(l.pending[j].Time) })
	return nil
}

// Pending is the number of signals still waiting for their time.
func (l *SymbolLoop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Iterate runs one pass at now. It must not be called concurrently for
// the same loop.
func (l *SymbolLoop) Iterate(ctx context.Context, now time.Time) error {
	var errs []error

	if l.lastReconcile.IsZero() || now.Sub(l.lastReconcile) >= l.interval {
		l.lastReconcile = now
		if _, err := l.reconciler.Reconcile(ctx, l.symbol); err != nil {
			errs = append(errs, fmt.Errorf("reconcile: %w", err))
		}
	}

	if err := l.machine.Monitor(ctx, l.symbol, l.tick(ctx)); err != nil {
		errs = append(errs, fmt.Errorf("monitor: %w", err))
	}

	for _, sig := range l.due(now) {
		if err := l.open(ctx, sig); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (l *SymbolLoop) tick(ctx context.Context) market.Tick {
	if l.prices == nil {
		return market.Tick{}
	}
	t, err := l.prices.GetTick(ctx, l.symbol)
	if err != nil {
		l.log.Debug("no price yet", zap.Error(err))
		return market.Tick{}
	}
	return t
}

// due pops the queued signals whose time has come, oldest first.
func (l *SymbolLoop) due(now time.Time) []intent.Signal {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for n < len(l.pending) && !l.pending[n].Time.After(now) {
		n++
	}
	out := append([]intent.Signal(nil), l.pending[:n]...)
	l.pending = l.pending[n:]
	return out
}

func (l *SymbolLoop) open(ctx context.Context, sig intent.Signal) error {
	log := l.log.With(zap.String("side", string(sig.Side)), zap.String("timeframe", string(sig.Timeframe)))
	sig, err := l.complete(sig)
	if err != nil {
		log.Warn("signal dropped", zap.Error(err))
		return nil
	}
	dec, err := l.machine.Open(ctx, sig)
	switch {
	case errors.Is(err, intent.ErrInvalidSignal):
		log.Warn("signal dropped", zap.Error(err))
		return nil
	case err != nil:
		return fmt.Errorf("open %s: %w", sig.Symbol, err)
	case dec.Allowed:
		log.Info("signal admitted")
	default:
		log.Info("signal refused", zap.String("reason", dec.String()), zap.Time("until", dec.Until))
	}
	return nil
}
