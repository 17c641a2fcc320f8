package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/orderguard/intent"
)

const DefaultPollInterval = 2 * time.Second

// Runner drives every symbol loop on its own goroutine.
type Runner struct {
	loops map[string]*SymbolLoop
	poll  time.Duration
	now   func() time.Time
	runID string
	log   *zap.Logger
}

func NewRunner(loops []*SymbolLoop, poll time.Duration, now func() time.Time, runID string, log *zap.Logger) *Runner {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	r := &Runner{loops: make(map[string]*SymbolLoop, len(loops)), poll: poll, now: now, runID: runID, log: log.Named("runner")}
	for _, l := range loops {
		r.loops[l.Symbol()] = l
	}
	return r
}

func (r *Runner) RunID() string { return r.runID }

func (r *Runner) Loop(symbol string) (*SymbolLoop, bool) {
	l, ok := r.loops[symbol]
	return l, ok
}

func (r *Runner) Symbols() []string {
	out := make([]string, 0, len(r.loops))
	for s := range r.loops {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Enqueue hands sig to its symbol's loop.
func (r *Runner) Enqueue(sig intent.Signal) error {
	l, ok := r.loops[sig.Symbol]
	if !ok {
		return fmt.Errorf("%w: symbol %q is not configured", intent.ErrInvalidSignal, sig.Symbol)
	}
	return l.Enqueue(sig)
}

// Run iterates every loop once per poll interval until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("engine started",
		zap.String("run_id", r.runID),
		zap.Strings("symbols", r.Symbols()),
		zap.Duration("poll", r.poll))

	var wg sync.WaitGroup
	for _, l := range r.loops {
		wg.Add(1)
		go func(l *SymbolLoop) {
			defer wg.Done()
			r.drive(ctx, l)
		}(l)
	}
	wg.Wait()
	r.log.Info("engine stopped", zap.String("run_id", r.runID))
	return nil
}

func (r *Runner) drive(ctx context.Context, l *SymbolLoop) {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		if err := l.Iterate(ctx, r.now()); err != nil && ctx.Err() == nil {
			r.log.Error("iteration failed", zap.String("symbol", l.Symbol()), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
