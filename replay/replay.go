// Package replay drives an assembled engine against the simulated venue
// from a scripted price file, on a clock that follows the file.
package replay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/orderguard/broker"
	"github.com/rustyeddy/orderguard/broker/sim"
	"github.com/rustyeddy/orderguard/engine"
	"github.com/rustyeddy/orderguard/intent"
	"github.com/rustyeddy/orderguard/journal"
	"github.com/rustyeddy/orderguard/lifecycle"
	"github.com/rustyeddy/orderguard/market"
)

// Events (case-insensitive):
//
//	SIGNAL  arg1=side  arg2=timeframe  arg3=entry hint (defaults to the row price)
//	CLOSE   arg1=reason (optional)
//	FAIL    arg1=op  arg2=count  arg3=transient|reset   venue call fails untouched
//	DROP    arg1=op  arg2=transient|reset               venue applies the call, answer lost
//
// op is one of place, cancel, get, positions.
const (
	EventSignal = "SIGNAL"
	EventClose  = "CLOSE"
	EventFail   = "FAIL"
	EventDrop   = "DROP"
)

var errConnReset = errors.New("connection reset by peer")

type Options struct {
	// EventFirst applies a row's event before its price. By default the
	// price moves first, so a SIGNAL sees the row's price.
	EventFirst bool
	Logger     *zap.Logger
}

// Summary counts what a replay did.
type Summary struct {
	Rows     int
	Signals  int
	Closes   int
	Faults   int
	Failures int
	Start    time.Time
	End      time.Time
}

type Replayer struct {
	stack  *engine.Stack
	ex     *sim.Exchange
	clock  *engine.ManualClock
	runner *engine.Runner
	opts   Options
	log    *zap.Logger
}

// New drives stack, which must have been assembled around ex and clock.
func New(stack *engine.Stack, ex *sim.Exchange, clock *engine.ManualClock, opts Options) *Replayer {
	log := opts.Logger
	if log == nil {
		log = stack.Logger
	}
	return &Replayer{
		stack:  stack,
		ex:     ex,
		clock:  clock,
		runner: stack.Runner(),
		opts:   opts,
		log:    log.Named("replay"),
	}
}

// Schedule queues signals ahead of the price file. Each one is admitted
// on the first row at or after its time.
func (r *Replayer) Schedule(sigs []intent.Signal) (int, error) {
	for i, sig := range sigs {
		if err := r.runner.Enqueue(sig); err != nil {
			return i, err
		}
	}
	return len(sigs), nil
}

// Run plays every row of feed, iterating the row's symbol loop once per
// row, then gives every loop a final pass.
func (r *Replayer) Run(ctx context.Context, feed *Feed) (Summary, error) {
	var sum Summary
	for {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		row, ok, err := feed.Next()
		if err != nil {
			return sum, err
		}
		if !ok {
			break
		}
		if err := r.step(ctx, row, &sum); err != nil {
			return sum, fmt.Errorf("line %d: %w", row.Line, err)
		}
	}

	for _, sym := range r.runner.Symbols() {
		l, _ := r.runner.Loop(sym)
		r.iterate(ctx, l, &sum)
	}
	r.log.Info("replay finished",
		zap.Int("rows", sum.Rows),
		zap.Int("signals", sum.Signals),
		zap.Int("failures", sum.Failures))
	return sum, nil
}

func (r *Replayer) step(ctx context.Context, row Row, sum *Summary) error {
	l, ok := r.runner.Loop(row.Tick.Symbol)
	if !ok {
		return fmt.Errorf("symbol %s is not configured", row.Tick.Symbol)
	}
	r.clock.Set(row.Tick.Time)
	if sum.Rows == 0 {
		sum.Start = row.Tick.Time
	}
	sum.Rows++
	sum.End = row.Tick.Time

	if r.opts.EventFirst {
		if err := r.event(ctx, row, sum); err != nil {
			return err
		}
		r.ex.SetPrice(row.Tick)
	} else {
		r.ex.SetPrice(row.Tick)
		if err := r.event(ctx, row, sum); err != nil {
			return err
		}
	}
	r.iterate(ctx, l, sum)
	return nil
}

func (r *Replayer) iterate(ctx context.Context, l *engine.SymbolLoop, sum *Summary) {
	if err := l.Iterate(ctx, r.clock.Now()); err != nil {
		sum.Failures++
		r.log.Warn("iteration failed", zap.String("symbol", l.Symbol()), zap.Error(err))
	}
}

func (r *Replayer) event(ctx context.Context, row Row, sum *Summary) error {
	switch row.Event {
	case "":
		return nil

	case EventSignal:
		side, err := market.ParseSide(arg(row.Args, 0))
		if err != nil {
			return err
		}
		tf, err := market.ParseTimeframe(arg(row.Args, 1))
		if err != nil {
			return err
		}
		hint := row.Tick.Price
		if s := arg(row.Args, 2); s != "" {
			if hint, err = strconv.ParseFloat(s, 64); err != nil {
				return fmt.Errorf("bad entry hint %q: %w", s, err)
			}
		}
		sum.Signals++
		return r.runner.Enqueue(intent.Signal{
			Symbol:    row.Tick.Symbol,
			Side:      side,
			Timeframe: tf,
			EntryHint: hint,
			Time:      row.Tick.Time,
		})

	case EventClose:
		reason := arg(row.Args, 0)
		if reason == "" {
			reason = journal.ReasonManual
		}
		err := r.stack.Machine.Close(ctx, row.Tick.Symbol, reason)
		if errors.Is(err, lifecycle.ErrNoPosition) {
			r.log.Warn("close with nothing open", zap.String("symbol", row.Tick.Symbol), zap.Int("line", row.Line))
			return nil
		}
		sum.Closes++
		return err

	case EventFail:
		op, err := parseOp(arg(row.Args, 0))
		if err != nil {
			return err
		}
		n, err := strconv.Atoi(arg(row.Args, 1))
		if err != nil || n <= 0 {
			return fmt.Errorf("bad fault count %q", arg(row.Args, 1))
		}
		sum.Faults++
		r.ex.Fail(op, faultErr(arg(row.Args, 2)), n)
		return nil

	case EventDrop:
		op, err := parseOp(arg(row.Args, 0))
		if err != nil {
			return err
		}
		sum.Faults++
		r.ex.Drop(op, faultErr(arg(row.Args, 1)))
		return nil

	default:
		return fmt.Errorf("unknown event %q", row.Event)
	}
}

func parseOp(s string) (sim.Op, error) {
	switch op := sim.Op(s); op {
	case sim.OpPlace, sim.OpCancel, sim.OpGet, sim.OpPositions:
		return op, nil
	}
	return "", fmt.Errorf("unknown venue call %q", s)
}

func faultErr(kind string) error {
	if kind == "reset" {
		return errConnReset
	}
	return broker.ErrTransient
}
