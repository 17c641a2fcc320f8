// Package reconcile brings the ledger back in line with the venue. The
// venue wins every disagreement. Apart from re-arming missing protection
// and re-sending unanswered cancels a pass never sends an order.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/orderguard/broker"
	"github.com/rustyeddy/orderguard/intent"
	"github.com/rustyeddy/orderguard/journal"
	"github.com/rustyeddy/orderguard/lifecycle"
	"github.com/rustyeddy/orderguard/market"
	"github.com/rustyeddy/orderguard/metrics"
	"github.com/rustyeddy/orderguard/notify"
	"github.com/rustyeddy/orderguard/protect"
	"github.com/rustyeddy/orderguard/state"
	"github.com/rustyeddy/orderguard/submit"
)

const (
	DefaultGrace     = 30 * time.Second
	DefaultRetention = 24 * time.Hour
)

// Correction kinds reported in Result and the RECONCILED event.
const (
	OrderResolved     = "order_resolved"
	OrderLost         = "order_lost"
	VenueFlat         = "venue_flat"
	SizeMismatch      = "size_mismatch"
	SideMismatch      = "side_mismatch"
	OrphanPosition    = "orphan_position"
	EntryLost         = "entry_lost"
	ProtectionRearmed = "protection_rearmed"
)

type Options struct {
	// Grace is how long an unanswered order may stay unknown to the
	// venue before it is declared lost.
	Grace time.Duration
	// Retention is how long terminal records are kept.
	Retention time.Duration
	// Archive receives pruned records. Nil drops them.
	Archive *state.Archive
	// Prices marks a position the venue closed behind our back. Without
	// it the entry price is used.
	Prices   market.TickSource
	Notifier notify.Notifier
	Metrics  *metrics.Recorder
	Logger   *zap.Logger
	Clock    func() time.Time
	RunID    string
}

// Result describes one pass for one symbol.
type Result struct {
	Symbol      string
	Refreshed   int
	Abandoned   []string
	Corrections []string
	Pruned      int
	Duration    time.Duration
}

func (r Result) Corrected() bool { return len(r.Corrections) > 0 }

type Engine struct {
	pipe     *submit.Pipeline
	machine  *lifecycle.Machine
	protect  *protect.Manager
	ledger   *state.Ledger
	opts     Options
	notifier notify.Notifier
	log      *zap.Logger
	now      func() time.Time
}

func New(pipe *submit.Pipeline, m *lifecycle.Machine, pm *protect.Manager, opts Options) *Engine {
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	n := opts.Notifier
	if n == nil {
		n = notify.Nop{}
	}
	return &Engine{
		pipe:     pipe,
		machine:  m,
		protect:  pm,
		ledger:   pipe.Ledger(),
		opts:     opts,
		notifier: n,
		log:      log.Named("reconcile"),
		now:      now,
	}
}

func (e *Engine) clock() time.Time { return e.now().UTC() }

// Reconcile runs one pass for symbol: settle every open order record,
// let the lifecycle apply what filled, compare positions with the venue,
// re-arm protection, then prune. Failures in one step do not stop the
// others; they come back joined.
func (e *Engine) Reconcile(ctx context.Context, symbol string) (Result, error) {
	start := time.Now()
	res := Result{Symbol: symbol}
	var errs []error

	if err := e.orders(ctx, symbol, &res); err != nil {
		errs = append(errs, err)
	}
	if err := e.machine.Sync(ctx, symbol); err != nil {
		errs = append(errs, fmt.Errorf("sync: %w", err))
	}
	if err := e.positions(ctx, symbol, &res); err != nil {
		errs = append(errs, err)
	}
	if err := e.prune(ctx, symbol, &res); err != nil {
		errs = append(errs, err)
	}

	res.Duration = time.Since(start)
	e.opts.Metrics.ReconcileDuration(res.Duration)
	e.opts.Metrics.Corrections(len(res.Corrections))

	log := e.log.With(zap.String("symbol", symbol))
	if res.Corrected() {
		log.Warn("reconciliation corrected state",
			zap.Strings("corrections", res.Corrections),
			zap.Strings("abandoned", res.Abandoned))
		e.emit(ctx, symbol, res.Corrections)
	} else {
		log.Debug("reconciled",
			zap.Int("refreshed", res.Refreshed),
			zap.Int("pruned", res.Pruned),
			zap.Duration("took", res.Duration))
	}
	return res, errors.Join(errs...)
}

// orders asks the venue about every record still waiting for an answer.
// A record the venue never heard of is abandoned once its last attempt is
// older than the grace period.
func (e *Engine) orders(ctx context.Context, symbol string, res *Result) error {
	st, err := e.ledger.Get(ctx, symbol)
	if err != nil {
		return err
	}
	now := e.clock()
	var errs []error
	for _, r := range st.NonTerminal() {
		res.Refreshed++
		rec, err := e.pipe.Refresh(ctx, symbol, r.Key)
		switch {
		case errors.Is(err, broker.ErrUnknownOrder):
			if now.Sub(lastTouched(r)) < e.opts.Grace {
				continue
			}
			lost, err := e.pipe.Abandon(ctx, symbol, r.Key, "not found on venue during reconciliation")
			if err != nil {
				errs = append(errs, err)
				continue
			}
			res.Abandoned = append(res.Abandoned, r.Key)
			res.Corrections = append(res.Corrections,
				fmt.Sprintf("%s: %s %s %s -> %s", OrderLost, r.Role(), r.Key, r.Status, lost.Status))
		case err != nil:
			errs = append(errs, err)
		case rec.Status != r.Status && !(r.Status == state.Sent && rec.Status == state.Acknowledged):
			res.Corrections = append(res.Corrections,
				fmt.Sprintf("%s: %s %s %s -> %s", OrderResolved, r.Role(), r.Key, r.Status, rec.Status))
		}
	}
	return errors.Join(errs...)
}

func lastTouched(r *state.OrderRecord) time.Time {
	if !r.LastAttemptAt.IsZero() {
		return r.LastAttemptAt
	}
	return r.CreatedAt
}

// positions compares the stored position with the venue's.
func (e *Engine) positions(ctx context.Context, symbol string, res *Result) error {
	venue, err := e.pipe.Positions(ctx, symbol)
	if err != nil {
		return err
	}
	var vp *broker.Position
	for i := range venue {
		if venue[i].Size > 0 {
			vp = &venue[i]
			break
		}
	}

	st, err := e.ledger.Get(ctx, symbol)
	if err != nil {
		return err
	}
	p := st.Position
	switch {
	case p == nil || !st.HasOpenPosition():
		if vp != nil {
			res.Corrections = append(res.Corrections,
				fmt.Sprintf("%s: venue holds %s %v at %v", OrphanPosition, vp.Side, vp.Size, vp.EntryPrice))
		}
		return nil

	case p.RiskState == state.Opening:
		if _, ok := st.Order(p.EntryKey); ok {
			// the record exists, so Sync decides once the venue answers
			return nil
		}
		// crashed between admission and claiming the entry
		if err := e.machine.Abort(ctx, symbol, state.OrderRecord{
			Key:       p.EntryKey,
			Status:    state.Rejected,
			LastError: "entry was never sent",
		}); err != nil {
			return err
		}
		res.Corrections = append(res.Corrections, fmt.Sprintf("%s: %s", EntryLost, p.EntryKey))
		return nil

	case !p.RiskState.Protected():
		return nil
	}

	if vp == nil {
		exit := e.mark(ctx, symbol, p)
		if err := e.machine.ForceClose(ctx, symbol, exit, journal.ReasonReconciled); err != nil {
			return err
		}
		res.Corrections = append(res.Corrections, fmt.Sprintf("%s: closed %s at %v", VenueFlat, p.ID, exit))
		return nil
	}
	if vp.Side != p.Side {
		e.log.Error("venue holds the opposite side",
			zap.String("symbol", symbol),
			zap.String("ours", string(p.Side)),
			zap.String("venue", string(vp.Side)))
		res.Corrections = append(res.Corrections,
			fmt.Sprintf("%s: ours %s, venue %s %v", SideMismatch, p.Side, vp.Side, vp.Size))
		return nil
	}
	changed, err := e.machine.SyncSize(ctx, symbol, vp.Size)
	if err != nil {
		return err
	}
	if changed {
		res.Corrections = append(res.Corrections, fmt.Sprintf("%s: %v -> %v", SizeMismatch, p.Size, vp.Size))
	}
	return e.rearm(ctx, symbol, st, res)
}

// rearm restores protection lost between a fill and its stop placement.
func (e *Engine) rearm(ctx context.Context, symbol string, st *state.SymbolState, res *Result) error {
	if len(protect.Live(st, intent.RoleStopLoss)) > 0 && len(protect.Live(st, intent.RoleTakeProfit)) > 0 {
		return nil
	}
	err := e.protect.Ensure(ctx, symbol, 0, 0)
	switch {
	case errors.Is(err, protect.ErrWouldTrigger):
		res.Corrections = append(res.Corrections, fmt.Sprintf("%s: stop already crossed, closing", ProtectionRearmed))
		return e.machine.Close(ctx, symbol, lifecycle.ReasonStopWouldTrigger)
	case errors.Is(err, protect.ErrPositionClosed):
		return nil
	case err != nil:
		return fmt.Errorf("rearm %s: %w", symbol, err)
	}
	res.Corrections = append(res.Corrections, fmt.Sprintf("%s: %s", ProtectionRearmed, st.Position.ID))
	return nil
}

func (e *Engine) mark(ctx context.Context, symbol string, p *state.Position) float64 {
	if e.opts.Prices != nil {
		t, err := e.opts.Prices.GetTick(ctx, symbol)
		if err == nil && t.Price > 0 {
			return t.Price
		}
		e.log.Warn("no mark price, booking at entry", zap.String("symbol", symbol), zap.Error(err))
	}
	return p.EntryPrice
}

// prune archives and drops terminal records past retention, then stamps
// the pass. The archive is written first; a crash in between only
// duplicates archived lines.
func (e *Engine) prune(ctx context.Context, symbol string, res *Result) error {
	now := e.clock()
	cutoff := now.Add(-e.opts.Retention)

	if e.opts.Archive != nil {
		st, err := e.ledger.Get(ctx, symbol)
		if err != nil {
			return err
		}
		if err := e.opts.Archive.Write(symbol, now, state.Prune(st, cutoff)); err != nil {
			return fmt.Errorf("archive %s: %w", symbol, err)
		}
	}

	_, err := e.ledger.Update(ctx, symbol, func(st *state.SymbolState) error {
		res.Pruned = len(state.Prune(st, cutoff))
		st.LastReconcileAt = now
		return nil
	})
	return err
}

func (e *Engine) emit(ctx context.Context, symbol string, corrections []string) {
	ev := notify.Event{
		Type:        notify.Reconciled,
		Symbol:      symbol,
		At:          e.clock(),
		RunID:       e.opts.RunID,
		Reason:      "corrected",
		Corrections: corrections,
	}
	if st, err := e.ledger.Get(ctx, symbol); err == nil && st.Position != nil {
		ev.Position = st.Position
	}
	notify.Send(ctx, e.notifier, e.log, ev)
}
