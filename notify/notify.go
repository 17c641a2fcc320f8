package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/orderguard/pkg/id"
	"github.com/rustyeddy/orderguard/state"
)

type EventType string

const (
	PositionOpened  EventType = "POSITION_OPENED"
	BreakEven       EventType = "BREAK_EVEN"
	TrailingUpdated EventType = "TRAILING_UPDATED"
	PartialExit     EventType = "PARTIAL_EXIT"
	PositionClosed  EventType = "POSITION_CLOSED"
	OrderRejected   EventType = "ORDER_REJECTED"
	Reconciled      EventType = "RECONCILED"
)

// Event is one lifecycle notification. Position and Order are snapshots
// taken when the event fired.
type Event struct {
	ID          string             `json:"id"`
	Type        EventType          `json:"event"`
	Symbol      string             `json:"symbol"`
	At          time.Time          `json:"at"`
	RunID       string             `json:"run_id,omitempty"`
	Position    *state.Position    `json:"position_snapshot,omitempty"`
	Order       *state.OrderRecord `json:"order,omitempty"`
	Reason      string             `json:"reason,omitempty"`
	Corrections []string           `json:"corrections,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Func adapts a plain function to Notifier.
type Func func(ctx context.Context, ev Event) error

func (f Func) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Send stamps ev and delivers it. Delivery failures are logged and never
// returned: trading must not stall on a chat webhook.
func Send(ctx context.Context, n Notifier, log *zap.Logger, ev Event) {
	if n == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if ev.ID == "" {
		ev.ID = id.At(ev.At)
	}
	if err := n.Notify(ctx, ev); err != nil && log != nil {
		log.Warn("notify failed",
			zap.String("event", string(ev.Type)),
			zap.String("symbol", ev.Symbol),
			zap.Error(err))
	}
}

// Recorder keeps every event it receives.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(ctx context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types lists the recorded event types in order.
func (r *Recorder) Types() []EventType {
	var out []EventType
	for _, ev := range r.Events() {
		out = append(out, ev.Type)
	}
	return out
}
