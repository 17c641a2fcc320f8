package state

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNoop tells Update that fn made no change worth persisting.
var ErrNoop = errors.New("no change")

// Ledger is the process-wide handle on the Store. It serializes
// read-modify-write cycles per symbol and keeps the last saved snapshot
// in memory; callers only ever see copies.
type Ledger struct {
	store Store
	now   func() time.Time

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	mu sync.Mutex
	st *SymbolState
}

func NewLedger(store Store, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{store: store, now: now, slots: make(map[string]*slot)}
}

func (l *Ledger) Store() Store { return l.store }

func (l *Ledger) slot(symbol string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[symbol]
	if !ok {
		s = &slot{}
		l.slots[symbol] = s
	}
	return s
}

func (s *slot) load(ctx context.Context, store Store, symbol string) (*SymbolState, error) {
	if s.st != nil {
		return s.st, nil
	}
	st, err := store.Load(ctx, symbol)
	if err != nil {
		return nil, err
	}
	s.st = st
	return st, nil
}

// Get returns a copy of the current snapshot for symbol.
func (l *Ledger) Get(ctx context.Context, symbol string) (*SymbolState, error) {
	if symbol == "" {
		return nil, ErrNoSymbol
	}
	s := l.slot(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load(ctx, l.store, symbol)
	if err != nil {
		return nil, err
	}
	return st.Clone(), nil
}

// Update applies fn to a copy of the snapshot and persists the result as
// the next version. If fn or the save fails, nothing changes. Returning
// ErrNoop from fn skips the write and yields the current snapshot.
func (l *Ledger) Update(ctx context.Context, symbol string, fn func(*SymbolState) error) (*SymbolState, error) {
	if symbol == "" {
		return nil, ErrNoSymbol
	}
	s := l.slot(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.load(ctx, l.store, symbol)
	if err != nil {
		return nil, err
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		if errors.Is(err, ErrNoop) {
			return cur.Clone(), nil
		}
		return nil, err
	}
	next.Symbol = symbol
	next.Version = cur.Version + 1
	next.UpdatedAt = l.now().UTC()
	if err := l.store.Save(ctx, next); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			// Someone else wrote the store; drop the cache so the next
			// call starts from disk.
			s.st = nil
		}
		return nil, err
	}
	s.st = next
	return next.Clone(), nil
}

// Symbols lists every symbol the store has a snapshot for.
func (l *Ledger) Symbols(ctx context.Context) ([]string, error) {
	return l.store.Symbols(ctx)
}
