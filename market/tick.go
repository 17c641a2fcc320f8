package market

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrNoPrice = errors.New("price not found")

// TickSource provides the latest mark price for a symbol.
type TickSource interface {
	GetTick(ctx context.Context, symbol string) (Tick, error)
}

type Tick struct {
	Symbol string
	Price  float64
	Time   time.Time
}

type TickStore struct {
	mu    sync.RWMutex
	ticks map[string]Tick
}

func NewTickStore() *TickStore {
	return &TickStore{ticks: make(map[string]Tick)}
}

func (ts *TickStore) Set(t Tick) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.ticks[t.Symbol] = t
}

func (ts *TickStore) Get(symbol string) (Tick, error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	t, ok := ts.ticks[symbol]
	if !ok {
		return Tick{}, ErrNoPrice
	}
	return t, nil
}

func (ts *TickStore) GetTick(ctx context.Context, symbol string) (Tick, error) {
	return ts.Get(symbol)
}
