package state

import (
	"context"
	"errors"

	jsoniter "github.com/json-iterator/go"

	"github.com/rustyeddy/orderguard/market"
)

var (
	ErrVersionConflict = errors.New("state version conflict")
	ErrNoSymbol        = errors.New("symbol is required")
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Store persists one snapshot per symbol. Save must replace the stored
// snapshot atomically and reject st unless the stored version is
// st.Version-1.
type Store interface {
	Load(ctx context.Context, symbol string) (*SymbolState, error)
	Save(ctx context.Context, st *SymbolState) error
	Symbols(ctx context.Context) ([]string, error)
	Close() error
}

func encode(st *SymbolState) ([]byte, error) {
	return json.Marshal(st)
}

func decode(data []byte) (*SymbolState, error) {
	st := &SymbolState{}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, err
	}
	if st.Orders == nil {
		st.Orders = make(map[string]*OrderRecord)
	}
	if st.Cooldowns == nil {
		st.Cooldowns = make(map[market.Timeframe]CooldownEntry)
	}
	return st, nil
}

// MarshalIndent renders a snapshot for humans.
func MarshalIndent(st *SymbolState) ([]byte, error) {
	return json.MarshalIndent(st, "", "  ")
}
