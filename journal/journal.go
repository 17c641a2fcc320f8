// journal/journal.go
package journal

import (
	"time"

	"github.com/rustyeddy/orderguard/market"
)

// TradeRecord is one closed position.
type TradeRecord struct {
	TradeID     string
	Symbol      string
	Side        market.Side
	Timeframe   market.Timeframe
	Size        float64
	EntryPrice  float64
	ExitPrice   float64
	OpenTime    time.Time
	CloseTime   time.Time
	RealizedPnL float64
	PnLPct      float64
	PeakPnLPct  float64
	Reason      string
}

// Exit reasons.
const (
	ReasonStopLoss   = "stop_loss"
	ReasonTakeProfit = "take_profit"
	ReasonManual     = "manual"
	ReasonReconciled = "reconciled"
)

type Journal interface {
	RecordTrade(TradeRecord) error
	Close() error
}

// Nop discards trades.
type Nop struct{}

func (Nop) RecordTrade(TradeRecord) error { return nil }
func (Nop) Close() error                  { return nil }
