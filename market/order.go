package market

// OrderType is the venue order type used by the engine.
type OrderType string

const (
	Market           OrderType = "MARKET"
	StopMarket       OrderType = "STOP_MARKET"
	TakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// Conditional reports whether the order rests until a trigger price is hit.
func (t OrderType) Conditional() bool {
	return t == StopMarket || t == TakeProfitMarket
}

// WorkingMarkPrice makes conditional orders trigger on the mark price.
const WorkingMarkPrice = "MARK_PRICE"
