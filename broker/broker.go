package broker

import (
	"context"
	"time"

	"github.com/rustyeddy/orderguard/market"
)

// Gateway is the narrow exchange surface the engine drives. Every call
// may block on the network and must honour ctx.
type Gateway interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (Order, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) (Order, error)
	GetOrder(ctx context.Context, symbol string, ref OrderRef) (Order, error)
	OpenPositions(ctx context.Context, symbol string) ([]Position, error)
}

type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          market.Side
	Type          market.OrderType
	Quantity      float64
	TriggerPrice  float64
	ReduceOnly    bool
	ClosePosition bool
	WorkingType   string
}

// OrderStatus is the exchange's view of an order.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

type Order struct {
	ExchangeOrderID string
	ClientOrderID   string
	Symbol          string
	Side            market.Side
	Type            market.OrderType
	Status          OrderStatus
	Quantity        float64
	FilledQty       float64
	AvgPrice        float64
	TriggerPrice    float64
	UpdatedAt       time.Time
}

// OrderRef addresses an order by exchange id, or by client order id when
// the exchange id was never learned.
type OrderRef struct {
	ExchangeOrderID string
	ClientOrderID   string
}

// Position is one side of the venue's net exposure for a symbol.
type Position struct {
	Symbol     string
	Side       market.Side
	Size       float64
	EntryPrice float64
}
