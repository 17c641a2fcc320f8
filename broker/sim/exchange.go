package sim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rustyeddy/orderguard/broker"
	"github.com/rustyeddy/orderguard/market"
)

// Exchange is an in-memory futures venue. Market orders fill at the last
// price, conditional orders rest until SetPrice crosses their trigger and
// then fill at the trigger. Client order ids are deduplicated the way a
// real venue does it.
type Exchange struct {
	mu        sync.Mutex
	ticks     *market.TickStore
	orders    map[string]*broker.Order
	requests  map[string]broker.OrderRequest
	byClient  map[string]string
	positions map[string]*broker.Position
	nextID    int
	faults    []fault
	calls     map[Op]int
}

var ErrNoPrice = errors.New("sim: no price for symbol")

func New() *Exchange {
	return &Exchange{
		ticks:     market.NewTickStore(),
		orders:    make(map[string]*broker.Order),
		requests:  make(map[string]broker.OrderRequest),
		byClient:  make(map[string]string),
		positions: make(map[string]*broker.Position),
		nextID:    1000,
		calls:     make(map[Op]int),
	}
}

func (e *Exchange) GetTick(ctx context.Context, symbol string) (market.Tick, error) {
	return e.ticks.Get(symbol)
}

// SetPrice moves the mark price and executes every resting order it
// crosses, oldest first.
func (e *Exchange) SetPrice(t market.Tick) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.ticks.Set(t)

	var resting []*broker.Order
	for _, o := range e.orders {
		if o.Symbol == t.Symbol && o.Status == broker.StatusNew && o.Type.Conditional() {
			resting = append(resting, o)
		}
	}
	sort.Slice(resting, func(i, j int) bool {
		return orderSeq(resting[i]) < orderSeq(resting[j])
	})

	for _, o := range resting {
		if !triggered(o, t.Price) {
			continue
		}
		req := e.requests[o.ExchangeOrderID]
		qty := o.Quantity
		if req.ClosePosition {
			qty = e.positionSizeLocked(o.Symbol)
		}
		if qty <= 0 {
			o.Status = broker.StatusExpired
			o.UpdatedAt = t.Time
			continue
		}
		e.fillLocked(o, qty, o.TriggerPrice, t.Time)
	}
}

func (e *Exchange) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.calls[OpPlace]++
	f, hit := e.takeFaultLocked(OpPlace)
	if hit && !f.apply {
		return broker.Order{}, f.err
	}

	if _, dup := e.byClient[req.ClientOrderID]; dup {
		return broker.Order{}, fmt.Errorf("client order id %q: %w", req.ClientOrderID, broker.ErrDuplicateClientID)
	}

	o, err := e.placeLocked(req)
	if err != nil {
		return broker.Order{}, err
	}
	if hit {
		// The venue took the order but the answer never made it back.
		return broker.Order{}, f.err
	}
	return *o, nil
}

func (e *Exchange) placeLocked(req broker.OrderRequest) (*broker.Order, error) {
	if req.ClientOrderID == "" || req.Symbol == "" || !req.Side.Valid() {
		return nil, broker.ErrInvalidPrecision
	}
	if !req.ClosePosition && req.Quantity <= 0 {
		return nil, broker.ErrInvalidPrecision
	}
	tick, err := e.ticks.Get(req.Symbol)
	if err != nil {
		return nil, &broker.RejectError{Code: "NO_PRICE", Msg: ErrNoPrice.Error()}
	}

	if req.ReduceOnly && req.Type == market.Market {
		pos := e.positions[req.Symbol]
		if pos == nil || pos.Size <= 0 || pos.Side == req.Side {
			return nil, broker.ErrReduceOnly
		}
	}

	o := &broker.Order{
		ExchangeOrderID: strconv.Itoa(e.nextID),
		ClientOrderID:   req.ClientOrderID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Type:            req.Type,
		Status:          broker.StatusNew,
		Quantity:        req.Quantity,
		TriggerPrice:    req.TriggerPrice,
		UpdatedAt:       tick.Time,
	}
	if o.Type.Conditional() && triggered(o, tick.Price) {
		return nil, broker.ErrWouldTrigger
	}

	e.nextID++
	e.orders[o.ExchangeOrderID] = o
	e.requests[o.ExchangeOrderID] = req
	e.byClient[req.ClientOrderID] = o.ExchangeOrderID

	if o.Type == market.Market {
		qty := req.Quantity
		if req.ReduceOnly {
			qty = minf(qty, e.positionSizeLocked(req.Symbol))
		}
		e.fillLocked(o, qty, tick.Price, tick.Time)
	}
	return o, nil
}

func (e *Exchange) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) (broker.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.calls[OpCancel]++
	f, hit := e.takeFaultLocked(OpCancel)
	if hit && !f.apply {
		return broker.Order{}, f.err
	}

	o, ok := e.orders[exchangeOrderID]
	if !ok || o.Symbol != symbol || o.Status != broker.StatusNew {
		return broker.Order{}, fmt.Errorf("cancel %s: %w", exchangeOrderID, broker.ErrUnknownOrder)
	}
	o.Status = broker.StatusCanceled
	if t, err := e.ticks.Get(symbol); err == nil {
		o.UpdatedAt = t.Time
	}
	if hit {
		return broker.Order{}, f.err
	}
	return *o, nil
}

func (e *Exchange) GetOrder(ctx context.Context, symbol string, ref broker.OrderRef) (broker.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.calls[OpGet]++
	if f, hit := e.takeFaultLocked(OpGet); hit {
		return broker.Order{}, f.err
	}

	oid := ref.ExchangeOrderID
	if oid == "" {
		oid = e.byClient[ref.ClientOrderID]
	}
	o, ok := e.orders[oid]
	if !ok || o.Symbol != symbol {
		return broker.Order{}, fmt.Errorf("get %+v: %w", ref, broker.ErrUnknownOrder)
	}
	return *o, nil
}

func (e *Exchange) OpenPositions(ctx context.Context, symbol string) ([]broker.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.calls[OpPositions]++
	if f, hit := e.takeFaultLocked(OpPositions); hit {
		return nil, f.err
	}

	p, ok := e.positions[symbol]
	if !ok || p.Size <= 0 {
		return nil, nil
	}
	return []broker.Position{*p}, nil
}

// Orders returns every order for symbol in placement order.
func (e *Exchange) Orders(symbol string) []broker.Order {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []broker.Order
	for _, o := range e.orders {
		if o.Symbol == symbol {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return orderSeq(&out[i]) < orderSeq(&out[j]) })
	return out
}

// LiveOrders returns resting orders of typ for symbol.
func (e *Exchange) LiveOrders(symbol string, typ market.OrderType) []broker.Order {
	var out []broker.Order
	for _, o := range e.Orders(symbol) {
		if o.Type == typ && o.Status == broker.StatusNew {
			out = append(out, o)
		}
	}
	return out
}

// SetPosition overwrites the venue position, as if changed by hand.
func (e *Exchange) SetPosition(p broker.Position) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p.Size <= 0 {
		delete(e.positions, p.Symbol)
		return
	}
	v := p
	e.positions[p.Symbol] = &v
}

func (e *Exchange) fillLocked(o *broker.Order, qty, price float64, at time.Time) {
	o.FilledQty = qty
	o.AvgPrice = price
	o.Status = broker.StatusFilled
	o.UpdatedAt = at
	e.applyFillLocked(o.Symbol, o.Side, qty, price)
}

func (e *Exchange) applyFillLocked(symbol string, side market.Side, qty, price float64) {
	p := e.positions[symbol]
	if p == nil || p.Size <= 0 {
		e.positions[symbol] = &broker.Position{Symbol: symbol, Side: side, Size: qty, EntryPrice: price}
		return
	}
	if p.Side == side {
		total := p.Size + qty
		p.EntryPrice = (p.EntryPrice*p.Size + price*qty) / total
		p.Size = total
		return
	}
	remaining := p.Size - qty
	switch {
	case remaining > 1e-12:
		p.Size = remaining
	case remaining < -1e-12:
		e.positions[symbol] = &broker.Position{Symbol: symbol, Side: side, Size: -remaining, EntryPrice: price}
	default:
		delete(e.positions, symbol)
	}
}

func (e *Exchange) positionSizeLocked(symbol string) float64 {
	if p, ok := e.positions[symbol]; ok {
		return p.Size
	}
	return 0
}

// triggered decides whether a conditional order fires at price. Stops
// protect against adverse moves, take-profits fire on favourable ones.
func triggered(o *broker.Order, price float64) bool {
	sellSide := o.Side == market.Sell
	switch o.Type {
	case market.StopMarket:
		if sellSide {
			return price <= o.TriggerPrice
		}
		return price >= o.TriggerPrice
	case market.TakeProfitMarket:
		if sellSide {
			return price >= o.TriggerPrice
		}
		return price <= o.TriggerPrice
	}
	return false
}

func orderSeq(o *broker.Order) int {
	n, _ := strconv.Atoi(o.ExchangeOrderID)
	return n
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
