package market

import (
	"fmt"
	"strings"
)

// Side is the order side. A position opened with BUY is long, SELL is short.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(s))) {
	case Buy, "LONG":
		return Buy, nil
	case Sell, "SHORT":
		return Sell, nil
	}
	return "", fmt.Errorf("unknown side %q", s)
}

func (s Side) Valid() bool { return s == Buy || s == Sell }

// Opposite returns the side that reduces a position opened with s.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Sign is +1 for long exposure and -1 for short.
func (s Side) Sign() float64 {
	if s == Sell {
		return -1
	}
	return 1
}

// PnLPct is the unrealized return of a position entered at entry when the
// market trades at price.
func PnLPct(side Side, entry, price float64) float64 {
	if entry <= 0 {
		return 0
	}
	return side.Sign() * (price - entry) / entry
}
