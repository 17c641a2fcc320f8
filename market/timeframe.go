package market

import (
	"fmt"
	"time"
)

// Timeframe is a candle interval such as "15m" or "4h".
type Timeframe string

var timeframes = map[Timeframe]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
}

func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := timeframes[tf]; !ok {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}

func (tf Timeframe) Valid() bool {
	_, ok := timeframes[tf]
	return ok
}

// Duration returns the candle length, or zero for an unknown timeframe.
func (tf Timeframe) Duration() time.Duration {
	return timeframes[tf]
}

// Bucket truncates t to the start of its candle in UTC.
func (tf Timeframe) Bucket(t time.Time) time.Time {
	d := tf.Duration()
	if d == 0 {
		return t.UTC()
	}
	return t.UTC().Truncate(d)
}
