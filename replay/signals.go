package replay

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rustyeddy/orderguard/intent"
	"github.com/rustyeddy/orderguard/market"
)

// ReadSignals parses a signal file, oldest first:
//
//	time,symbol,side,timeframe[,entry_hint]
//
// Quantity and risk are left for the engine to fill from configuration.
func ReadSignals(r io.Reader) ([]intent.Signal, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.Comment = '#'
	cr.TrimLeadingSpace = true

	var out []intent.Signal
	for n := 1; ; n++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if n == 1 && strings.EqualFold(strings.TrimSpace(rec[0]), "time") {
			continue
		}
		sig, err := parseSignal(rec)
		if err != nil {
			return nil, fmt.Errorf("signal %d: %w", n, err)
		}
		out = append(out, sig)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

func parseSignal(rec []string) (intent.Signal, error) {
	if len(rec) < 4 {
		return intent.Signal{}, fmt.Errorf("need time,symbol,side,timeframe: %v", rec)
	}
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(rec[0]))
	if err != nil {
		return intent.Signal{}, fmt.Errorf("bad time %q: %w", rec[0], err)
	}
	side, err := market.ParseSide(rec[2])
	if err != nil {
		return intent.Signal{}, err
	}
	tf, err := market.ParseTimeframe(strings.TrimSpace(rec[3]))
	if err != nil {
		return intent.Signal{}, err
	}
	sig := intent.Signal{
		Symbol:    strings.TrimSpace(rec[1]),
		Side:      side,
		Timeframe: tf,
		Time:      t.UTC(),
	}
	if s := strings.TrimSpace(arg(rec, 4)); s != "" {
		if sig.EntryHint, err = strconv.ParseFloat(s, 64); err != nil {
			return intent.Signal{}, fmt.Errorf("bad entry hint %q: %w", s, err)
		}
	}
	return sig, nil
}
