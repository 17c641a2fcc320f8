package replay

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rustyeddy/orderguard/market"
)

// Row is one line of a replay file: a mark price and an optional event.
type Row struct {
	Line  int
	Tick  market.Tick
	Event string
	Args  []string
}

// Feed reads replay rows:
//
//	time,symbol,price[,event,arg1,arg2,arg3]
//
// A leading header row is skipped. Rows outside [from, to) are skipped;
// a zero bound is open.
type Feed struct {
	r    *csv.Reader
	from time.Time
	to   time.Time
	line int
}

func NewFeed(r io.Reader, from, to time.Time) *Feed {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.Comment = '#'
	cr.TrimLeadingSpace = true
	return &Feed{r: cr, from: from, to: to}
}

// Next returns the next row, or false at the end of input.
func (f *Feed) Next() (Row, bool, error) {
	for {
		rec, err := f.r.Read()
		if err == io.EOF {
			return Row{}, false, nil
		}
		if err != nil {
			return Row{}, false, err
		}
		f.line++
		if len(rec) == 0 || strings.TrimSpace(rec[0]) == "" {
			continue
		}
		if f.line == 1 && strings.EqualFold(strings.TrimSpace(rec[0]), "time") {
			continue
		}
		row, err := parseRow(rec)
		if err != nil {
			return Row{}, false, fmt.Errorf("line %d: %w", f.line, err)
		}
		if !inRange(row.Tick.Time, f.from, f.to) {
			continue
		}
		row.Line = f.line
		return row, true, nil
	}
}

func parseRow(rec []string) (Row, error) {
	if len(rec) < 3 {
		return Row{}, fmt.Errorf("need at least time,symbol,price: %v", rec)
	}
	ts := strings.TrimSpace(rec[0])
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Row{}, fmt.Errorf("bad time %q: %w", ts, err)
	}
	sym := strings.TrimSpace(rec[1])
	if sym == "" {
		return Row{}, fmt.Errorf("symbol is empty")
	}
	price, err := strconv.ParseFloat(strings.TrimSpace(rec[2]), 64)
	if err != nil || price <= 0 {
		return Row{}, fmt.Errorf("bad price %q", rec[2])
	}

	row := Row{Tick: market.Tick{Symbol: sym, Price: price, Time: t.UTC()}}
	if len(rec) > 3 {
		row.Event = strings.ToUpper(strings.TrimSpace(rec[3]))
	}
	if len(rec) > 4 {
		for _, a := range rec[4:] {
			row.Args = append(row.Args, strings.TrimSpace(a))
		}
	}
	return row, nil
}

func inRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}

func arg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}
