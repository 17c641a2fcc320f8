package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rustyeddy/orderguard/api"
	"github.com/rustyeddy/orderguard/broker/sim"
	"github.com/rustyeddy/orderguard/engine"
	"github.com/rustyeddy/orderguard/journal"
	"github.com/rustyeddy/orderguard/replay"
)

type runOptions struct {
	Ticks   string
	Signals string
	From    string
	To      string
	Serve   bool
}

func newRunCmd(ro *rootOptions) *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drive the engine against the simulated venue from a price file",
		Long: `Replay a price file through the full engine on the simulated venue.

Price rows:   time,symbol,price[,event,arg1,arg2,arg3]
Signal rows:  time,symbol,side,timeframe[,entry_hint]

Events are SIGNAL, CLOSE, FAIL and DROP; FAIL and DROP inject venue
faults so crash and retry paths can be rehearsed.

Example:
  orderguard run --ticks ticks.csv --signals signals.csv`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, ro)
		},
	}
	cmd.Flags().StringVar(&o.Ticks, "ticks", "", "price file (required)")
	cmd.Flags().StringVar(&o.Signals, "signals", "", "signal file")
	cmd.Flags().StringVar(&o.From, "from", "", "skip rows before this RFC3339 time")
	cmd.Flags().StringVar(&o.To, "to", "", "stop at this RFC3339 time")
	cmd.Flags().BoolVar(&o.Serve, "serve", false, "keep serving the API after the replay until interrupted")
	_ = cmd.MarkFlagRequired("ticks")
	return cmd
}

func (o *runOptions) run(cmd *cobra.Command, ro *rootOptions) error {
	from, err := parseBound(o.From)
	if err != nil {
		return fmt.Errorf("--from: %w", err)
	}
	to, err := parseBound(o.To)
	if err != nil {
		return fmt.Errorf("--to: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ex := sim.New()
	clock := engine.NewManualClock(time.Time{})
	stack, err := engine.Assemble(ro.cfg, engine.Deps{Gateway: ex, Logger: ro.log, Clock: clock.Now})
	if err != nil {
		return err
	}
	defer stack.Close()

	rp := replay.New(stack, ex, clock, replay.Options{})
	if o.Signals != "" {
		f, err := os.Open(o.Signals)
		if err != nil {
			return err
		}
		sigs, err := replay.ReadSignals(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("read signals: %w", err)
		}
		if _, err := rp.Schedule(sigs); err != nil {
			return err
		}
	}

	f, err := os.Open(o.Ticks)
	if err != nil {
		return err
	}
	defer f.Close()
	sum, err := rp.Run(ctx, replay.NewFeed(f, from, to))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s: %d rows from %s to %s, %d signals, %d failed passes\n",
		stack.RunID, sum.Rows, sum.Start.Format(time.RFC3339), sum.End.Format(time.RFC3339), sum.Signals, sum.Failures)
	if jr, ok := stack.Journal.(*journal.SQLite); ok {
		trades, err := jr.ListTradesClosedBetween(sum.Start, sum.End.Add(time.Second))
		if err != nil {
			return fmt.Errorf("query trades: %w", err)
		}
		s := journal.Summarize(trades)
		fmt.Fprintf(out, "trades %d, wins %d, losses %d, net pnl %.4f\n", s.Trades, s.Wins, s.Losses, s.NetPnL)
		if len(trades) > 0 {
			fmt.Fprintln(out)
			fmt.Fprintln(out, journal.FormatTradesOrg(trades))
		}
	}

	if !o.Serve || !ro.cfg.API.Enabled {
		return nil
	}
	ro.log.Info("replay done, serving api", zap.String("addr", ro.cfg.API.Addr))
	return api.Serve(ctx, ro.cfg.API.Addr, stack.Router(), ro.log)
}

func parseBound(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}
