package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/orderguard/engine"
	"github.com/rustyeddy/orderguard/state"
)

func newStateCmd(ro *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect or maintain the symbol snapshots",
		Long: `Read or maintain the persisted per-symbol state. Do not run these while
an engine is trading the same store.

Examples:
  orderguard state show BTCUSDT
  orderguard state prune --retention 48h`,
	}
	cmd.AddCommand(newStateShowCmd(ro), newStatePruneCmd(ro))
	return cmd
}

func newStateShowCmd(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show [symbol]",
		Short: "Print a symbol's snapshot, or list the stored symbols",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := engine.OpenStore(ro.cfg.State)
			if err != nil {
				return fmt.Errorf("open state: %w", err)
			}
			defer store.Close()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				syms, err := store.Symbols(ctx)
				if err != nil {
					return err
				}
				for _, s := range syms {
					fmt.Fprintln(out, s)
				}
				return nil
			}

			st, err := store.Load(ctx, args[0])
			if err != nil {
				return err
			}
			data, err := state.MarshalIndent(st)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(data))
			return nil
		},
	}
}

func newStatePruneCmd(ro *rootOptions) *cobra.Command {
	var retention time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Drop terminal order records past retention",
		Long: `Remove terminal order records older than the retention period from every
stored symbol. Records referenced by an open position are kept. When
reconcile.archive_dir is set the removed records are archived first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if retention <= 0 {
				retention = ro.cfg.Reconcile.Retention
			}
			n, err := prune(cmd.Context(), ro, time.Now().UTC(), retention)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d records\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&retention, "retention", 0, "override reconcile.retention")
	return cmd
}

func prune(ctx context.Context, ro *rootOptions, now time.Time, retention time.Duration) (int, error) {
	store, err := engine.OpenStore(ro.cfg.State)
	if err != nil {
		return 0, fmt.Errorf("open state: %w", err)
	}
	defer store.Close()

	var archive *state.Archive
	if dir := ro.cfg.Reconcile.ArchiveDir; dir != "" {
		if archive, err = state.NewArchive(dir); err != nil {
			return 0, err
		}
	}

	ledger := state.NewLedger(store, func() time.Time { return now })
	syms, err := ledger.Symbols(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-retention)
	total := 0
	for _, sym := range syms {
		n := 0
		_, err := ledger.Update(ctx, sym, func(st *state.SymbolState) error {
			removed := state.Prune(st, cutoff)
			if len(removed) == 0 {
				return state.ErrNoop
			}
			if archive != nil {
				if err := archive.Write(sym, now, removed); err != nil {
					return err
				}
			}
			n = len(removed)
			return nil
		})
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", sym, err)
		}
		total += n
		ro.log.Sugar().Infow("pruned", "symbol", sym, "records", n)
	}
	return total, nil
}
