package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newSweepCmd(load configLoader) *cobra.Command {
	var recount bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Resolve overdue holds and claim windows once, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			defer a.timers.Stop()

			if recount {
				rep, err := a.scheduler.Recount(ctx)
				if err != nil {
					return fmt.Errorf("recount: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "recounted %d slots (%d errors)\n", rep.SlotsRecounted, rep.Errors)
			}

			rep, err := a.scheduler.Recover(ctx)
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"holds resolved=%d armed=%d, claims expired=%d armed=%d, slots resolved=%d, errors=%d\n",
				rep.HoldsResolved, rep.HoldsArmed, rep.ClaimsExpired, rep.ClaimsArmed, rep.SlotsResolved, rep.Errors)
			return nil
		},
	}

	cmd.Flags().BoolVar(&recount, "recount", false, "rebuild held/confirmed counters from reservations first")
	return cmd
}
