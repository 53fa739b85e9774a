package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"reservo/internal/audit"
)

func newExportCmd(load configLoader) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write slots, reservations and waitlist history to an XLSX file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			st, err := openStore(cfg, &logger)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			if out == "" {
				out = audit.DefaultFilename(time.Now())
			}
			sum, err := audit.NewExporter(st, &logger).ExportToFile(ctx, out)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d slots, %d reservations, %d waitlist entries\n",
				out, sum.Slots, sum.Reservations, sum.Entries)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default reservo_<date>.xlsx)")
	return cmd
}
