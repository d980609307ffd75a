package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/jamfsync/internal/config"
	"github.com/fruitsalade/jamfsync/internal/logging"
)

func newPlanCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Print what the next sync would change, without changing it.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags, func(c *config.Config) {
				// The schedule plays no part in a dry run.
				c.SyncNow = true
			})
			if err != nil {
				return err
			}
			defer logging.Sync()

			rec, backend, err := newReconciler(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer backend.Close()

			plan, err := rec.Plan(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), plan.String())
			return nil
		},
	}
}
