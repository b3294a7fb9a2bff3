package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nerrad567/okm-core/internal/access"
	"github.com/nerrad567/okm-core/internal/recovery"
)

func newRecoverCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Close audit sessions left open by an unclean shutdown",
		Long: "recover runs the same check serve runs at startup: every key whose\n" +
			"latest entry on a device is \"unlocked\" gets an \"error\" entry.\n" +
			"Do not run it while serve is running.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			db, err := openDatabase(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeDatabase(db, log)

			if err := db.Migrate(ctx); err != nil {
				return fmt.Errorf("running migrations: %w", err)
			}

			report, err := recovery.Run(ctx, recovery.Options{
				Store:  access.NewSQLiteStore(db.DB),
				Logger: log,
			})
			if err != nil {
				return fmt.Errorf("recovery check: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "scanned %d keys, closed %d sessions\n", report.KeysScanned, len(report.Repairs))
			for _, r := range report.Repairs {
				fmt.Fprintf(out, "  key %s device %d opened %s closed %s\n",
					r.KeyID, r.DeviceID,
					r.OpenedAt.Format("2006-01-02 15:04:05"),
					r.ClosedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
}
