package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/events-ingest/internal/run"
)

func newRunOnceCmd() *cobra.Command {
	var rescrape bool

	cmd := &cobra.Command{
		Use:   "run-once",
		Short: "Runs one scrape cycle and prints its status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				if cerr := app.Close(cmd.Context()); cerr != nil {
					app.Logger().Warn("close failed", zap.Error(cerr))
				}
			}()

			status, runErr := app.Controller().RunOnce(cmd.Context(), run.StartOptions{Rescrape: rescrape})
			out, err := json.MarshalIndent(status, "", "  ")
			if err != nil {
				return fmt.Errorf("encode status: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return runErr
		},
	}
	cmd.Flags().BoolVar(&rescrape, "rescrape", false, "re-fetch and re-enrich events that are already fully scraped")
	return cmd
}
