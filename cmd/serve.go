package cmd

import (
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP API and the scrape schedule",
		Long: `Serves POST /scrape, GET /scrape/status, health and metrics endpoints,
and triggers a cycle on the configured cron schedule. Stops on SIGINT or
SIGTERM after in-flight work drains.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}
}
