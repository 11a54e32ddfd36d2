package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Applies pending Postgres schema migrations",
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
			if err := app.Migrate(cmd.Context()); err != nil {
				return err
			}
			app.Logger().Info("migrations applied")
			return nil
		},
	}
}
