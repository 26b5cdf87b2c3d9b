package cli

import (
	"github.com/spf13/cobra"

	"github.com/assesslabs/workspace-cloud/internal/app"
)

func newServeCmd() *cobra.Command {
	var migrateFirst bool

	cmd := &cobra.Command{
		Use:          "serve",
		Short:        "Start the workspace orchestration API server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if migrateFirst {
				if err := app.RunMigrations("up"); err != nil {
					return err
				}
			}
			app.RunServer()
			return nil
		},
	}
	cmd.Flags().BoolVar(&migrateFirst, "migrate", false, "apply pending database migrations before serving")

	return cmd
}
