package cli

import (
	"github.com/spf13/cobra"

	"github.com/assesslabs/workspace-cloud/internal/app"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Apply or roll back database migrations",
		Example:   "  workspace-cloud migrate up",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			action := "up"
			if len(args) == 1 {
				action = args[0]
			}
			return app.RunMigrations(action)
		},
	}
}
