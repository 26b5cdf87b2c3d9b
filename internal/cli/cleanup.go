package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	nomadAdapter "github.com/assesslabs/workspace-cloud/internal/adapter/provisioning/nomad"
	"github.com/assesslabs/workspace-cloud/internal/adapter/repository/postgres"
	"github.com/assesslabs/workspace-cloud/internal/cleanup"
	"github.com/assesslabs/workspace-cloud/internal/config"
	"github.com/assesslabs/workspace-cloud/pkg/db"
	"github.com/assesslabs/workspace-cloud/pkg/nomad"
	"github.com/assesslabs/workspace-cloud/pkg/snowflake"
)

func newCleanupCmd() *cobra.Command {
	var (
		dryRun         bool
		force          bool
		maxConcurrency int
		timeoutSeconds int
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Detect and destroy dangling workspaces",
		Long: "Compares the workspaces the infrastructure carries against the " +
			"records the control plane considers live, and destroys the leftovers. " +
			"Use --dry-run to see the classification without destroying anything.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()

			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()

			gdb, err := db.New(cfg)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}

			node, err := snowflake.NewNode()
			if err != nil {
				return err
			}
			workspaces := postgres.NewWorkspaceRepository(gdb, node)

			client, err := nomad.NewClient()
			if err != nil {
				return fmt.Errorf("connect nomad: %w", err)
			}

			engine := cleanup.NewEngine(nomadAdapter.NewAdapter(client), workspaces, logger)

			if maxConcurrency == 0 {
				maxConcurrency = cfg.CleanupMaxConcurrency
			}
			perOpTimeout := cfg.CleanupPerOpTimeout
			if timeoutSeconds > 0 {
				perOpTimeout = time.Duration(timeoutSeconds) * time.Second
			}

			report, err := engine.Perform(context.Background(), cleanup.Options{
				DryRun:         dryRun,
				ForceDestroy:   force,
				MaxConcurrency: maxConcurrency,
				PerOpTimeout:   perOpTimeout,
			})
			if err != nil {
				return err
			}

			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(report); err != nil {
				return err
			}
			if !report.Success {
				return fmt.Errorf("cleanup finished with %d failed workspaces", len(report.Errored))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Classify only; destroy nothing")
	cmd.Flags().BoolVar(&force, "force", false, "Also destroy workspaces the control plane still considers live")
	cmd.Flags().IntVar(&maxConcurrency, "max-concurrency", 0, "Parallel destroy operations (1-10, 0 uses config default)")
	cmd.Flags().IntVar(&timeoutSeconds, "timeout", 0, "Per-workspace destroy timeout in seconds (0 uses config default)")

	return cmd
}
