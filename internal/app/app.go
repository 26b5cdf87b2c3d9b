package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/fx"
	"go.uber.org/zap"

	nomadAdapter "github.com/assesslabs/workspace-cloud/internal/adapter/provisioning/nomad"
	scratchProvisioner "github.com/assesslabs/workspace-cloud/internal/adapter/provisioning/postgres"
	"github.com/assesslabs/workspace-cloud/internal/adapter/repository/postgres"
	"github.com/assesslabs/workspace-cloud/internal/api"
	"github.com/assesslabs/workspace-cloud/internal/cleanup"
	"github.com/assesslabs/workspace-cloud/internal/config"
	"github.com/assesslabs/workspace-cloud/internal/domain/operation"
	"github.com/assesslabs/workspace-cloud/internal/domain/provisioning"
	"github.com/assesslabs/workspace-cloud/internal/domain/workspace"
	"github.com/assesslabs/workspace-cloud/internal/eventbus"
	"github.com/assesslabs/workspace-cloud/internal/executor"
	"github.com/assesslabs/workspace-cloud/internal/manager"
	"github.com/assesslabs/workspace-cloud/internal/retention"
	"github.com/assesslabs/workspace-cloud/internal/scheduler"
	"github.com/assesslabs/workspace-cloud/internal/statussync"
	"github.com/assesslabs/workspace-cloud/internal/template"
	"github.com/assesslabs/workspace-cloud/internal/usecase/provision"
	"github.com/assesslabs/workspace-cloud/pkg/credclient"
	"github.com/assesslabs/workspace-cloud/pkg/db"
	zaplog "github.com/assesslabs/workspace-cloud/pkg/log"
	"github.com/assesslabs/workspace-cloud/pkg/nomad"
	"github.com/assesslabs/workspace-cloud/pkg/snowflake"
	"github.com/assesslabs/workspace-cloud/sql/migrations"
)

// RunServer starts the HTTP server and background workers.
func RunServer() {
	fx.New(options()...).Run()
}

func options() []fx.Option {
	return []fx.Option{
		fx.Provide(
			// Config
			config.Load,

			// Infrastructure (Adapters)
			nomad.NewClient,
			credclient.NewFromEnv,

			// Domain Adapters (Bind Interfaces)
			fx.Annotate(
				postgres.NewOperationRepository,
				fx.As(new(operation.Repository)),
			),
			fx.Annotate(
				postgres.NewWorkspaceRepository,
				fx.As(new(workspace.Repository)),
			),
			fx.Annotate(
				nomadAdapter.NewAdapter,
				fx.As(new(provisioning.Provisioner)),
			),
			fx.Annotate(
				newScratchProvisioner,
				fx.As(new(provisioning.DatabaseProvisioner)),
			),
			fx.Annotate(
				func(c *credclient.Client) *credclient.Client { return c },
				fx.As(new(provisioning.CredentialRevoker)),
				fx.As(new(provision.CredentialIssuer)),
			),
			fx.Annotate(
				statussync.NewService,
				fx.As(new(manager.WorkspaceSync)),
			),

			// Scratch database config for workspace provisioning
			newScratchDBConfig,
			newRuntimeConfig,

			// Core services
			eventbus.New,
			manager.New,
			template.NewRegistry,
			fx.Annotate(
				func(r *template.Registry) *template.Registry { return r },
				fx.As(new(provision.TemplateResolver)),
			),
			provision.NewCreateUseCase,
			provision.NewDestroyUseCase,
			newExecutor,
			newScheduler,
			cleanup.NewEngine,
			newPurger,

			// API
			api.NewRouter,
		),
		db.Module,        // Database Module
		snowflake.Module, // Snowflake ID Module
		zaplog.Module,    // Logger Module
		fx.Invoke(registerHooks),
	}
}

// RunMigrations executes database migrations (up or down).
func RunMigrations(command string) error {
	if command == "" {
		command = "up"
	}

	cfg := config.Load()
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	logger.Info("Starting database migration...", zap.String("command", command))

	dbURL := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBHost,
		cfg.DBPort,
		cfg.DBName,
		cfg.DBSSLMode,
	)

	d, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("load migration files: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", d, dbURL)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	switch command {
	case "up":
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			return fmt.Errorf("migration up failed: %w", err)
		}
		logger.Info("Migration up applied")
	case "down":
		if err := m.Down(); err != nil && err != migrate.ErrNoChange {
			return fmt.Errorf("migration down failed: %w", err)
		}
		logger.Info("Migration down applied")
	default:
		return fmt.Errorf("unknown migration command: %s", command)
	}

	return nil
}

func registerHooks(
	lc fx.Lifecycle,
	router *api.Router,
	sched *scheduler.Scheduler,
	exec *executor.Executor,
	purger *retention.Purger,
	mgr *manager.Manager,
	cfg *config.Config,
	logger *zap.Logger,
) {
	var schedulerCancel context.CancelFunc
	var executorCancel context.CancelFunc
	var purgerCancel context.CancelFunc
	executorDone := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("Starting HTTP server", zap.String("port", cfg.Port))

			execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			executorCancel = cancel
			go func() {
				defer close(executorDone)
				exec.Run(execCtx)
			}()

			schedCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			schedulerCancel = cancel
			go sched.Run(schedCtx)

			purgerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			purgerCancel = cancel
			if err := purger.Start(purgerCtx); err != nil {
				cancel()
				return err
			}

			go func() {
				if err := router.Run(); err != nil && err != http.ErrServerClosed {
					logger.Fatal("Server failed to start", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Shutting down gracefully...")

			if schedulerCancel != nil {
				schedulerCancel()
			}
			purger.Stop()
			if purgerCancel != nil {
				purgerCancel()
			}

			// Stop accepting tasks and let in-flight provisioning drain.
			if executorCancel != nil {
				executorCancel()
			}
			select {
			case <-executorDone:
			case <-time.After(25 * time.Second):
				logger.Warn("executor drain timed out")
			}

			mgr.Close()

			shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()

			if err := router.Shutdown(shutdownCtx); err != nil {
				logger.Error("Server forced to shutdown", zap.Error(err))
				return err
			}

			logger.Info("HTTP server stopped gracefully")
			return nil
		},
	})
}

// newScratchDBConfig carries the scratch-database server coordinates injected
// into every provisioned workspace.
func newScratchDBConfig(cfg *config.Config) provisioning.DBConfig {
	return provisioning.DBConfig{
		Host: cfg.ScratchDBHost,
		Port: mustParseInt(cfg.ScratchDBPort),
	}
}

func newRuntimeConfig(cfg *config.Config) provision.RuntimeConfig {
	return provision.RuntimeConfig{
		AccessTokenSecretKey: cfg.AccessTokenMasterKey,
		HealthCheckTimeout:   cfg.HealthCheckTimeout,
		HealthCheckInterval:  cfg.HealthCheckInterval,
	}
}

// newScratchProvisioner creates the PostgreSQL scratch-database provisioner.
func newScratchProvisioner(cfg *config.Config) *scratchProvisioner.Adapter {
	adminConnString := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.ScratchDBUser,
		cfg.ScratchDBPassword,
		cfg.ScratchDBHost,
		cfg.ScratchDBPort,
		cfg.ScratchDBName,
		cfg.ScratchDBSSLMode,
	)
	return scratchProvisioner.NewAdapter(adminConnString)
}

func newExecutor(cfg *config.Config, logger *zap.Logger) *executor.Executor {
	return executor.New(cfg.ExecutorWorkers, cfg.ExecutorQueueDepth, logger)
}

func newScheduler(
	mgr *manager.Manager,
	workspaces workspace.Repository,
	revoker provisioning.CredentialRevoker,
	exec *executor.Executor,
	createUC *provision.CreateUseCase,
	destroyUC *provision.DestroyUseCase,
	cfg *config.Config,
	logger *zap.Logger,
) *scheduler.Scheduler {
	s := scheduler.New(mgr, workspaces, revoker, exec, createUC, destroyUC, logger)
	s.SetInterval(cfg.SchedulerInterval)
	return s
}

func newPurger(
	operations operation.Repository,
	workspaces workspace.Repository,
	cfg *config.Config,
	logger *zap.Logger,
) *retention.Purger {
	return retention.NewPurger(operations, workspaces, cfg.RetentionSchedule, logger)
}

func mustParseInt(s string) int {
	var val int
	if _, err := fmt.Sscanf(s, "%d", &val); err != nil {
		panic(fmt.Sprintf("invalid port: %s", s))
	}
	return val
}
