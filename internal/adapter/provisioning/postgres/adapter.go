package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/assesslabs/workspace-cloud/internal/domain/provisioning"
)

// Adapter provisions per-candidate scratch databases on a shared Postgres
// server through an admin connection.
type Adapter struct {
	adminConnString string
}

func NewAdapter(adminConnString string) *Adapter {
	return &Adapter{
		adminConnString: adminConnString,
	}
}

// Provision creates (or refreshes) the workspace's scratch database and role.
// Idempotent: a retried create rotates the password and keeps the database.
func (a *Adapter) Provision(ctx context.Context, workspaceID string, password string) error {
	conn, err := pgx.Connect(ctx, a.adminConnString)
	if err != nil {
		return fmt.Errorf("failed to connect to admin db: %w", err)
	}
	defer conn.Close(ctx)

	userName := provisioning.ScratchDBUser(workspaceID)
	dbName := provisioning.ScratchDBName(workspaceID)

	var exists bool
	err = conn.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM pg_roles WHERE rolname=$1)", userName).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check role existence: %w", err)
	}

	// Identifiers cannot be parameterized; the names are derived from our own
	// sanitized workspace ID, never raw caller input.
	if !exists {
		query := fmt.Sprintf("CREATE USER %q WITH PASSWORD '%s'", userName, password)
		if _, err := conn.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to create role: %w", err)
		}
	} else {
		query := fmt.Sprintf("ALTER USER %q WITH PASSWORD '%s'", userName, password)
		if _, err := conn.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to rotate password: %w", err)
		}
	}

	err = conn.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname=$1)", dbName).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check db existence: %w", err)
	}

	if !exists {
		query := fmt.Sprintf("CREATE DATABASE %q OWNER %q", dbName, userName)
		if _, err := conn.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to create database: %w", err)
		}
	} else {
		query := fmt.Sprintf("ALTER DATABASE %q OWNER TO %q", dbName, userName)
		if _, err := conn.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to set database owner: %w", err)
		}
	}

	return nil
}

// Deprovision drops the workspace's scratch database and role. Dropping
// objects that are already gone is success.
func (a *Adapter) Deprovision(ctx context.Context, workspaceID string) error {
	conn, err := pgx.Connect(ctx, a.adminConnString)
	if err != nil {
		return fmt.Errorf("failed to connect to admin db: %w", err)
	}
	defer conn.Close(ctx)

	userName := provisioning.ScratchDBUser(workspaceID)
	dbName := provisioning.ScratchDBName(workspaceID)

	// Kick lingering candidate sessions off the database first or the drop
	// will fail with "database is being accessed by other users".
	_, err = conn.Exec(ctx,
		"SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()",
		dbName,
	)
	if err != nil {
		return fmt.Errorf("failed to terminate sessions: %w", err)
	}

	if _, err := conn.Exec(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS %q", dbName)); err != nil {
		return fmt.Errorf("failed to drop database: %w", err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("DROP ROLE IF EXISTS %q", userName)); err != nil {
		return fmt.Errorf("failed to drop role: %w", err)
	}
	return nil
}
