package provisioning

import (
	"context"
)

// CreateRequest defines the parameters required to provision one workspace.
type CreateRequest struct {
	WorkspaceID    string
	CandidateLabel string
	ChallengeRef   string
	Image          string
	CPUMHz         int
	MemoryMB       int

	DBConfig DBConfig

	// AccessTokenSecret signs the candidate access token baked into the
	// launch URL.
	AccessTokenSecret string
}

// DBConfig holds the scratch-database connection details for the workspace.
type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
}

// CreateResult reports the outcome of a create call.
type CreateResult struct {
	Success     bool
	AccessURL   string
	Credentials string
	Error       string
}

// LogSink receives provisioning output line by line while a create call is
// in flight.
type LogSink func(line string)

// Provisioner wraps the infrastructure orchestrator (Nomad) behind the
// operations the control plane needs.
type Provisioner interface {
	// CreateWorkspace registers the workload and waits for it to come up,
	// streaming progress lines into sink.
	CreateWorkspace(ctx context.Context, req *CreateRequest, sink LogSink) (*CreateResult, error)

	// DestroyWorkspace tears the workload down. Destroying a workspace that
	// no longer exists is success, not an error.
	DestroyWorkspace(ctx context.Context, workspaceID string) error

	// ListWorkspaces enumerates every workspace ID known to the
	// infrastructure layer, live or leaked.
	ListWorkspaces(ctx context.Context) ([]string, error)

	// WorkspaceStatus retrieves the raw infrastructure status, or "not_found".
	WorkspaceStatus(ctx context.Context, workspaceID string) (string, error)
}

// DatabaseProvisioner provisions the per-candidate scratch database.
type DatabaseProvisioner interface {
	// Provision creates the database and role for the workspace. Idempotent.
	Provision(ctx context.Context, workspaceID string, password string) error

	// Deprovision drops the workspace's database and role. Idempotent.
	Deprovision(ctx context.Context, workspaceID string) error
}

// CredentialRevoker releases external credentials issued to a candidate.
type CredentialRevoker interface {
	// RevokeServiceAccount revokes the referenced service account. Revoking
	// an already-revoked account is success.
	RevokeServiceAccount(ctx context.Context, credentialRef string) error
}
