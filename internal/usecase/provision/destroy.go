package provision

import (
	"context"
	"fmt"

	"github.com/assesslabs/workspace-cloud/internal/domain/operation"
	"github.com/assesslabs/workspace-cloud/internal/domain/provisioning"
	"github.com/assesslabs/workspace-cloud/internal/domain/workspace"
)

// DestroyUseCase tears a workspace down. Destroying infrastructure that no
// longer exists is success, so the flow is safe to re-run.
type DestroyUseCase struct {
	workspaces    workspace.Repository
	provisioner   provisioning.Provisioner
	dbProvisioner provisioning.DatabaseProvisioner
	revoker       provisioning.CredentialRevoker
}

func NewDestroyUseCase(
	workspaces workspace.Repository,
	provisioner provisioning.Provisioner,
	dbProvisioner provisioning.DatabaseProvisioner,
	revoker provisioning.CredentialRevoker,
) *DestroyUseCase {
	return &DestroyUseCase{
		workspaces:    workspaces,
		provisioner:   provisioner,
		dbProvisioner: dbProvisioner,
		revoker:       revoker,
	}
}

// Execute destroys the workspace's infrastructure, scratch database and
// credentials. Only the infrastructure destroy is fatal; the rest is
// best-effort cleanup recorded in the operation log.
func (uc *DestroyUseCase) Execute(ctx context.Context, instanceID string, progress Progress) operation.Result {
	ws, err := uc.workspaces.FindByID(ctx, instanceID)
	if err != nil {
		return failure(fmt.Errorf("load workspace: %w", err))
	}

	progress.Log(fmt.Sprintf("destroying workspace %s", instanceID))
	if err := uc.provisioner.DestroyWorkspace(ctx, instanceID); err != nil {
		return failure(fmt.Errorf("infrastructure destroy: %w", err))
	}
	progress.Log("infrastructure destroyed")

	if uc.dbProvisioner != nil {
		if err := uc.dbProvisioner.Deprovision(ctx, instanceID); err != nil {
			progress.Log(fmt.Sprintf("warning: scratch db deprovision failed: %v", err))
		} else {
			progress.Log("scratch database dropped")
		}
	}

	if ws != nil && ws.CredentialRef != "" && uc.revoker != nil {
		if err := uc.revoker.RevokeServiceAccount(ctx, ws.CredentialRef); err != nil {
			progress.Log(fmt.Sprintf("warning: credential revocation failed: %v", err))
		} else {
			progress.Log("candidate credentials revoked")
		}
	}

	return operation.Result{Success: true}
}
