package nomad

import (
	"context"
	"fmt"
	"time"

	"github.com/assesslabs/workspace-cloud/internal/domain/provisioning"
	"github.com/assesslabs/workspace-cloud/pkg/nomad"
)

const defaultCreateTimeout = 10 * time.Minute

// Adapter exposes the Nomad cluster behind the provisioning interface.
type Adapter struct {
	client        *nomad.Client
	createTimeout time.Duration
}

func NewAdapter(client *nomad.Client) *Adapter {
	return &Adapter{
		client:        client,
		createTimeout: defaultCreateTimeout,
	}
}

func (a *Adapter) CreateWorkspace(ctx context.Context, req *provisioning.CreateRequest, sink provisioning.LogSink) (*provisioning.CreateResult, error) {
	cfg := nomad.JobConfig{
		WorkspaceID:    req.WorkspaceID,
		CandidateLabel: req.CandidateLabel,
		ChallengeRef:   req.ChallengeRef,
		Image:          req.Image,
		CPUMHz:         req.CPUMHz,
		MemoryMB:       req.MemoryMB,
		DBConfig: nomad.DBConfig{
			Host:     req.DBConfig.Host,
			Port:     req.DBConfig.Port,
			Name:     req.DBConfig.Name,
			User:     req.DBConfig.User,
			Password: req.DBConfig.Password,
		},
		AccessTokenSecret: req.AccessTokenSecret,
	}

	sink(fmt.Sprintf("registering workspace job %s", nomad.JobName(req.WorkspaceID)))
	if err := a.client.RegisterWorkspace(cfg); err != nil {
		return nil, fmt.Errorf("register workspace job: %w", err)
	}
	sink("job registered, waiting for allocation")

	waitCtx, cancel := context.WithTimeout(ctx, a.createTimeout)
	defer cancel()
	if err := a.client.WaitForRunning(waitCtx, req.WorkspaceID, sink); err != nil {
		return &provisioning.CreateResult{
			Success: false,
			Error:   err.Error(),
		}, nil
	}

	return &provisioning.CreateResult{
		Success:   true,
		AccessURL: nomad.AccessURL(req.WorkspaceID),
	}, nil
}

func (a *Adapter) DestroyWorkspace(ctx context.Context, workspaceID string) error {
	return a.client.DeregisterWorkspace(workspaceID)
}

func (a *Adapter) ListWorkspaces(ctx context.Context) ([]string, error) {
	return a.client.ListWorkspaceIDs(ctx)
}

func (a *Adapter) WorkspaceStatus(ctx context.Context, workspaceID string) (string, error) {
	return a.client.WorkspaceStatus(ctx, workspaceID)
}
