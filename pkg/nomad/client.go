package nomad

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/nomad/api"
)

type Client struct {
	client *api.Client
}

func NewClient() (*Client, error) {
	// Assumes NOMAD_ADDR and NOMAD_TOKEN are set in env or defaults to localhost
	cfg := api.DefaultConfig()
	c, err := api.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{client: c}, nil
}

func (c *Client) RegisterWorkspace(cfg JobConfig) error {
	job, err := GenerateJob(cfg)
	if err != nil {
		return err
	}

	_, _, err = c.client.Jobs().Register(job, nil)
	return err
}

// DeregisterWorkspace purges the workspace job. A job that is already gone is
// treated as success.
func (c *Client) DeregisterWorkspace(workspaceID string) error {
	_, _, err := c.client.Jobs().Deregister(JobName(workspaceID), true, nil)
	if err != nil && strings.Contains(err.Error(), "not found") {
		return nil
	}
	return err
}

// ListWorkspaceIDs enumerates every workspace job the cluster carries,
// running or dead-but-not-purged.
func (c *Client) ListWorkspaceIDs(ctx context.Context) ([]string, error) {
	opts := (&api.QueryOptions{Prefix: JobPrefix}).WithContext(ctx)
	jobs, _, err := c.client.Jobs().List(opts)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(jobs))
	for _, job := range jobs {
		if !strings.HasPrefix(job.ID, JobPrefix) {
			continue
		}
		ids = append(ids, strings.TrimPrefix(job.ID, JobPrefix))
	}
	return ids, nil
}

func (c *Client) WorkspaceStatus(ctx context.Context, workspaceID string) (string, error) {
	opts := (&api.QueryOptions{}).WithContext(ctx)
	allocs, _, err := c.client.Jobs().Allocations(JobName(workspaceID), false, opts)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return "not_found", nil
		}
		return "", err
	}

	if len(allocs) == 0 {
		return "pending", nil
	}

	alloc := latestAllocation(allocs)
	if alloc == nil {
		return "pending", nil
	}

	status := strings.ToLower(strings.TrimSpace(alloc.ClientStatus))
	if status != "running" {
		return status, nil
	}

	if allocationReady(alloc) {
		return "running", nil
	}

	return "pending", nil
}

// WaitForRunning polls the workspace allocation until every task runs, the
// allocation fails, or ctx expires. Status changes are reported through sink.
func (c *Client) WaitForRunning(ctx context.Context, workspaceID string, sink func(line string)) error {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	last := ""
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("workspace %s did not become ready: %w", workspaceID, ctx.Err())
		case <-ticker.C:
		}

		status, err := c.WorkspaceStatus(ctx, workspaceID)
		if err != nil {
			return err
		}
		if status != last {
			sink(fmt.Sprintf("allocation status: %s", status))
			last = status
		}

		switch status {
		case "running":
			return nil
		case "failed", "lost":
			return fmt.Errorf("workspace %s allocation %s", workspaceID, status)
		}
	}
}

func latestAllocation(allocs []*api.AllocationListStub) *api.AllocationListStub {
	var latest *api.AllocationListStub
	for _, alloc := range allocs {
		if alloc == nil {
			continue
		}
		if latest == nil {
			latest = alloc
			continue
		}
		if alloc.ModifyIndex > latest.ModifyIndex {
			latest = alloc
			continue
		}
		if alloc.ModifyIndex == latest.ModifyIndex && alloc.CreateIndex > latest.CreateIndex {
			latest = alloc
		}
	}
	return latest
}

func allocationReady(alloc *api.AllocationListStub) bool {
	if alloc == nil {
		return false
	}
	if alloc.DesiredStatus != "" && strings.ToLower(alloc.DesiredStatus) != api.AllocDesiredStatusRun {
		return false
	}
	if len(alloc.TaskStates) == 0 {
		return false
	}
	for _, state := range alloc.TaskStates {
		if state == nil {
			return false
		}
		if state.Failed {
			return false
		}
		if strings.ToLower(strings.TrimSpace(state.State)) != "running" {
			return false
		}
	}
	return true
}
