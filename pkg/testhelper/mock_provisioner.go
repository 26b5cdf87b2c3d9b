package testhelper

import (
	"context"
	"fmt"
	"sync"

	"github.com/assesslabs/workspace-cloud/internal/domain/provisioning"
)

// MockProvisioner is a mock implementation of provisioning.Provisioner for testing
type MockProvisioner struct {
	mu sync.Mutex

	CreateCalls  []provisioning.CreateRequest
	DestroyCalls []string

	// Workspaces backs ListWorkspaces and WorkspaceStatus.
	Workspaces []string

	ShouldFailCreate  bool
	ShouldFailDestroy bool
	CreateResult      *provisioning.CreateResult
	LogLines          []string
}

// CreateWorkspace mocks the CreateWorkspace method
func (m *MockProvisioner) CreateWorkspace(ctx context.Context, req *provisioning.CreateRequest, sink provisioning.LogSink) (*provisioning.CreateResult, error) {
	m.mu.Lock()
	m.CreateCalls = append(m.CreateCalls, *req)
	lines := m.LogLines
	m.mu.Unlock()

	if m.ShouldFailCreate {
		return nil, fmt.Errorf("mock provisioner: create failed")
	}
	if sink != nil {
		for _, line := range lines {
			sink(line)
		}
	}
	if m.CreateResult != nil {
		return m.CreateResult, nil
	}
	return &provisioning.CreateResult{
		Success:   true,
		AccessURL: "https://" + req.WorkspaceID + ".test.local",
	}, nil
}

// DestroyWorkspace mocks the DestroyWorkspace method
func (m *MockProvisioner) DestroyWorkspace(ctx context.Context, workspaceID string) error {
	m.mu.Lock()
	m.DestroyCalls = append(m.DestroyCalls, workspaceID)
	m.mu.Unlock()

	if m.ShouldFailDestroy {
		return fmt.Errorf("mock provisioner: destroy failed")
	}
	return nil
}

// ListWorkspaces mocks the ListWorkspaces method
func (m *MockProvisioner) ListWorkspaces(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Workspaces))
	copy(out, m.Workspaces)
	return out, nil
}

// WorkspaceStatus mocks the WorkspaceStatus method
func (m *MockProvisioner) WorkspaceStatus(ctx context.Context, workspaceID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.Workspaces {
		if id == workspaceID {
			return "running", nil
		}
	}
	return "not_found", nil
}

// Destroyed returns a copy of the destroy call log.
func (m *MockProvisioner) Destroyed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.DestroyCalls))
	copy(out, m.DestroyCalls)
	return out
}

// MockDatabaseProvisioner is a mock implementation of provisioning.DatabaseProvisioner
type MockDatabaseProvisioner struct {
	ProvisionCalls   []string
	DeprovisionCalls []string
	ShouldFail       bool
}

// Provision mocks the Provision method
func (m *MockDatabaseProvisioner) Provision(ctx context.Context, workspaceID string, password string) error {
	if m.ShouldFail {
		return fmt.Errorf("mock db provisioner: provision failed")
	}
	m.ProvisionCalls = append(m.ProvisionCalls, workspaceID)
	return nil
}

// Deprovision mocks the Deprovision method
func (m *MockDatabaseProvisioner) Deprovision(ctx context.Context, workspaceID string) error {
	if m.ShouldFail {
		return fmt.Errorf("mock db provisioner: deprovision failed")
	}
	m.DeprovisionCalls = append(m.DeprovisionCalls, workspaceID)
	return nil
}

// MockCredentialRevoker is a mock implementation of provisioning.CredentialRevoker
type MockCredentialRevoker struct {
	RevokeCalls []string
	ShouldFail  bool
}

// RevokeServiceAccount mocks the RevokeServiceAccount method
func (m *MockCredentialRevoker) RevokeServiceAccount(ctx context.Context, credentialRef string) error {
	if m.ShouldFail {
		return fmt.Errorf("mock credential revoker: revoke failed")
	}
	m.RevokeCalls = append(m.RevokeCalls, credentialRef)
	return nil
}
