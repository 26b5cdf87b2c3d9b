package cleanup

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/assesslabs/workspace-cloud/internal/domain/provisioning"
	"github.com/assesslabs/workspace-cloud/internal/domain/workspace"
	"github.com/assesslabs/workspace-cloud/pkg/testhelper"
)

// fakeInfra is a provisioner fake with per-workspace failure injection and
// concurrency tracking.
type fakeInfra struct {
	mu         sync.Mutex
	workspaces []string
	failIDs    map[string]bool
	destroyed  []string

	delay      time.Duration
	inFlight   int
	peakFlight int
}

func (f *fakeInfra) CreateWorkspace(ctx context.Context, req *provisioning.CreateRequest, sink provisioning.LogSink) (*provisioning.CreateResult, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeInfra) DestroyWorkspace(ctx context.Context, workspaceID string) error {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.peakFlight {
		f.peakFlight = f.inFlight
	}
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
	if f.failIDs[workspaceID] {
		return fmt.Errorf("nomad: deregister failed")
	}
	f.destroyed = append(f.destroyed, workspaceID)
	return nil
}

func (f *fakeInfra) ListWorkspaces(ctx context.Context) ([]string, error) {
	return append([]string(nil), f.workspaces...), nil
}

func (f *fakeInfra) WorkspaceStatus(ctx context.Context, workspaceID string) (string, error) {
	for _, id := range f.workspaces {
		if id == workspaceID {
			return "running", nil
		}
	}
	return "not_found", nil
}

func (f *fakeInfra) destroyedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.destroyed...)
}

func saveWorkspace(t *testing.T, repo *testhelper.MemWorkspaceRepo, id string, status workspace.Status) {
	t.Helper()
	ws, err := workspace.New(id, "Candidate", "challenge/backend-1")
	require.NoError(t, err)
	ws.Status = status
	require.NoError(t, repo.Save(context.Background(), ws))
}

func TestClassify(t *testing.T) {
	infra := &fakeInfra{workspaces: []string{"iv-live", "iv-leaked", "th-gone"}}
	repo := testhelper.NewMemWorkspaceRepo()
	saveWorkspace(t, repo, "iv-live", workspace.StatusActive)
	saveWorkspace(t, repo, "th-destroyed", workspace.StatusDestroyed)

	engine := NewEngine(infra, repo, zap.NewNop())

	c, err := engine.Classify(context.Background())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"iv-live", "iv-leaked", "th-gone"}, c.Workspaces)
	assert.Equal(t, []string{"iv-live"}, c.Active)
	assert.Equal(t, []string{"iv-leaked", "th-gone"}, c.Dangling)
}

func TestPerform_DestroysOnlyDangling(t *testing.T) {
	infra := &fakeInfra{workspaces: []string{"iv-live", "iv-leaked"}}
	repo := testhelper.NewMemWorkspaceRepo()
	saveWorkspace(t, repo, "iv-live", workspace.StatusActive)

	engine := NewEngine(infra, repo, zap.NewNop())

	report, err := engine.Perform(context.Background(), Options{})
	require.NoError(t, err)

	assert.True(t, report.Success)
	assert.Equal(t, 2, report.WorkspacesFound)
	assert.Equal(t, 1, report.DanglingFound)
	assert.Equal(t, 1, report.DanglingCleaned)
	assert.Equal(t, []string{"iv-leaked"}, report.Destroyed)
	assert.Equal(t, []string{"iv-live"}, report.Skipped)
	assert.Equal(t, []string{"iv-leaked"}, infra.destroyedIDs())
}

func TestPerform_DryRunDestroysNothing(t *testing.T) {
	infra := &fakeInfra{workspaces: []string{"iv-leaked", "th-gone"}}
	repo := testhelper.NewMemWorkspaceRepo()

	engine := NewEngine(infra, repo, zap.NewNop())

	report, err := engine.Perform(context.Background(), Options{DryRun: true})
	require.NoError(t, err)

	assert.True(t, report.Success)
	assert.True(t, report.DryRun)
	assert.Equal(t, 2, report.DanglingFound)
	assert.Empty(t, report.Destroyed)
	assert.Empty(t, infra.destroyedIDs())
}

func TestPerform_ForceDestroysActive(t *testing.T) {
	infra := &fakeInfra{workspaces: []string{"iv-live", "iv-leaked"}}
	repo := testhelper.NewMemWorkspaceRepo()
	saveWorkspace(t, repo, "iv-live", workspace.StatusActive)

	engine := NewEngine(infra, repo, zap.NewNop())

	report, err := engine.Perform(context.Background(), Options{ForceDestroy: true})
	require.NoError(t, err)

	assert.True(t, report.Success)
	assert.Equal(t, []string{"iv-leaked", "iv-live"}, report.Destroyed)
	assert.Empty(t, report.Skipped)
	// only the dangling one counts as cleaned drift
	assert.Equal(t, 1, report.DanglingCleaned)
}

func TestPerform_PartialFailureIsIsolated(t *testing.T) {
	infra := &fakeInfra{
		workspaces: []string{"iv-a", "iv-b", "iv-c"},
		failIDs:    map[string]bool{"iv-b": true},
	}
	repo := testhelper.NewMemWorkspaceRepo()

	engine := NewEngine(infra, repo, zap.NewNop())

	report, err := engine.Perform(context.Background(), Options{})
	require.NoError(t, err)

	assert.False(t, report.Success)
	assert.Equal(t, []string{"iv-a", "iv-c"}, report.Destroyed)
	assert.Equal(t, 2, report.DanglingCleaned)
	require.Contains(t, report.Errored, "iv-b")
	assert.Contains(t, report.Errored["iv-b"], "deregister failed")
}

func TestPerform_RespectsConcurrencyBound(t *testing.T) {
	var ids []string
	for i := 0; i < 8; i++ {
		ids = append(ids, fmt.Sprintf("iv-leak%d", i))
	}
	infra := &fakeInfra{workspaces: ids, delay: 20 * time.Millisecond}
	repo := testhelper.NewMemWorkspaceRepo()

	engine := NewEngine(infra, repo, zap.NewNop())

	report, err := engine.Perform(context.Background(), Options{MaxConcurrency: 2})
	require.NoError(t, err)

	assert.True(t, report.Success)
	assert.Len(t, report.Destroyed, 8)
	infra.mu.Lock()
	peak := infra.peakFlight
	infra.mu.Unlock()
	assert.LessOrEqual(t, peak, 2)
}

func TestClampOptions(t *testing.T) {
	tests := []struct {
		name string
		in   Options
		want Options
	}{
		{"zero concurrency raised", Options{}, Options{MaxConcurrency: 1, PerOpTimeout: defaultPerOpTimeout}},
		{"over cap lowered", Options{MaxConcurrency: 50, PerOpTimeout: time.Minute}, Options{MaxConcurrency: 10, PerOpTimeout: time.Minute}},
		{"negative timeout defaulted", Options{MaxConcurrency: 3, PerOpTimeout: -time.Second}, Options{MaxConcurrency: 3, PerOpTimeout: defaultPerOpTimeout}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, clamp(tt.in))
		})
	}
}
