package provision

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assesslabs/workspace-cloud/internal/domain/workspace"
	"github.com/assesslabs/workspace-cloud/pkg/testhelper"
)

func newDestroyFixture(t *testing.T) (*DestroyUseCase, *testhelper.MemWorkspaceRepo, *testhelper.MockProvisioner, *testhelper.MockDatabaseProvisioner, *testhelper.MockCredentialRevoker) {
	t.Helper()

	wss := testhelper.NewMemWorkspaceRepo()
	prov := &testhelper.MockProvisioner{}
	dbProv := &testhelper.MockDatabaseProvisioner{}
	revoker := &testhelper.MockCredentialRevoker{}

	uc := NewDestroyUseCase(wss, prov, dbProv, revoker)
	return uc, wss, prov, dbProv, revoker
}

func TestDestroyExecute_HappyPath(t *testing.T) {
	uc, wss, prov, dbProv, revoker := newDestroyFixture(t)
	ctx := context.Background()

	ws, err := workspace.New("th-abc123", "Ada", "backend-1")
	require.NoError(t, err)
	ws.CredentialRef = "sa-123"
	require.NoError(t, wss.Save(ctx, ws))

	res := uc.Execute(ctx, "th-abc123", &progressRecorder{})

	assert.True(t, res.Success)
	assert.Equal(t, []string{"th-abc123"}, prov.Destroyed())
	assert.Equal(t, []string{"th-abc123"}, dbProv.DeprovisionCalls)
	assert.Equal(t, []string{"sa-123"}, revoker.RevokeCalls)
}

func TestDestroyExecute_InfrastructureFailureIsFatal(t *testing.T) {
	uc, wss, prov, dbProv, _ := newDestroyFixture(t)
	prov.ShouldFailDestroy = true
	ctx := context.Background()

	ws, err := workspace.New("iv-abc123", "Ada", "backend-1")
	require.NoError(t, err)
	require.NoError(t, wss.Save(ctx, ws))

	res := uc.Execute(ctx, "iv-abc123", &progressRecorder{})

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "infrastructure destroy")
	assert.Empty(t, dbProv.DeprovisionCalls)
}

func TestDestroyExecute_DBCleanupFailureIsNotFatal(t *testing.T) {
	uc, wss, _, dbProv, _ := newDestroyFixture(t)
	dbProv.ShouldFail = true
	ctx := context.Background()

	ws, err := workspace.New("iv-abc123", "Ada", "backend-1")
	require.NoError(t, err)
	require.NoError(t, wss.Save(ctx, ws))

	progress := &progressRecorder{}
	res := uc.Execute(ctx, "iv-abc123", progress)

	assert.True(t, res.Success)
	assert.Contains(t, progress.joined(), "scratch db deprovision failed")
}

func TestDestroyExecute_UnknownWorkspaceStillDestroysInfra(t *testing.T) {
	uc, _, prov, _, revoker := newDestroyFixture(t)

	res := uc.Execute(context.Background(), "iv-ghost", &progressRecorder{})

	assert.True(t, res.Success)
	assert.Equal(t, []string{"iv-ghost"}, prov.Destroyed())
	assert.Empty(t, revoker.RevokeCalls)
}

func TestDestroyExecute_NoCredentialRefSkipsRevocation(t *testing.T) {
	uc, wss, _, _, revoker := newDestroyFixture(t)
	ctx := context.Background()

	ws, err := workspace.New("iv-abc123", "Ada", "backend-1")
	require.NoError(t, err)
	require.NoError(t, wss.Save(ctx, ws))

	res := uc.Execute(ctx, "iv-abc123", &progressRecorder{})

	assert.True(t, res.Success)
	assert.Empty(t, revoker.RevokeCalls)
}
