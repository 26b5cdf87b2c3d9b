package provision

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assesslabs/workspace-cloud/internal/domain/provisioning"
	"github.com/assesslabs/workspace-cloud/internal/domain/workspace"
	"github.com/assesslabs/workspace-cloud/internal/template"
	"github.com/assesslabs/workspace-cloud/pkg/testhelper"
)

type fakeResolver struct {
	tpl *template.ChallengeTemplate
	err error
}

func (f *fakeResolver) Resolve(ctx context.Context, name string) (*template.ChallengeTemplate, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.tpl, nil
}

type fakeIssuer struct {
	ref    string
	secret string
	err    error
	calls  int
}

func (f *fakeIssuer) EnsureServiceAccount(ctx context.Context, workspaceID string) (string, string, error) {
	f.calls++
	if f.err != nil {
		return "", "", f.err
	}
	return f.ref, f.secret, nil
}

type progressRecorder struct {
	mu        sync.Mutex
	lines     []string
	readyURL  string
	readyCred string
}

func (p *progressRecorder) Log(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lines = append(p.lines, line)
}

func (p *progressRecorder) InfrastructureReady(accessURL, credentials string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readyURL = accessURL
	p.readyCred = credentials
}

func (p *progressRecorder) joined() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.Join(p.lines, "\n")
}

func healthServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(status)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testTemplate() *template.ChallengeTemplate {
	return &template.ChallengeTemplate{
		Name:        "backend-1",
		DockerImage: "registry.test/backend-1:latest",
		Status:      template.StatusStable,
		CPUMHz:      500,
		MemoryMB:    1024,
	}
}

func newCreateFixture(t *testing.T, accessURL string) (*CreateUseCase, *testhelper.MemWorkspaceRepo, *testhelper.MockProvisioner, *testhelper.MockDatabaseProvisioner, *fakeIssuer) {
	t.Helper()

	wss := testhelper.NewMemWorkspaceRepo()
	prov := &testhelper.MockProvisioner{
		CreateResult: &provisioning.CreateResult{Success: true, AccessURL: accessURL},
	}
	dbProv := &testhelper.MockDatabaseProvisioner{}
	issuer := &fakeIssuer{ref: "sa-123", secret: "sa-secret"}

	uc := NewCreateUseCase(
		wss,
		&fakeResolver{tpl: testTemplate()},
		prov,
		dbProv,
		provisioning.DBConfig{Host: "db.internal", Port: 5432},
		issuer,
		RuntimeConfig{
			AccessTokenSecretKey: "test-master-key",
			HealthCheckTimeout:   2 * time.Second,
			HealthCheckInterval:  10 * time.Millisecond,
		},
	)
	return uc, wss, prov, dbProv, issuer
}

func TestCreateExecute_InterviewHappyPath(t *testing.T) {
	srv := healthServer(t, http.StatusOK)
	uc, wss, prov, dbProv, issuer := newCreateFixture(t, srv.URL)
	ctx := context.Background()

	ws, err := workspace.New("iv-abc123", "Ada", "backend-1")
	require.NoError(t, err)
	require.NoError(t, wss.Save(ctx, ws))

	progress := &progressRecorder{}
	res := uc.Execute(ctx, "iv-abc123", progress)

	require.True(t, res.Success, "unexpected failure: %s", res.Error)
	assert.True(t, res.InfrastructureReady)
	assert.True(t, res.HealthCheckPassed)
	assert.Contains(t, res.AccessURL, srv.URL)
	assert.Contains(t, res.AccessURL, "token=")
	assert.Empty(t, res.Credentials)

	// interview sessions never get external service accounts
	assert.Equal(t, 0, issuer.calls)
	assert.Equal(t, []string{"iv-abc123"}, dbProv.ProvisionCalls)

	require.Len(t, prov.CreateCalls, 1)
	req := prov.CreateCalls[0]
	assert.Equal(t, "registry.test/backend-1:latest", req.Image)
	assert.Equal(t, "ws_iv_abc123", req.DBConfig.Name)
	assert.Equal(t, "ws_user_iv_abc123", req.DBConfig.User)
	assert.NotEmpty(t, req.DBConfig.Password)
	assert.NotEmpty(t, req.AccessTokenSecret)

	assert.Equal(t, res.AccessURL, progress.readyURL)

	saved, err := wss.FindByID(ctx, "iv-abc123")
	require.NoError(t, err)
	assert.Equal(t, res.AccessURL, saved.AccessURL)
}

func TestCreateExecute_TakeHomeIssuesCredentials(t *testing.T) {
	srv := healthServer(t, http.StatusOK)
	uc, wss, _, _, issuer := newCreateFixture(t, srv.URL)
	ctx := context.Background()

	ws, err := workspace.New("th-abc123", "Ada", "backend-1")
	require.NoError(t, err)
	require.NoError(t, wss.Save(ctx, ws))

	progress := &progressRecorder{}
	res := uc.Execute(ctx, "th-abc123", progress)

	require.True(t, res.Success, "unexpected failure: %s", res.Error)
	assert.Equal(t, 1, issuer.calls)
	assert.Equal(t, "sa-secret", res.Credentials)
	assert.Equal(t, "sa-secret", progress.readyCred)

	saved, err := wss.FindByID(ctx, "th-abc123")
	require.NoError(t, err)
	assert.Equal(t, "sa-123", saved.CredentialRef)
}

func TestCreateExecute_WorkspaceMissing(t *testing.T) {
	srv := healthServer(t, http.StatusOK)
	uc, _, _, _, _ := newCreateFixture(t, srv.URL)

	res := uc.Execute(context.Background(), "iv-missing", &progressRecorder{})

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "workspace not found")
}

func TestCreateExecute_InfrastructureFailure(t *testing.T) {
	srv := healthServer(t, http.StatusOK)
	uc, wss, prov, _, _ := newCreateFixture(t, srv.URL)
	prov.ShouldFailCreate = true
	ctx := context.Background()

	ws, err := workspace.New("iv-abc123", "Ada", "backend-1")
	require.NoError(t, err)
	require.NoError(t, wss.Save(ctx, ws))

	res := uc.Execute(ctx, "iv-abc123", &progressRecorder{})

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "infrastructure create")
	assert.False(t, res.InfrastructureReady)
}

func TestCreateExecute_ProvisionerReportsFailure(t *testing.T) {
	srv := healthServer(t, http.StatusOK)
	uc, wss, prov, _, _ := newCreateFixture(t, srv.URL)
	prov.CreateResult = &provisioning.CreateResult{Success: false, Error: "allocation failed"}
	ctx := context.Background()

	ws, err := workspace.New("iv-abc123", "Ada", "backend-1")
	require.NoError(t, err)
	require.NoError(t, wss.Save(ctx, ws))

	res := uc.Execute(ctx, "iv-abc123", &progressRecorder{})

	assert.False(t, res.Success)
	assert.Equal(t, "allocation failed", res.Error)
}

func TestCreateExecute_HealthCheckFailure(t *testing.T) {
	srv := healthServer(t, http.StatusInternalServerError)
	uc, wss, _, _, _ := newCreateFixture(t, srv.URL)
	uc.runtimeCfg.HealthCheckTimeout = 50 * time.Millisecond
	ctx := context.Background()

	ws, err := workspace.New("iv-abc123", "Ada", "backend-1")
	require.NoError(t, err)
	require.NoError(t, wss.Save(ctx, ws))

	progress := &progressRecorder{}
	res := uc.Execute(ctx, "iv-abc123", progress)

	assert.False(t, res.Success)
	assert.True(t, res.InfrastructureReady)
	assert.Contains(t, res.Error, "health check")
	assert.Contains(t, progress.joined(), "health check timed out")
}

func TestCreateExecute_TemplateResolutionFailure(t *testing.T) {
	srv := healthServer(t, http.StatusOK)
	uc, wss, _, _, _ := newCreateFixture(t, srv.URL)
	uc.templates = &fakeResolver{err: fmt.Errorf("template not found")}
	ctx := context.Background()

	ws, err := workspace.New("iv-abc123", "Ada", "backend-1")
	require.NoError(t, err)
	require.NoError(t, wss.Save(ctx, ws))

	res := uc.Execute(ctx, "iv-abc123", &progressRecorder{})

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "resolve challenge template")
}

func TestAppendToken(t *testing.T) {
	assert.Equal(t, "https://x.test?token=abc", appendToken("https://x.test", "abc"))
	assert.Equal(t, "https://x.test?a=1&token=abc", appendToken("https://x.test?a=1", "abc"))
	assert.Equal(t, "https://x.test", appendToken("https://x.test", ""))
	assert.Equal(t, "", appendToken("", "abc"))
}
