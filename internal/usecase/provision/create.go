package provision

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/assesslabs/workspace-cloud/internal/domain/operation"
	"github.com/assesslabs/workspace-cloud/internal/domain/provisioning"
	"github.com/assesslabs/workspace-cloud/internal/domain/workspace"
	"github.com/assesslabs/workspace-cloud/internal/template"
)

// Progress receives streaming output and partial-progress signals while a
// provisioning call is in flight.
type Progress interface {
	Log(line string)
	InfrastructureReady(accessURL, credentials string)
}

// CredentialIssuer provisions external service accounts for take-home
// candidates.
type CredentialIssuer interface {
	EnsureServiceAccount(ctx context.Context, workspaceID string) (ref string, secret string, err error)
}

// TemplateResolver resolves a challenge reference to its template, falling
// back to the default when the reference is empty.
type TemplateResolver interface {
	Resolve(ctx context.Context, name string) (*template.ChallengeTemplate, error)
}

// RuntimeConfig carries the knobs the create flow needs beyond its
// collaborators.
type RuntimeConfig struct {
	AccessTokenSecretKey string
	HealthCheckTimeout   time.Duration
	HealthCheckInterval  time.Duration
}

// CreateUseCase provisions one workspace end to end: scratch database,
// candidate credentials, infrastructure, health check.
type CreateUseCase struct {
	workspaces    workspace.Repository
	templates     TemplateResolver
	provisioner   provisioning.Provisioner
	dbProvisioner provisioning.DatabaseProvisioner
	dbConfig      provisioning.DBConfig
	creds         CredentialIssuer
	runtimeCfg    RuntimeConfig
	httpClient    *http.Client
}

func NewCreateUseCase(
	workspaces workspace.Repository,
	templates TemplateResolver,
	provisioner provisioning.Provisioner,
	dbProvisioner provisioning.DatabaseProvisioner,
	dbConfig provisioning.DBConfig,
	creds CredentialIssuer,
	runtimeCfg RuntimeConfig,
) *CreateUseCase {
	if runtimeCfg.HealthCheckTimeout <= 0 {
		runtimeCfg.HealthCheckTimeout = 2 * time.Minute
	}
	if runtimeCfg.HealthCheckInterval <= 0 {
		runtimeCfg.HealthCheckInterval = 5 * time.Second
	}
	return &CreateUseCase{
		workspaces:    workspaces,
		templates:     templates,
		provisioner:   provisioner,
		dbProvisioner: dbProvisioner,
		dbConfig:      dbConfig,
		creds:         creds,
		runtimeCfg:    runtimeCfg,
		httpClient:    &http.Client{Timeout: 4 * time.Second},
	}
}

// Execute provisions the workspace and returns the operation result. It
// never panics through; errors become a failed result for the caller's
// finalization discipline.
func (uc *CreateUseCase) Execute(ctx context.Context, instanceID string, progress Progress) operation.Result {
	ws, err := uc.workspaces.FindByID(ctx, instanceID)
	if err != nil {
		return failure(fmt.Errorf("load workspace: %w", err))
	}
	if ws == nil {
		return failure(fmt.Errorf("workspace not found: %s", instanceID))
	}

	tpl, err := uc.templates.Resolve(ctx, ws.ChallengeRef)
	if err != nil {
		return failure(fmt.Errorf("resolve challenge template: %w", err))
	}
	progress.Log(fmt.Sprintf("resolved challenge template %s (%s)", tpl.Name, tpl.DockerImage))

	// Scratch database for the candidate session. Idempotent, so a retried
	// create reuses the same database.
	password, err := generatePassword()
	if err != nil {
		return failure(fmt.Errorf("generate db password: %w", err))
	}
	if err := uc.dbProvisioner.Provision(ctx, ws.ID, password); err != nil {
		return failure(fmt.Errorf("scratch db provisioning: %w", err))
	}
	progress.Log("scratch database provisioned")

	var credentialSecret string
	if ws.Kind() == workspace.KindTakeHome && uc.creds != nil {
		ref, secret, err := uc.creds.EnsureServiceAccount(ctx, ws.ID)
		if err != nil {
			return failure(fmt.Errorf("ensure service account: %w", err))
		}
		ws.CredentialRef = ref
		credentialSecret = secret
		progress.Log("candidate service account issued")
	}

	token, err := mintAccessToken(uc.runtimeCfg.AccessTokenSecretKey, ws)
	if err != nil {
		return failure(fmt.Errorf("mint access token: %w", err))
	}

	req := &provisioning.CreateRequest{
		WorkspaceID:    ws.ID,
		CandidateLabel: ws.CandidateName,
		ChallengeRef:   tpl.Name,
		Image:          tpl.DockerImage,
		CPUMHz:         tpl.CPUMHz,
		MemoryMB:       tpl.MemoryMB,
		DBConfig: provisioning.DBConfig{
			Host:     uc.dbConfig.Host,
			Port:     uc.dbConfig.Port,
			Name:     provisioning.ScratchDBName(ws.ID),
			User:     provisioning.ScratchDBUser(ws.ID),
			Password: password,
		},
		AccessTokenSecret: token,
	}

	created, err := uc.provisioner.CreateWorkspace(ctx, req, progress.Log)
	if err != nil {
		return failure(fmt.Errorf("infrastructure create: %w", err))
	}
	if !created.Success {
		return operation.Result{Success: false, Error: created.Error}
	}

	accessURL := appendToken(created.AccessURL, token)
	progress.InfrastructureReady(accessURL, credentialSecret)

	ws.AccessURL = accessURL
	if err := uc.workspaces.Save(ctx, ws); err != nil {
		return failure(fmt.Errorf("save workspace: %w", err))
	}

	healthy := uc.waitHealthy(ctx, created.AccessURL, progress)
	if !healthy {
		return operation.Result{
			Success:             false,
			AccessURL:           accessURL,
			Error:               "workspace failed health check",
			InfrastructureReady: true,
		}
	}

	progress.Log("workspace healthy")
	return operation.Result{
		Success:             true,
		AccessURL:           accessURL,
		Credentials:         credentialSecret,
		InfrastructureReady: true,
		HealthCheckPassed:   true,
	}
}

// waitHealthy polls the workspace health endpoint until it answers or the
// deadline passes.
func (uc *CreateUseCase) waitHealthy(ctx context.Context, baseURL string, progress Progress) bool {
	deadline := time.Now().Add(uc.runtimeCfg.HealthCheckTimeout)
	target := strings.TrimRight(baseURL, "/") + "/health"

	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return false
		}
		if uc.checkEndpoint(ctx, target) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(uc.runtimeCfg.HealthCheckInterval):
		}
	}
	progress.Log("health check timed out")
	return false
}

func (uc *CreateUseCase) checkEndpoint(ctx context.Context, target string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false
	}
	resp, err := uc.httpClient.Do(req)
	if err != nil {
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func failure(err error) operation.Result {
	return operation.Result{Success: false, Error: err.Error()}
}

func generatePassword() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func appendToken(accessURL, token string) string {
	if accessURL == "" || token == "" {
		return accessURL
	}
	sep := "?"
	if strings.Contains(accessURL, "?") {
		sep = "&"
	}
	return accessURL + sep + "token=" + token
}
