package nomad

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/nomad/api"
)

// GenerateJob creates a Nomad job specification for one candidate workspace.
// Workspaces are batch-of-one service jobs pinned to the workspace node pool
// with no restart escalation: a crashed workspace is a failed provisioning,
// not something the cluster should retry forever.
func GenerateJob(cfg JobConfig) (*api.Job, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job config: %w", err)
	}

	jobName := JobName(cfg.WorkspaceID)
	jobType := "service"
	region := "global"
	priority := 50

	taskGroup := &api.TaskGroup{
		Name:  &jobName,
		Count: intToPtr(1),
		RestartPolicy: &api.RestartPolicy{
			Attempts: intToPtr(2),
			Interval: timeToPtr(5 * time.Minute),
			Delay:    timeToPtr(15 * time.Second),
			Mode:     stringToPtr("fail"),
		},
		Networks: []*api.NetworkResource{
			{
				DynamicPorts: []api.Port{
					{Label: "http", To: 8080},
				},
			},
		},
		Constraints: []*api.Constraint{
			{
				LTarget: "${node.meta.pool}",
				RTarget: "workspaces",
				Operand: "=",
			},
		},
	}

	// Skip constraints in development to allow running on a local dev agent.
	if strings.ToLower(os.Getenv("APP_ENV")) == "development" {
		taskGroup.Constraints = nil
	}

	task := &api.Task{
		Name:   "workspace",
		Driver: "docker",
		Config: map[string]interface{}{
			"image": cfg.Image,
			"ports": []string{"http"},
		},
		Env: buildEnvVars(cfg),
		Resources: &api.Resources{
			CPU:      intToPtr(cfg.CPUMHz),
			MemoryMB: intToPtr(cfg.MemoryMB),
		},
	}

	host := accessHost(cfg.WorkspaceID)
	service := &api.Service{
		Name:      jobName,
		PortLabel: "http",
		Tags: []string{
			"traefik.enable=true",
			fmt.Sprintf("traefik.http.routers.%s.rule=Host(`%s`)", jobName, host),
			fmt.Sprintf("traefik.http.routers.%s.entrypoints=web", jobName),
		},
		Checks: []api.ServiceCheck{
			{
				Type:     "http",
				Path:     "/health",
				Interval: 10 * time.Second,
				Timeout:  2 * time.Second,
			},
		},
	}

	taskGroup.Tasks = []*api.Task{task}
	taskGroup.Services = []*api.Service{service}

	job := &api.Job{
		ID:          &jobName,
		Name:        &jobName,
		Type:        &jobType,
		Region:      &region,
		Datacenters: []string{"dc1"},
		Priority:    &priority,
		TaskGroups:  []*api.TaskGroup{taskGroup},
	}

	return job, nil
}

// AccessURL is where the candidate reaches the workspace once it is up.
func AccessURL(workspaceID string) string {
	return fmt.Sprintf("https://%s", accessHost(workspaceID))
}

func accessHost(workspaceID string) string {
	root := "workspaces.assesslabs.dev"
	if v := strings.TrimSpace(os.Getenv("APP_ROOT_DOMAIN")); v != "" {
		root = strings.ToLower(v)
	}
	return fmt.Sprintf("%s.%s", strings.ToLower(workspaceID), root)
}

func buildEnvVars(cfg JobConfig) map[string]string {
	return map[string]string{
		"WORKSPACE_ID":    cfg.WorkspaceID,
		"CANDIDATE_LABEL": cfg.CandidateLabel,
		"CHALLENGE_REF":   cfg.ChallengeRef,
		"ENVIRONMENT":     "production",

		// Scratch database injection
		"DB_HOST":     cfg.DBConfig.Host,
		"DB_PORT":     fmt.Sprintf("%d", cfg.DBConfig.Port),
		"DB_NAME":     cfg.DBConfig.Name,
		"DB_USER":     cfg.DBConfig.User,
		"DB_PASSWORD": cfg.DBConfig.Password,
		"DATABASE_URL": fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
			cfg.DBConfig.User, cfg.DBConfig.Password, cfg.DBConfig.Host, cfg.DBConfig.Port, cfg.DBConfig.Name),

		// Launch token verification
		"ACCESS_TOKEN_SECRET": cfg.AccessTokenSecret,
	}
}

// Helpers
func intToPtr(i int) *int                      { return &i }
func stringToPtr(s string) *string             { return &s }
func timeToPtr(d time.Duration) *time.Duration { return &d }
