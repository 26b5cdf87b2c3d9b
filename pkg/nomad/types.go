package nomad

import "errors"

// JobPrefix namespaces every workspace job so list and cleanup operations
// never touch unrelated workloads on the same cluster.
const JobPrefix = "cand-ws-"

// JobConfig holds the configuration required to generate a workspace job.
type JobConfig struct {
	WorkspaceID    string
	CandidateLabel string
	ChallengeRef   string
	Image          string
	CPUMHz         int
	MemoryMB       int
	DBConfig       DBConfig

	// AccessTokenSecret is injected into the workspace so the code-server
	// frontend can verify the candidate's launch token.
	AccessTokenSecret string
}

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
}

// Validate checks if the JobConfig is valid.
func (c JobConfig) Validate() error {
	if c.WorkspaceID == "" {
		return errors.New("workspace_id is required")
	}
	if c.Image == "" {
		return errors.New("image is required")
	}
	if c.CPUMHz <= 0 || c.MemoryMB <= 0 {
		return errors.New("cpu and memory must be positive")
	}
	return nil
}

// JobName returns the Nomad job ID for a workspace.
func JobName(workspaceID string) string {
	return JobPrefix + workspaceID
}
