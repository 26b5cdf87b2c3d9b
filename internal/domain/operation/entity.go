package operation

import (
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Kind distinguishes what the operation does to its workspace.
type Kind string

const (
	KindCreate  Kind = "create"
	KindDestroy Kind = "destroy"
)

// Status represents the lifecycle state of an operation.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// DefaultRetention is how long a record is kept after creation before the
// store may physically delete it.
const DefaultRetention = 24 * time.Hour

var (
	ErrInstanceIDRequired = errors.New("instance id is required")
	ErrInvalidTransition  = errors.New("invalid operation status transition")
	ErrAlreadyTerminal    = errors.New("operation is already terminal")
	ErrNotFound           = errors.New("operation not found")
)

// LogLine is one timestamped entry in the append-only operation log.
type LogLine struct {
	At   time.Time `json:"at"`
	Line string    `json:"line"`
}

// Result captures the outcome of an operation. InfrastructureReady and
// HealthCheckPassed may be populated before the operation turns terminal to
// expose partial progress to pollers.
type Result struct {
	Success             bool   `json:"success"`
	AccessURL           string `json:"access_url,omitempty"`
	Credentials         string `json:"credentials,omitempty"`
	Error               string `json:"error,omitempty"`
	InfrastructureReady bool   `json:"infrastructure_ready"`
	HealthCheckPassed   bool   `json:"health_check_passed"`
}

// Operation is the durable record of one async create/destroy task.
type Operation struct {
	ID             string    `json:"id"`
	Kind           Kind      `json:"kind"`
	Status         Status    `json:"status"`
	InstanceID     string    `json:"instance_id"`
	CandidateLabel string    `json:"candidate_label,omitempty"`
	ChallengeRef   string    `json:"challenge_ref,omitempty"`
	Logs           []LogLine `json:"logs"`
	Result         *Result   `json:"result,omitempty"`

	CreatedAt          time.Time  `json:"created_at"`
	ScheduledAt        *time.Time `json:"scheduled_at,omitempty"`
	ExecutionStartedAt *time.Time `json:"execution_started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	AutoDestroyAt      *time.Time `json:"auto_destroy_at,omitempty"`
	ExpiresAt          time.Time  `json:"expires_at"`
}

// NewID returns a fresh operation identifier.
func NewID() string {
	return "op_" + ulid.Make().String()
}

// New creates an operation record. Initial status is scheduled when a future
// execution time is set, pending otherwise.
func New(kind Kind, instanceID string, scheduledAt, autoDestroyAt *time.Time) (*Operation, error) {
	if strings.TrimSpace(instanceID) == "" {
		return nil, ErrInstanceIDRequired
	}

	now := time.Now().UTC()
	status := StatusPending
	if scheduledAt != nil {
		status = StatusScheduled
	}

	return &Operation{
		ID:            NewID(),
		Kind:          kind,
		Status:        status,
		InstanceID:    instanceID,
		CreatedAt:     now,
		ScheduledAt:   scheduledAt,
		AutoDestroyAt: autoDestroyAt,
		ExpiresAt:     now.Add(DefaultRetention),
	}, nil
}

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the state machine admits current -> target.
func CanTransition(current, target Status) bool {
	if current == target {
		return true
	}
	if current.IsTerminal() {
		return false
	}
	switch target {
	case StatusRunning:
		return current == StatusPending || current == StatusScheduled
	case StatusCompleted, StatusFailed:
		return current == StatusRunning
	case StatusCancelled:
		return true // any non-terminal state may be cancelled
	}
	return false
}

// IsTerminal reports whether the operation reached a terminal status.
func (o *Operation) IsTerminal() bool {
	return o.Status.IsTerminal()
}

// IsActive reports whether the operation is still in flight or awaiting
// promotion. Backs the high-frequency "active operations" query.
func (o *Operation) IsActive() bool {
	return o.Status == StatusRunning || o.Status == StatusScheduled
}

// Due reports whether a scheduled operation should be promoted at now.
func (o *Operation) Due(now time.Time) bool {
	return o.Status == StatusScheduled && o.ScheduledAt != nil && !o.ScheduledAt.After(now)
}

// MarkRunning transitions to running and stamps the execution start.
func (o *Operation) MarkRunning() error {
	if o.Status != StatusPending && o.Status != StatusScheduled {
		if o.IsTerminal() {
			return ErrAlreadyTerminal
		}
		return ErrInvalidTransition
	}
	now := time.Now().UTC()
	o.Status = StatusRunning
	o.ExecutionStartedAt = &now
	return nil
}

// SetResult records the outcome exactly once and transitions to the matching
// terminal status.
func (o *Operation) SetResult(res Result) error {
	if o.IsTerminal() {
		return ErrAlreadyTerminal
	}
	now := time.Now().UTC()
	o.Result = &res
	o.CompletedAt = &now
	if res.Success {
		o.Status = StatusCompleted
	} else {
		o.Status = StatusFailed
	}
	return nil
}

// Cancel transitions a non-terminal operation to cancelled with an
// explanatory error. Cancelling a terminal operation is a no-op.
func (o *Operation) Cancel(reason string) bool {
	if o.IsTerminal() {
		return false
	}
	now := time.Now().UTC()
	o.Status = StatusCancelled
	o.CompletedAt = &now
	res := Result{Success: false, Error: reason}
	if o.Result != nil {
		res.InfrastructureReady = o.Result.InfrastructureReady
		res.HealthCheckPassed = o.Result.HealthCheckPassed
	}
	o.Result = &res
	return true
}

// AppendLog appends a timestamped line. Logs only ever grow.
func (o *Operation) AppendLog(line string) {
	o.Logs = append(o.Logs, LogLine{At: time.Now().UTC(), Line: line})
}
