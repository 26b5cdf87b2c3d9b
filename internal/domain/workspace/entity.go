package workspace

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/assesslabs/workspace-cloud/internal/domain/operation"
)

// Kind distinguishes interview sessions from take-home sessions. It is
// carried as a namespaced prefix on the workspace ID.
type Kind string

const (
	KindInterview Kind = "interview"
	KindTakeHome  Kind = "takehome"
)

const (
	interviewPrefix = "iv-"
	takeHomePrefix  = "th-"
)

// Status is the candidate-visible state of a workspace.
type Status string

const (
	StatusPending      Status = "pending"
	StatusScheduled    Status = "scheduled"
	StatusInitializing Status = "initializing"
	StatusActive       Status = "active"
	StatusError        Status = "error"
	StatusExpired      Status = "expired"
	StatusDestroyed    Status = "destroyed"
)

var ErrInvalidID = errors.New("workspace id must carry an iv- or th- prefix")

// Workspace is a provisioned (or to-be-provisioned) candidate session.
type Workspace struct {
	ID            string `json:"id"`
	RecordID      int64  `json:"record_id,string"`
	CandidateName string `json:"candidate_name"`
	ChallengeRef  string `json:"challenge_ref"`
	Status        Status `json:"status"`
	AccessURL     string `json:"access_url,omitempty"`
	CredentialRef string `json:"-"`
	LastError     string `json:"last_error,omitempty"`

	// Take-home sessions stay claimable until the window closes; ActivatedAt
	// is set when the candidate first opens the workspace.
	AvailabilityEndsAt *time.Time `json:"availability_ends_at,omitempty"`
	ActivatedAt        *time.Time `json:"activated_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewID builds a namespaced workspace identifier.
func NewID(kind Kind, suffix string) string {
	if kind == KindTakeHome {
		return takeHomePrefix + suffix
	}
	return interviewPrefix + suffix
}

// KindOf derives the session kind from the ID prefix.
func KindOf(id string) (Kind, error) {
	switch {
	case strings.HasPrefix(id, interviewPrefix):
		return KindInterview, nil
	case strings.HasPrefix(id, takeHomePrefix):
		return KindTakeHome, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
}

// New creates a workspace record in pending state.
func New(id, candidateName, challengeRef string) (*Workspace, error) {
	if _, err := KindOf(id); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &Workspace{
		ID:            id,
		CandidateName: candidateName,
		ChallengeRef:  challengeRef,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Kind returns the session kind encoded in the ID.
func (w *Workspace) Kind() Kind {
	kind, err := KindOf(w.ID)
	if err != nil {
		return KindInterview
	}
	return kind
}

// Activated reports whether the candidate has opened the workspace.
func (w *Workspace) Activated() bool {
	return w.ActivatedAt != nil
}

// WindowElapsed reports whether the availability window has closed at now.
func (w *Workspace) WindowElapsed(now time.Time) bool {
	return w.AvailabilityEndsAt != nil && !w.AvailabilityEndsAt.After(now)
}

// MarkActivated stamps first candidate access.
func (w *Workspace) MarkActivated() {
	now := time.Now().UTC()
	w.ActivatedAt = &now
	w.UpdatedAt = now
}

// MarkExpired closes an unclaimed take-home session.
func (w *Workspace) MarkExpired() {
	w.Status = StatusExpired
	w.UpdatedAt = time.Now().UTC()
}

// StatusForOperation maps an operation's state onto the workspace-visible
// status. Pure function; the sync layer applies it on every change event.
func StatusForOperation(op *operation.Operation) Status {
	switch op.Status {
	case operation.StatusScheduled:
		return StatusScheduled
	case operation.StatusPending, operation.StatusRunning:
		if op.Kind == operation.KindDestroy {
			return StatusActive // still reachable until the destroy lands
		}
		return StatusInitializing
	case operation.StatusCompleted:
		if op.Kind == operation.KindDestroy {
			return StatusDestroyed
		}
		return StatusActive
	case operation.StatusFailed, operation.StatusCancelled:
		return StatusError
	}
	return StatusPending
}
