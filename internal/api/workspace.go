package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/assesslabs/workspace-cloud/internal/domain/operation"
	"github.com/assesslabs/workspace-cloud/internal/domain/workspace"
	"github.com/assesslabs/workspace-cloud/internal/manager"
)

type workspacePayload struct {
	ID                 string           `json:"id"`
	Kind               workspace.Kind   `json:"kind"`
	CandidateName      string           `json:"candidate_name"`
	ChallengeRef       string           `json:"challenge_ref,omitempty"`
	Status             workspace.Status `json:"status"`
	AccessURL          string           `json:"access_url,omitempty"`
	LastError          string           `json:"last_error,omitempty"`
	AvailabilityEndsAt *time.Time       `json:"availability_ends_at,omitempty"`
	ActivatedAt        *time.Time       `json:"activated_at,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

func workspaceResponse(ws *workspace.Workspace) *workspacePayload {
	if ws == nil {
		return nil
	}
	return &workspacePayload{
		ID:                 ws.ID,
		Kind:               ws.Kind(),
		CandidateName:      ws.CandidateName,
		ChallengeRef:       ws.ChallengeRef,
		Status:             ws.Status,
		AccessURL:          ws.AccessURL,
		LastError:          ws.LastError,
		AvailabilityEndsAt: ws.AvailabilityEndsAt,
		ActivatedAt:        ws.ActivatedAt,
		CreatedAt:          ws.CreatedAt,
		UpdatedAt:          ws.UpdatedAt,
	}
}

type createWorkspaceRequest struct {
	WorkspaceID   string `json:"workspace_id"`
	Kind          string `json:"kind" binding:"required,oneof=interview takehome"`
	CandidateName string `json:"candidate_name" binding:"required"`
	ChallengeRef  string `json:"challenge_ref"`

	// ScheduledAt defers provisioning to a future time (RFC 3339).
	ScheduledAt *time.Time `json:"scheduled_at"`

	// AutoDestroyMinutes tears the workspace down this long after the create
	// completes. Zero disables auto-destroy.
	AutoDestroyMinutes int `json:"auto_destroy_minutes"`

	// AvailabilityHours bounds how long an unclaimed take-home session stays
	// open. Ignored for interviews.
	AvailabilityHours int `json:"availability_hours"`
}

// CreateWorkspace registers a workspace and its create operation. Returns 202
// with both records; provisioning runs asynchronously.
func (r *Router) CreateWorkspace(c *gin.Context) {
	var req createWorkspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ScheduledAt != nil && req.ScheduledAt.Before(time.Now()) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "scheduled_at must be in the future"})
		return
	}

	kind := workspace.Kind(req.Kind)
	id := strings.TrimSpace(req.WorkspaceID)
	if id == "" {
		id = workspace.NewID(kind, strings.ToLower(ulid.Make().String()))
	}
	if derived, err := workspace.KindOf(id); err != nil || derived != kind {
		c.JSON(http.StatusBadRequest, gin.H{"error": "workspace_id prefix does not match kind"})
		return
	}

	existing, err := r.workspaces.FindByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if existing != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "workspace already exists", "workspace": workspaceResponse(existing)})
		return
	}

	ws, err := workspace.New(id, req.CandidateName, req.ChallengeRef)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if kind == workspace.KindTakeHome && req.AvailabilityHours > 0 {
		ends := time.Now().UTC().Add(time.Duration(req.AvailabilityHours) * time.Hour)
		ws.AvailabilityEndsAt = &ends
	}
	if err := r.workspaces.Save(c.Request.Context(), ws); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	var autoDestroyAt *time.Time
	if req.AutoDestroyMinutes > 0 {
		base := time.Now().UTC()
		if req.ScheduledAt != nil {
			base = req.ScheduledAt.UTC()
		}
		t := base.Add(time.Duration(req.AutoDestroyMinutes) * time.Minute)
		autoDestroyAt = &t
	}

	op, err := r.mgr.Create(c.Request.Context(), manager.CreateParams{
		Kind:           operation.KindCreate,
		InstanceID:     ws.ID,
		CandidateLabel: ws.CandidateName,
		ChallengeRef:   ws.ChallengeRef,
		ScheduledAt:    req.ScheduledAt,
		AutoDestroyAt:  autoDestroyAt,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if op.Status == operation.StatusPending {
		if err := r.sched.Launch(c.Request.Context(), op.ID); err != nil {
			r.logger.Warn("immediate_launch_failed",
				zap.Error(err),
				zap.String("operation_id", op.ID),
			)
		}
	}

	c.JSON(http.StatusAccepted, gin.H{
		"workspace": workspaceResponse(ws),
		"operation": operationResponse(op),
	})
}

func (r *Router) GetWorkspace(c *gin.Context) {
	ws, err := r.workspaces.FindByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if ws == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "workspace not found"})
		return
	}
	c.JSON(http.StatusOK, workspaceResponse(ws))
}

// DestroyWorkspace requests teardown. Scheduled creates are cancelled first;
// the destroy itself is deduplicated against any in-flight destroy.
func (r *Router) DestroyWorkspace(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	ws, err := r.workspaces.FindByID(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if ws == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "workspace not found"})
		return
	}

	if count, err := r.mgr.CancelScheduledForInstance(ctx, id, "destroy requested"); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	} else if count > 0 {
		r.logger.Info("scheduled_operations_cancelled",
			zap.String("workspace_id", id),
			zap.Int("count", count),
		)
	}

	op, created, err := r.mgr.CreateDestroyIfAbsent(ctx, manager.CreateParams{
		InstanceID:     id,
		CandidateLabel: ws.CandidateName,
		ChallengeRef:   ws.ChallengeRef,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !created {
		c.JSON(http.StatusConflict, gin.H{"error": "destroy already requested"})
		return
	}

	if err := r.sched.Launch(ctx, op.ID); err != nil {
		r.logger.Warn("immediate_launch_failed",
			zap.Error(err),
			zap.String("operation_id", op.ID),
		)
	}

	c.JSON(http.StatusAccepted, gin.H{"operation": operationResponse(op)})
}

// ActivateWorkspace stamps first candidate access on a take-home session. A
// session whose availability window already elapsed cannot be claimed.
func (r *Router) ActivateWorkspace(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	ws, err := r.workspaces.FindByID(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if ws == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "workspace not found"})
		return
	}
	if ws.Status == workspace.StatusExpired || ws.WindowElapsed(time.Now().UTC()) {
		c.JSON(http.StatusGone, gin.H{"error": "availability window has closed"})
		return
	}
	if ws.Activated() {
		c.JSON(http.StatusOK, workspaceResponse(ws))
		return
	}

	ws.MarkActivated()
	if err := r.workspaces.Save(ctx, ws); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, workspaceResponse(ws))
}
