package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/assesslabs/workspace-cloud/internal/domain/operation"
	"github.com/assesslabs/workspace-cloud/internal/eventbus"
)

type operationPayload struct {
	ID                 string              `json:"id"`
	Kind               operation.Kind      `json:"kind"`
	Status             operation.Status    `json:"status"`
	InstanceID         string              `json:"instance_id"`
	CandidateLabel     string              `json:"candidate_label,omitempty"`
	ChallengeRef       string              `json:"challenge_ref,omitempty"`
	Result             *operation.Result   `json:"result,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	ScheduledAt        *time.Time          `json:"scheduled_at,omitempty"`
	ExecutionStartedAt *time.Time          `json:"execution_started_at,omitempty"`
	CompletedAt        *time.Time          `json:"completed_at,omitempty"`
	AutoDestroyAt      *time.Time          `json:"auto_destroy_at,omitempty"`
	LogCount           int                 `json:"log_count"`
}

func operationResponse(op *operation.Operation) *operationPayload {
	if op == nil {
		return nil
	}
	return &operationPayload{
		ID:                 op.ID,
		Kind:               op.Kind,
		Status:             op.Status,
		InstanceID:         op.InstanceID,
		CandidateLabel:     op.CandidateLabel,
		ChallengeRef:       op.ChallengeRef,
		Result:             op.Result,
		CreatedAt:          op.CreatedAt,
		ScheduledAt:        op.ScheduledAt,
		ExecutionStartedAt: op.ExecutionStartedAt,
		CompletedAt:        op.CompletedAt,
		AutoDestroyAt:      op.AutoDestroyAt,
		LogCount:           len(op.Logs),
	}
}

func (r *Router) GetOperation(c *gin.Context) {
	op, err := r.mgr.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, operation.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "operation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, operationResponse(op))
}

// GetOperationLogs returns the full ordered log. An offset query parameter
// lets pollers fetch only lines they have not seen.
func (r *Router) GetOperationLogs(c *gin.Context) {
	op, err := r.mgr.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, operation.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "operation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	offset := 0
	if v := c.Query("offset"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &offset); err != nil || offset < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
			return
		}
	}
	logs := op.Logs
	if offset > len(logs) {
		offset = len(logs)
	}

	c.JSON(http.StatusOK, gin.H{
		"operation_id": op.ID,
		"status":       op.Status,
		"offset":       offset,
		"total":        len(logs),
		"logs":         logs[offset:],
	})
}

func (r *Router) ListActiveOperations(c *gin.Context) {
	ops, err := r.mgr.ListActive(c.Request.Context(), 200)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	items := make([]*operationPayload, 0, len(ops))
	for _, op := range ops {
		items = append(items, operationResponse(op))
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (r *Router) ListWorkspaceOperations(c *gin.Context) {
	ops, err := r.mgr.ListForInstance(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	items := make([]*operationPayload, 0, len(ops))
	for _, op := range ops {
		items = append(items, operationResponse(op))
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelOperation cancels a non-terminal operation. Cancelling a terminal
// operation is a no-op and still returns the record.
func (r *Router) CancelOperation(c *gin.Context) {
	var req cancelRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "cancelled by operator"
	}

	id := c.Param("id")
	if err := r.mgr.Cancel(c.Request.Context(), id, req.Reason); err != nil {
		if errors.Is(err, operation.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "operation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	op, err := r.mgr.Get(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, operationResponse(op))
}

// StreamOperation pushes status changes and log lines for one operation over
// SSE until it turns terminal or the client disconnects.
func (r *Router) StreamOperation(c *gin.Context) {
	id := c.Param("id")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	op, err := r.mgr.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, operation.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "operation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	headers := c.Writer.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")

	c.Status(http.StatusOK)
	if _, err := fmt.Fprint(c.Writer, "retry: 3000\n\n"); err == nil {
		flusher.Flush()
	}

	// Subscribe before sending the snapshot so no event falls in the gap.
	events, cancel := r.bus.Subscribe(128)
	defer cancel()

	send := func(event string, payload any) bool {
		data, err := json.Marshal(payload)
		if err != nil {
			return true
		}
		if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !send("snapshot", operationResponse(op)) {
		return
	}
	if op.IsTerminal() {
		return
	}

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(20 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(c.Writer, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			if ev.OperationID != id {
				continue
			}
			switch ev.Type {
			case eventbus.TypeLogAppended:
				if !send("log", gin.H{"line": ev.Line, "at": ev.At}) {
					return
				}
			case eventbus.TypeOperationChanged:
				current, err := r.mgr.Get(ctx, id)
				if err != nil {
					r.logger.Warn("stream_operation_reload_failed",
						zap.Error(err),
						zap.String("operation_id", id),
					)
					continue
				}
				if !send("operation", operationResponse(current)) {
					return
				}
				if current.IsTerminal() {
					return
				}
			}
		}
	}
}
