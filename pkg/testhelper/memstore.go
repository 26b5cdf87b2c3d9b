package testhelper

import (
	"context"
	"sync"
	"time"

	"github.com/assesslabs/workspace-cloud/internal/domain/operation"
	"github.com/assesslabs/workspace-cloud/internal/domain/workspace"
)

// MemOperationRepo is an in-memory operation.Repository with the same guard
// semantics as the Postgres implementation.
type MemOperationRepo struct {
	mu  sync.Mutex
	ops map[string]*operation.Operation

	// AppendCalls records each AppendLogs batch for assertions.
	AppendCalls [][]operation.LogLine
}

func NewMemOperationRepo() *MemOperationRepo {
	return &MemOperationRepo{ops: make(map[string]*operation.Operation)}
}

func cloneOperation(op *operation.Operation) *operation.Operation {
	cp := *op
	if op.Result != nil {
		res := *op.Result
		cp.Result = &res
	}
	cp.Logs = append([]operation.LogLine(nil), op.Logs...)
	return &cp
}

func (r *MemOperationRepo) Create(ctx context.Context, op *operation.Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[op.ID] = cloneOperation(op)
	return nil
}

func (r *MemOperationRepo) Get(ctx context.Context, id string) (*operation.Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[id]
	if !ok {
		return nil, operation.ErrNotFound
	}
	return cloneOperation(op), nil
}

func (r *MemOperationRepo) Save(ctx context.Context, op *operation.Operation) error {
	return r.Create(ctx, op)
}

func (r *MemOperationRepo) UpdateIf(ctx context.Context, id string, allowed []operation.Status, mutate func(*operation.Operation) error) (*operation.Operation, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[id]
	if !ok {
		return nil, false, operation.ErrNotFound
	}
	permitted := false
	for _, s := range allowed {
		if op.Status == s {
			permitted = true
			break
		}
	}
	if !permitted {
		return cloneOperation(op), false, nil
	}
	cp := cloneOperation(op)
	if err := mutate(cp); err != nil {
		return nil, false, err
	}
	r.ops[id] = cp
	return cloneOperation(cp), true, nil
}

func (r *MemOperationRepo) AppendLogs(ctx context.Context, id string, lines []operation.LogLine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[id]
	if !ok {
		return operation.ErrNotFound
	}
	op.Logs = append(op.Logs, lines...)
	r.AppendCalls = append(r.AppendCalls, append([]operation.LogLine(nil), lines...))
	return nil
}

// AppendCallCount reports how many batched writes landed.
func (r *MemOperationRepo) AppendCallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.AppendCalls)
}

func (r *MemOperationRepo) ListByStatus(ctx context.Context, statuses []operation.Status, limit int) ([]*operation.Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*operation.Operation
	for _, op := range r.ops {
		for _, s := range statuses {
			if op.Status == s {
				out = append(out, cloneOperation(op))
				break
			}
		}
	}
	return out, nil
}

func (r *MemOperationRepo) ListActive(ctx context.Context, limit int) ([]*operation.Operation, error) {
	return r.ListByStatus(ctx, []operation.Status{operation.StatusRunning, operation.StatusScheduled}, limit)
}

func (r *MemOperationRepo) ListByInstance(ctx context.Context, instanceID string) ([]*operation.Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*operation.Operation
	for _, op := range r.ops {
		if op.InstanceID == instanceID {
			out = append(out, cloneOperation(op))
		}
	}
	return out, nil
}

func (r *MemOperationRepo) ListScheduledDue(ctx context.Context, now time.Time, limit int) ([]*operation.Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*operation.Operation
	for _, op := range r.ops {
		if op.Due(now) {
			out = append(out, cloneOperation(op))
		}
	}
	return out, nil
}

func (r *MemOperationRepo) ListAutoDestroyDue(ctx context.Context, now time.Time, limit int) ([]*operation.Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*operation.Operation
	for _, op := range r.ops {
		if op.Kind == operation.KindCreate &&
			op.Status == operation.StatusCompleted &&
			op.AutoDestroyAt != nil && !op.AutoDestroyAt.After(now) {
			out = append(out, cloneOperation(op))
		}
	}
	return out, nil
}

func (r *MemOperationRepo) CreateDestroyIfAbsent(ctx context.Context, op *operation.Operation) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.ops {
		if existing.InstanceID == op.InstanceID &&
			existing.Kind == operation.KindDestroy &&
			existing.Status != operation.StatusFailed &&
			existing.Status != operation.StatusCancelled {
			return false, nil
		}
	}
	r.ops[op.ID] = cloneOperation(op)
	return true, nil
}

func (r *MemOperationRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, op := range r.ops {
		if !op.ExpiresAt.After(now) {
			delete(r.ops, id)
			n++
		}
	}
	return n, nil
}

// MemWorkspaceRepo is an in-memory workspace.Repository.
type MemWorkspaceRepo struct {
	mu         sync.Mutex
	workspaces map[string]*workspace.Workspace
}

func NewMemWorkspaceRepo() *MemWorkspaceRepo {
	return &MemWorkspaceRepo{workspaces: make(map[string]*workspace.Workspace)}
}

func cloneWorkspace(ws *workspace.Workspace) *workspace.Workspace {
	cp := *ws
	return &cp
}

func (r *MemWorkspaceRepo) FindByID(ctx context.Context, id string) (*workspace.Workspace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ws, ok := r.workspaces[id]
	if !ok {
		return nil, nil
	}
	return cloneWorkspace(ws), nil
}

func (r *MemWorkspaceRepo) Save(ctx context.Context, ws *workspace.Workspace) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workspaces[ws.ID] = cloneWorkspace(ws)
	return nil
}

func (r *MemWorkspaceRepo) UpdateStatus(ctx context.Context, id string, status workspace.Status, accessURL string, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ws, ok := r.workspaces[id]
	if !ok {
		return nil
	}
	ws.Status = status
	if accessURL != "" {
		ws.AccessURL = accessURL
	}
	ws.LastError = lastError
	ws.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemWorkspaceRepo) ListActiveIDs(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id, ws := range r.workspaces {
		if ws.Status != workspace.StatusDestroyed && ws.Status != workspace.StatusExpired {
			out = append(out, id)
		}
	}
	return out, nil
}

func (r *MemWorkspaceRepo) ListByStatus(ctx context.Context, statuses []workspace.Status, limit int) ([]*workspace.Workspace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*workspace.Workspace
	for _, ws := range r.workspaces {
		for _, s := range statuses {
			if ws.Status == s {
				out = append(out, cloneWorkspace(ws))
				break
			}
		}
	}
	return out, nil
}

func (r *MemWorkspaceRepo) ListWindowExpired(ctx context.Context, now time.Time, limit int) ([]*workspace.Workspace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*workspace.Workspace
	for _, ws := range r.workspaces {
		if ws.Activated() || !ws.WindowElapsed(now) {
			continue
		}
		switch ws.Status {
		case workspace.StatusDestroyed, workspace.StatusExpired, workspace.StatusError:
			continue
		}
		out = append(out, cloneWorkspace(ws))
	}
	return out, nil
}

func (r *MemWorkspaceRepo) DeleteDestroyedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, ws := range r.workspaces {
		if (ws.Status == workspace.StatusDestroyed || ws.Status == workspace.StatusExpired) &&
			ws.UpdatedAt.Before(cutoff) {
			delete(r.workspaces, id)
			n++
		}
	}
	return n, nil
}
