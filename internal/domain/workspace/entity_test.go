package workspace

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assesslabs/workspace-cloud/internal/domain/operation"
)

func TestNewID(t *testing.T) {
	assert.Equal(t, "iv-abc", NewID(KindInterview, "abc"))
	assert.Equal(t, "th-abc", NewID(KindTakeHome, "abc"))
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		want    Kind
		wantErr bool
	}{
		{"interview prefix", "iv-abc123", KindInterview, false},
		{"takehome prefix", "th-abc123", KindTakeHome, false},
		{"missing prefix", "abc123", "", true},
		{"empty", "", "", true},
		{"prefix only", "iv-", KindInterview, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, err := KindOf(tt.id)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, kind)
		})
	}
}

func TestNew(t *testing.T) {
	ws, err := New("iv-abc123", "Ada", "challenge/backend-1")
	require.NoError(t, err)

	assert.Equal(t, StatusPending, ws.Status)
	assert.Equal(t, "Ada", ws.CandidateName)
	assert.Equal(t, KindInterview, ws.Kind())
	assert.NotZero(t, ws.CreatedAt)

	_, err = New("bogus", "Ada", "challenge/backend-1")
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestWindowElapsed(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.False(t, (&Workspace{}).WindowElapsed(now))
	assert.True(t, (&Workspace{AvailabilityEndsAt: &past}).WindowElapsed(now))
	assert.True(t, (&Workspace{AvailabilityEndsAt: &now}).WindowElapsed(now))
	assert.False(t, (&Workspace{AvailabilityEndsAt: &future}).WindowElapsed(now))
}

func TestMarkActivated(t *testing.T) {
	ws, err := New("th-abc123", "Ada", "challenge/backend-1")
	require.NoError(t, err)

	assert.False(t, ws.Activated())
	ws.MarkActivated()
	assert.True(t, ws.Activated())
	assert.NotNil(t, ws.ActivatedAt)
}

func TestStatusForOperation(t *testing.T) {
	tests := []struct {
		name string
		kind operation.Kind
		st   operation.Status
		want Status
	}{
		{"scheduled create", operation.KindCreate, operation.StatusScheduled, StatusScheduled},
		{"pending create", operation.KindCreate, operation.StatusPending, StatusInitializing},
		{"running create", operation.KindCreate, operation.StatusRunning, StatusInitializing},
		{"completed create", operation.KindCreate, operation.StatusCompleted, StatusActive},
		{"failed create", operation.KindCreate, operation.StatusFailed, StatusError},
		{"cancelled create", operation.KindCreate, operation.StatusCancelled, StatusError},

		{"running destroy keeps workspace reachable", operation.KindDestroy, operation.StatusRunning, StatusActive},
		{"completed destroy", operation.KindDestroy, operation.StatusCompleted, StatusDestroyed},
		{"failed destroy", operation.KindDestroy, operation.StatusFailed, StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := &operation.Operation{Kind: tt.kind, Status: tt.st}
			assert.Equal(t, tt.want, StatusForOperation(op))
		})
	}
}
