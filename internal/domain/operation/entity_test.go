package operation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_PendingWhenImmediate(t *testing.T) {
	op, err := New(KindCreate, "iv-abc123", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, KindCreate, op.Kind)
	assert.Equal(t, StatusPending, op.Status)
	assert.Equal(t, "iv-abc123", op.InstanceID)
	assert.True(t, len(op.ID) > 3 && op.ID[:3] == "op_")
	assert.NotZero(t, op.CreatedAt)
	assert.WithinDuration(t, op.CreatedAt.Add(DefaultRetention), op.ExpiresAt, time.Second)
	assert.Nil(t, op.Result)
}

func TestNew_ScheduledWhenFutureTimeSet(t *testing.T) {
	at := time.Now().Add(time.Hour).UTC()
	op, err := New(KindCreate, "th-abc123", &at, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusScheduled, op.Status)
	require.NotNil(t, op.ScheduledAt)
	assert.Equal(t, at, *op.ScheduledAt)
}

func TestNew_RequiresInstanceID(t *testing.T) {
	_, err := New(KindCreate, "  ", nil, nil)
	assert.ErrorIs(t, err, ErrInstanceIDRequired)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		current Status
		target  Status
		want    bool
	}{
		{"pending to running", StatusPending, StatusRunning, true},
		{"scheduled to running", StatusScheduled, StatusRunning, true},
		{"running to completed", StatusRunning, StatusCompleted, true},
		{"running to failed", StatusRunning, StatusFailed, true},
		{"pending to cancelled", StatusPending, StatusCancelled, true},
		{"scheduled to cancelled", StatusScheduled, StatusCancelled, true},
		{"running to cancelled", StatusRunning, StatusCancelled, true},
		{"same state", StatusRunning, StatusRunning, true},

		{"pending to completed", StatusPending, StatusCompleted, false},
		{"scheduled to failed", StatusScheduled, StatusFailed, false},
		{"completed to running", StatusCompleted, StatusRunning, false},
		{"failed to running", StatusFailed, StatusRunning, false},
		{"cancelled to running", StatusCancelled, StatusRunning, false},
		{"completed to cancelled", StatusCompleted, StatusCancelled, false},
		{"completed to pending", StatusCompleted, StatusPending, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.current, tt.target))
		})
	}
}

func TestMarkRunning(t *testing.T) {
	op, err := New(KindCreate, "iv-abc123", nil, nil)
	require.NoError(t, err)

	require.NoError(t, op.MarkRunning())
	assert.Equal(t, StatusRunning, op.Status)
	require.NotNil(t, op.ExecutionStartedAt)

	assert.ErrorIs(t, op.MarkRunning(), ErrInvalidTransition)

	require.NoError(t, op.SetResult(Result{Success: true}))
	assert.ErrorIs(t, op.MarkRunning(), ErrAlreadyTerminal)
}

func TestSetResult_ExactlyOnce(t *testing.T) {
	op, err := New(KindDestroy, "iv-abc123", nil, nil)
	require.NoError(t, err)
	require.NoError(t, op.MarkRunning())

	require.NoError(t, op.SetResult(Result{Success: true, AccessURL: "https://x"}))
	assert.Equal(t, StatusCompleted, op.Status)
	require.NotNil(t, op.CompletedAt)
	first := *op.Result

	err = op.SetResult(Result{Success: false, Error: "late failure"})
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
	assert.Equal(t, first, *op.Result)
}

func TestSetResult_FailureStatus(t *testing.T) {
	op, err := New(KindCreate, "iv-abc123", nil, nil)
	require.NoError(t, err)
	require.NoError(t, op.MarkRunning())

	require.NoError(t, op.SetResult(Result{Success: false, Error: "boom"}))
	assert.Equal(t, StatusFailed, op.Status)
	assert.Equal(t, "boom", op.Result.Error)
}

func TestCancel(t *testing.T) {
	op, err := New(KindCreate, "iv-abc123", nil, nil)
	require.NoError(t, err)

	assert.True(t, op.Cancel("operator request"))
	assert.Equal(t, StatusCancelled, op.Status)
	require.NotNil(t, op.Result)
	assert.False(t, op.Result.Success)
	assert.Equal(t, "operator request", op.Result.Error)
	require.NotNil(t, op.CompletedAt)

	// second cancel is a no-op
	assert.False(t, op.Cancel("again"))
	assert.Equal(t, "operator request", op.Result.Error)
}

func TestCancel_PreservesProgressFlags(t *testing.T) {
	op, err := New(KindCreate, "iv-abc123", nil, nil)
	require.NoError(t, err)
	require.NoError(t, op.MarkRunning())
	op.Result = &Result{InfrastructureReady: true}

	assert.True(t, op.Cancel("timed out"))
	assert.True(t, op.Result.InfrastructureReady)
	assert.False(t, op.Result.HealthCheckPassed)
}

func TestCancel_TerminalIsNoOp(t *testing.T) {
	op, err := New(KindCreate, "iv-abc123", nil, nil)
	require.NoError(t, err)
	require.NoError(t, op.MarkRunning())
	require.NoError(t, op.SetResult(Result{Success: true}))

	assert.False(t, op.Cancel("too late"))
	assert.Equal(t, StatusCompleted, op.Status)
	assert.True(t, op.Result.Success)
}

func TestDue(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := []struct {
		name string
		op   Operation
		want bool
	}{
		{"scheduled and due", Operation{Status: StatusScheduled, ScheduledAt: &past}, true},
		{"scheduled exactly now", Operation{Status: StatusScheduled, ScheduledAt: &now}, true},
		{"scheduled in the future", Operation{Status: StatusScheduled, ScheduledAt: &future}, false},
		{"pending never due", Operation{Status: StatusPending, ScheduledAt: &past}, false},
		{"scheduled without timestamp", Operation{Status: StatusScheduled}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.op.Due(now))
		})
	}
}

func TestIsActive(t *testing.T) {
	assert.True(t, (&Operation{Status: StatusRunning}).IsActive())
	assert.True(t, (&Operation{Status: StatusScheduled}).IsActive())
	assert.False(t, (&Operation{Status: StatusPending}).IsActive())
	assert.False(t, (&Operation{Status: StatusCompleted}).IsActive())
}

func TestAppendLog(t *testing.T) {
	op, err := New(KindCreate, "iv-abc123", nil, nil)
	require.NoError(t, err)

	op.AppendLog("first")
	op.AppendLog("second")

	require.Len(t, op.Logs, 2)
	assert.Equal(t, "first", op.Logs[0].Line)
	assert.Equal(t, "second", op.Logs[1].Line)
	assert.False(t, op.Logs[0].At.After(op.Logs[1].At))
}
