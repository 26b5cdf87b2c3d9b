package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/assesslabs/workspace-cloud/internal/domain/operation"
	"github.com/assesslabs/workspace-cloud/internal/domain/workspace"
	"github.com/assesslabs/workspace-cloud/pkg/snowflake"
	"github.com/assesslabs/workspace-cloud/pkg/testhelper"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed repository tests in short mode")
	}

	ctx := context.Background()
	container, err := testhelper.SetupPostgres(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Teardown(context.Background()) })

	db, err := gorm.Open(gormpostgres.Open(container.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&OperationModel{}, &WorkspaceModel{}))
	return db
}

func newOperation(t *testing.T, kind operation.Kind, instanceID string) *operation.Operation {
	t.Helper()
	op, err := operation.New(kind, instanceID, nil, nil)
	require.NoError(t, err)
	return op
}

func TestOperationRepository(t *testing.T) {
	db := setupDB(t)
	repo := NewOperationRepository(db)
	ctx := context.Background()

	t.Run("create and get roundtrip", func(t *testing.T) {
		op := newOperation(t, operation.KindCreate, "iv-round")
		op.CandidateLabel = "Ada"
		op.AppendLog("line one")
		require.NoError(t, repo.Create(ctx, op))

		got, err := repo.Get(ctx, op.ID)
		require.NoError(t, err)
		assert.Equal(t, op.ID, got.ID)
		assert.Equal(t, operation.StatusPending, got.Status)
		assert.Equal(t, "Ada", got.CandidateLabel)
		require.Len(t, got.Logs, 1)
		assert.Equal(t, "line one", got.Logs[0].Line)
	})

	t.Run("get missing returns not found", func(t *testing.T) {
		_, err := repo.Get(ctx, "op_missing")
		assert.ErrorIs(t, err, operation.ErrNotFound)
	})

	t.Run("update guard protects terminal status", func(t *testing.T) {
		op := newOperation(t, operation.KindCreate, "iv-guard")
		require.NoError(t, repo.Create(ctx, op))

		_, applied, err := repo.UpdateIf(ctx, op.ID,
			[]operation.Status{operation.StatusPending, operation.StatusScheduled},
			func(op *operation.Operation) error { return op.MarkRunning() })
		require.NoError(t, err)
		require.True(t, applied)

		_, applied, err = repo.UpdateIf(ctx, op.ID,
			[]operation.Status{operation.StatusRunning},
			func(op *operation.Operation) error {
				return op.SetResult(operation.Result{Success: false, Error: "cancelled"})
			})
		require.NoError(t, err)
		require.True(t, applied)

		// a stale promotion attempt loses without error
		got, applied, err := repo.UpdateIf(ctx, op.ID,
			[]operation.Status{operation.StatusPending, operation.StatusScheduled},
			func(op *operation.Operation) error { return op.MarkRunning() })
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Equal(t, operation.StatusFailed, got.Status)
	})

	t.Run("append logs merges server side", func(t *testing.T) {
		op := newOperation(t, operation.KindCreate, "iv-logs")
		require.NoError(t, repo.Create(ctx, op))

		now := time.Now().UTC()
		require.NoError(t, repo.AppendLogs(ctx, op.ID, []operation.LogLine{
			{At: now, Line: "first"},
			{At: now, Line: "second"},
		}))
		require.NoError(t, repo.AppendLogs(ctx, op.ID, []operation.LogLine{
			{At: now, Line: "third"},
		}))

		got, err := repo.Get(ctx, op.ID)
		require.NoError(t, err)
		require.Len(t, got.Logs, 3)
		assert.Equal(t, "third", got.Logs[2].Line)

		err = repo.AppendLogs(ctx, "op_missing", []operation.LogLine{{At: now, Line: "x"}})
		assert.ErrorIs(t, err, operation.ErrNotFound)
	})

	t.Run("destroy dedupe", func(t *testing.T) {
		first := newOperation(t, operation.KindDestroy, "iv-dedupe")
		created, err := repo.CreateDestroyIfAbsent(ctx, first)
		require.NoError(t, err)
		assert.True(t, created)

		second := newOperation(t, operation.KindDestroy, "iv-dedupe")
		created, err = repo.CreateDestroyIfAbsent(ctx, second)
		require.NoError(t, err)
		assert.False(t, created)

		// a failed destroy frees the slot for a retry
		_, applied, err := repo.UpdateIf(ctx, first.ID,
			[]operation.Status{operation.StatusPending},
			func(op *operation.Operation) error {
				if err := op.MarkRunning(); err != nil {
					return err
				}
				return op.SetResult(operation.Result{Success: false, Error: "boom"})
			})
		require.NoError(t, err)
		require.True(t, applied)

		third := newOperation(t, operation.KindDestroy, "iv-dedupe")
		created, err = repo.CreateDestroyIfAbsent(ctx, third)
		require.NoError(t, err)
		assert.True(t, created)

		// a cancelled destroy frees the slot too; only completed, running,
		// pending or scheduled destroys count as effective
		_, applied, err = repo.UpdateIf(ctx, third.ID,
			[]operation.Status{operation.StatusPending},
			func(op *operation.Operation) error {
				op.Cancel("operator changed their mind")
				return nil
			})
		require.NoError(t, err)
		require.True(t, applied)

		fourth := newOperation(t, operation.KindDestroy, "iv-dedupe")
		created, err = repo.CreateDestroyIfAbsent(ctx, fourth)
		require.NoError(t, err)
		assert.True(t, created)
	})

	t.Run("scheduled due query", func(t *testing.T) {
		past := time.Now().Add(-time.Minute).UTC()
		future := time.Now().Add(time.Hour).UTC()

		due, err := operation.New(operation.KindCreate, "iv-due", &past, nil)
		require.NoError(t, err)
		notDue, err := operation.New(operation.KindCreate, "iv-notdue", &future, nil)
		require.NoError(t, err)
		require.NoError(t, repo.Create(ctx, due))
		require.NoError(t, repo.Create(ctx, notDue))

		ops, err := repo.ListScheduledDue(ctx, time.Now().UTC(), 10)
		require.NoError(t, err)
		ids := make([]string, 0, len(ops))
		for _, op := range ops {
			ids = append(ids, op.ID)
		}
		assert.Contains(t, ids, due.ID)
		assert.NotContains(t, ids, notDue.ID)
	})

	t.Run("auto destroy due query", func(t *testing.T) {
		past := time.Now().Add(-time.Minute).UTC()
		op, err := operation.New(operation.KindCreate, "iv-autodue", nil, &past)
		require.NoError(t, err)
		require.NoError(t, op.MarkRunning())
		require.NoError(t, op.SetResult(operation.Result{Success: true}))
		require.NoError(t, repo.Create(ctx, op))

		ops, err := repo.ListAutoDestroyDue(ctx, time.Now().UTC(), 10)
		require.NoError(t, err)
		require.Len(t, ops, 1)
		assert.Equal(t, op.ID, ops[0].ID)
	})

	t.Run("delete expired", func(t *testing.T) {
		op := newOperation(t, operation.KindCreate, "iv-expired")
		op.ExpiresAt = time.Now().Add(-time.Hour).UTC()
		require.NoError(t, repo.Create(ctx, op))

		n, err := repo.DeleteExpired(ctx, time.Now().UTC())
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(1))

		_, err = repo.Get(ctx, op.ID)
		assert.ErrorIs(t, err, operation.ErrNotFound)
	})
}

func TestWorkspaceRepository(t *testing.T) {
	db := setupDB(t)
	node, err := snowflake.NewNode()
	require.NoError(t, err)
	repo := NewWorkspaceRepository(db, node)
	ctx := context.Background()

	t.Run("save assigns record id", func(t *testing.T) {
		ws, err := workspace.New("iv-save", "Ada", "backend-1")
		require.NoError(t, err)
		require.NoError(t, repo.Save(ctx, ws))
		assert.NotZero(t, ws.RecordID)

		got, err := repo.FindByID(ctx, "iv-save")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, ws.RecordID, got.RecordID)
		assert.Equal(t, workspace.StatusPending, got.Status)
	})

	t.Run("find missing returns nil", func(t *testing.T) {
		got, err := repo.FindByID(ctx, "iv-ghost")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("update status keeps access url when empty", func(t *testing.T) {
		ws, err := workspace.New("iv-status", "Ada", "backend-1")
		require.NoError(t, err)
		ws.AccessURL = "https://iv-status.test"
		require.NoError(t, repo.Save(ctx, ws))

		require.NoError(t, repo.UpdateStatus(ctx, "iv-status", workspace.StatusError, "", "health check failed"))

		got, err := repo.FindByID(ctx, "iv-status")
		require.NoError(t, err)
		assert.Equal(t, workspace.StatusError, got.Status)
		assert.Equal(t, "https://iv-status.test", got.AccessURL)
		assert.Equal(t, "health check failed", got.LastError)

		// a later success clears the error text
		require.NoError(t, repo.UpdateStatus(ctx, "iv-status", workspace.StatusActive, "", ""))
		got, err = repo.FindByID(ctx, "iv-status")
		require.NoError(t, err)
		assert.Empty(t, got.LastError)
	})

	t.Run("active ids exclude terminal records", func(t *testing.T) {
		live, err := workspace.New("iv-live", "Ada", "backend-1")
		require.NoError(t, err)
		live.Status = workspace.StatusActive
		require.NoError(t, repo.Save(ctx, live))

		gone, err := workspace.New("iv-gone", "Ada", "backend-1")
		require.NoError(t, err)
		gone.Status = workspace.StatusDestroyed
		require.NoError(t, repo.Save(ctx, gone))

		ids, err := repo.ListActiveIDs(ctx)
		require.NoError(t, err)
		assert.Contains(t, ids, "iv-live")
		assert.NotContains(t, ids, "iv-gone")
	})

	t.Run("window expired query", func(t *testing.T) {
		past := time.Now().Add(-time.Minute).UTC()

		unclaimed, err := workspace.New("th-unclaimed", "Ada", "backend-1")
		require.NoError(t, err)
		unclaimed.Status = workspace.StatusActive
		unclaimed.AvailabilityEndsAt = &past
		require.NoError(t, repo.Save(ctx, unclaimed))

		claimed, err := workspace.New("th-claimed", "Ada", "backend-1")
		require.NoError(t, err)
		claimed.Status = workspace.StatusActive
		claimed.AvailabilityEndsAt = &past
		claimed.MarkActivated()
		require.NoError(t, repo.Save(ctx, claimed))

		items, err := repo.ListWindowExpired(ctx, time.Now().UTC(), 10)
		require.NoError(t, err)
		ids := make([]string, 0, len(items))
		for _, ws := range items {
			ids = append(ids, ws.ID)
		}
		assert.Contains(t, ids, "th-unclaimed")
		assert.NotContains(t, ids, "th-claimed")
	})
}
