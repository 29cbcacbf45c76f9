package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskwheel/internal/domain"
	"taskwheel/internal/store"
)

func TestCleanupPrunesOldExecutions(t *testing.T) {
	execs := store.NewMemoryExecutionStore()
	ctx := context.Background()

	old := domain.TaskExecution{
		ID:        "exe_old",
		TaskID:    "tsk_1",
		StartedAt: time.Now().UTC().AddDate(0, 0, -45),
		Status:    domain.ExecCompleted,
	}
	fresh := domain.TaskExecution{
		ID:        "exe_fresh",
		TaskID:    "tsk_1",
		StartedAt: time.Now().UTC(),
		Status:    domain.ExecCompleted,
	}
	require.NoError(t, execs.Create(ctx, &old))
	require.NoError(t, execs.Create(ctx, &fresh))

	res, err := Cleanup(execs)(ctx, map[string]any{"retention_days": 30})
	require.NoError(t, err)
	require.Equal(t, 1, res["deleted"])

	_, err = execs.Get(ctx, "exe_old")
	require.ErrorIs(t, err, store.ErrExecutionNotFound)
	_, err = execs.Get(ctx, "exe_fresh")
	require.NoError(t, err)
}

func TestCleanupRejectsBadRetention(t *testing.T) {
	fn := Cleanup(store.NewMemoryExecutionStore())
	_, err := fn(context.Background(), map[string]any{"retention_days": 0})
	require.Error(t, err)
	_, err = fn(context.Background(), map[string]any{"retention_days": "a month"})
	require.Error(t, err)
}
