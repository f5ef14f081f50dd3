package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainflow-ai/chainflow/internal/flow"
	"github.com/chainflow-ai/chainflow/internal/variable"
)

func TestMemoryStoreRuns(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	t.Run("missing run returns ErrNotFound", func(t *testing.T) {
		_, err := store.LoadRun(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = store.LoadLatest(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("save and load round-trip", func(t *testing.T) {
		record := RunRecord{
			RunID:  "run-1",
			FlowID: "flow-a",
			Results: map[string]flow.Result{
				"n1": flow.Succeeded(map[string]interface{}{"ok": true}, time.Millisecond),
			},
			CompletedNodeIDs: []string{"n1"},
		}
		require.NoError(t, store.SaveRun(ctx, record))

		loaded, err := store.LoadRun(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, "flow-a", loaded.FlowID)
		assert.Equal(t, []string{"n1"}, loaded.CompletedNodeIDs)
		assert.True(t, loaded.Results["n1"].Success)
		assert.False(t, loaded.CreatedAt.IsZero())
		assert.False(t, loaded.UpdatedAt.IsZero())
	})

	t.Run("latest tracks the most recent run per flow", func(t *testing.T) {
		require.NoError(t, store.SaveRun(ctx, RunRecord{RunID: "run-2", FlowID: "flow-a"}))

		latest, err := store.LoadLatest(ctx, "flow-a")
		require.NoError(t, err)
		assert.Equal(t, "run-2", latest.RunID)
	})

	t.Run("resave keeps the original creation time", func(t *testing.T) {
		first, err := store.LoadRun(ctx, "run-1")
		require.NoError(t, err)

		require.NoError(t, store.SaveRun(ctx, RunRecord{RunID: "run-1", FlowID: "flow-a"}))

		second, err := store.LoadRun(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, first.CreatedAt, second.CreatedAt)
	})
}

func TestMemoryStoreVariables(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.LoadVariables(ctx, "global")
	assert.ErrorIs(t, err, ErrNotFound)

	vars := map[string]variable.Variable{
		"greeting": {Name: "greeting", Value: "hello", Type: variable.TypeString},
	}
	require.NoError(t, store.SaveVariables(ctx, "global", vars))

	loaded, err := store.LoadVariables(ctx, "global")
	require.NoError(t, err)
	assert.Equal(t, "hello", loaded["greeting"].Value)

	// The store hands back copies, not its own map.
	loaded["greeting"] = variable.Variable{Name: "greeting", Value: "mutated"}
	again, err := store.LoadVariables(ctx, "global")
	require.NoError(t, err)
	assert.Equal(t, "hello", again["greeting"].Value)
}
