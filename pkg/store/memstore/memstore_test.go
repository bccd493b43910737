package memstore

import (
	"context"
	"testing"

	"spyre/pkg/dberrors"
	"spyre/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareAndSwapStepStatusDetectsConflict(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateStep(ctx, &models.PipelineStep{ID: "s1", Status: models.StepWaiting}))

	require.NoError(t, s.CompareAndSwapStepStatus(ctx, "s1", models.StepWaiting, models.StepCompleted))

	err := s.CompareAndSwapStepStatus(ctx, "s1", models.StepWaiting, models.StepCompleted)
	assert.ErrorIs(t, err, dberrors.ErrConflict)
}

func TestActiveTaskExistsScopesToDevContainer(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateTask(ctx, &models.Task{ID: "t1", EnvironmentID: "e1", Status: models.TaskRunning}))

	exists, err := s.ActiveTaskExists(ctx, "e1", "")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.ActiveTaskExists(ctx, "e1", "dc-1")
	require.NoError(t, err)
	assert.False(t, exists, "a task targeting the primary shell must not block a distinct dev-container")
}

func TestAppendTaskEventRejectsDuplicateSeq(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.AppendTaskEvent(ctx, &models.TaskEvent{TaskID: "t1", Seq: 1}))
	err := s.AppendTaskEvent(ctx, &models.TaskEvent{TaskID: "t1", Seq: 1})
	assert.ErrorIs(t, err, dberrors.ErrConflict)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := New()
	_, err := s.GetPipeline(context.Background(), "nope")
	assert.ErrorIs(t, err, dberrors.ErrNotFound)
}

func TestListTasksByEnvironmentScopesToEnvironment(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateTask(ctx, &models.Task{ID: "t1", EnvironmentID: "e1", Status: models.TaskRunning}))
	require.NoError(t, s.CreateTask(ctx, &models.Task{ID: "t2", EnvironmentID: "e1", Status: models.TaskCompleted}))
	require.NoError(t, s.CreateTask(ctx, &models.Task{ID: "t3", EnvironmentID: "e2", Status: models.TaskRunning}))

	tasks, err := s.ListTasksByEnvironment(ctx, "e1")
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	tasks, err = s.ListTasksByEnvironment(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, tasks)
}
