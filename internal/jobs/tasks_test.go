package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"catalog-cost-service/internal/batch"
	"catalog-cost-service/internal/costprice"
)

type MockMigrator struct {
	mock.Mock
}

func (m *MockMigrator) MigrateCategoryFromProducts(ctx context.Context, categoryID string) (costprice.MigrationResult, error) {
	args := m.Called(ctx, categoryID)
	return args.Get(0).(costprice.MigrationResult), args.Error(1)
}

func (m *MockMigrator) ClearMigratedOverrides(ctx context.Context, categoryID string) ([]string, error) {
	args := m.Called(ctx, categoryID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

type recordingEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (e *recordingEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if e.err != nil {
		return nil, e.err
	}
	e.tasks = append(e.tasks, task)
	return &asynq.TaskInfo{ID: fmt.Sprintf("task-%d", len(e.tasks))}, nil
}

func mustTask(t *testing.T, categoryID string) *asynq.Task {
	t.Helper()
	task, err := NewMigrateCategoryTask(categoryID, "")
	require.NoError(t, err)
	return task
}

func TestNewMigrateCategoryTask(t *testing.T) {
	task := mustTask(t, "cat1")
	assert.Equal(t, TaskMigrateCategory, task.Type())

	var payload CategoryPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, "cat1", payload.CategoryID)
	assert.WithinDuration(t, time.Now(), payload.RequestedAt, time.Minute)

	_, err := NewMigrateCategoryTask("", "")
	assert.Error(t, err)
}

func TestHandleMigrate_Success(t *testing.T) {
	migrator := new(MockMigrator)
	migrator.On("MigrateCategoryFromProducts", mock.Anything, "cat1").
		Return(costprice.MigrationResult{CategoryID: "cat1", Migrated: true, ClearedSKUs: []string{"p1"}}, nil).Once()

	job := NewMigrationJob(migrator, nil, "", nil)
	require.NoError(t, job.HandleMigrate(context.Background(), mustTask(t, "cat1")))
	migrator.AssertExpectations(t)
}

func TestHandleMigrate_BadPayload(t *testing.T) {
	migrator := new(MockMigrator)
	job := NewMigrationJob(migrator, nil, "", nil)

	err := job.HandleMigrate(context.Background(), asynq.NewTask(TaskMigrateCategory, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = job.HandleMigrate(context.Background(), asynq.NewTask(TaskMigrateCategory, []byte(`{"category_id":""}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	migrator.AssertNotCalled(t, "MigrateCategoryFromProducts", mock.Anything, mock.Anything)
}

func TestHandleMigrate_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		skipRetry bool
	}{
		{"missing category", fmt.Errorf("%w: category %q", costprice.ErrNotFound, "cat1"), true},
		{"invalid id", &costprice.ValidationError{Field: "categoryId", Reason: "must not be empty"}, true},
		{"store unavailable", &batch.ServiceUnavailableError{Attempts: 4, Cause: errors.New("reset")}, false},
		{"locked", costprice.ErrMigrationInProgress, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			migrator := new(MockMigrator)
			migrator.On("MigrateCategoryFromProducts", mock.Anything, "cat1").
				Return(costprice.MigrationResult{CategoryID: "cat1"}, tc.err)

			err := NewMigrationJob(migrator, nil, "", nil).HandleMigrate(context.Background(), mustTask(t, "cat1"))
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.err)
			assert.Equal(t, tc.skipRetry, errors.Is(err, asynq.SkipRetry))
		})
	}
}

func TestHandleMigrate_PartialSchedulesClear(t *testing.T) {
	partial := &costprice.PartialMigrationError{CategoryID: "cat1", AggregateCostPrice: 15, PendingSKUs: []string{"p1"}, Cause: errors.New("boom")}
	migrator := new(MockMigrator)
	migrator.On("MigrateCategoryFromProducts", mock.Anything, "cat1").
		Return(costprice.MigrationResult{CategoryID: "cat1"}, partial)

	enqueuer := &recordingEnqueuer{}
	job := NewMigrationJob(migrator, enqueuer, "custom", nil)
	require.NoError(t, job.HandleMigrate(context.Background(), mustTask(t, "cat1")))

	require.Len(t, enqueuer.tasks, 1)
	assert.Equal(t, TaskClearOverrides, enqueuer.tasks[0].Type())

	// without an enqueuer the task is not retried, the migration must not run twice
	err := NewMigrationJob(migrator, nil, "", nil).HandleMigrate(context.Background(), mustTask(t, "cat1"))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	enqueuer.err = errors.New("redis down")
	err = job.HandleMigrate(context.Background(), mustTask(t, "cat1"))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleClear(t *testing.T) {
	migrator := new(MockMigrator)
	migrator.On("ClearMigratedOverrides", mock.Anything, "cat1").Return([]string{"p1", "p2"}, nil).Once()
	migrator.On("ClearMigratedOverrides", mock.Anything, "cat2").Return(nil, &batch.ServiceUnavailableError{Attempts: 4, Cause: errors.New("reset")}).Once()

	job := NewMigrationJob(migrator, nil, "", nil)

	task, err := NewClearOverridesTask("cat1", "")
	require.NoError(t, err)
	require.NoError(t, job.HandleClear(context.Background(), task))

	task, err = NewClearOverridesTask("cat2", "")
	require.NoError(t, err)
	err = job.HandleClear(context.Background(), task)
	assert.ErrorIs(t, err, batch.ErrServiceUnavailable)
	assert.False(t, errors.Is(err, asynq.SkipRetry))

	migrator.AssertExpectations(t)
}

func TestNewWorker(t *testing.T) {
	_, err := NewWorker(WorkerConfig{})
	assert.Error(t, err)

	job := NewMigrationJob(new(MockMigrator), nil, "", nil)
	worker, err := NewWorker(WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: "localhost:6379"},
		Handlers:  job.Handlers(),
	})
	require.NoError(t, err)
	assert.NotNil(t, worker)
}
