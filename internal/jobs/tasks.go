// Package jobs runs category cost migrations in the background on asynq.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"catalog-cost-service/internal/costprice"
)

const (
	// QueueDefault is used when no queue is configured.
	QueueDefault = "cost_migrations"
	// TaskMigrateCategory migrates a category's explicit product prices into its aggregate.
	TaskMigrateCategory = "costprice:migrate"
	// TaskClearOverrides re-runs the product-clear step of a partially applied migration.
	TaskClearOverrides = "costprice:clear-overrides"

	clearRetryDelay = 30 * time.Second
)

// CategoryPayload identifies the category a task works on.
type CategoryPayload struct {
	CategoryID  string    `json:"category_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// NewMigrateCategoryTask constructs an Asynq task for a category migration.
func NewMigrateCategoryTask(categoryID, queue string) (*asynq.Task, error) {
	return newCategoryTask(TaskMigrateCategory, categoryID, queue)
}

// NewClearOverridesTask constructs an Asynq task for the clear re-run.
func NewClearOverridesTask(categoryID, queue string) (*asynq.Task, error) {
	return newCategoryTask(TaskClearOverrides, categoryID, queue)
}

func newCategoryTask(taskType, categoryID, queue string) (*asynq.Task, error) {
	if categoryID == "" {
		return nil, errors.New("jobs: category id is required")
	}
	if queue == "" {
		queue = QueueDefault
	}
	body, err := json.Marshal(CategoryPayload{CategoryID: categoryID, RequestedAt: time.Now().UTC()})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, body, asynq.Queue(queue), asynq.MaxRetry(5), asynq.Timeout(5*time.Minute)), nil
}

// Migrator is the part of costprice.Service used by the jobs.
type Migrator interface {
	MigrateCategoryFromProducts(ctx context.Context, categoryID string) (costprice.MigrationResult, error)
	ClearMigratedOverrides(ctx context.Context, categoryID string) ([]string, error)
}

// Enqueuer schedules follow-up tasks.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// MigrationJob handles TaskMigrateCategory and TaskClearOverrides.
type MigrationJob struct {
	Migrator Migrator
	// Enqueuer, when set, receives a TaskClearOverrides after a partial migration.
	Enqueuer Enqueuer
	Queue    string
	Logger   *zap.Logger
}

// NewMigrationJob constructs the job handler.
func NewMigrationJob(migrator Migrator, enqueuer Enqueuer, queue string, logger *zap.Logger) *MigrationJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MigrationJob{Migrator: migrator, Enqueuer: enqueuer, Queue: queue, Logger: logger}
}

// Handlers returns the task handlers to register on a Worker.
func (j *MigrationJob) Handlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskMigrateCategory, Handler: j.HandleMigrate},
		{Type: TaskClearOverrides, Handler: j.HandleClear},
	}
}

// HandleMigrate executes a category migration.
func (j *MigrationJob) HandleMigrate(ctx context.Context, task *asynq.Task) error {
	payload, err := decodePayload(task)
	if err != nil {
		return err
	}

	result, err := j.Migrator.MigrateCategoryFromProducts(ctx, payload.CategoryID)
	var partial *costprice.PartialMigrationError
	switch {
	case err == nil:
		j.Logger.Info("background migration finished",
			zap.String("category_id", payload.CategoryID),
			zap.Bool("migrated", result.Migrated),
			zap.Int("products_cleared", len(result.ClearedSKUs)))
		return nil
	case errors.As(err, &partial):
		// the aggregate is written; running the migration again would snapshot it as the previous price
		return j.scheduleClear(ctx, payload.CategoryID, err)
	default:
		return j.classify(payload.CategoryID, err)
	}
}

// HandleClear re-runs the product-clear step of the latest migration.
func (j *MigrationJob) HandleClear(ctx context.Context, task *asynq.Task) error {
	payload, err := decodePayload(task)
	if err != nil {
		return err
	}
	cleared, err := j.Migrator.ClearMigratedOverrides(ctx, payload.CategoryID)
	if err != nil {
		return j.classify(payload.CategoryID, err)
	}
	j.Logger.Info("background clear of migrated overrides finished",
		zap.String("category_id", payload.CategoryID),
		zap.Int("products_cleared", len(cleared)))
	return nil
}

func (j *MigrationJob) scheduleClear(ctx context.Context, categoryID string, cause error) error {
	if j.Enqueuer == nil {
		j.Logger.Error("migration partially applied, clear overrides manually",
			zap.String("category_id", categoryID), zap.Error(cause))
		return fmt.Errorf("%w: %w", cause, asynq.SkipRetry)
	}
	task, err := NewClearOverridesTask(categoryID, j.Queue)
	if err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	if _, err := j.Enqueuer.EnqueueContext(ctx, task, asynq.ProcessIn(clearRetryDelay)); err != nil {
		j.Logger.Error("failed to schedule clear of migrated overrides",
			zap.String("category_id", categoryID), zap.Error(err))
		return fmt.Errorf("%w: %w", cause, asynq.SkipRetry)
	}
	j.Logger.Warn("migration partially applied, clear scheduled",
		zap.String("category_id", categoryID),
		zap.Duration("delay", clearRetryDelay),
		zap.Error(cause))
	return nil
}

// classify lets asynq retry only failures that may go away.
func (j *MigrationJob) classify(categoryID string, err error) error {
	switch {
	case errors.Is(err, costprice.ErrValidation),
		errors.Is(err, costprice.ErrNotFound),
		errors.Is(err, costprice.ErrNothingToRollback):
		j.Logger.Warn("background migration rejected",
			zap.String("category_id", categoryID), zap.Error(err))
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	default:
		j.Logger.Error("background migration failed",
			zap.String("category_id", categoryID), zap.Error(err))
		return err
	}
}

func decodePayload(task *asynq.Task) (CategoryPayload, error) {
	var payload CategoryPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return payload, asynq.SkipRetry
	}
	if payload.CategoryID == "" {
		return payload, asynq.SkipRetry
	}
	return payload, nil
}
