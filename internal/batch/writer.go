// Package batch is the single mutation gateway to the document store. Every
// write goes through Writer.Commit so retry and write-shaping rules live in
// one place.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"catalog-cost-service/internal/docstore"
)

// Defaults used for a zero Config.
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 200 * time.Millisecond
)

// ErrServiceUnavailable is matched by the error returned once the retry
// budget is exhausted.
var ErrServiceUnavailable = errors.New("batch: service temporarily unavailable")

// ServiceUnavailableError reports an exhausted retry budget. It is distinct
// from the transient cause, which stays reachable through Unwrap.
type ServiceUnavailableError struct {
	Attempts int
	Cause    error
}

func (e *ServiceUnavailableError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrServiceUnavailable.Error(), e.Attempts, e.Cause)
}

func (e *ServiceUnavailableError) Is(target error) bool {
	return target == ErrServiceUnavailable
}

func (e *ServiceUnavailableError) Unwrap() error {
	return e.Cause
}

// Committer is what the stores and services depend on.
type Committer interface {
	Commit(ctx context.Context, ops ...docstore.Operation) error
}

// Config holds the retry policy. MaxRetries is taken literally, so 0 means a
// single attempt; only the zero Config falls back to DefaultConfig.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultConfig returns the default retry policy.
func DefaultConfig() Config {
	return Config{MaxRetries: DefaultMaxRetries, BaseDelay: DefaultBaseDelay}
}

// Writer commits operations with bounded exponential backoff.
type Writer struct {
	client     docstore.Client
	maxRetries int
	baseDelay  time.Duration
	logger     *zap.Logger
	// sleep waits for d or until ctx is done; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewWriter creates a Writer.
func NewWriter(client docstore.Client, cfg Config, logger *zap.Logger) *Writer {
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		client:     client,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		logger:     logger,
		sleep:      sleepContext,
	}
}

// Commit applies ops as one atomic unit. A single operation goes through the
// matching single-document primitive; several go through CommitBatch.
func (w *Writer) Commit(ctx context.Context, ops ...docstore.Operation) error {
	if len(ops) == 0 {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			delay := w.Backoff(attempt - 1)
			w.logger.Warn("retrying document write",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Int("operations", len(ops)),
				zap.Error(lastErr))
			if err := w.sleep(ctx, delay); err != nil {
				return fmt.Errorf("batch: commit aborted while waiting to retry: %w", err)
			}
		}

		err := w.apply(ctx, ops)
		if err == nil {
			return nil
		}
		if !docstore.IsTransient(err) {
			return err
		}
		lastErr = err
	}

	w.logger.Error("document write retries exhausted",
		zap.Int("attempts", w.maxRetries+1),
		zap.Error(lastErr))
	return &ServiceUnavailableError{Attempts: w.maxRetries + 1, Cause: lastErr}
}

// Backoff returns the wait after the given failed attempt (counted from 0):
// 2^attempt * base delay.
func (w *Writer) Backoff(attempt int) time.Duration {
	return w.baseDelay * time.Duration(int64(1)<<uint(attempt))
}

func (w *Writer) apply(ctx context.Context, ops []docstore.Operation) error {
	if len(ops) > 1 {
		return w.client.CommitBatch(ctx, ops)
	}
	op := ops[0]
	switch op.Kind {
	case docstore.OpSet:
		return w.client.SetOne(ctx, op.Collection, op.ID, op.Fields)
	case docstore.OpUpdate:
		return w.client.UpdateOne(ctx, op.Collection, op.ID, op.Fields)
	case docstore.OpDelete:
		return w.client.DeleteOne(ctx, op.Collection, op.ID)
	default:
		return w.client.CommitBatch(ctx, ops)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
