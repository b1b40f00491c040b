package costprice

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	// ErrNotFound indicates an explicitly requested record does not exist.
	ErrNotFound = errors.New("costprice: not found")
	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("costprice: validation failed")
	// ErrPartialBatchFailure is matched by *PartialMigrationError.
	ErrPartialBatchFailure = errors.New("costprice: migration partially applied")
	// ErrMigrationInProgress indicates another migration holds the category lock.
	ErrMigrationInProgress = errors.New("costprice: migration already in progress for category")
	// ErrNothingToRollback indicates the category has neither a snapshot nor an aggregate price.
	ErrNothingToRollback = errors.New("costprice: nothing to roll back")
	// ErrClearPending is the cause of a *PartialMigrationError returned when a
	// migration is refused because the previous one still has overrides to clear.
	ErrClearPending = errors.New("costprice: overrides of the previous migration are not cleared yet")
)

// ValidationError rejects an input before any store call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("costprice: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// PartialMigrationError reports a migration whose category aggregate was
// written but whose product-clear batch failed. Operators can re-run only the
// clear step with ClearMigratedOverrides.
type PartialMigrationError struct {
	CategoryID         string
	AggregateCostPrice float64
	PendingSKUs        []string
	Cause              error
}

func (e *PartialMigrationError) Error() string {
	return fmt.Sprintf("costprice: category %q aggregate written (%v) but clearing %d product overrides failed: %v",
		e.CategoryID, e.AggregateCostPrice, len(e.PendingSKUs), e.Cause)
}

func (e *PartialMigrationError) Is(target error) bool {
	return target == ErrPartialBatchFailure
}

func (e *PartialMigrationError) Unwrap() error {
	return e.Cause
}

func validateID(field, id string) error {
	if strings.TrimSpace(id) == "" {
		return &ValidationError{Field: field, Reason: "must not be empty"}
	}
	return nil
}

// validatePrice accepts nil (meaning "unset") or a finite non-negative number.
func validatePrice(field string, price *float64) error {
	if price == nil {
		return nil
	}
	if math.IsNaN(*price) || math.IsInf(*price, 0) {
		return &ValidationError{Field: field, Reason: "must be a finite number"}
	}
	if *price < 0 {
		return &ValidationError{Field: field, Reason: "must not be negative"}
	}
	return nil
}
