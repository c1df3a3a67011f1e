package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gkobilansky/abgoat/internal/store"
)

// ValidationError reports every violated rule of a request at once.
// Nothing has been written when it is returned.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "validation failed: " + e.Problems[0]
	}
	return fmt.Sprintf("validation failed (%d problems): %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

// InvalidStateError is returned when the test's status forbids the operation.
type InvalidStateError struct {
	TestID string
	Op     string
	Status store.Status
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s test %s while it is %s", e.Op, e.TestID, e.Status)
}

// NotFoundError is returned when a test or one of its variants doesn't exist.
type NotFoundError struct {
	Kind   string // "test" or "variant"
	ID     string
	TestID string // set for variants
}

func (e *NotFoundError) Error() string {
	if e.Kind == "variant" {
		return fmt.Sprintf("variant %s not found in test %s", e.ID, e.TestID)
	}
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// StorageError wraps a failure of the storage collaborator. The engine never
// retries; whether a retry is safe is up to the caller.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsValidation, IsInvalidState, IsNotFound and IsStorage classify an error
// returned by the engine.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsInvalidState(err error) bool {
	var target *InvalidStateError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsStorage(err error) bool {
	var target *StorageError
	return errors.As(err, &target)
}

// storeErr converts a store error for a test-level operation.
func storeErr(op, testID string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return &NotFoundError{Kind: "test", ID: testID}
	}
	return &StorageError{Op: op, Err: err}
}
