package driver

import (
	"errors"
	"fmt"
)

// ErrOutputStoreMissing is returned by a restart verification when the
// output store has never been created.
var ErrOutputStoreMissing = errors.New("driver: output store does not exist")

// StructuresNotValidatedError is returned by a fresh verification when the
// output store still holds failed records, or reserved records whose lease
// expired, from an earlier run.
type StructuresNotValidatedError struct {
	IDs []int64 // ids of the incomplete output records
}

func (e *StructuresNotValidatedError) Error() string {
	return fmt.Sprintf("driver: %d structures were reserved but never validated, rerun with restart", len(e.IDs))
}

// EvaluationError wraps an evaluator failure with the id being computed.
type EvaluationError struct {
	ID  int64 // source record id
	Err error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("driver: evaluate structure %d: %v", e.ID, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }
