package op

import "fmt"

// BatchConflictError means two ops in one batch are semantically incompatible.
// The whole batch is rejected before any persistent change.
type BatchConflictError struct {
	Msg string
}

func (e *BatchConflictError) Error() string { return "batch conflict: " + e.Msg }

func batchConflictf(format string, args ...interface{}) error {
	return &BatchConflictError{Msg: fmt.Sprintf(format, args...)}
}

// InvalidBatchError means a batch is malformed (mixed batch_uids, unsorted,
// empty, or stale relative to ops already admitted).
type InvalidBatchError struct {
	Msg string
}

func (e *InvalidBatchError) Error() string { return "invalid batch: " + e.Msg }

func invalidBatchf(format string, args ...interface{}) error {
	return &InvalidBatchError{Msg: fmt.Sprintf(format, args...)}
}

// MissingAncestorError means an op references a target whose ancestor chain
// cannot be resolved from the cache or the batch itself.
type MissingAncestorError struct {
	Msg string
}

func (e *MissingAncestorError) Error() string { return "missing ancestor: " + e.Msg }

func missingAncestorf(format string, args ...interface{}) error {
	return &MissingAncestorError{Msg: fmt.Sprintf(format, args...)}
}
