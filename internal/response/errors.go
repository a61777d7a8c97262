package response

import "errors"

var (
	// ErrBatchTimeout indicates the caller's deadline passed while waiting
	// for its batch slot. Distinct from ErrBatchFailed.
	ErrBatchTimeout = errors.New("timed out waiting for batch result")

	// ErrBatchFailed indicates a batch-level processing error, delivered
	// uniformly to every pending member.
	ErrBatchFailed = errors.New("batch processing failed")

	// ErrBatchClosed indicates a submission after the batcher shut down.
	ErrBatchClosed = errors.New("batcher is closed")

	// ErrSubTaskFailed indicates one or more parallel sub-operations
	// failed. Failures are captured per slot; sibling results remain
	// usable.
	ErrSubTaskFailed = errors.New("parallel sub-task failed")
)
