package engine

import "errors"

var (
	// ErrInvalidArgument reports a malformed path or document payload.
	ErrInvalidArgument = errors.New("engine: invalid argument")

	// ErrRulesViolation reports an operation denied by the loaded security
	// rules.
	ErrRulesViolation = errors.New("engine: denied by security rules")

	// ErrCorruptData reports on-disk state that fails validation and cannot
	// be recovered automatically.
	ErrCorruptData = errors.New("engine: corrupt data")

	// ErrClosed reports an operation against a closed engine.
	ErrClosed = errors.New("engine: closed")

	// ErrBatchCommitted reports reuse of an already-committed write batch.
	ErrBatchCommitted = errors.New("engine: batch already committed")
)
