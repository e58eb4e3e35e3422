package erpsync

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidTable   = errors.New("invalid table")
	ErrInvalidScope   = errors.New("invalid scope")
	ErrScopeViolation = errors.New("scope violation")
	ErrStorage        = errors.New("storage failure")
)

// ScopeViolationError reports a row that does not belong to the tenant
// scope it was pulled or pushed under. Items carrying it are dropped,
// never retried.
type ScopeViolationError struct {
	Table string
	RowID string
	Scope Scope
}

func (e *ScopeViolationError) Error() string {
	return fmt.Sprintf("row %s/%s outside scope %s", e.Table, e.RowID, e.Scope)
}

func (e *ScopeViolationError) Is(target error) bool {
	return target == ErrScopeViolation
}

// StorageError wraps a remote-store failure. Callers treat it as
// retryable: the watermark and queue for the affected unit of work are
// left unadvanced.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}
