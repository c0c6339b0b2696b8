// Package store persists alerts and rule instances and serves the read-only
// source search used by rule matchers.
package store

import (
	"errors"
	"fmt"
)

var (
	ErrConnectionFailed  = errors.New("store: connection failed")
	ErrQueryFailed       = errors.New("store: query failed")
	ErrBatchInsertFailed = errors.New("store: batch insert failed")
	ErrNotFound          = errors.New("store: not found")
	// ErrInvalidData marks input the store refused before touching the
	// backend: malformed queries, unencodable params or fields.
	ErrInvalidData = errors.New("store: invalid data")
)

// StorageError records which store operation failed and on what table. The
// wrapped error always carries one of the sentinels above.
type StorageError struct {
	Op    string
	Table string
	Err   error
}

func (e *StorageError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("store.%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store.%s(%s): %v", e.Op, e.Table, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func wrap(op, table string, kind error, detail any) error {
	return &StorageError{Op: op, Table: table, Err: fmt.Errorf("%w: %v", kind, detail)}
}

// IsConnectionError reports whether err came from reaching the backend.
func IsConnectionError(err error) bool { return errors.Is(err, ErrConnectionFailed) }

// IsNotFound reports whether err is a missing rule instance, index or row.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsInvalid reports whether err is a rejected input rather than a backend
// failure.
func IsInvalid(err error) bool { return errors.Is(err, ErrInvalidData) }

func WrapConnectionError(op string, err error) error {
	return wrap(op, "", ErrConnectionFailed, err)
}

func WrapQueryError(op, table string, err error) error {
	return wrap(op, table, ErrQueryFailed, err)
}

func WrapBatchError(op, table string, err error) error {
	return wrap(op, table, ErrBatchInsertFailed, err)
}

func WrapNotFoundError(op, table, id string) error {
	return wrap(op, table, ErrNotFound, "id="+id)
}

func invalidData(op, table string, err error) error {
	return wrap(op, table, ErrInvalidData, err)
}
