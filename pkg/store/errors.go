package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a record or blob is not in the store.
var ErrNotFound = errors.New("not found")

// PersistError reports a failed durable write. Callers treat it as fatal:
// losing a write silently would break resume.
type PersistError struct {
	ID   uint64
	Path string
	Err  error
}

func (e *PersistError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("persist %d: %v", e.ID, e.Err)
	}
	return fmt.Sprintf("persist %d to %s: %v", e.ID, e.Path, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

// IsPersistError reports whether err is or wraps a *PersistError.
func IsPersistError(err error) bool {
	var pe *PersistError
	return errors.As(err, &pe)
}
