// Package errkind tags errors with a retry classification. The dispatcher
// uses the tag, not string matching, to decide between retrying a job and
// marking it failed.
package errkind

import "errors"

// kind is attached to an error by the wrappers below.
type kind int

const (
	kindTransient kind = iota
	kindFatal
	kindConflict
)

type classified struct {
	err  error
	kind kind
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// Transient marks an error as retryable (network, DB deadlock, provider
// temporary failure).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, kind: kindTransient}
}

// Fatal marks an error as non-recoverable: the job must not be retried.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, kind: kindFatal}
}

// Conflict marks an error as a state conflict (duplicate default, commit in
// progress). Conflicts are not retried.
func Conflict(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, kind: kindConflict}
}

func classification(err error) (kind, bool) {
	var c *classified
	if errors.As(err, &c) {
		return c.kind, true
	}
	return 0, false
}

// IsFatal reports whether the error was marked fatal or conflict. Unmarked
// errors are not fatal: the dispatcher treats them as transient.
func IsFatal(err error) bool {
	k, ok := classification(err)
	return ok && (k == kindFatal || k == kindConflict)
}

// IsTransient reports whether the error should be retried.
func IsTransient(err error) bool {
	k, ok := classification(err)
	if !ok {
		return true
	}
	return k == kindTransient
}
