package stage

import "errors"

// Stage failures come in two classes: transient failures (network,
// timeout, provider 5xx) are retried against the stage's budget; fatal
// failures (invalid input, provider hard-rejection) fail the run at once.
// Unclassified errors are treated as transient since retries are bounded
// either way.

type classified struct {
	err   error
	fatal bool
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// Transient marks an error as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err}
}

// Fatal marks an error as non-retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, fatal: true}
}

// IsFatal reports whether the error was marked fatal.
func IsFatal(err error) bool {
	var c *classified
	return errors.As(err, &c) && c.fatal
}
