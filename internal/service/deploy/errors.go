package deploy

import (
	"errors"
	"fmt"

	"github.com/splax/localvercel/internal/remote"
)

// ExpectedError is a deployment failure caused by the user's configuration
// or code. It fails the deployment without being reported as a platform error.
type ExpectedError struct {
	Message string
	Err     error
}

func (e *ExpectedError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ExpectedError) Unwrap() error {
	return e.Err
}

// Expected builds an ExpectedError.
func Expected(format string, args ...any) error {
	return &ExpectedError{Message: fmt.Sprintf(format, args...)}
}

func expectedWrap(err error, message string) error {
	return &ExpectedError{Message: message, Err: err}
}

// IsExpected reports whether err is a user-caused failure. A command that
// exits non-zero is the user's build failing, not the platform.
func IsExpected(err error) bool {
	var expected *ExpectedError
	if errors.As(err, &expected) {
		return true
	}
	var exit *remote.ExitError
	return errors.As(err, &exit)
}

var errCancelled = errors.New("deployment cancelled")
