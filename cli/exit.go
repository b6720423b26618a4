package cli

import (
	"errors"
	"fmt"

	"github.com/petal-labs/toolcatalog/catalog"
)

// Process exit codes. A completed run exits with the tool's own code.
const (
	exitSuccess   = 0
	exitFailure   = 1
	exitLaunch    = 2
	exitConfig    = 3
	exitOffline   = 4
	exitBusy      = 5
	exitNotFound  = 6
	exitTimeout   = 124
	exitCancelled = 130
)

// ExitError is an error that carries a specific process exit code.
// Cobra's RunE returns this to signal the desired exit code to main.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

// exitError creates a new ExitError with the given code and formatted message.
func exitError(code int, format string, args ...any) *ExitError {
	return &ExitError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// exitForError maps an engine error to an ExitError by its catalog code.
func exitForError(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return err
	}
	code := exitFailure
	switch catalog.CodeOf(err) {
	case catalog.CodeToolNotFound:
		code = exitNotFound
	case catalog.CodeToolBusy:
		code = exitBusy
	case catalog.CodeOffline:
		code = exitOffline
	case catalog.CodeNetwork, catalog.CodeCacheWrite, catalog.CodeCacheCorruption,
		catalog.CodeProcessLaunch, catalog.CodeValidation:
		code = exitLaunch
	case catalog.CodeProcessTimeout:
		code = exitTimeout
	case catalog.CodeCancelled:
		code = exitCancelled
	}
	return exitError(code, "%v", err)
}
