package cli

import "fmt"

// ExitError pins a command failure to a process exit code. Subcommands
// return it from RunE; main unwraps the code so scripts can branch on
// validation failures versus runtime ones.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

func exitError(code int, format string, args ...any) *ExitError {
	return &ExitError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}
