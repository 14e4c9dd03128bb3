package cli

import "fmt"

// ExitError carries a specific process exit code back to main. The CLI
// reserves code 2 for policy documents that fail validation, 3 for
// submissions the engine denies, and 4 for a ledger chain that fails
// verification; plain errors exit 1.
type ExitError struct {
	code    int
	message string
}

func (e *ExitError) Error() string {
	if e == nil {
		return ""
	}
	if e.message != "" {
		return e.message
	}
	return fmt.Sprintf("exit %d", e.code)
}

func (e *ExitError) Code() int {
	if e == nil {
		return 1
	}
	return e.code
}

func (e *ExitError) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}
