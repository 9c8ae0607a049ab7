package engine

import (
	"errors"
	"strings"
)

var (
	ErrParseOrLoad          = errors.New("script failed to load")
	ErrMissingEntryPoint    = errors.New("missing entry point " + EntryPoint)
	ErrRuntimeFault         = errors.New("script threw")
	ErrTimeout              = errors.New("execution timed out")
	ErrInvalidResponseShape = errors.New("invalid response shape")
)

// ExecutionError reports why an invocation did not produce a Response.
// Kind is one of the sentinels above. JSError and Stack are filled when
// the failure came from guest code.
type ExecutionError struct {
	Kind    error
	JSError string
	Stack   string
	Err     error
}

func (e *ExecutionError) Error() string {
	switch {
	case e.JSError != "":
		return e.Kind.Error() + ": " + e.JSError
	case e.Err != nil:
		return e.Kind.Error() + ": " + e.Err.Error()
	default:
		return e.Kind.Error()
	}
}

func (e *ExecutionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// DetailedMessage renders the error with the guest exception and stack,
// for the debug log.
func (e *ExecutionError) DetailedMessage() string {
	var b strings.Builder
	b.WriteString("Bot error: ")
	b.WriteString(e.Kind.Error())
	if e.JSError != "" {
		b.WriteString("\nJS error: ")
		b.WriteString(e.JSError)
	} else if e.Err != nil {
		b.WriteString("\nCause: ")
		b.WriteString(e.Err.Error())
	}
	if e.Stack != "" {
		b.WriteString("\nStack trace: ")
		b.WriteString(e.Stack)
	}
	return b.String()
}
