package mcpservice

import (
	"errors"
	"fmt"
)

// ErrDuplicateTool is returned by Register when a tool name is already taken.
var ErrDuplicateTool = errors.New("duplicate tool name")

// ToolErrorKind classifies dispatch failures.
type ToolErrorKind int

const (
	ToolNotFound ToolErrorKind = iota + 1
	InvalidInput
	InternalError
)

func (k ToolErrorKind) String() string {
	switch k {
	case ToolNotFound:
		return "tool_not_found"
	case InvalidInput:
		return "invalid_input"
	case InternalError:
		return "internal_error"
	default:
		return "unknown"
	}
}

// ToolError is the uniform failure returned by ToolRegistry.Dispatch.
type ToolError struct {
	Kind    ToolErrorKind
	Message string
	Err     error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ToolError) Unwrap() error { return e.Err }
