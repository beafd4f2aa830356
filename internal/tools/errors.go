// Package tools provides the tool registry and execution framework.
//
// This file defines the error types for tool execution.
package tools

import (
	"fmt"
	"strings"
)

// ErrToolUnavailable is returned when a tool call targets a tool that
// is not present in the registry. Models occasionally invent tool
// names; the error is reported back to the model as a tool result.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}

// ValidationError reports arguments that do not satisfy a tool's
// parameter schema.
type ValidationError struct {
	Tool   string
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "invalid arguments for %s", e.Tool)
	if e.Field != "" {
		fmt.Fprintf(&b, ": %s", e.Field)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, " %s", e.Reason)
	}
	return b.String()
}
