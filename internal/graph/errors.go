package graph

import (
	"errors"
	"fmt"
)

// DefinitionError reports a malformed flow definition. It is fatal at
// definition time: Build returns it and no Definition is produced.
type DefinitionError struct {
	Flow    string // full flow name
	Where   string // builder location, e.g. "transform chunk0" or "export doc_chunks"
	Message string
}

// Error implements the error interface.
func (e *DefinitionError) Error() string {
	switch {
	case e.Flow == "" && e.Where == "":
		return e.Message
	case e.Flow == "":
		return fmt.Sprintf("%s: %s", e.Where, e.Message)
	case e.Where == "":
		return fmt.Sprintf("flow %s: %s", e.Flow, e.Message)
	default:
		return fmt.Sprintf("flow %s: %s: %s", e.Flow, e.Where, e.Message)
	}
}

// IsDefinitionError reports whether err is (or wraps) a DefinitionError.
func IsDefinitionError(err error) bool {
	var de *DefinitionError
	return errors.As(err, &de)
}

// defErrf builds a DefinitionError with a formatted message.
func defErrf(flow, where, format string, args ...any) *DefinitionError {
	return &DefinitionError{Flow: flow, Where: where, Message: fmt.Sprintf(format, args...)}
}
