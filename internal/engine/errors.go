package engine

import (
	"errors"
	"fmt"

	"github.com/lagoonworks/silt/internal/value"
)

// SourceError reports a source listing or read failure. Nothing was
// mutated on behalf of the failing source.
type SourceError struct {
	Flow   string
	Source string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("flow %s source %s: %v", e.Flow, e.Source, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// IsSourceError reports whether err is a SourceError.
func IsSourceError(err error) bool {
	var e *SourceError
	return errors.As(err, &e)
}

// TransformError reports a failed evaluation for one source row. The
// row's key localizes the failure; other rows were unaffected.
type TransformError struct {
	Flow   string
	Source string
	RowKey value.Value
	Err    error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("flow %s source %s row %s: %v",
		e.Flow, e.Source, value.FingerprintOf(e.RowKey).Short(), e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

// IsTransformError reports whether err is a TransformError.
func IsTransformError(err error) bool {
	var e *TransformError
	return errors.As(err, &e)
}

// TargetSetupError reports a failed setup change for one target. Other
// targets were still reconciled.
type TargetSetupError struct {
	Flow      string
	TargetKey string
	Err       error
}

func (e *TargetSetupError) Error() string {
	return fmt.Sprintf("flow %s target %s: setup: %v", e.Flow, e.TargetKey, e.Err)
}

func (e *TargetSetupError) Unwrap() error { return e.Err }

// IsTargetSetupError reports whether err is a TargetSetupError.
func IsTargetSetupError(err error) bool {
	var e *TargetSetupError
	return errors.As(err, &e)
}

// MutateError reports a failed mutation batch for one target. The
// affected rows were not checkpointed and will be reprocessed.
type MutateError struct {
	Flow      string
	TargetKey string
	Err       error
}

func (e *MutateError) Error() string {
	return fmt.Sprintf("flow %s target %s: mutate: %v", e.Flow, e.TargetKey, e.Err)
}

func (e *MutateError) Unwrap() error { return e.Err }

// IsMutateError reports whether err is a MutateError.
func IsMutateError(err error) bool {
	var e *MutateError
	return errors.As(err, &e)
}
