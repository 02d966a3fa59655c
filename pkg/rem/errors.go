// Package rem implements the query engine: plan validation, adapter contract
// enforcement, dispatch of the five query types and the label-addressed
// graph traversal built on repeated batched lookups.
package rem

import (
	"errors"
	"fmt"

	"github.com/orneryd/remdb/pkg/storage"
)

// ErrUnsupported is returned when a plan asks the active backend for an
// operation it declares unsupported.
var ErrUnsupported = storage.ErrUnsupported

// ValidationError reports a malformed plan. Validation failures are
// terminal; the engine never retries them.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid plan: %s: %s", e.Field, e.Msg)
}

func validationErr(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a plan validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ContractViolationError reports an adapter whose declared conformance does
// not meet an operation's required class. Raised at engine construction,
// never at query time: a backend that cannot honor the contract should fail
// startup, not degrade silently.
type ContractViolationError struct {
	Adapter  string
	Op       storage.Op
	Declared storage.Class
	Required storage.Class
}

func (e *ContractViolationError) Error() string {
	return fmt.Sprintf("adapter %q declares %s for %s, need at least %s",
		e.Adapter, e.Declared, e.Op, e.Required)
}
