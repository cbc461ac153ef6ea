package engine

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is.
var (
	ErrValidation         = errors.New("validation failed")
	ErrNotAvailable       = errors.New("unit not available")
	ErrHasOpenIssues      = errors.New("unit has open issues")
	ErrNoActiveLoan       = errors.New("unit has no active loan")
	ErrNotFound           = errors.New("not found")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrConflict           = errors.New("conflict")
	ErrItemInUse          = errors.New("item in use")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Error carries the failed operation and a human-readable message alongside its kind.
type Error struct {
	Kind error
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Err }

func newError(kind error, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Validationf builds an ErrValidation error. Store adapters use it when a check
// constraint rejects a row.
func Validationf(format string, args ...interface{}) error {
	return &Error{Kind: ErrValidation, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundf builds an ErrNotFound error. Store adapters use it for missing rows.
func NotFoundf(format string, args ...interface{}) error {
	return &Error{Kind: ErrNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Conflictf builds an ErrConflict error for uniqueness violations.
func Conflictf(format string, args ...interface{}) error {
	return &Error{Kind: ErrConflict, Msg: fmt.Sprintf(format, args...)}
}

// NotAvailablef builds an ErrNotAvailable error. Store adapters return it when the
// one-open-loan constraint rejects a concurrent checkout.
func NotAvailablef(format string, args ...interface{}) error {
	return &Error{Kind: ErrNotAvailable, Msg: fmt.Sprintf(format, args...)}
}

// ItemInUsef builds an ErrItemInUse error.
func ItemInUsef(format string, args ...interface{}) error {
	return &Error{Kind: ErrItemInUse, Msg: fmt.Sprintf(format, args...)}
}

// Kind returns the sentinel kind of err, or nil for unclassified errors.
func Kind(err error) error {
	for _, k := range []error{ErrValidation, ErrNotAvailable, ErrHasOpenIssues, ErrNoActiveLoan,
		ErrNotFound, ErrInvariantViolation, ErrConflict, ErrItemInUse, ErrInvalidCredentials} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
