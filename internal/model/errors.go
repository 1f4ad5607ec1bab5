package model

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every service. Package-level errors wrap these so
// callers (and the HTTP layer) can classify with errors.Is.
var (
	ErrValidation        = errors.New("validation failed")
	ErrInvalidState      = errors.New("invalid state")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrWalletNotFound    = errors.New("wallet not found")
	ErrForbidden         = errors.New("forbidden")
	ErrAlreadyResolved   = errors.New("already resolved")
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrVersionConflict   = errors.New("version conflict")
)

// UserError is a classified error whose message is safe to show the caller.
type UserError struct {
	Kind error
	Msg  string
}

func (e *UserError) Error() string       { return e.Msg }
func (e *UserError) Unwrap() error       { return e.Kind }
func (e *UserError) UserMessage() string { return e.Msg }

// Errorf builds a UserError of the given kind.
func Errorf(kind error, format string, args ...any) error {
	return &UserError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}
