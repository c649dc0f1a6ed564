package invitation

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("caller is not authorized for this action")
	ErrIllegalTransition = errors.New("illegal transition")
	ErrAlreadyExists     = errors.New("active invitation already exists")
	ErrConflict          = errors.New("invitation was modified concurrently")
	ErrValidation        = errors.New("validation failed")
	ErrLedgerMismatch    = errors.New("history digest mismatch")
)

// DuplicateError is returned by Create when an active invitation already
// exists for the same engagement and organization.
type DuplicateError struct {
	Existing *Invitation
}

func (e *DuplicateError) Error() string {
	if e.Existing == nil {
		return ErrAlreadyExists.Error()
	}
	return fmt.Sprintf("%s: %s", ErrAlreadyExists, e.Existing.ID)
}

func (e *DuplicateError) Is(target error) bool {
	return target == ErrAlreadyExists
}

func illegal(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrIllegalTransition}, args...)...)
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrValidation}, args...)...)
}
