package billing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/eddinos2/hyperzenof-sub000/internal/audittrail"
)

var (
	// ErrUnauthorized is wrapped by every *UnauthorizedError.
	ErrUnauthorized = errors.New("billing: unauthorized")
	// ErrAlreadyInTargetState marks an idempotent no-op. Callers treat it as success.
	ErrAlreadyInTargetState = errors.New("billing: already in target state")
	// ErrNotFound reports an unknown invoice or line.
	ErrNotFound = errors.New("billing: not found")
	// ErrInvalidTransition is wrapped by every *InvalidTransitionError.
	ErrInvalidTransition = errors.New("billing: invalid transition")
	// ErrPersistenceConflict reports a lost conditional write. Retrying once is safe.
	ErrPersistenceConflict = errors.New("billing: persistence conflict")
	// ErrNoCampusLines reports a director calling bulk prevalidation on an invoice without lines
	// from their campus.
	ErrNoCampusLines = errors.New("billing: actor has no lines on invoice")
	// ErrInvalidInput reports a malformed submission.
	ErrInvalidInput = errors.New("billing: invalid input")
)

// ReasonCode explains an authorization refusal.
type ReasonCode string

const (
	ReasonRoleNotAllowed ReasonCode = "ROLE_NOT_ALLOWED"
	ReasonCampusMismatch ReasonCode = "CAMPUS_MISMATCH"
	ReasonNotOwner       ReasonCode = "NOT_OWNER"
	ReasonMissingCampus  ReasonCode = "MISSING_CAMPUS"
)

// UnauthorizedError is returned when the actor lacks the role or campus required for an action.
type UnauthorizedError struct {
	Action audittrail.Action
	Role   Role
	Reason ReasonCode
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("billing: %s not allowed for %s: %s", e.Action, e.Role, e.Reason)
}

func (e *UnauthorizedError) Unwrap() error { return ErrUnauthorized }

// InvalidTransitionError is returned when the current state forbids an action. BlockingLines
// lists the lines preventing it, when lines are the cause.
type InvalidTransitionError struct {
	Action        audittrail.Action
	From          string
	Reason        string
	BlockingLines []uuid.UUID
}

func (e *InvalidTransitionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "billing: cannot %s from %s", e.Action, e.From)
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if len(e.BlockingLines) > 0 {
		ids := make([]string, len(e.BlockingLines))
		for i, id := range e.BlockingLines {
			ids[i] = id.String()
		}
		fmt.Fprintf(&b, " (blocking lines: %s)", strings.Join(ids, ", "))
	}
	return b.String()
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// IsNoop reports whether err is the idempotent already-in-target-state outcome.
func IsNoop(err error) bool {
	return errors.Is(err, ErrAlreadyInTargetState)
}

func unauthorized(action audittrail.Action, actor Actor, reason ReasonCode) error {
	return &UnauthorizedError{Action: action, Role: actor.Role, Reason: reason}
}
