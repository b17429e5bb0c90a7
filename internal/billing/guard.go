package billing

import (
	"github.com/google/uuid"

	"github.com/eddinos2/hyperzenof-sub000/internal/audittrail"
)

// The Can* predicates answer yes or no. The Authorize* variants take the same inputs and
// classify a refusal as unauthorized, already done or invalid for the current state;
// a nil error from Authorize* means the matching Can* holds.

// CanPrevalidateLine reports whether a director may prevalidate line.
func CanPrevalidateLine(actor Actor, line InvoiceLine) bool {
	return actor.Role == RoleDirecteurCampus &&
		actor.InCampus(line.CampusID) &&
		line.Status == LineStatusPending
}

// CanValidateLine reports whether an accountant may validate line.
func CanValidateLine(actor Actor, line InvoiceLine) bool {
	return actor.Role == RoleComptable && line.Status == LineStatusPrevalidated
}

// CanRejectLine reports whether actor may reject line.
func CanRejectLine(actor Actor, line InvoiceLine) bool {
	allowed := (actor.Role == RoleDirecteurCampus && actor.InCampus(line.CampusID)) ||
		actor.Role == RoleComptable
	return allowed && (line.Status == LineStatusPending || line.Status == LineStatusPrevalidated)
}

// CanValidateInvoice reports whether an accountant may give final validation.
func CanValidateInvoice(actor Actor, invoice Invoice, lines []InvoiceLine) bool {
	if actor.Role != RoleComptable || invoice.Status != InvoiceStatusPrevalidated {
		return false
	}
	return len(BlockingLines(lines)) == 0
}

// CanViewInvoice reports whether actor may read invoice and its history.
func CanViewInvoice(actor Actor, invoice Invoice, lines []InvoiceLine) bool {
	return AuthorizeViewInvoice(actor, invoice, lines) == nil
}

// AuthorizePrevalidateLine classifies CanPrevalidateLine.
func AuthorizePrevalidateLine(actor Actor, line InvoiceLine) error {
	const action = audittrail.ActionPrevalidateLine
	if actor.Role != RoleDirecteurCampus {
		return unauthorized(action, actor, ReasonRoleNotAllowed)
	}
	if actor.CampusID == uuid.Nil {
		return unauthorized(action, actor, ReasonMissingCampus)
	}
	if !actor.InCampus(line.CampusID) {
		return unauthorized(action, actor, ReasonCampusMismatch)
	}
	switch line.Status {
	case LineStatusPending:
		return nil
	case LineStatusPrevalidated, LineStatusValidated:
		return ErrAlreadyInTargetState
	}
	return lineStateError(action, line)
}

// AuthorizeValidateLine classifies CanValidateLine.
func AuthorizeValidateLine(actor Actor, line InvoiceLine) error {
	const action = audittrail.ActionValidateLine
	if actor.Role != RoleComptable {
		return unauthorized(action, actor, ReasonRoleNotAllowed)
	}
	switch line.Status {
	case LineStatusPrevalidated:
		return nil
	case LineStatusValidated:
		return ErrAlreadyInTargetState
	}
	return lineStateError(action, line)
}

// AuthorizeRejectLine classifies CanRejectLine.
func AuthorizeRejectLine(actor Actor, line InvoiceLine) error {
	const action = audittrail.ActionRejectLine
	switch actor.Role {
	case RoleComptable:
	case RoleDirecteurCampus:
		if actor.CampusID == uuid.Nil {
			return unauthorized(action, actor, ReasonMissingCampus)
		}
		if !actor.InCampus(line.CampusID) {
			return unauthorized(action, actor, ReasonCampusMismatch)
		}
	default:
		return unauthorized(action, actor, ReasonRoleNotAllowed)
	}
	switch line.Status {
	case LineStatusPending, LineStatusPrevalidated:
		return nil
	case LineStatusRejected:
		return ErrAlreadyInTargetState
	}
	return lineStateError(action, line)
}

// AuthorizeValidateInvoice classifies CanValidateInvoice. A refusal caused by lines lists them.
func AuthorizeValidateInvoice(actor Actor, invoice Invoice, lines []InvoiceLine) error {
	const action = audittrail.ActionValidateInvoice
	if actor.Role != RoleComptable {
		return unauthorized(action, actor, ReasonRoleNotAllowed)
	}
	switch invoice.Status {
	case InvoiceStatusValidated, InvoiceStatusPaid:
		return ErrAlreadyInTargetState
	case InvoiceStatusRejected:
		return &InvalidTransitionError{Action: action, From: string(invoice.Status), Reason: "invoice was rejected"}
	}
	blocking := BlockingLines(lines)
	if len(blocking) > 0 {
		return &InvalidTransitionError{
			Action:        action,
			From:          string(invoice.Status),
			Reason:        "lines not prevalidated",
			BlockingLines: blocking,
		}
	}
	if invoice.Status != InvoiceStatusPrevalidated {
		return &InvalidTransitionError{Action: action, From: string(invoice.Status), Reason: "invoice not prevalidated"}
	}
	return nil
}

// AuthorizeViewInvoice classifies CanViewInvoice.
func AuthorizeViewInvoice(actor Actor, invoice Invoice, lines []InvoiceLine) error {
	const action = audittrail.Action("view_invoice")
	switch actor.Role {
	case RoleComptable, RoleSuperAdmin:
		return nil
	case RoleEnseignant:
		if actor.ID != uuid.Nil && actor.ID == invoice.TeacherID {
			return nil
		}
		return unauthorized(action, actor, ReasonNotOwner)
	case RoleDirecteurCampus:
		for _, line := range lines {
			if actor.InCampus(line.CampusID) {
				return nil
			}
		}
		return unauthorized(action, actor, ReasonCampusMismatch)
	}
	return unauthorized(action, actor, ReasonRoleNotAllowed)
}

// AuthorizeRejectInvoice allows an accountant to reject any unpaid invoice.
func AuthorizeRejectInvoice(actor Actor, invoice Invoice) error {
	const action = audittrail.ActionRejectInvoice
	if actor.Role != RoleComptable {
		return unauthorized(action, actor, ReasonRoleNotAllowed)
	}
	switch invoice.Status {
	case InvoiceStatusRejected:
		return ErrAlreadyInTargetState
	case InvoiceStatusPaid:
		return &InvalidTransitionError{Action: action, From: string(invoice.Status), Reason: "invoice already paid"}
	}
	return nil
}

// AuthorizeMarkPaid allows accountants and super admins to settle a validated invoice.
// Payment coverage is checked by the caller.
func AuthorizeMarkPaid(actor Actor, invoice Invoice) error {
	const action = audittrail.ActionMarkPaid
	if actor.Role != RoleComptable && actor.Role != RoleSuperAdmin {
		return unauthorized(action, actor, ReasonRoleNotAllowed)
	}
	switch invoice.Status {
	case InvoiceStatusPaid:
		return ErrAlreadyInTargetState
	case InvoiceStatusValidated:
		return nil
	}
	return &InvalidTransitionError{Action: action, From: string(invoice.Status), Reason: "invoice not validated"}
}

// AuthorizeSubmit allows teachers to submit their own invoices.
func AuthorizeSubmit(actor Actor) error {
	if actor.Role != RoleEnseignant || actor.ID == uuid.Nil {
		return unauthorized(audittrail.ActionSubmit, actor, ReasonRoleNotAllowed)
	}
	return nil
}

// AuthorizeBulkPrevalidate checks the role part of bulk prevalidation. Each line is still
// checked with AuthorizePrevalidateLine.
func AuthorizeBulkPrevalidate(actor Actor) error {
	const action = audittrail.ActionBulkPrevalidate
	if actor.Role != RoleDirecteurCampus {
		return unauthorized(action, actor, ReasonRoleNotAllowed)
	}
	if actor.CampusID == uuid.Nil {
		return unauthorized(action, actor, ReasonMissingCampus)
	}
	return nil
}

func lineStateError(action audittrail.Action, line InvoiceLine) error {
	return &InvalidTransitionError{
		Action:        action,
		From:          string(line.Status),
		BlockingLines: []uuid.UUID{line.ID},
	}
}
