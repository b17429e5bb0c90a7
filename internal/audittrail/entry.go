// Package audittrail keeps the append-only validation history of invoices.
package audittrail

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Action names a recorded transition.
type Action string

const (
	ActionSubmit          Action = "submit"
	ActionPrevalidateLine Action = "prevalidate_line"
	ActionValidateLine    Action = "validate_line"
	ActionRejectLine      Action = "reject_line"
	ActionBulkPrevalidate Action = "bulk_prevalidate"
	ActionValidateInvoice Action = "validate_invoice"
	ActionRejectInvoice   Action = "reject_invoice"
	ActionMarkPaid        Action = "mark_paid"
)

// Entry is one immutable row of the validation log.
type Entry struct {
	ID             uuid.UUID
	InvoiceID      uuid.UUID
	LineID         *uuid.UUID
	Seq            int64
	ActorID        uuid.UUID
	ActorRole      string
	Action         Action
	PreviousStatus string
	NewStatus      string
	Comment        string
	Metadata       map[string]any
	At             time.Time
}

var (
	// ErrInvalidEntry rejects entries missing mandatory fields.
	ErrInvalidEntry = errors.New("audittrail: invalid entry")
	// ErrSequenceConflict reports that another writer took the same per-invoice sequence number.
	ErrSequenceConflict = errors.New("audittrail: sequence conflict")
)

// Store appends and lists entries. Append assigns Seq.
type Store interface {
	Append(ctx context.Context, entry Entry) (Entry, error)
	List(ctx context.Context, invoiceID uuid.UUID) ([]Entry, error)
}
