// Package billing implements the two-level invoice approval workflow: campus directors
// prevalidate their own lines, accountants validate and record payment.
package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Role identifies what an actor may do.
type Role string

const (
	RoleSuperAdmin      Role = "SUPER_ADMIN"
	RoleComptable       Role = "COMPTABLE"
	RoleDirecteurCampus Role = "DIRECTEUR_CAMPUS"
	RoleEnseignant      Role = "ENSEIGNANT"
)

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool {
	switch r {
	case RoleSuperAdmin, RoleComptable, RoleDirecteurCampus, RoleEnseignant:
		return true
	}
	return false
}

// Actor is the authenticated caller of an operation. Directors and teachers carry a campus.
type Actor struct {
	ID       uuid.UUID
	Role     Role
	CampusID uuid.UUID
}

// InCampus reports whether the actor is scoped to campusID.
func (a Actor) InCampus(campusID uuid.UUID) bool {
	return a.CampusID != uuid.Nil && a.CampusID == campusID
}

// LineStatus is the validation status of a single invoice line.
type LineStatus string

const (
	LineStatusPending      LineStatus = "pending"
	LineStatusPrevalidated LineStatus = "prevalidated"
	LineStatusValidated    LineStatus = "validated"
	LineStatusRejected     LineStatus = "rejected"
)

var lineTransitions = map[LineStatus][]LineStatus{
	LineStatusPending:      {LineStatusPrevalidated, LineStatusRejected},
	LineStatusPrevalidated: {LineStatusValidated, LineStatusRejected},
	LineStatusValidated:    {},
	LineStatusRejected:     {},
}

// IsValid reports whether s is a known line status.
func (s LineStatus) IsValid() bool {
	_, ok := lineTransitions[s]
	return ok
}

// CanTransitionTo reports whether moving from s to next keeps the line monotonic.
func (s LineStatus) CanTransitionTo(next LineStatus) bool {
	for _, allowed := range lineTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Approved reports whether the line has at least been prevalidated.
func (s LineStatus) Approved() bool {
	return s == LineStatusPrevalidated || s == LineStatusValidated
}

// InvoiceStatus is the aggregate status of an invoice.
type InvoiceStatus string

const (
	InvoiceStatusPending      InvoiceStatus = "pending"
	InvoiceStatusPrevalidated InvoiceStatus = "prevalidated"
	InvoiceStatusValidated    InvoiceStatus = "validated"
	InvoiceStatusPaid         InvoiceStatus = "paid"
	InvoiceStatusRejected     InvoiceStatus = "rejected"
)

var invoiceTransitions = map[InvoiceStatus][]InvoiceStatus{
	InvoiceStatusPending:      {InvoiceStatusPrevalidated, InvoiceStatusRejected},
	InvoiceStatusPrevalidated: {InvoiceStatusValidated, InvoiceStatusRejected},
	InvoiceStatusValidated:    {InvoiceStatusPaid, InvoiceStatusRejected},
	InvoiceStatusPaid:         {},
	InvoiceStatusRejected:     {},
}

// IsValid reports whether s is a known invoice status.
func (s InvoiceStatus) IsValid() bool {
	_, ok := invoiceTransitions[s]
	return ok
}

// CanTransitionTo reports whether next follows s without moving backwards.
func (s InvoiceStatus) CanTransitionTo(next InvoiceStatus) bool {
	for _, allowed := range invoiceTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// InvoiceLine is one billable teaching slot.
type InvoiceLine struct {
	ID             uuid.UUID
	InvoiceID      uuid.UUID
	CampusID       uuid.UUID
	Date           time.Time
	StartTime      string
	EndTime        string
	Hours          decimal.Decimal
	UnitPrice      decimal.Decimal
	CourseTitle    string
	IsLate         bool
	Observation    string
	Status         LineStatus
	PrevalidatedBy *uuid.UUID
	PrevalidatedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Amount is hours times unit price.
func (l InvoiceLine) Amount() decimal.Decimal {
	return l.Hours.Mul(l.UnitPrice)
}

// Invoice is a teacher's monthly invoice. Its lines may span several campuses.
type Invoice struct {
	ID          uuid.UUID
	TeacherID   uuid.UUID
	CampusID    uuid.UUID
	Month       int
	Year        int
	TotalHT     decimal.Decimal
	TotalTTC    decimal.Decimal
	Locked      bool
	DocumentRef string
	Status      InvoiceStatus
	ValidatedBy *uuid.UUID
	ValidatedAt *time.Time
	PaidAt      *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Frozen reports whether the invoice accepts no further line transitions.
func (i Invoice) Frozen() bool {
	return i.Locked || i.Status == InvoiceStatusPaid
}

// InvoiceDetail bundles an invoice with its lines.
type InvoiceDetail struct {
	Invoice Invoice
	Lines   []InvoiceLine
}

// ComputeTotals returns the pre-tax and tax-inclusive totals of lines, rounded to cents.
func ComputeTotals(lines []InvoiceLine, vatRate decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	ht := decimal.Zero
	for _, line := range lines {
		ht = ht.Add(line.Amount())
	}
	ttc := ht.Mul(decimal.NewFromInt(1).Add(vatRate))
	return ht.Round(2), ttc.Round(2)
}

// LineStatusChange is a compare-and-set on a line status. Provenance is stamped only when
// a pending line becomes prevalidated.
type LineStatusChange struct {
	LineID  uuid.UUID
	From    LineStatus
	To      LineStatus
	ActorID uuid.UUID
	At      time.Time
}

// StampsProvenance reports whether the change records prevalidated_by and prevalidated_at.
func (c LineStatusChange) StampsProvenance() bool {
	return c.From == LineStatusPending && c.To == LineStatusPrevalidated
}

// Apply returns line as it looks after the change.
func (c LineStatusChange) Apply(line InvoiceLine) InvoiceLine {
	line.Status = c.To
	line.UpdatedAt = c.At
	if c.StampsProvenance() {
		by, at := c.ActorID, c.At
		line.PrevalidatedBy = &by
		line.PrevalidatedAt = &at
	}
	return line
}

// InvoiceStatusChange is a compare-and-set on an invoice status.
type InvoiceStatusChange struct {
	InvoiceID uuid.UUID
	From      InvoiceStatus
	To        InvoiceStatus
	ActorID   uuid.UUID
	At        time.Time
}

// Apply returns invoice as it looks after the change. Payment locks the invoice.
func (c InvoiceStatusChange) Apply(invoice Invoice) Invoice {
	invoice.Status = c.To
	invoice.UpdatedAt = c.At
	switch c.To {
	case InvoiceStatusValidated:
		by, at := c.ActorID, c.At
		invoice.ValidatedBy = &by
		invoice.ValidatedAt = &at
	case InvoiceStatusPaid:
		at := c.At
		invoice.PaidAt = &at
		invoice.Locked = true
	}
	return invoice
}
