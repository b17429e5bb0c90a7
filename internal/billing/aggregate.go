package billing

import (
	"sort"

	"github.com/google/uuid"
)

// BlockingLines returns the ids of lines that have not reached prevalidated, in input order.
func BlockingLines(lines []InvoiceLine) []uuid.UUID {
	var blocking []uuid.UUID
	for _, line := range lines {
		if !line.Status.Approved() {
			blocking = append(blocking, line.ID)
		}
	}
	return blocking
}

// ReadyForPrevalidation reports whether every line of a non-empty invoice is prevalidated or
// validated, which is when a pending invoice becomes prevalidated.
func ReadyForPrevalidation(lines []InvoiceLine) bool {
	return len(lines) > 0 && len(BlockingLines(lines)) == 0
}

// DeriveInvoiceStatus applies the aggregate rule: a pending invoice whose lines are all
// approved becomes prevalidated. Every other status is left alone, so line rejections never
// cascade and the invoice never moves backwards.
func DeriveInvoiceStatus(current InvoiceStatus, lines []InvoiceLine) InvoiceStatus {
	if current == InvoiceStatusPending && ReadyForPrevalidation(lines) {
		return InvoiceStatusPrevalidated
	}
	return current
}

// PartitionForCampus splits lines of campusID into those still pending and all of them.
func PartitionForCampus(lines []InvoiceLine, campusID uuid.UUID) (eligible, campusLines []InvoiceLine) {
	for _, line := range lines {
		if line.CampusID != campusID {
			continue
		}
		campusLines = append(campusLines, line)
		if line.Status == LineStatusPending {
			eligible = append(eligible, line)
		}
	}
	return eligible, campusLines
}

// CampusProgress counts line statuses for one campus.
type CampusProgress struct {
	CampusID     uuid.UUID `json:"campus_id"`
	Total        int       `json:"total"`
	Pending      int       `json:"pending"`
	Prevalidated int       `json:"prevalidated"`
	Validated    int       `json:"validated"`
	Rejected     int       `json:"rejected"`
}

// Complete reports whether every line of the campus is approved.
func (p CampusProgress) Complete() bool {
	return p.Total > 0 && p.Prevalidated+p.Validated == p.Total
}

// ProgressByCampus groups lines per campus, ordered by campus id.
func ProgressByCampus(lines []InvoiceLine) []CampusProgress {
	index := make(map[uuid.UUID]*CampusProgress)
	for _, line := range lines {
		p, ok := index[line.CampusID]
		if !ok {
			p = &CampusProgress{CampusID: line.CampusID}
			index[line.CampusID] = p
		}
		p.Total++
		switch line.Status {
		case LineStatusPending:
			p.Pending++
		case LineStatusPrevalidated:
			p.Prevalidated++
		case LineStatusValidated:
			p.Validated++
		case LineStatusRejected:
			p.Rejected++
		}
	}
	out := make([]CampusProgress, 0, len(index))
	for _, p := range index {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CampusID.String() < out[j].CampusID.String()
	})
	return out
}

// Readiness is the read-only view of how far an invoice is from final validation.
type Readiness struct {
	InvoiceID             uuid.UUID        `json:"invoice_id"`
	Status                InvoiceStatus    `json:"status"`
	ReadyForPrevalidation bool             `json:"ready_for_prevalidation"`
	ReadyForValidation    bool             `json:"ready_for_validation"`
	BlockingLines         []uuid.UUID      `json:"blocking_lines"`
	Campuses              []CampusProgress `json:"campuses"`
}

// ComputeReadiness builds the Readiness of invoice.
func ComputeReadiness(invoice Invoice, lines []InvoiceLine) Readiness {
	blocking := BlockingLines(lines)
	if blocking == nil {
		blocking = []uuid.UUID{}
	}
	return Readiness{
		InvoiceID:             invoice.ID,
		Status:                invoice.Status,
		ReadyForPrevalidation: ReadyForPrevalidation(lines),
		ReadyForValidation:    invoice.Status == InvoiceStatusPrevalidated && len(blocking) == 0,
		BlockingLines:         blocking,
		Campuses:              ProgressByCampus(lines),
	}
}
