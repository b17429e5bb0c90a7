package billinghttp

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/eddinos2/hyperzenof-sub000/internal/audittrail"
	"github.com/eddinos2/hyperzenof-sub000/internal/billing"
)

const dateLayout = "2006-01-02"

type commentRequest struct {
	Comment string `json:"comment" validate:"max=2000"`
}

type submitRequest struct {
	CampusID    uuid.UUID           `json:"campus_id" validate:"required"`
	Month       int                 `json:"month" validate:"min=1,max=12"`
	Year        int                 `json:"year" validate:"min=2000,max=2100"`
	DocumentRef string              `json:"document_ref" validate:"max=255"`
	Lines       []submitLineRequest `json:"lines" validate:"min=1,max=500,dive"`
}

type submitLineRequest struct {
	CampusID    uuid.UUID       `json:"campus_id" validate:"required"`
	Date        string          `json:"date" validate:"required,datetime=2006-01-02"`
	StartTime   string          `json:"start_time" validate:"required,datetime=15:04"`
	EndTime     string          `json:"end_time" validate:"required,datetime=15:04"`
	Hours       decimal.Decimal `json:"hours"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	CourseTitle string          `json:"course_title" validate:"required,max=255"`
	IsLate      bool            `json:"is_late"`
	Observation string          `json:"observation" validate:"max=2000"`
}

func (r submitRequest) toInput() (billing.SubmitInput, error) {
	in := billing.SubmitInput{
		CampusID:    r.CampusID,
		Month:       r.Month,
		Year:        r.Year,
		DocumentRef: r.DocumentRef,
		Lines:       make([]billing.SubmitLineInput, 0, len(r.Lines)),
	}
	for _, l := range r.Lines {
		date, err := time.Parse(dateLayout, l.Date)
		if err != nil {
			return billing.SubmitInput{}, err
		}
		in.Lines = append(in.Lines, billing.SubmitLineInput{
			CampusID:    l.CampusID,
			Date:        date,
			StartTime:   l.StartTime,
			EndTime:     l.EndTime,
			Hours:       l.Hours,
			UnitPrice:   l.UnitPrice,
			CourseTitle: l.CourseTitle,
			IsLate:      l.IsLate,
			Observation: l.Observation,
		})
	}
	return in, nil
}

type invoiceResponse struct {
	ID          uuid.UUID  `json:"id"`
	TeacherID   uuid.UUID  `json:"teacher_id"`
	CampusID    uuid.UUID  `json:"campus_id"`
	Month       int        `json:"month"`
	Year        int        `json:"year"`
	TotalHT     string     `json:"total_ht"`
	TotalTTC    string     `json:"total_ttc"`
	Locked      bool       `json:"is_locked"`
	DocumentRef string     `json:"document_ref,omitempty"`
	Status      string     `json:"status"`
	ValidatedBy *uuid.UUID `json:"validated_by,omitempty"`
	ValidatedAt *time.Time `json:"validated_at,omitempty"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type lineResponse struct {
	ID             uuid.UUID  `json:"id"`
	InvoiceID      uuid.UUID  `json:"invoice_id"`
	CampusID       uuid.UUID  `json:"campus_id"`
	Date           string     `json:"date"`
	StartTime      string     `json:"start_time"`
	EndTime        string     `json:"end_time"`
	Hours          string     `json:"hours_qty"`
	UnitPrice      string     `json:"unit_price"`
	Amount         string     `json:"amount"`
	CourseTitle    string     `json:"course_title"`
	IsLate         bool       `json:"is_late"`
	Observation    string     `json:"observation,omitempty"`
	Status         string     `json:"validation_status"`
	PrevalidatedBy *uuid.UUID `json:"prevalidated_by,omitempty"`
	PrevalidatedAt *time.Time `json:"prevalidated_at,omitempty"`
}

type entryResponse struct {
	ID             uuid.UUID      `json:"id"`
	Seq            int64          `json:"seq"`
	InvoiceID      uuid.UUID      `json:"invoice_id"`
	LineID         *uuid.UUID     `json:"line_id,omitempty"`
	ActorID        uuid.UUID      `json:"actor_id"`
	ActorRole      string         `json:"actor_role"`
	Action         string         `json:"action"`
	PreviousStatus string         `json:"previous_status"`
	NewStatus      string         `json:"new_status"`
	Comment        string         `json:"comment,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	At             time.Time      `json:"created_at"`
}

type detailResponse struct {
	Invoice invoiceResponse `json:"invoice"`
	Lines   []lineResponse  `json:"lines"`
}

type transitionResponse struct {
	Changed  bool            `json:"changed"`
	Invoice  invoiceResponse `json:"invoice"`
	Line     *lineResponse   `json:"line,omitempty"`
	Entry    *entryResponse  `json:"entry,omitempty"`
	Warnings []string        `json:"warnings,omitempty"`
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func toInvoiceResponse(inv billing.Invoice) invoiceResponse {
	return invoiceResponse{
		ID:          inv.ID,
		TeacherID:   inv.TeacherID,
		CampusID:    inv.CampusID,
		Month:       inv.Month,
		Year:        inv.Year,
		TotalHT:     money(inv.TotalHT),
		TotalTTC:    money(inv.TotalTTC),
		Locked:      inv.Locked,
		DocumentRef: inv.DocumentRef,
		Status:      string(inv.Status),
		ValidatedBy: inv.ValidatedBy,
		ValidatedAt: inv.ValidatedAt,
		PaidAt:      inv.PaidAt,
		CreatedAt:   inv.CreatedAt,
		UpdatedAt:   inv.UpdatedAt,
	}
}

func toLineResponse(l billing.InvoiceLine) lineResponse {
	return lineResponse{
		ID:             l.ID,
		InvoiceID:      l.InvoiceID,
		CampusID:       l.CampusID,
		Date:           l.Date.Format(dateLayout),
		StartTime:      l.StartTime,
		EndTime:        l.EndTime,
		Hours:          l.Hours.String(),
		UnitPrice:      money(l.UnitPrice),
		Amount:         money(l.Amount()),
		CourseTitle:    l.CourseTitle,
		IsLate:         l.IsLate,
		Observation:    l.Observation,
		Status:         string(l.Status),
		PrevalidatedBy: l.PrevalidatedBy,
		PrevalidatedAt: l.PrevalidatedAt,
	}
}

func toEntryResponse(e audittrail.Entry) entryResponse {
	return entryResponse{
		ID:             e.ID,
		Seq:            e.Seq,
		InvoiceID:      e.InvoiceID,
		LineID:         e.LineID,
		ActorID:        e.ActorID,
		ActorRole:      e.ActorRole,
		Action:         string(e.Action),
		PreviousStatus: e.PreviousStatus,
		NewStatus:      e.NewStatus,
		Comment:        e.Comment,
		Metadata:       e.Metadata,
		At:             e.At,
	}
}

func toDetailResponse(d billing.InvoiceDetail) detailResponse {
	out := detailResponse{Invoice: toInvoiceResponse(d.Invoice), Lines: make([]lineResponse, 0, len(d.Lines))}
	for _, l := range d.Lines {
		out.Lines = append(out.Lines, toLineResponse(l))
	}
	return out
}

func toTransitionResponse(res billing.TransitionResult) transitionResponse {
	out := transitionResponse{
		Changed:  res.Changed,
		Invoice:  toInvoiceResponse(res.Invoice),
		Warnings: res.Warnings,
	}
	if res.Line != nil {
		line := toLineResponse(*res.Line)
		out.Line = &line
	}
	if res.Entry != nil {
		entry := toEntryResponse(*res.Entry)
		out.Entry = &entry
	}
	return out
}
