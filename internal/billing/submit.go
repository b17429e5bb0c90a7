package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/eddinos2/hyperzenof-sub000/internal/audittrail"
)

const clockLayout = "15:04"

// SubmitInput describes a teacher's monthly invoice.
type SubmitInput struct {
	CampusID    uuid.UUID
	Month       int               `validate:"min=1,max=12"`
	Year        int               `validate:"min=2000,max=2100"`
	DocumentRef string            `validate:"max=255"`
	Lines       []SubmitLineInput `validate:"min=1,max=500,dive"`
}

// SubmitLineInput describes one teaching slot.
type SubmitLineInput struct {
	CampusID    uuid.UUID
	Date        time.Time
	StartTime   string `validate:"required"`
	EndTime     string `validate:"required"`
	Hours       decimal.Decimal
	UnitPrice   decimal.Decimal
	CourseTitle string `validate:"required,max=255"`
	IsLate      bool
	Observation string `validate:"max=2000"`
}

// SubmitInvoice creates an invoice and its pending lines for the calling teacher.
func (s *Service) SubmitInvoice(ctx context.Context, actor Actor, input SubmitInput) (InvoiceDetail, error) {
	const action = audittrail.ActionSubmit
	if err := AuthorizeSubmit(actor); err != nil {
		s.observe(action, err)
		return InvoiceDetail{}, err
	}
	if err := s.validateSubmit(input); err != nil {
		s.observe(action, err)
		return InvoiceDetail{}, err
	}

	at := s.now().UTC()
	invoice := Invoice{
		ID:          uuid.New(),
		TeacherID:   actor.ID,
		CampusID:    input.CampusID,
		Month:       input.Month,
		Year:        input.Year,
		DocumentRef: strings.TrimSpace(input.DocumentRef),
		Status:      InvoiceStatusPending,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
	lines := make([]InvoiceLine, 0, len(input.Lines))
	for _, in := range input.Lines {
		lines = append(lines, InvoiceLine{
			ID:          uuid.New(),
			InvoiceID:   invoice.ID,
			CampusID:    in.CampusID,
			Date:        in.Date,
			StartTime:   in.StartTime,
			EndTime:     in.EndTime,
			Hours:       in.Hours,
			UnitPrice:   in.UnitPrice,
			CourseTitle: strings.TrimSpace(in.CourseTitle),
			IsLate:      in.IsLate,
			Observation: in.Observation,
			Status:      LineStatusPending,
			CreatedAt:   at,
			UpdatedAt:   at,
		})
	}
	invoice.TotalHT, invoice.TotalTTC = ComputeTotals(lines, s.vatRate)

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.CreateInvoice(ctx, invoice); err != nil {
			return err
		}
		for _, line := range lines {
			if err := tx.InsertLine(ctx, line); err != nil {
				return err
			}
		}
		_, err := s.record(ctx, tx, audittrail.Entry{
			InvoiceID: invoice.ID,
			ActorID:   actor.ID,
			ActorRole: string(actor.Role),
			Action:    action,
			NewStatus: string(InvoiceStatusPending),
			Metadata:  map[string]any{"lines": len(lines), "total_ttc": invoice.TotalTTC.StringFixed(2)},
			At:        at,
		})
		return err
	})
	s.observe(action, err)
	if err != nil {
		return InvoiceDetail{}, err
	}
	return InvoiceDetail{Invoice: invoice, Lines: lines}, nil
}

func (s *Service) validateSubmit(input SubmitInput) error {
	if err := s.validate.Struct(input); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if input.CampusID == uuid.Nil {
		return fmt.Errorf("%w: campus required", ErrInvalidInput)
	}
	for i, line := range input.Lines {
		if line.CampusID == uuid.Nil {
			return fmt.Errorf("%w: line %d: campus required", ErrInvalidInput, i)
		}
		if line.Date.IsZero() {
			return fmt.Errorf("%w: line %d: date required", ErrInvalidInput, i)
		}
		start, err := time.Parse(clockLayout, line.StartTime)
		if err != nil {
			return fmt.Errorf("%w: line %d: start time %q", ErrInvalidInput, i, line.StartTime)
		}
		end, err := time.Parse(clockLayout, line.EndTime)
		if err != nil {
			return fmt.Errorf("%w: line %d: end time %q", ErrInvalidInput, i, line.EndTime)
		}
		if !end.After(start) {
			return fmt.Errorf("%w: line %d: end time before start time", ErrInvalidInput, i)
		}
		if !line.Hours.IsPositive() {
			return fmt.Errorf("%w: line %d: hours must be positive", ErrInvalidInput, i)
		}
		if line.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: line %d: unit price must not be negative", ErrInvalidInput, i)
		}
	}
	return nil
}
