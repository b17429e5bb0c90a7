package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/eddinos2/hyperzenof-sub000/internal/audittrail"
)

// BulkResult is the outcome of BulkPrevalidateInvoiceLines.
type BulkResult struct {
	Success        bool   `json:"success"`
	LinesProcessed int    `json:"linesProcessed"`
	LinesTotal     int    `json:"linesTotal"`
	Error          string `json:"error,omitempty"`
}

// BulkPrevalidateInvoiceLines prevalidates, in one transaction, every pending line of invoiceID
// that belongs to the director's campus. Lines of other campuses are never read for writing.
// A second call processes nothing and still succeeds. A director without any line on the
// invoice gets ErrNoCampusLines.
func (s *Service) BulkPrevalidateInvoiceLines(ctx context.Context, invoiceID uuid.UUID, actor Actor, opts TransitionOptions) (BulkResult, error) {
	const action = audittrail.ActionBulkPrevalidate
	if err := AuthorizeBulkPrevalidate(actor); err != nil {
		s.observe(action, err)
		return failedBulk(err), err
	}

	var (
		result BulkResult
		notes  []Notification
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		invoice, lines, err := loadInvoice(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		eligible, campusLines := PartitionForCampus(lines, actor.CampusID)
		if len(campusLines) == 0 {
			return fmt.Errorf("%w: %w", ErrInvalidTransition, ErrNoCampusLines)
		}
		result = BulkResult{Success: true, LinesTotal: len(campusLines)}
		if len(eligible) == 0 {
			return nil
		}
		if invoice.Frozen() {
			return frozenError(action, invoice)
		}

		at := s.now().UTC()
		processed := make([]string, 0, len(eligible))
		for _, line := range eligible {
			if err := AuthorizePrevalidateLine(actor, line); err != nil {
				if IsNoop(err) {
					continue
				}
				return err
			}
			change := LineStatusChange{LineID: line.ID, From: line.Status, To: LineStatusPrevalidated, ActorID: actor.ID, At: at}
			ok, err := tx.SetLineStatus(ctx, change)
			if err != nil {
				return err
			}
			if !ok {
				// another request already moved it
				continue
			}
			processed = append(processed, line.ID.String())
		}
		result.LinesProcessed = len(processed)
		if len(processed) == 0 {
			return nil
		}

		after, err := s.recompute(ctx, tx, invoice, actor, at)
		if err != nil {
			return err
		}
		meta := invoiceStatusMeta(invoice.Status, after.Status)
		meta["lines_processed"] = len(processed)
		meta["lines_total"] = len(campusLines)
		meta["line_ids"] = processed
		meta["campus_id"] = actor.CampusID.String()
		if _, err := s.record(ctx, tx, audittrail.Entry{
			InvoiceID:      invoice.ID,
			ActorID:        actor.ID,
			ActorRole:      string(actor.Role),
			Action:         action,
			PreviousStatus: string(LineStatusPending),
			NewStatus:      string(LineStatusPrevalidated),
			Comment:        bulkComment(len(processed), len(campusLines), opts.Comment),
			Metadata:       meta,
			At:             at,
		}); err != nil {
			return err
		}
		if after.Status != invoice.Status {
			notes = append(notes, Notification{InvoiceID: invoice.ID, Event: EventPrevalidated, RecipientRole: RoleComptable})
		}
		return nil
	})
	s.observe(action, err)
	if err != nil {
		return failedBulk(err), err
	}
	s.dispatch(ctx, notes)
	return result, nil
}

func failedBulk(err error) BulkResult {
	msg := err.Error()
	if errors.Is(err, ErrNoCampusLines) {
		msg = ErrNoCampusLines.Error()
	}
	return BulkResult{Success: false, Error: msg}
}

func bulkComment(processed, total int, comment string) string {
	summary := fmt.Sprintf("bulk prevalidation: %d of %d line(s) processed", processed, total)
	if comment == "" {
		return summary
	}
	return summary + ": " + comment
}
