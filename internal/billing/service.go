package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/eddinos2/hyperzenof-sub000/internal/audittrail"
)

// Repository describes persistence used by Service.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetInvoice(ctx context.Context, id uuid.UUID) (Invoice, []InvoiceLine, error)
	AuditStore() audittrail.Store
}

// TxRepository exposes transactional operations. The status setters are compare-and-set:
// they report false when the row no longer holds the expected status.
type TxRepository interface {
	GetInvoice(ctx context.Context, id uuid.UUID) (Invoice, error)
	GetLine(ctx context.Context, id uuid.UUID) (InvoiceLine, error)
	ListLines(ctx context.Context, invoiceID uuid.UUID) ([]InvoiceLine, error)
	CreateInvoice(ctx context.Context, invoice Invoice) error
	InsertLine(ctx context.Context, line InvoiceLine) error
	SetLineStatus(ctx context.Context, change LineStatusChange) (bool, error)
	SetInvoiceStatus(ctx context.Context, change InvoiceStatusChange) (bool, error)
	SumPayments(ctx context.Context, invoiceID uuid.UUID) (decimal.Decimal, error)
	AuditStore() audittrail.Store
}

// Service runs the approval workflow.
type Service struct {
	repo     Repository
	notifier Notifier
	observer TransitionObserver
	logger   *slog.Logger
	now      func() time.Time
	vatRate  decimal.Decimal
	validate *validator.Validate
}

// NewService constructs the billing service.
func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		logger:   logger,
		now:      time.Now,
		vatRate:  decimal.Zero,
		validate: validator.New(),
	}
}

// SetNotifier wires the post-commit notification dispatcher.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// SetObserver wires transition metrics.
func (s *Service) SetObserver(o TransitionObserver) {
	s.observer = o
}

// SetVATRate sets the rate applied to total_ht on submission.
func (s *Service) SetVATRate(rate decimal.Decimal) {
	s.vatRate = rate
}

// WithNow overrides the clock, mainly for tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// TransitionOptions are accepted by every transition.
type TransitionOptions struct {
	Comment string
}

// TransitionResult describes the state after a transition. On ErrAlreadyInTargetState it holds
// the unchanged current state and Changed is false.
type TransitionResult struct {
	Changed  bool
	Invoice  Invoice
	Line     *InvoiceLine
	Entry    *audittrail.Entry
	Warnings []string
}

type lineTransition struct {
	action       audittrail.Action
	target       LineStatus
	authorize    func(Actor, InvoiceLine) error
	event        Event
	recipient    Role
	wantsComment bool
}

// PrevalidateLine moves a pending line of the director's campus to prevalidated.
func (s *Service) PrevalidateLine(ctx context.Context, actor Actor, lineID uuid.UUID, opts TransitionOptions) (TransitionResult, error) {
	return s.transitionLine(ctx, actor, lineID, opts, lineTransition{
		action:    audittrail.ActionPrevalidateLine,
		target:    LineStatusPrevalidated,
		authorize: AuthorizePrevalidateLine,
	})
}

// ValidateLine moves a prevalidated line to validated.
func (s *Service) ValidateLine(ctx context.Context, actor Actor, lineID uuid.UUID, opts TransitionOptions) (TransitionResult, error) {
	return s.transitionLine(ctx, actor, lineID, opts, lineTransition{
		action:    audittrail.ActionValidateLine,
		target:    LineStatusValidated,
		authorize: AuthorizeValidateLine,
	})
}

// RejectLine rejects a pending or prevalidated line. The invoice status is not touched.
func (s *Service) RejectLine(ctx context.Context, actor Actor, lineID uuid.UUID, opts TransitionOptions) (TransitionResult, error) {
	return s.transitionLine(ctx, actor, lineID, opts, lineTransition{
		action:       audittrail.ActionRejectLine,
		target:       LineStatusRejected,
		authorize:    AuthorizeRejectLine,
		event:        EventRejected,
		recipient:    RoleEnseignant,
		wantsComment: true,
	})
}

func (s *Service) transitionLine(ctx context.Context, actor Actor, lineID uuid.UUID, opts TransitionOptions, tr lineTransition) (TransitionResult, error) {
	var (
		result   TransitionResult
		notes    []Notification
		warnings []string
	)
	if tr.wantsComment {
		warnings = s.checkComment(tr.action, actor, lineID, opts.Comment)
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		line, err := tx.GetLine(ctx, lineID)
		if err != nil {
			return err
		}
		invoice, err := tx.GetInvoice(ctx, line.InvoiceID)
		if err != nil {
			return err
		}
		current := line
		result = TransitionResult{Invoice: invoice, Line: &current}

		if err := tr.authorize(actor, line); err != nil {
			return err
		}
		if invoice.Frozen() {
			return frozenError(tr.action, invoice)
		}
		if !line.Status.CanTransitionTo(tr.target) {
			return lineStateError(tr.action, line)
		}

		at := s.now().UTC()
		change := LineStatusChange{LineID: line.ID, From: line.Status, To: tr.target, ActorID: actor.ID, At: at}
		if err := setLineStatus(ctx, tx, change); err != nil {
			return err
		}
		updated := change.Apply(line)

		after, err := s.recompute(ctx, tx, invoice, actor, at)
		if err != nil {
			return err
		}
		entry, err := s.record(ctx, tx, audittrail.Entry{
			InvoiceID:      invoice.ID,
			LineID:         &updated.ID,
			ActorID:        actor.ID,
			ActorRole:      string(actor.Role),
			Action:         tr.action,
			PreviousStatus: string(change.From),
			NewStatus:      string(change.To),
			Comment:        opts.Comment,
			Metadata:       invoiceStatusMeta(invoice.Status, after.Status),
			At:             at,
		})
		if err != nil {
			return err
		}

		result = TransitionResult{Changed: true, Invoice: after, Line: &updated, Entry: &entry}
		if tr.event != "" {
			notes = append(notes, Notification{InvoiceID: invoice.ID, Event: tr.event, RecipientRole: tr.recipient})
		}
		if after.Status != invoice.Status {
			notes = append(notes, Notification{InvoiceID: invoice.ID, Event: EventPrevalidated, RecipientRole: RoleComptable})
		}
		return nil
	})
	result.Warnings = warnings
	return s.finish(ctx, tr.action, result, notes, err)
}

// ValidateInvoice gives final validation to a prevalidated invoice whose lines are all approved.
// Lines still prevalidated become validated in the same transaction.
func (s *Service) ValidateInvoice(ctx context.Context, actor Actor, invoiceID uuid.UUID, opts TransitionOptions) (TransitionResult, error) {
	const action = audittrail.ActionValidateInvoice
	var (
		result TransitionResult
		notes  []Notification
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		invoice, lines, err := loadInvoice(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		result = TransitionResult{Invoice: invoice}
		if err := AuthorizeValidateInvoice(actor, invoice, lines); err != nil {
			return err
		}

		at := s.now().UTC()
		change := InvoiceStatusChange{InvoiceID: invoice.ID, From: invoice.Status, To: InvoiceStatusValidated, ActorID: actor.ID, At: at}
		if err := setInvoiceStatus(ctx, tx, change); err != nil {
			return err
		}
		cascaded := make([]string, 0, len(lines))
		for _, line := range lines {
			if line.Status != LineStatusPrevalidated {
				continue
			}
			lineChange := LineStatusChange{LineID: line.ID, From: line.Status, To: LineStatusValidated, ActorID: actor.ID, At: at}
			if err := setLineStatus(ctx, tx, lineChange); err != nil {
				return err
			}
			cascaded = append(cascaded, line.ID.String())
		}

		entry, err := s.record(ctx, tx, audittrail.Entry{
			InvoiceID:      invoice.ID,
			ActorID:        actor.ID,
			ActorRole:      string(actor.Role),
			Action:         action,
			PreviousStatus: string(change.From),
			NewStatus:      string(change.To),
			Comment:        opts.Comment,
			Metadata:       map[string]any{"lines_validated": len(cascaded), "line_ids": cascaded},
			At:             at,
		})
		if err != nil {
			return err
		}
		result = TransitionResult{Changed: true, Invoice: change.Apply(invoice), Entry: &entry}
		notes = append(notes, Notification{InvoiceID: invoice.ID, Event: EventValidated, RecipientRole: RoleEnseignant})
		return nil
	})
	return s.finish(ctx, action, result, notes, err)
}

// RejectInvoice rejects a whole unpaid invoice. Its lines keep their status.
func (s *Service) RejectInvoice(ctx context.Context, actor Actor, invoiceID uuid.UUID, opts TransitionOptions) (TransitionResult, error) {
	const action = audittrail.ActionRejectInvoice
	var (
		result TransitionResult
		notes  []Notification
	)
	warnings := s.checkComment(action, actor, invoiceID, opts.Comment)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		invoice, err := tx.GetInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		result = TransitionResult{Invoice: invoice}
		if err := AuthorizeRejectInvoice(actor, invoice); err != nil {
			return err
		}
		at := s.now().UTC()
		change := InvoiceStatusChange{InvoiceID: invoice.ID, From: invoice.Status, To: InvoiceStatusRejected, ActorID: actor.ID, At: at}
		if err := setInvoiceStatus(ctx, tx, change); err != nil {
			return err
		}
		entry, err := s.record(ctx, tx, audittrail.Entry{
			InvoiceID:      invoice.ID,
			ActorID:        actor.ID,
			ActorRole:      string(actor.Role),
			Action:         action,
			PreviousStatus: string(change.From),
			NewStatus:      string(change.To),
			Comment:        opts.Comment,
			At:             at,
		})
		if err != nil {
			return err
		}
		result = TransitionResult{Changed: true, Invoice: change.Apply(invoice), Entry: &entry}
		notes = append(notes, Notification{InvoiceID: invoice.ID, Event: EventRejected, RecipientRole: RoleEnseignant})
		return nil
	})
	result.Warnings = warnings
	return s.finish(ctx, action, result, notes, err)
}

// MarkPaid settles a validated invoice once recorded payments cover total_ttc, and locks it.
func (s *Service) MarkPaid(ctx context.Context, actor Actor, invoiceID uuid.UUID, opts TransitionOptions) (TransitionResult, error) {
	const action = audittrail.ActionMarkPaid
	var (
		result TransitionResult
		notes  []Notification
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		invoice, err := tx.GetInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		result = TransitionResult{Invoice: invoice}
		if err := AuthorizeMarkPaid(actor, invoice); err != nil {
			return err
		}
		paid, err := tx.SumPayments(ctx, invoice.ID)
		if err != nil {
			return err
		}
		if paid.LessThan(invoice.TotalTTC) {
			return &InvalidTransitionError{
				Action: action,
				From:   string(invoice.Status),
				Reason: fmt.Sprintf("payments %s do not cover total %s", paid.StringFixed(2), invoice.TotalTTC.StringFixed(2)),
			}
		}
		at := s.now().UTC()
		change := InvoiceStatusChange{InvoiceID: invoice.ID, From: invoice.Status, To: InvoiceStatusPaid, ActorID: actor.ID, At: at}
		if err := setInvoiceStatus(ctx, tx, change); err != nil {
			return err
		}
		entry, err := s.record(ctx, tx, audittrail.Entry{
			InvoiceID:      invoice.ID,
			ActorID:        actor.ID,
			ActorRole:      string(actor.Role),
			Action:         action,
			PreviousStatus: string(change.From),
			NewStatus:      string(change.To),
			Comment:        opts.Comment,
			Metadata:       map[string]any{"payments_total": paid.StringFixed(2)},
			At:             at,
		})
		if err != nil {
			return err
		}
		result = TransitionResult{Changed: true, Invoice: change.Apply(invoice), Entry: &entry}
		notes = append(notes, Notification{InvoiceID: invoice.ID, Event: EventPaid, RecipientRole: RoleEnseignant})
		return nil
	})
	return s.finish(ctx, action, result, notes, err)
}

// GetInvoice returns an invoice with its lines if actor may view it.
func (s *Service) GetInvoice(ctx context.Context, actor Actor, invoiceID uuid.UUID) (InvoiceDetail, error) {
	invoice, lines, err := s.repo.GetInvoice(ctx, invoiceID)
	if err != nil {
		return InvoiceDetail{}, err
	}
	if err := AuthorizeViewInvoice(actor, invoice, lines); err != nil {
		return InvoiceDetail{}, err
	}
	return InvoiceDetail{Invoice: invoice, Lines: lines}, nil
}

// CanViewInvoice loads the invoice and evaluates the view predicate.
func (s *Service) CanViewInvoice(ctx context.Context, actor Actor, invoiceID uuid.UUID) (bool, error) {
	invoice, lines, err := s.repo.GetInvoice(ctx, invoiceID)
	if err != nil {
		return false, err
	}
	return CanViewInvoice(actor, invoice, lines), nil
}

// History returns the validation log of an invoice if actor may view it.
func (s *Service) History(ctx context.Context, actor Actor, invoiceID uuid.UUID) ([]audittrail.Entry, error) {
	if _, err := s.GetInvoice(ctx, actor, invoiceID); err != nil {
		return nil, err
	}
	return audittrail.NewRecorder(s.repo.AuditStore()).History(ctx, invoiceID)
}

// Readiness reports aggregate progress if actor may view the invoice.
func (s *Service) Readiness(ctx context.Context, actor Actor, invoiceID uuid.UUID) (Readiness, error) {
	detail, err := s.GetInvoice(ctx, actor, invoiceID)
	if err != nil {
		return Readiness{}, err
	}
	return ComputeReadiness(detail.Invoice, detail.Lines), nil
}

func (s *Service) recompute(ctx context.Context, tx TxRepository, invoice Invoice, actor Actor, at time.Time) (Invoice, error) {
	lines, err := tx.ListLines(ctx, invoice.ID)
	if err != nil {
		return Invoice{}, err
	}
	derived := DeriveInvoiceStatus(invoice.Status, lines)
	if derived == invoice.Status {
		return invoice, nil
	}
	change := InvoiceStatusChange{InvoiceID: invoice.ID, From: invoice.Status, To: derived, ActorID: actor.ID, At: at}
	if err := setInvoiceStatus(ctx, tx, change); err != nil {
		return Invoice{}, err
	}
	return change.Apply(invoice), nil
}

func (s *Service) record(ctx context.Context, tx TxRepository, entry audittrail.Entry) (audittrail.Entry, error) {
	recorded, err := audittrail.NewRecorder(tx.AuditStore()).WithNow(s.now).Record(ctx, entry)
	if errors.Is(err, audittrail.ErrSequenceConflict) {
		return audittrail.Entry{}, fmt.Errorf("%w: %w", ErrPersistenceConflict, err)
	}
	return recorded, err
}

func (s *Service) checkComment(action audittrail.Action, actor Actor, subject uuid.UUID, comment string) []string {
	if strings.TrimSpace(comment) != "" {
		return nil
	}
	s.logger.Warn("rejection without comment",
		slog.String("action", string(action)),
		slog.String("actor_id", actor.ID.String()),
		slog.String("subject_id", subject.String()))
	return []string{"a rejection comment is recommended"}
}

func (s *Service) finish(ctx context.Context, action audittrail.Action, result TransitionResult, notes []Notification, err error) (TransitionResult, error) {
	s.observe(action, err)
	if err != nil {
		if IsNoop(err) {
			result.Changed = false
			result.Entry = nil
			return result, err
		}
		return TransitionResult{}, err
	}
	s.dispatch(ctx, notes)
	return result, nil
}

func (s *Service) observe(action audittrail.Action, err error) {
	if s.observer == nil {
		return
	}
	s.observer.ObserveTransition(string(action), Outcome(err))
}

// Outcome labels err for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAlreadyInTargetState):
		return "noop"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrPersistenceConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	}
	return "error"
}

func loadInvoice(ctx context.Context, tx TxRepository, id uuid.UUID) (Invoice, []InvoiceLine, error) {
	invoice, err := tx.GetInvoice(ctx, id)
	if err != nil {
		return Invoice{}, nil, err
	}
	lines, err := tx.ListLines(ctx, id)
	if err != nil {
		return Invoice{}, nil, err
	}
	return invoice, lines, nil
}

func setLineStatus(ctx context.Context, tx TxRepository, change LineStatusChange) error {
	ok, err := tx.SetLineStatus(ctx, change)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: line %s is no longer %s", ErrPersistenceConflict, change.LineID, change.From)
	}
	return nil
}

func setInvoiceStatus(ctx context.Context, tx TxRepository, change InvoiceStatusChange) error {
	ok, err := tx.SetInvoiceStatus(ctx, change)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: invoice %s is no longer %s", ErrPersistenceConflict, change.InvoiceID, change.From)
	}
	return nil
}

func frozenError(action audittrail.Action, invoice Invoice) error {
	return &InvalidTransitionError{Action: action, From: string(invoice.Status), Reason: "invoice is locked"}
}

func invoiceStatusMeta(before, after InvoiceStatus) map[string]any {
	return map[string]any{
		"invoice_status_before": string(before),
		"invoice_status_after":  string(after),
	}
}
