package billing

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Event names a notification-worthy transition.
type Event string

const (
	EventPrevalidated Event = "prevalidated"
	EventValidated    Event = "validated"
	EventRejected     Event = "rejected"
	EventPaid         Event = "paid"
)

// Notification is handed to the Notifier after a transition commits.
type Notification struct {
	InvoiceID     uuid.UUID `json:"invoice_id"`
	Event         Event     `json:"event"`
	RecipientRole Role      `json:"recipient_role"`
}

// Notifier dispatches notifications. Failures never affect the committed transition.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// TransitionObserver receives the outcome of every operation.
type TransitionObserver interface {
	ObserveTransition(action, outcome string)
}

func (s *Service) dispatch(ctx context.Context, notes []Notification) {
	if s.notifier == nil || len(notes) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, n := range notes {
		if err := s.notifier.Notify(ctx, n); err != nil {
			s.logger.Warn("billing notification failed",
				slog.String("invoice_id", n.InvoiceID.String()),
				slog.String("event", string(n.Event)),
				slog.Any("error", err))
		}
	}
}
