package audittrail

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Recorder validates entries before handing them to a Store. It never updates or deletes.
type Recorder struct {
	store Store
	now   func() time.Time
}

// NewRecorder constructs a Recorder over store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store, now: time.Now}
}

// WithNow overrides the clock used when an entry carries no timestamp.
func (r *Recorder) WithNow(now func() time.Time) *Recorder {
	if now != nil {
		r.now = now
	}
	return r
}

// Record appends entry and returns it with ID, Seq and At filled in.
func (r *Recorder) Record(ctx context.Context, entry Entry) (Entry, error) {
	if r == nil || r.store == nil {
		return Entry{}, errors.New("audittrail: recorder not initialised")
	}
	if err := validate(entry); err != nil {
		return Entry{}, err
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.At.IsZero() {
		entry.At = r.now()
	}
	entry.At = entry.At.UTC()
	return r.store.Append(ctx, entry)
}

// History returns the entries of an invoice in the order they were written.
func (r *Recorder) History(ctx context.Context, invoiceID uuid.UUID) ([]Entry, error) {
	if r == nil || r.store == nil {
		return nil, errors.New("audittrail: recorder not initialised")
	}
	if invoiceID == uuid.Nil {
		return nil, fmt.Errorf("%w: invoice id required", ErrInvalidEntry)
	}
	return r.store.List(ctx, invoiceID)
}

func validate(entry Entry) error {
	switch {
	case entry.InvoiceID == uuid.Nil:
		return fmt.Errorf("%w: invoice id required", ErrInvalidEntry)
	case entry.ActorID == uuid.Nil:
		return fmt.Errorf("%w: actor required", ErrInvalidEntry)
	case entry.ActorRole == "":
		return fmt.Errorf("%w: actor role required", ErrInvalidEntry)
	case entry.Action == "":
		return fmt.Errorf("%w: action required", ErrInvalidEntry)
	case entry.NewStatus == "":
		return fmt.Errorf("%w: new status required", ErrInvalidEntry)
	}
	return nil
}
