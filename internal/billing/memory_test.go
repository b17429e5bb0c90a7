package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/eddinos2/hyperzenof-sub000/internal/audittrail"
)

var errStoreDown = errors.New("store down")

type memoryRepo struct {
	mu        sync.Mutex
	invoices  map[uuid.UUID]Invoice
	lines     map[uuid.UUID]InvoiceLine
	lineOrder []uuid.UUID
	payments  map[uuid.UUID][]decimal.Decimal
	logs      map[uuid.UUID][]audittrail.Entry

	// failLineWriteAt makes the nth SetLineStatus call of a transaction fail.
	failLineWriteAt int
}

type memorySnapshot struct {
	invoices  map[uuid.UUID]Invoice
	lines     map[uuid.UUID]InvoiceLine
	lineOrder []uuid.UUID
	logs      map[uuid.UUID][]audittrail.Entry
}

type memoryTx struct {
	repo       *memoryRepo
	lineWrites int
}

type memoryAudit struct {
	repo   *memoryRepo
	locked bool
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		invoices: make(map[uuid.UUID]Invoice),
		lines:    make(map[uuid.UUID]InvoiceLine),
		payments: make(map[uuid.UUID][]decimal.Decimal),
		logs:     make(map[uuid.UUID][]audittrail.Entry),
	}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := r.snapshot()
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.restore(snap)
		return err
	}
	return nil
}

func (r *memoryRepo) GetInvoice(ctx context.Context, id uuid.UUID) (Invoice, []InvoiceLine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invoices[id]
	if !ok {
		return Invoice{}, nil, ErrNotFound
	}
	return inv, r.linesOf(id), nil
}

func (r *memoryRepo) AuditStore() audittrail.Store {
	return &memoryAudit{repo: r}
}

func (r *memoryRepo) snapshot() memorySnapshot {
	snap := memorySnapshot{
		invoices:  make(map[uuid.UUID]Invoice, len(r.invoices)),
		lines:     make(map[uuid.UUID]InvoiceLine, len(r.lines)),
		lineOrder: append([]uuid.UUID(nil), r.lineOrder...),
		logs:      make(map[uuid.UUID][]audittrail.Entry, len(r.logs)),
	}
	for k, v := range r.invoices {
		snap.invoices[k] = v
	}
	for k, v := range r.lines {
		snap.lines[k] = v
	}
	for k, v := range r.logs {
		snap.logs[k] = append([]audittrail.Entry(nil), v...)
	}
	return snap
}

func (r *memoryRepo) restore(snap memorySnapshot) {
	r.invoices = snap.invoices
	r.lines = snap.lines
	r.lineOrder = snap.lineOrder
	r.logs = snap.logs
}

func (r *memoryRepo) linesOf(invoiceID uuid.UUID) []InvoiceLine {
	var out []InvoiceLine
	for _, id := range r.lineOrder {
		if line := r.lines[id]; line.InvoiceID == invoiceID {
			out = append(out, line)
		}
	}
	return out
}

// line and invoice read helpers for assertions.
func (r *memoryRepo) line(id uuid.UUID) InvoiceLine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lines[id]
}

func (r *memoryRepo) invoice(id uuid.UUID) Invoice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.invoices[id]
}

func (r *memoryRepo) entries(invoiceID uuid.UUID) []audittrail.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audittrail.Entry(nil), r.logs[invoiceID]...)
}

func (r *memoryRepo) addPayment(invoiceID uuid.UUID, amount string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payments[invoiceID] = append(r.payments[invoiceID], decimal.RequireFromString(amount))
}

func (tx *memoryTx) GetInvoice(ctx context.Context, id uuid.UUID) (Invoice, error) {
	inv, ok := tx.repo.invoices[id]
	if !ok {
		return Invoice{}, ErrNotFound
	}
	return inv, nil
}

func (tx *memoryTx) GetLine(ctx context.Context, id uuid.UUID) (InvoiceLine, error) {
	line, ok := tx.repo.lines[id]
	if !ok {
		return InvoiceLine{}, ErrNotFound
	}
	return line, nil
}

func (tx *memoryTx) ListLines(ctx context.Context, invoiceID uuid.UUID) ([]InvoiceLine, error) {
	return tx.repo.linesOf(invoiceID), nil
}

func (tx *memoryTx) CreateInvoice(ctx context.Context, invoice Invoice) error {
	tx.repo.invoices[invoice.ID] = invoice
	return nil
}

func (tx *memoryTx) InsertLine(ctx context.Context, line InvoiceLine) error {
	tx.repo.lines[line.ID] = line
	tx.repo.lineOrder = append(tx.repo.lineOrder, line.ID)
	return nil
}

func (tx *memoryTx) SetLineStatus(ctx context.Context, change LineStatusChange) (bool, error) {
	tx.lineWrites++
	if tx.repo.failLineWriteAt > 0 && tx.lineWrites == tx.repo.failLineWriteAt {
		return false, errStoreDown
	}
	line, ok := tx.repo.lines[change.LineID]
	if !ok || line.Status != change.From {
		return false, nil
	}
	tx.repo.lines[line.ID] = change.Apply(line)
	return true, nil
}

func (tx *memoryTx) SetInvoiceStatus(ctx context.Context, change InvoiceStatusChange) (bool, error) {
	inv, ok := tx.repo.invoices[change.InvoiceID]
	if !ok || inv.Status != change.From {
		return false, nil
	}
	tx.repo.invoices[inv.ID] = change.Apply(inv)
	return true, nil
}

func (tx *memoryTx) SumPayments(ctx context.Context, invoiceID uuid.UUID) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, amount := range tx.repo.payments[invoiceID] {
		total = total.Add(amount)
	}
	return total, nil
}

func (tx *memoryTx) AuditStore() audittrail.Store {
	return &memoryAudit{repo: tx.repo, locked: true}
}

func (a *memoryAudit) Append(ctx context.Context, entry audittrail.Entry) (audittrail.Entry, error) {
	if !a.locked {
		a.repo.mu.Lock()
		defer a.repo.mu.Unlock()
	}
	entry.Seq = int64(len(a.repo.logs[entry.InvoiceID]) + 1)
	a.repo.logs[entry.InvoiceID] = append(a.repo.logs[entry.InvoiceID], entry)
	return entry, nil
}

func (a *memoryAudit) List(ctx context.Context, invoiceID uuid.UUID) ([]audittrail.Entry, error) {
	if !a.locked {
		a.repo.mu.Lock()
		defer a.repo.mu.Unlock()
	}
	return append([]audittrail.Entry(nil), a.repo.logs[invoiceID]...), nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (n *recordingNotifier) Notify(ctx context.Context, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
	return n.err
}

type countingObserver struct {
	mu     sync.Mutex
	counts map[string]int
}

func (o *countingObserver) ObserveTransition(action, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = make(map[string]int)
	}
	o.counts[action+"/"+outcome]++
}

var (
	campusA = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	campusB = uuid.MustParse("00000000-0000-0000-0000-00000000000b")
	campusC = uuid.MustParse("00000000-0000-0000-0000-00000000000c")
	fixedAt = time.Date(2024, 5, 2, 9, 30, 0, 0, time.UTC)
)

func director(campus uuid.UUID) Actor {
	return Actor{ID: uuid.New(), Role: RoleDirecteurCampus, CampusID: campus}
}

func accountant() Actor {
	return Actor{ID: uuid.New(), Role: RoleComptable}
}

func teacher() Actor {
	return Actor{ID: uuid.New(), Role: RoleEnseignant, CampusID: campusA}
}

type lineSeed struct {
	campus uuid.UUID
	status LineStatus
}

func pending(campus uuid.UUID) lineSeed { return lineSeed{campus: campus, status: LineStatusPending} }

func seedInvoice(t *testing.T, repo *memoryRepo, status InvoiceStatus, seeds ...lineSeed) (Invoice, []InvoiceLine) {
	t.Helper()
	repo.mu.Lock()
	defer repo.mu.Unlock()
	inv := Invoice{
		ID:        uuid.New(),
		TeacherID: uuid.New(),
		CampusID:  campusA,
		Month:     4,
		Year:      2024,
		Status:    status,
		CreatedAt: fixedAt,
		UpdatedAt: fixedAt,
	}
	lines := make([]InvoiceLine, 0, len(seeds))
	for _, seed := range seeds {
		line := InvoiceLine{
			ID:          uuid.New(),
			InvoiceID:   inv.ID,
			CampusID:    seed.campus,
			Date:        time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC),
			StartTime:   "08:00",
			EndTime:     "10:00",
			Hours:       decimal.NewFromInt(2),
			UnitPrice:   decimal.NewFromInt(45),
			CourseTitle: "Algorithmique",
			Status:      seed.status,
		}
		repo.lines[line.ID] = line
		repo.lineOrder = append(repo.lineOrder, line.ID)
		lines = append(lines, line)
	}
	inv.TotalHT, inv.TotalTTC = ComputeTotals(lines, decimal.Zero)
	repo.invoices[inv.ID] = inv
	return inv, lines
}

func newTestService(repo *memoryRepo) (*Service, *recordingNotifier, *countingObserver) {
	svc := NewService(repo, nil)
	svc.WithNow(func() time.Time { return fixedAt })
	notifier := &recordingNotifier{}
	observer := &countingObserver{}
	svc.SetNotifier(notifier)
	svc.SetObserver(observer)
	return svc, notifier, observer
}

func lineStatuses(repo *memoryRepo, lines []InvoiceLine) []LineStatus {
	out := make([]LineStatus, len(lines))
	for i, line := range lines {
		out[i] = repo.line(line.ID).Status
	}
	return out
}

func requireNoop(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	require.True(t, IsNoop(err), "expected no-op, got %v", err)
}
