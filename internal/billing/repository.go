package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/eddinos2/hyperzenof-sub000/internal/audittrail"
	"github.com/eddinos2/hyperzenof-sub000/internal/platform/db"
)

// PostgresRepository persists invoices, lines and payments in PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository constructs a repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx runs fn in a repeatable-read transaction. Serialization failures surface as
// ErrPersistenceConflict.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
	return mapPgError(err)
}

// GetInvoice returns an invoice and its lines.
func (r *PostgresRepository) GetInvoice(ctx context.Context, id uuid.UUID) (Invoice, []InvoiceLine, error) {
	invoice, err := getInvoice(ctx, r.pool, id)
	if err != nil {
		return Invoice{}, nil, err
	}
	lines, err := listLines(ctx, r.pool, id)
	if err != nil {
		return Invoice{}, nil, err
	}
	return invoice, lines, nil
}

// AuditStore reads the validation log outside any transaction.
func (r *PostgresRepository) AuditStore() audittrail.Store {
	return audittrail.NewPostgresStore(r.pool)
}

func (t *txRepo) GetInvoice(ctx context.Context, id uuid.UUID) (Invoice, error) {
	return getInvoice(ctx, t.tx, id)
}

func (t *txRepo) GetLine(ctx context.Context, id uuid.UUID) (InvoiceLine, error) {
	row := t.tx.QueryRow(ctx, selectLineSQL+` WHERE id = $1`, id)
	line, err := scanLine(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return InvoiceLine{}, fmt.Errorf("%w: line %s", ErrNotFound, id)
		}
		return InvoiceLine{}, err
	}
	return line, nil
}

func (t *txRepo) ListLines(ctx context.Context, invoiceID uuid.UUID) ([]InvoiceLine, error) {
	return listLines(ctx, t.tx, invoiceID)
}

func (t *txRepo) CreateInvoice(ctx context.Context, invoice Invoice) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO invoices
	(id, teacher_id, campus_id, month, year, total_ht, total_ttc, is_locked, document_ref, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, $11)`,
		invoice.ID, invoice.TeacherID, invoice.CampusID, invoice.Month, invoice.Year,
		invoice.TotalHT.String(), invoice.TotalTTC.String(), invoice.Locked, invoice.DocumentRef,
		string(invoice.Status), invoice.CreatedAt)
	return err
}

func (t *txRepo) InsertLine(ctx context.Context, line InvoiceLine) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO invoice_lines
	(id, invoice_id, campus_id, date, start_time, end_time, hours_qty, unit_price, course_title,
	 is_late, observation, validation_status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)`,
		line.ID, line.InvoiceID, line.CampusID, line.Date, line.StartTime, line.EndTime,
		line.Hours.String(), line.UnitPrice.String(), line.CourseTitle, line.IsLate, line.Observation,
		string(line.Status), line.CreatedAt)
	return err
}

func (t *txRepo) SetLineStatus(ctx context.Context, change LineStatusChange) (bool, error) {
	var (
		tag pgconn.CommandTag
		err error
	)
	if change.StampsProvenance() {
		tag, err = t.tx.Exec(ctx, `UPDATE invoice_lines
SET validation_status = $3, prevalidated_by = $4, prevalidated_at = $5, updated_at = $5
WHERE id = $1 AND validation_status = $2`,
			change.LineID, string(change.From), string(change.To), change.ActorID, change.At)
	} else {
		tag, err = t.tx.Exec(ctx, `UPDATE invoice_lines
SET validation_status = $3, updated_at = $4
WHERE id = $1 AND validation_status = $2`,
			change.LineID, string(change.From), string(change.To), change.At)
	}
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *txRepo) SetInvoiceStatus(ctx context.Context, change InvoiceStatusChange) (bool, error) {
	var (
		tag pgconn.CommandTag
		err error
	)
	switch change.To {
	case InvoiceStatusValidated:
		tag, err = t.tx.Exec(ctx, `UPDATE invoices
SET status = $3, validated_by = $4, validated_at = $5, updated_at = $5
WHERE id = $1 AND status = $2`,
			change.InvoiceID, string(change.From), string(change.To), change.ActorID, change.At)
	case InvoiceStatusPaid:
		tag, err = t.tx.Exec(ctx, `UPDATE invoices
SET status = $3, paid_at = $4, is_locked = TRUE, updated_at = $4
WHERE id = $1 AND status = $2`,
			change.InvoiceID, string(change.From), string(change.To), change.At)
	default:
		tag, err = t.tx.Exec(ctx, `UPDATE invoices SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`,
			change.InvoiceID, string(change.From), string(change.To), change.At)
	}
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *txRepo) SumPayments(ctx context.Context, invoiceID uuid.UUID) (decimal.Decimal, error) {
	var total pgtype.Numeric
	if err := t.tx.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM payments WHERE invoice_id = $1`, invoiceID).Scan(&total); err != nil {
		return decimal.Zero, err
	}
	return numericToDecimal(total), nil
}

func (t *txRepo) AuditStore() audittrail.Store {
	return audittrail.NewPostgresStore(t.tx)
}

func getInvoice(ctx context.Context, q queryer, id uuid.UUID) (Invoice, error) {
	var (
		inv         Invoice
		totalHT     pgtype.Numeric
		totalTTC    pgtype.Numeric
		documentRef pgtype.Text
		status      string
		validatedBy pgtype.UUID
		validatedAt pgtype.Timestamptz
		paidAt      pgtype.Timestamptz
	)
	err := q.QueryRow(ctx, `SELECT id, teacher_id, campus_id, month, year, total_ht, total_ttc, is_locked,
	document_ref, status, validated_by, validated_at, paid_at, created_at, updated_at
FROM invoices WHERE id = $1`, id).Scan(
		&inv.ID, &inv.TeacherID, &inv.CampusID, &inv.Month, &inv.Year, &totalHT, &totalTTC, &inv.Locked,
		&documentRef, &status, &validatedBy, &validatedAt, &paidAt, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invoice{}, fmt.Errorf("%w: invoice %s", ErrNotFound, id)
		}
		return Invoice{}, err
	}
	inv.TotalHT = numericToDecimal(totalHT)
	inv.TotalTTC = numericToDecimal(totalTTC)
	inv.DocumentRef = documentRef.String
	inv.Status = InvoiceStatus(status)
	inv.ValidatedBy = uuidPtr(validatedBy)
	inv.ValidatedAt = timePtr(validatedAt)
	inv.PaidAt = timePtr(paidAt)
	return inv, nil
}

const selectLineSQL = `SELECT id, invoice_id, campus_id, date, start_time, end_time, hours_qty, unit_price,
	course_title, is_late, observation, validation_status, prevalidated_by, prevalidated_at, created_at, updated_at
FROM invoice_lines`

func listLines(ctx context.Context, q queryer, invoiceID uuid.UUID) ([]InvoiceLine, error) {
	rows, err := q.Query(ctx, selectLineSQL+` WHERE invoice_id = $1 ORDER BY date, start_time, id`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []InvoiceLine
	for rows.Next() {
		line, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func scanLine(row pgx.Row) (InvoiceLine, error) {
	var (
		line           InvoiceLine
		hours          pgtype.Numeric
		unitPrice      pgtype.Numeric
		observation    pgtype.Text
		status         string
		prevalidatedBy pgtype.UUID
		prevalidatedAt pgtype.Timestamptz
	)
	err := row.Scan(&line.ID, &line.InvoiceID, &line.CampusID, &line.Date, &line.StartTime, &line.EndTime,
		&hours, &unitPrice, &line.CourseTitle, &line.IsLate, &observation, &status,
		&prevalidatedBy, &prevalidatedAt, &line.CreatedAt, &line.UpdatedAt)
	if err != nil {
		return InvoiceLine{}, err
	}
	line.Hours = numericToDecimal(hours)
	line.UnitPrice = numericToDecimal(unitPrice)
	line.Observation = observation.String
	line.Status = LineStatus(status)
	line.PrevalidatedBy = uuidPtr(prevalidatedBy)
	line.PrevalidatedAt = timePtr(prevalidatedAt)
	return line, nil
}

func numericToDecimal(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.Int == nil || n.NaN {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}

func uuidPtr(v pgtype.UUID) *uuid.UUID {
	if !v.Valid {
		return nil
	}
	id := uuid.UUID(v.Bytes)
	return &id
}

func timePtr(v pgtype.Timestamptz) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

// mapPgError turns lost races into ErrPersistenceConflict and references to missing rows,
// such as an unknown campus, into ErrInvalidInput.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "40001", "40P01":
			return fmt.Errorf("%w: %s", ErrPersistenceConflict, pgErr.Message)
		case "23503", "23514":
			return fmt.Errorf("%w: %s", ErrInvalidInput, pgErr.Message)
		}
	}
	if errors.Is(err, audittrail.ErrSequenceConflict) && !errors.Is(err, ErrPersistenceConflict) {
		return fmt.Errorf("%w: %w", ErrPersistenceConflict, err)
	}
	return err
}
