package audittrail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore writes to the validation_logs table. Bind it to a pgx.Tx so entries commit with
// the transition they describe.
type PostgresStore struct {
	db DBTX
}

// NewPostgresStore constructs a store on db.
func NewPostgresStore(db DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

const appendEntrySQL = `INSERT INTO validation_logs
	(id, invoice_id, line_id, seq, actor_id, actor_role, action, previous_status, new_status, comment, metadata, created_at)
SELECT $1, $2, $3, COALESCE(MAX(seq), 0) + 1, $4, $5, $6, $7, $8, $9, $10, $11
FROM validation_logs WHERE invoice_id = $2
RETURNING seq`

// Append inserts entry with the next per-invoice sequence number.
func (s *PostgresStore) Append(ctx context.Context, entry Entry) (Entry, error) {
	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return Entry{}, fmt.Errorf("audittrail: encode metadata: %w", err)
	}
	err = s.db.QueryRow(ctx, appendEntrySQL,
		entry.ID, entry.InvoiceID, entry.LineID, entry.ActorID, entry.ActorRole, string(entry.Action),
		entry.PreviousStatus, entry.NewStatus, entry.Comment, meta, entry.At,
	).Scan(&entry.Seq)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Entry{}, fmt.Errorf("%w: invoice %s", ErrSequenceConflict, entry.InvoiceID)
		}
		return Entry{}, fmt.Errorf("audittrail: append: %w", err)
	}
	return entry, nil
}

// List returns the entries of invoiceID ordered by sequence.
func (s *PostgresStore) List(ctx context.Context, invoiceID uuid.UUID) ([]Entry, error) {
	rows, err := s.db.Query(ctx, `SELECT id, invoice_id, line_id, seq, actor_id, actor_role, action,
	previous_status, new_status, comment, metadata, created_at
FROM validation_logs WHERE invoice_id = $1 ORDER BY seq ASC`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("audittrail: list: %w", err)
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var (
			e      Entry
			lineID pgtype.UUID
			action string
			meta   []byte
		)
		if err := rows.Scan(&e.ID, &e.InvoiceID, &lineID, &e.Seq, &e.ActorID, &e.ActorRole, &action,
			&e.PreviousStatus, &e.NewStatus, &e.Comment, &meta, &e.At); err != nil {
			return nil, fmt.Errorf("audittrail: scan: %w", err)
		}
		if lineID.Valid {
			id := uuid.UUID(lineID.Bytes)
			e.LineID = &id
		}
		e.Action = Action(action)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("audittrail: decode metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
