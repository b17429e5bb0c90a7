package shared

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

type keyRow struct {
	module  string
	created time.Time
}

// memoryKeys mimics the idempotency_keys table closely enough for the SQL the store issues.
type memoryKeys struct {
	rows map[string]keyRow
	err  error
}

func (m *memoryKeys) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.err != nil {
		return pgconn.CommandTag{}, m.err
	}
	switch {
	case len(args) == 3:
		id := args[1].(string) + "/" + args[0].(string)
		if _, ok := m.rows[id]; ok {
			return pgconn.CommandTag{}, fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
		}
		m.rows[id] = keyRow{module: args[1].(string), created: args[2].(time.Time)}
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	case len(args) == 2:
		id := args[1].(string) + "/" + args[0].(string)
		delete(m.rows, id)
		return pgconn.NewCommandTag("DELETE 1"), nil
	default:
		cutoff := args[0].(time.Time)
		n := 0
		for id, row := range m.rows {
			if row.created.Before(cutoff) {
				delete(m.rows, id)
				n++
			}
		}
		return pgconn.NewCommandTag(fmt.Sprintf("DELETE %d", n)), nil
	}
}

func TestCheckAndInsertRejectsReplay(t *testing.T) {
	db := &memoryKeys{rows: map[string]keyRow{}}
	store := NewIdempotencyStore(db)
	ctx := context.Background()

	require.NoError(t, store.CheckAndInsert(ctx, "k-1", "billing.submit"))
	require.ErrorIs(t, store.CheckAndInsert(ctx, "k-1", "billing.submit"), ErrIdempotencyConflict)
	require.NoError(t, store.CheckAndInsert(ctx, "k-1", "other.module"))

	require.NoError(t, store.Delete(ctx, "k-1", "billing.submit"))
	require.NoError(t, store.CheckAndInsert(ctx, "k-1", "billing.submit"))
}

func TestCheckAndInsertValidatesArguments(t *testing.T) {
	store := NewIdempotencyStore(&memoryKeys{rows: map[string]keyRow{}})
	require.ErrorIs(t, store.CheckAndInsert(context.Background(), "", "billing.submit"), errKeyRequired)
	require.ErrorIs(t, store.CheckAndInsert(context.Background(), "k", ""), errModuleRequired)

	var nilStore *IdempotencyStore
	require.Error(t, nilStore.CheckAndInsert(context.Background(), "k", "m"))
}

func TestCheckAndInsertPassesThroughOtherErrors(t *testing.T) {
	boom := errors.New("connection refused")
	store := NewIdempotencyStore(&memoryKeys{rows: map[string]keyRow{}, err: boom})
	require.ErrorIs(t, store.CheckAndInsert(context.Background(), "k", "m"), boom)
}

func TestCleanupDropsExpiredKeys(t *testing.T) {
	db := &memoryKeys{rows: map[string]keyRow{}}
	store := NewIdempotencyStore(db)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()

	store.now = func() time.Time { return base }
	require.NoError(t, store.CheckAndInsert(ctx, "old", "billing.submit"))
	store.now = func() time.Time { return base.Add(47 * time.Hour) }
	require.NoError(t, store.CheckAndInsert(ctx, "fresh", "billing.submit"))

	store.now = func() time.Time { return base.Add(48 * time.Hour) }
	removed, err := store.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)
	require.Len(t, db.rows, 1)
}
