package directory

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// Querier is satisfied by *pgxpool.Pool.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresSource reads profiles from the profiles table.
type PostgresSource struct {
	db Querier
}

// NewPostgresSource constructs a PostgresSource.
func NewPostgresSource(db Querier) *PostgresSource {
	return &PostgresSource{db: db}
}

// LoadProfile implements Source.
func (s *PostgresSource) LoadProfile(ctx context.Context, userID uuid.UUID) (Profile, error) {
	var (
		role   string
		campus pgtype.UUID
	)
	err := s.db.QueryRow(ctx, `SELECT role, campus_id FROM profiles WHERE id = $1`, userID).Scan(&role, &campus)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, ErrUnknownActor
	}
	if err != nil {
		return Profile{}, err
	}
	profile := Profile{UserID: userID, Role: billingRole(role)}
	if campus.Valid {
		profile.CampusID = uuid.UUID(campus.Bytes)
	}
	return profile, nil
}
