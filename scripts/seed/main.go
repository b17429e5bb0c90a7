package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/eddinos2/hyperzenof-sub000/internal/app"
	"github.com/eddinos2/hyperzenof-sub000/internal/billing"
	"github.com/eddinos2/hyperzenof-sub000/internal/platform/db"
)

// Fixed identifiers keep reseeding idempotent and make curl examples copy-pastable.
var (
	campusParis = uuid.MustParse("10000000-0000-0000-0000-000000000001")
	campusLyon  = uuid.MustParse("10000000-0000-0000-0000-000000000002")

	adminID      = uuid.MustParse("20000000-0000-0000-0000-000000000001")
	accountantID = uuid.MustParse("20000000-0000-0000-0000-000000000002")
	parisDirID   = uuid.MustParse("20000000-0000-0000-0000-000000000003")
	lyonDirID    = uuid.MustParse("20000000-0000-0000-0000-000000000004")
	teacherID    = uuid.MustParse("20000000-0000-0000-0000-000000000005")
)

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := app.NewLogger(cfg)
	ctx := context.Background()

	pool, err := db.New(ctx, db.PoolConfig{DSN: cfg.PGDSN})
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	fmt.Println("→ Seeding campuses...")
	if err := seedCampuses(ctx, pool); err != nil {
		log.Fatalf("seed campuses: %v", err)
	}
	fmt.Println("→ Seeding profiles...")
	if err := seedProfiles(ctx, pool); err != nil {
		log.Fatalf("seed profiles: %v", err)
	}
	fmt.Println("→ Seeding demo invoice...")
	invoiceID, err := seedInvoice(ctx, pool, cfg, logger)
	if err != nil {
		log.Fatalf("seed invoice: %v", err)
	}
	fmt.Printf("✓ Seed complete. Demo invoice: %s\n", invoiceID)
}

func seedCampuses(ctx context.Context, pool *pgxpool.Pool) error {
	campuses := []struct {
		id   uuid.UUID
		name string
	}{
		{campusParis, "Paris"},
		{campusLyon, "Lyon"},
	}
	for _, c := range campuses {
		if _, err := pool.Exec(ctx, `
			INSERT INTO campuses (id, name) VALUES ($1, $2)
			ON CONFLICT (id) DO NOTHING`, c.id, c.name); err != nil {
			return err
		}
	}
	return nil
}

func seedProfiles(ctx context.Context, pool *pgxpool.Pool) error {
	profiles := []struct {
		id     uuid.UUID
		email  string
		name   string
		role   billing.Role
		campus *uuid.UUID
	}{
		{adminID, "admin@billing.local", "Super Admin", billing.RoleSuperAdmin, nil},
		{accountantID, "compta@billing.local", "Comptable", billing.RoleComptable, nil},
		{parisDirID, "dir.paris@billing.local", "Directeur Paris", billing.RoleDirecteurCampus, &campusParis},
		{lyonDirID, "dir.lyon@billing.local", "Directeur Lyon", billing.RoleDirecteurCampus, &campusLyon},
		{teacherID, "prof@billing.local", "Enseignant", billing.RoleEnseignant, &campusParis},
	}
	for _, p := range profiles {
		if _, err := pool.Exec(ctx, `
			INSERT INTO profiles (id, email, full_name, role, campus_id)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET role = EXCLUDED.role, campus_id = EXCLUDED.campus_id`,
			p.id, p.email, p.name, string(p.role), p.campus); err != nil {
			return err
		}
	}
	return nil
}

// seedInvoice submits a two-campus invoice through the service so the audit trail starts with a
// submit entry.
func seedInvoice(ctx context.Context, pool *pgxpool.Pool, cfg *app.Config, logger *slog.Logger) (uuid.UUID, error) {
	vat, err := cfg.VAT()
	if err != nil {
		return uuid.Nil, err
	}
	service := billing.NewService(billing.NewPostgresRepository(pool), logger)
	service.SetVATRate(vat)

	now := time.Now().UTC()
	month := now.AddDate(0, -1, 0)
	day := func(d int) time.Time {
		return time.Date(month.Year(), month.Month(), d, 0, 0, 0, 0, time.UTC)
	}
	rate := decimal.RequireFromString("45.00")
	teacher := billing.Actor{ID: teacherID, Role: billing.RoleEnseignant, CampusID: campusParis}

	detail, err := service.SubmitInvoice(ctx, teacher, billing.SubmitInput{
		CampusID:    campusParis,
		Month:       int(month.Month()),
		Year:        month.Year(),
		DocumentRef: fmt.Sprintf("DEMO-%04d-%02d", month.Year(), int(month.Month())),
		Lines: []billing.SubmitLineInput{
			{CampusID: campusParis, Date: day(3), StartTime: "09:00", EndTime: "12:00", Hours: decimal.NewFromInt(3), UnitPrice: rate, CourseTitle: "Algorithmique"},
			{CampusID: campusParis, Date: day(10), StartTime: "14:00", EndTime: "16:00", Hours: decimal.NewFromInt(2), UnitPrice: rate, CourseTitle: "Bases de données"},
			{CampusID: campusLyon, Date: day(12), StartTime: "09:00", EndTime: "11:30", Hours: decimal.RequireFromString("2.5"), UnitPrice: rate, CourseTitle: "Réseaux", IsLate: true},
		},
	})
	if err != nil {
		return uuid.Nil, err
	}
	return detail.Invoice.ID, nil
}
