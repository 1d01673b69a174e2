package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/telehealth/internal/platform/db"
)

type patientRepoPG struct {
	pool *pgxpool.Pool
}

func NewPatientRepo(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{pool: pool}
}

func (r *patientRepoPG) conn(ctx context.Context) db.Querier {
	return db.QuerierFromContext(ctx, r.pool)
}

const patientCols = `id, fhir_patient_id, email, encrypted_name, user_id, created_at, updated_at`

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	p.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient (id, fhir_patient_id, email, encrypted_name, user_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`,
		p.ID, p.FHIRPatientID, p.Email, p.EncryptedName, p.UserID,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return translate("patient create", err)
	}
	return nil
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE id = $1`, id))
	if err != nil {
		return nil, translate("patient get by id", err)
	}
	return p, nil
}

func (r *patientRepoPG) GetByFHIRID(ctx context.Context, fhirID string) (*Patient, error) {
	if fhirID == "" {
		return nil, ErrNotFound
	}
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE fhir_patient_id = $1`, fhirID))
	if err != nil {
		return nil, translate("patient get by fhir id", err)
	}
	return p, nil
}

// FindByEmail is an exact, case-sensitive match.
func (r *patientRepoPG) FindByEmail(ctx context.Context, email string) ([]*Patient, error) {
	return r.list(ctx, "patient find by email", `SELECT `+patientCols+` FROM patient WHERE email = $1 ORDER BY created_at`, email)
}

func (r *patientRepoPG) Update(ctx context.Context, p *Patient) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE patient SET fhir_patient_id = $2, email = $3, encrypted_name = $4, user_id = $5, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		p.ID, p.FHIRPatientID, p.Email, p.EncryptedName, p.UserID,
	).Scan(&p.UpdatedAt)
	if err != nil {
		return translate("patient update", err)
	}
	return nil
}

func (r *patientRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM patient WHERE id = $1`, id)
	if err != nil {
		return translate("patient delete", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *patientRepoPG) ListLinked(ctx context.Context) ([]*Patient, error) {
	return r.list(ctx, "patient list linked", `SELECT `+patientCols+` FROM patient WHERE fhir_patient_id <> '' ORDER BY created_at`)
}

func (r *patientRepoPG) ListOrphans(ctx context.Context) ([]*Patient, error) {
	return r.list(ctx, "patient list orphans", `SELECT `+patientCols+` FROM patient WHERE user_id IS NULL OR user_id = '' ORDER BY created_at`)
}

// DeleteOrphans removes the given rows in one transaction. Rows that gained
// an owner since they were listed are left alone and not returned.
func (r *patientRepoPG) DeleteOrphans(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var deleted []uuid.UUID
	err := db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		rows, err := r.conn(ctx).Query(ctx,
			`DELETE FROM patient WHERE id = ANY($1) AND (user_id IS NULL OR user_id = '') RETURNING id`, ids)
		if err != nil {
			return err
		}
		deleted, err = pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
		return err
	})
	if err != nil {
		return nil, translate("patient delete orphans", err)
	}
	return deleted, nil
}

func (r *patientRepoPG) list(ctx context.Context, op, query string, args ...any) ([]*Patient, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var patients []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		patients = append(patients, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return patients, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.FHIRPatientID, &p.Email, &p.EncryptedName, &p.UserID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func translate(op string, err error) error {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return ErrNotFound
	case db.IsPgError(err, db.ForeignKeyViolation):
		return fmt.Errorf("%s: %w", op, ErrPatientInUse)
	case db.IsPgError(err, db.UniqueViolation):
		return fmt.Errorf("%s: %w", op, ErrRemoteIDTaken)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
