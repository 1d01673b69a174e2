package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/telehealth/internal/platform/db"
)

type appointmentRepoPG struct {
	pool *pgxpool.Pool
}

func NewAppointmentRepo(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) db.Querier {
	return db.QuerierFromContext(ctx, r.pool)
}

const apptCols = `id, fhir_appointment_id, patient_id, start_time, end_time, status, description, created_at, updated_at`

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	a.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointment (id, fhir_appointment_id, patient_id, start_time, end_time, status, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		a.ID, a.FHIRAppointmentID, a.PatientID, a.StartTime, a.EndTime, string(a.Status), a.Description,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return translate("appointment create", err)
	}
	return nil
}

func (r *appointmentRepoPG) Update(ctx context.Context, a *Appointment) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE appointment SET
			fhir_appointment_id = $2, patient_id = $3, start_time = $4, end_time = $5,
			status = $6, description = $7, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		a.ID, a.FHIRAppointmentID, a.PatientID, a.StartTime, a.EndTime, string(a.Status), a.Description,
	).Scan(&a.UpdatedAt)
	if err != nil {
		return translate("appointment update", err)
	}
	return nil
}

func (r *appointmentRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM appointment WHERE id = $1`, id)
	if err != nil {
		return translate("appointment delete", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *appointmentRepoPG) GetByFHIRID(ctx context.Context, fhirID string) (*Appointment, error) {
	if fhirID == "" {
		return nil, ErrNotFound
	}
	a, err := scanAppointment(r.conn(ctx).QueryRow(ctx,
		`SELECT `+apptCols+` FROM appointment WHERE fhir_appointment_id = $1`, fhirID))
	if err != nil {
		return nil, translate("appointment get by fhir id", err)
	}
	return a, nil
}

func (r *appointmentRepoPG) ListOverlapping(ctx context.Context, patientID uuid.UUID, start, end time.Time, excludeID *uuid.UUID) ([]*Appointment, error) {
	return r.list(ctx, "appointment list overlapping", `
		SELECT `+apptCols+` FROM appointment
		WHERE patient_id = $1
		  AND start_time < $3 AND end_time > $2
		  AND ($4::uuid IS NULL OR id <> $4)
		ORDER BY start_time`,
		patientID, start, end, excludeID)
}

func (r *appointmentRepoPG) ListAll(ctx context.Context) ([]*Appointment, error) {
	return r.list(ctx, "appointment list all", `SELECT `+apptCols+` FROM appointment ORDER BY start_time`)
}

func (r *appointmentRepoPG) CountByPatient(ctx context.Context, patientID uuid.UUID) (int, error) {
	var n int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointment WHERE patient_id = $1`, patientID).Scan(&n); err != nil {
		return 0, fmt.Errorf("appointment count by patient: %w", err)
	}
	return n, nil
}

func (r *appointmentRepoPG) list(ctx context.Context, op, query string, args ...any) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var (
		a      Appointment
		status string
	)
	err := row.Scan(&a.ID, &a.FHIRAppointmentID, &a.PatientID, &a.StartTime, &a.EndTime, &status, &a.Description, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Status = Status(status)
	return &a, nil
}

func translate(op string, err error) error {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return ErrNotFound
	case db.IsPgError(err, db.ExclusionViolation):
		return fmt.Errorf("%s: %w", op, ErrOverlap)
	case db.IsPgError(err, db.UniqueViolation):
		return fmt.Errorf("%s: %w", op, ErrRemoteIDTaken)
	case db.IsPgError(err, db.ForeignKeyViolation):
		return fmt.Errorf("%s: %w", op, ErrUnknownPatient)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
