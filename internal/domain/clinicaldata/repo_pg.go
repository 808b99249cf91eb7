package clinicaldata

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kvshw/phd-ehr-software-sub001/internal/platform/db"
	"github.com/kvshw/phd-ehr-software-sub001/internal/platform/scoring"
)

// =========== Patient Repository ===========

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewPatientRepoPG(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{pool: pool}
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	var p Patient
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT id, mrn, birth_date, sex, created_at FROM patient WHERE id = $1`, id).
		Scan(&p.ID, &p.MRN, &p.BirthDate, &p.Sex, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, fmt.Errorf("get patient: %w", err)
	}
	return &p, nil
}

// =========== Vital Sign Repository ===========

type vitalRepoPG struct{ pool *pgxpool.Pool }

func NewVitalRepoPG(pool *pgxpool.Pool) VitalRepository {
	return &vitalRepoPG{pool: pool}
}

func (r *vitalRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit int) ([]scoring.VitalReading, error) {
	if limit <= 0 {
		limit = DefaultVitalLimit
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT recorded_at, heart_rate, systolic_bp, diastolic_bp, spo2,
			respiratory_rate, temperature, pain_score
		FROM vital_sign
		WHERE patient_id = $1
		ORDER BY recorded_at DESC LIMIT $2`, patientID, limit)
	if err != nil {
		return nil, fmt.Errorf("list vital signs: %w", err)
	}
	defer rows.Close()

	var out []scoring.VitalReading
	for rows.Next() {
		var v scoring.VitalReading
		if err := rows.Scan(&v.RecordedAt, &v.HeartRate, &v.SystolicBP, &v.DiastolicBP, &v.SpO2,
			&v.RespiratoryRate, &v.Temperature, &v.PainScore); err != nil {
			return nil, fmt.Errorf("scan vital sign: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// =========== Lab Result Repository ===========

type labRepoPG struct{ pool *pgxpool.Pool }

func NewLabRepoPG(pool *pgxpool.Pool) LabRepository {
	return &labRepoPG{pool: pool}
}

func (r *labRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit int) ([]scoring.LabResult, error) {
	if limit <= 0 {
		limit = DefaultLabLimit
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT test_name, value, COALESCE(unit, ''), COALESCE(reference_range, ''), recorded_at
		FROM lab_result
		WHERE patient_id = $1
		ORDER BY recorded_at DESC LIMIT $2`, patientID, limit)
	if err != nil {
		return nil, fmt.Errorf("list lab results: %w", err)
	}
	defer rows.Close()

	var out []scoring.LabResult
	for rows.Next() {
		var l scoring.LabResult
		if err := rows.Scan(&l.Name, &l.Value, &l.Unit, &l.ReferenceRange, &l.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan lab result: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
