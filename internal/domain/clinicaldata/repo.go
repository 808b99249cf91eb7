package clinicaldata

import (
	"context"

	"github.com/google/uuid"

	"github.com/kvshw/phd-ehr-software-sub001/internal/platform/scoring"
)

type PatientRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
}

// VitalRepository returns readings most recent first.
type VitalRepository interface {
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit int) ([]scoring.VitalReading, error)
}

// LabRepository returns results most recent first.
type LabRepository interface {
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit int) ([]scoring.LabResult, error)
}
