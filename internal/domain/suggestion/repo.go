package suggestion

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, s *Suggestion) error
	GetByID(ctx context.Context, id uuid.UUID) (*Suggestion, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Suggestion, int, error)
}
