package professional

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, p *Professional) error
	GetByID(ctx context.Context, id uuid.UUID) (*Professional, error)
	// GetForUpdate reads the row and holds its lock until the surrounding
	// transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Professional, error)
	List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Professional, int, error)
	SetAvailability(ctx context.Context, id uuid.UUID, available bool) (*Professional, error)
	Deactivate(ctx context.Context, id uuid.UUID) error
	// LockPool serializes assignment decisions for one professional type
	// until the surrounding transaction ends.
	LockPool(ctx context.Context, t Type) error
	Candidates(ctx context.Context, q CandidateQuery) ([]Candidate, error)
	Stats(ctx context.Context) ([]Stats, error)
}
