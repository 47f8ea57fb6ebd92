package patient

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// Exists reports whether an active patient with id is registered.
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
}
