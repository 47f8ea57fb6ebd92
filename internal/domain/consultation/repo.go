package consultation

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// Create inserts c. An overlapping active slot for the same physician
	// comes back as apperr.KindConflict.
	Create(ctx context.Context, c *Consultation) error
	GetByID(ctx context.Context, id uuid.UUID) (*Consultation, error)
	// CompareAndSetStatus applies u only while the row still holds u.From.
	// A lost race yields apperr.KindInvalidTransition; a missing row
	// apperr.KindNotFound.
	CompareAndSetStatus(ctx context.Context, u StatusUpdate) (*Consultation, error)
	// UpdateTriage replaces the triage payload while the row still holds from.
	UpdateTriage(ctx context.Context, id uuid.UUID, from Status, triage *TriageData) (*Consultation, error)
	SlotFinder
	// ListQueue orders by priority rank, then arrival.
	ListQueue(ctx context.Context, filter QueueFilter, limit, offset int) ([]*Consultation, int, error)
}

// HistoryRepository is append-only; entries are never changed or removed.
type HistoryRepository interface {
	Append(ctx context.Context, e *HistoryEntry) error
	// ListByConsultation returns entries in append order.
	ListByConsultation(ctx context.Context, consultationID uuid.UUID) ([]*HistoryEntry, error)
}

// PatientDirectory answers existence only; patient records live elsewhere.
type PatientDirectory interface {
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
}

// Transactor binds one unit of work to a single database transaction.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
