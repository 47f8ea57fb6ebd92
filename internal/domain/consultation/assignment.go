package consultation

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/globalqueiros/stixconnect-sub000/internal/domain/professional"
	"github.com/globalqueiros/stixconnect-sub000/pkg/apperr"
)

// DefaultMaxActiveLoad caps how many non-terminal consultations one
// professional may hold before they stop receiving new ones.
const DefaultMaxActiveLoad = 5

// ProfessionalDirectory is the part of the professional store the engine
// reads from.
type ProfessionalDirectory interface {
	GetForUpdate(ctx context.Context, id uuid.UUID) (*professional.Professional, error)
	LockPool(ctx context.Context, t professional.Type) error
	Candidates(ctx context.Context, q professional.CandidateQuery) ([]professional.Candidate, error)
}

type Criteria struct {
	Role                      professional.Type
	Specialty                 *string
	ForceOverrideAvailability bool
}

// Selection is the outcome of one assignment decision.
type Selection struct {
	Chosen     *professional.Candidate
	Considered int
}

// NoneAvailable is a normal outcome, not a failure.
func (s Selection) NoneAvailable() bool { return s.Chosen == nil }

type AssignmentEngine struct {
	directory      ProfessionalDirectory
	maxLoad        int
	handlingWindow time.Duration
}

func NewAssignmentEngine(directory ProfessionalDirectory, maxLoad int, handlingWindow time.Duration) *AssignmentEngine {
	if maxLoad <= 0 {
		maxLoad = DefaultMaxActiveLoad
	}
	return &AssignmentEngine{directory: directory, maxLoad: maxLoad, handlingWindow: handlingWindow}
}

// Select picks the least-loaded eligible professional. It must run inside
// the transaction that will write the assignment: the pool lock is held
// until that transaction ends, so concurrent decisions for the same role
// see each other's writes.
func (e *AssignmentEngine) Select(ctx context.Context, c Criteria) (Selection, error) {
	if !c.Role.Valid() {
		return Selection{}, apperr.Validation("unknown professional type %q", c.Role)
	}
	if err := e.directory.LockPool(ctx, c.Role); err != nil {
		return Selection{}, err
	}
	cands, err := e.directory.Candidates(ctx, professional.CandidateQuery{
		Type:               c.Role,
		Specialty:          c.Specialty,
		IgnoreAvailability: c.ForceOverrideAvailability,
		HandlingWindow:     e.handlingWindow,
	})
	if err != nil {
		return Selection{}, err
	}

	ranked := Rank(cands, c, e.maxLoad)
	sel := Selection{Considered: len(ranked)}
	if len(ranked) > 0 {
		chosen := ranked[0]
		sel.Chosen = &chosen
	}
	return sel, nil
}

// Rank drops ineligible and saturated candidates and orders the rest by
// active load, then average handling time, then seniority, then id.
func Rank(cands []professional.Candidate, c Criteria, maxLoad int) []professional.Candidate {
	out := make([]professional.Candidate, 0, len(cands))
	for _, cand := range cands {
		if !cand.Eligible(c.Role, c.Specialty, c.ForceOverrideAvailability) {
			continue
		}
		if cand.ActiveLoad >= maxLoad {
			continue
		}
		out = append(out, cand)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ActiveLoad != b.ActiveLoad {
			return a.ActiveLoad < b.ActiveLoad
		}
		if a.AvgHandlingTime != b.AvgHandlingTime {
			return a.AvgHandlingTime < b.AvgHandlingTime
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
	return out
}
