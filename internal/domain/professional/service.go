package professional

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/globalqueiros/stixconnect-sub000/pkg/apperr"
)

type Service struct {
	repo           Repository
	handlingWindow time.Duration
}

func NewService(repo Repository, handlingWindow time.Duration) *Service {
	return &Service{repo: repo, handlingWindow: handlingWindow}
}

func (s *Service) Create(ctx context.Context, p *Professional) error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return apperr.Validation("name is required")
	}
	if !p.Type.Valid() {
		return apperr.Validation("type must be nurse or physician, got %q", p.Type)
	}
	if p.Specialty != nil {
		sp := strings.TrimSpace(*p.Specialty)
		if sp == "" {
			p.Specialty = nil
		} else {
			p.Specialty = &sp
		}
	}
	p.Active = true
	return s.repo.Create(ctx, p)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Professional, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Professional, int, error) {
	if f.Type != nil && !f.Type.Valid() {
		return nil, 0, apperr.Validation("unknown professional type %q", *f.Type)
	}
	return s.repo.List(ctx, f, limit, offset)
}

// SetAvailability toggles whether p takes new assignments. Deactivated
// professionals cannot be made available again.
func (s *Service) SetAvailability(ctx context.Context, id uuid.UUID, available bool) (*Professional, error) {
	if available {
		p, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if !p.Active {
			return nil, apperr.Validation("professional %s is deactivated", id)
		}
	}
	return s.repo.SetAvailability(ctx, id, available)
}

func (s *Service) Deactivate(ctx context.Context, id uuid.UUID) error {
	return s.repo.Deactivate(ctx, id)
}

// Available lists the professionals of type t that would be considered for
// assignment right now, with their current load. It reads without taking the
// assignment lock, so figures may be stale by the time a decision is made.
func (s *Service) Available(ctx context.Context, t Type, specialty *string) ([]Candidate, error) {
	if !t.Valid() {
		return nil, apperr.Validation("type must be nurse or physician, got %q", t)
	}
	return s.repo.Candidates(ctx, CandidateQuery{
		Type:           t,
		Specialty:      specialty,
		HandlingWindow: s.handlingWindow,
	})
}

func (s *Service) Stats(ctx context.Context) ([]Stats, error) {
	return s.repo.Stats(ctx)
}
