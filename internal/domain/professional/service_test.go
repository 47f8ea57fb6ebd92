package professional

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/globalqueiros/stixconnect-sub000/pkg/apperr"
)

type mockRepo struct {
	items map[uuid.UUID]*Professional
	loads map[uuid.UUID]int
	// attending marks professionals with a consultation in attendance.
	attending map[uuid.UUID]bool
	lastQ     CandidateQuery
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		items:     make(map[uuid.UUID]*Professional),
		loads:     make(map[uuid.UUID]int),
		attending: make(map[uuid.UUID]bool),
	}
}

func (m *mockRepo) Create(_ context.Context, p *Professional) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	cp := *p
	m.items[p.ID] = &cp
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Professional, error) {
	p, ok := m.items[id]
	if !ok {
		return nil, apperr.NotFound("professional %s not found", id)
	}
	cp := *p
	return &cp, nil
}

func (m *mockRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*Professional, error) {
	return m.GetByID(ctx, id)
}

func (m *mockRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]*Professional, int, error) {
	var out []*Professional
	for _, p := range m.items {
		if f.Type != nil && p.Type != *f.Type {
			continue
		}
		if f.Available != nil && p.Available != *f.Available {
			continue
		}
		out = append(out, p)
	}
	return out, len(out), nil
}

func (m *mockRepo) SetAvailability(_ context.Context, id uuid.UUID, available bool) (*Professional, error) {
	p, ok := m.items[id]
	if !ok {
		return nil, apperr.NotFound("professional %s not found", id)
	}
	p.Available = available
	cp := *p
	return &cp, nil
}

func (m *mockRepo) Deactivate(_ context.Context, id uuid.UUID) error {
	p, ok := m.items[id]
	if !ok {
		return apperr.NotFound("professional %s not found", id)
	}
	p.Active, p.Available = false, false
	return nil
}

func (m *mockRepo) LockPool(context.Context, Type) error { return nil }

func (m *mockRepo) Candidates(_ context.Context, q CandidateQuery) ([]Candidate, error) {
	m.lastQ = q
	var out []Candidate
	for _, p := range m.items {
		if p.Eligible(q.Type, q.Specialty, q.IgnoreAvailability) {
			out = append(out, Candidate{Professional: *p, ActiveLoad: m.loads[p.ID]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActiveLoad < out[j].ActiveLoad })
	return out, nil
}

func (m *mockRepo) Stats(context.Context) ([]Stats, error) {
	groups := make(map[[2]string]*Stats)
	for _, p := range m.items {
		key := [2]string{string(p.Type), ""}
		if p.Specialty != nil {
			key[1] = "+" + *p.Specialty
		}
		g, ok := groups[key]
		if !ok {
			g = &Stats{Type: p.Type, Specialty: p.Specialty}
			groups[key] = g
		}
		g.Total++
		if p.Active {
			g.Active++
			if p.Available {
				g.Available++
			}
		}
		if m.attending[p.ID] {
			g.InAttendance++
		}
	}
	keys := make([][2]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})
	out := make([]Stats, 0, len(keys))
	for _, k := range keys {
		out = append(out, *groups[k])
	}
	return out, nil
}

func strPtr(s string) *string { return &s }

func TestService_Create(t *testing.T) {
	svc := NewService(newMockRepo(), 30*24*time.Hour)

	p := &Professional{Name: "  Ana Souza ", Type: TypeNurse, Specialty: strPtr("  ")}
	if err := svc.Create(context.Background(), p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name != "Ana Souza" {
		t.Errorf("expected trimmed name, got %q", p.Name)
	}
	if p.Specialty != nil {
		t.Error("blank specialty should be cleared")
	}
	if !p.Active {
		t.Error("new professionals start active")
	}
}

func TestService_Create_Validation(t *testing.T) {
	svc := NewService(newMockRepo(), time.Hour)
	tests := []*Professional{
		{Name: "", Type: TypeNurse},
		{Name: "Bruno", Type: "surgeon"},
	}
	for _, p := range tests {
		if err := svc.Create(context.Background(), p); !apperr.IsKind(err, apperr.KindValidation) {
			t.Errorf("expected validation error for %+v, got %v", p, err)
		}
	}
}

func TestService_SetAvailability(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, time.Hour)
	ctx := context.Background()

	p := &Professional{Name: "Carla", Type: TypePhysician}
	svc.Create(ctx, p)

	got, err := svc.SetAvailability(ctx, p.ID, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Available {
		t.Error("expected available")
	}

	if err := svc.Deactivate(ctx, p.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := svc.SetAvailability(ctx, p.ID, true); !apperr.IsKind(err, apperr.KindValidation) {
		t.Errorf("deactivated professional cannot become available, got %v", err)
	}
	if _, err := svc.SetAvailability(ctx, p.ID, false); err != nil {
		t.Errorf("marking unavailable is always allowed, got %v", err)
	}
	if _, err := svc.SetAvailability(ctx, uuid.New(), true); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestService_Available(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, 48*time.Hour)
	ctx := context.Background()

	busy := &Professional{Name: "Busy", Type: TypeNurse, Available: true}
	idle := &Professional{Name: "Idle", Type: TypeNurse, Available: true}
	off := &Professional{Name: "Off", Type: TypeNurse}
	for _, p := range []*Professional{busy, idle, off} {
		svc.Create(ctx, p)
	}
	repo.loads[busy.ID] = 3

	items, err := svc.Available(ctx, TypeNurse, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 available nurses, got %d", len(items))
	}
	if items[0].ID != idle.ID {
		t.Errorf("expected idle nurse first, got %s", items[0].Name)
	}
	if repo.lastQ.HandlingWindow != 48*time.Hour {
		t.Errorf("expected configured window, got %s", repo.lastQ.HandlingWindow)
	}

	if _, err := svc.Available(ctx, "", nil); !apperr.IsKind(err, apperr.KindValidation) {
		t.Errorf("expected validation error for missing type, got %v", err)
	}
}

func TestProfessional_Eligible(t *testing.T) {
	cardio := strPtr("cardiologia")
	p := &Professional{Type: TypePhysician, Active: true, Available: false, Specialty: cardio}

	if p.Eligible(TypePhysician, nil, false) {
		t.Error("unavailable professional is not eligible without override")
	}
	if !p.Eligible(TypePhysician, nil, true) {
		t.Error("override ignores availability")
	}
	if !p.Eligible(TypePhysician, strPtr("cardiologia"), true) {
		t.Error("matching specialty is eligible")
	}
	if p.Eligible(TypePhysician, strPtr("pediatria"), true) {
		t.Error("specialty mismatch is not eligible")
	}
	if p.Eligible(TypeNurse, nil, true) {
		t.Error("type mismatch is not eligible")
	}
	p.Active = false
	if p.Eligible(TypePhysician, nil, true) {
		t.Error("inactive professionals are never eligible")
	}
}

func TestService_Stats(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, time.Hour)
	ctx := context.Background()

	cardio := "cardiologia"
	a := &Professional{Name: "A", Type: TypeNurse, Available: true}
	b := &Professional{Name: "B", Type: TypeNurse}
	c := &Professional{Name: "C", Type: TypePhysician, Specialty: &cardio, Available: true}
	for _, p := range []*Professional{a, b, c} {
		if err := svc.Create(ctx, p); err != nil {
			t.Fatalf("create %s: %v", p.Name, err)
		}
	}
	if err := svc.Deactivate(ctx, b.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	repo.attending[c.ID] = true

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("expected one row per (type, specialty), got %+v", stats)
	}

	nurses := stats[0]
	if nurses.Type != TypeNurse || nurses.Specialty != nil {
		t.Errorf("expected nurses without specialty first, got %+v", nurses)
	}
	if nurses.Total != 2 || nurses.Active != 1 || nurses.Available != 1 || nurses.InAttendance != 0 {
		t.Errorf("unexpected nurse counts: %+v", nurses)
	}

	physicians := stats[1]
	if physicians.Type != TypePhysician || physicians.Specialty == nil || *physicians.Specialty != cardio {
		t.Errorf("expected cardiology physicians, got %+v", physicians)
	}
	if physicians.Total != 1 || physicians.Active != 1 || physicians.Available != 1 || physicians.InAttendance != 1 {
		t.Errorf("unexpected physician counts: %+v", physicians)
	}
}
