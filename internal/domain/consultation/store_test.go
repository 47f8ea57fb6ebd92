package consultation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/globalqueiros/stixconnect-sub000/internal/domain/professional"
	"github.com/globalqueiros/stixconnect-sub000/pkg/apperr"
)

var baseTime = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

// memStore backs every collaborator of the Service in memory. Units of work
// serialize on mu and roll back to a snapshot on error, which is the
// isolation the Postgres locks give the real store.
type memStore struct {
	mu            sync.Mutex
	consultations map[uuid.UUID]Consultation
	history       []HistoryEntry
	patients      map[uuid.UUID]bool
	professionals map[uuid.UUID]professional.Professional
	seq           int64
	clock         time.Time

	appendErr error
	commits   int
	rollbacks int
}

func newMemStore() *memStore {
	return &memStore{
		consultations: make(map[uuid.UUID]Consultation),
		patients:      make(map[uuid.UUID]bool),
		professionals: make(map[uuid.UUID]professional.Professional),
		clock:         baseTime,
	}
}

type snapshot struct {
	consultations map[uuid.UUID]Consultation
	history       []HistoryEntry
	seq           int64
	clock         time.Time
}

func (m *memStore) snapshot() snapshot {
	cs := make(map[uuid.UUID]Consultation, len(m.consultations))
	for k, v := range m.consultations {
		cs[k] = v
	}
	return snapshot{consultations: cs, history: append([]HistoryEntry(nil), m.history...), seq: m.seq, clock: m.clock}
}

func (m *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(ctx); err != nil {
		m.consultations, m.history, m.seq, m.clock = snap.consultations, snap.history, snap.seq, snap.clock
		m.rollbacks++
		return err
	}
	m.commits++
	return nil
}

// tick advances the store clock so created_at is strictly increasing.
func (m *memStore) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

// Repository

func (m *memStore) Create(_ context.Context, c *Consultation) error {
	if slot, ok := c.Interval(); ok && c.AssignedPhysicianID != nil {
		for _, other := range m.consultations {
			o, ok := other.Interval()
			if !ok || other.Status.Terminal() || other.AssignedPhysicianID == nil || *other.AssignedPhysicianID != *c.AssignedPhysicianID {
				continue
			}
			if Overlaps(slot, o) {
				return apperr.Conflict("exclusion constraint")
			}
		}
	}
	now := m.tick()
	c.CreatedAt, c.UpdatedAt = now, now
	m.consultations[c.ID] = *c
	return nil
}

func (m *memStore) GetByID(_ context.Context, id uuid.UUID) (*Consultation, error) {
	c, ok := m.consultations[id]
	if !ok {
		return nil, apperr.NotFound("consultation %s not found", id)
	}
	return &c, nil
}

func (m *memStore) CompareAndSetStatus(_ context.Context, u StatusUpdate) (*Consultation, error) {
	c, ok := m.consultations[u.ID]
	if !ok {
		return nil, apperr.NotFound("consultation %s not found", u.ID)
	}
	if c.Status != u.From {
		return nil, apperr.InvalidTransition("consultation %s is %s, expected %s", u.ID, c.Status, u.From)
	}
	c.Status = u.To
	if u.NurseID != nil {
		c.AssignedNurseID = u.NurseID
	}
	if u.PhysicianID != nil {
		c.AssignedPhysicianID = u.PhysicianID
	}
	c.UpdatedAt = m.tick()
	m.consultations[u.ID] = c
	return &c, nil
}

func (m *memStore) UpdateTriage(_ context.Context, id uuid.UUID, from Status, triage *TriageData) (*Consultation, error) {
	c, ok := m.consultations[id]
	if !ok {
		return nil, apperr.NotFound("consultation %s not found", id)
	}
	if c.Status != from {
		return nil, apperr.InvalidTransition("consultation %s is %s, expected %s", id, c.Status, from)
	}
	c.Triage = triage
	c.UpdatedAt = m.tick()
	m.consultations[id] = c
	return &c, nil
}

func (m *memStore) HasOverlap(_ context.Context, physicianID uuid.UUID, slot Interval) (bool, error) {
	for _, c := range m.consultations {
		if c.Kind != KindScheduled || c.Status.Terminal() || c.AssignedPhysicianID == nil || *c.AssignedPhysicianID != physicianID {
			continue
		}
		if existing, ok := c.Interval(); ok && Overlaps(existing, slot) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) ListQueue(_ context.Context, f QueueFilter, limit, offset int) ([]*Consultation, int, error) {
	var out []*Consultation
	for _, c := range m.consultations {
		c := c
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, c.Status) {
			continue
		}
		if f.Kind != nil && c.Kind != *f.Kind {
			continue
		}
		if f.NurseID != nil && (c.AssignedNurseID == nil || *c.AssignedNurseID != *f.NurseID) {
			continue
		}
		if f.PhysicianID != nil && (c.AssignedPhysicianID == nil || *c.AssignedPhysicianID != *f.PhysicianID) {
			continue
		}
		if f.PatientID != nil && c.PatientID != *f.PatientID {
			continue
		}
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.PriorityRank() != b.PriorityRank() {
			return a.PriorityRank() < b.PriorityRank()
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	total := len(out)
	if offset >= total {
		return nil, total, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, total, nil
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// HistoryRepository

type memHistory struct{ *memStore }

func (h memHistory) Append(_ context.Context, e *HistoryEntry) error {
	if h.appendErr != nil {
		return h.appendErr
	}
	h.seq++
	e.ID = h.seq
	e.CreatedAt = h.clock
	h.history = append(h.history, *e)
	return nil
}

func (h memHistory) ListByConsultation(_ context.Context, id uuid.UUID) ([]*HistoryEntry, error) {
	var out []*HistoryEntry
	for _, e := range h.history {
		if e.ConsultationID == id {
			e := e
			out = append(out, &e)
		}
	}
	return out, nil
}

// PatientDirectory

func (m *memStore) Exists(_ context.Context, id uuid.UUID) (bool, error) {
	return m.patients[id], nil
}

// ProfessionalDirectory

func (m *memStore) GetForUpdate(_ context.Context, id uuid.UUID) (*professional.Professional, error) {
	p, ok := m.professionals[id]
	if !ok {
		return nil, apperr.NotFound("professional %s not found", id)
	}
	return &p, nil
}

func (m *memStore) LockPool(context.Context, professional.Type) error { return nil }

func (m *memStore) Candidates(_ context.Context, q professional.CandidateQuery) ([]professional.Candidate, error) {
	var out []professional.Candidate
	for _, p := range m.professionals {
		if !p.Eligible(q.Type, q.Specialty, q.IgnoreAvailability) {
			continue
		}
		cand := professional.Candidate{Professional: p}
		var handled time.Duration
		var n int
		for _, c := range m.consultations {
			ref := c.AssignedNurseID
			if q.Type == professional.TypePhysician {
				ref = c.AssignedPhysicianID
			}
			if ref == nil || *ref != p.ID {
				continue
			}
			if !c.Status.Terminal() {
				cand.ActiveLoad++
			}
			if q.HandlingWindow > 0 && c.CreatedAt.Before(m.clock.Add(-q.HandlingWindow)) {
				continue
			}
			end := m.clock
			if c.Status.Terminal() {
				end = c.UpdatedAt
			}
			handled += end.Sub(c.CreatedAt)
			n++
		}
		if n > 0 {
			cand.AvgHandlingTime = handled / time.Duration(n)
		}
		out = append(out, cand)
	}
	return out, nil
}

// fixtures

func (m *memStore) addPatient() uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.patients[id] = true
	return id
}

func (m *memStore) addProfessional(t professional.Type, specialty *string, available bool, createdAt time.Time) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.professionals[id] = professional.Professional{
		ID: id, Name: string(t) + "-" + id.String()[:8], Type: t, Specialty: specialty,
		Available: available, Active: true, CreatedAt: createdAt, UpdatedAt: createdAt,
	}
	return id
}

func (m *memStore) setAvailable(id uuid.UUID, available bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.professionals[id]
	p.Available = available
	m.professionals[id] = p
}

// seedLoad gives a nurse n open consultations, all created at the same
// instant so average handling times stay equal across nurses.
func (m *memStore) seedLoad(nurseID uuid.UUID, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		nurse := nurseID
		id := uuid.New()
		m.consultations[id] = Consultation{
			ID: id, Kind: KindUrgent, Status: StatusAguardandoEnfermeira, PatientID: uuid.New(),
			AssignedNurseID: &nurse, CreatedAt: baseTime, UpdatedAt: baseTime,
		}
	}
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.consultations)
}

func newTestService(store *memStore) *Service {
	return NewService(store, store, memHistory{store}, store, store, Options{
		MaxActiveLoad:  DefaultMaxActiveLoad,
		HandlingWindow: 30 * 24 * time.Hour,
		TriagePolicy:   PolicyDeclared,
		Logger:         zerolog.Nop(),
	})
}

func strPtr(s string) *string { return &s }

func greenIntake() Intake {
	return Intake{Symptoms: "tosse leve", SymptomDuration: "2 dias", PainIntensity: PainMild, UrgencyTier: TierGreen}
}

func redIntake() Intake {
	return Intake{Symptoms: "dor no peito", SymptomDuration: "1 hora", PainIntensity: PainSevere, UrgencyTier: TierRed}
}
