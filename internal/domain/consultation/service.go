package consultation

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/globalqueiros/stixconnect-sub000/internal/domain/professional"
	"github.com/globalqueiros/stixconnect-sub000/internal/platform/telemetry"
	"github.com/globalqueiros/stixconnect-sub000/pkg/apperr"
)

const (
	OutcomeAssigned      = "assigned"
	OutcomeNoneAvailable = "none_available"
)

type Options struct {
	MaxActiveLoad  int
	HandlingWindow time.Duration
	TriagePolicy   TriagePolicy
	Metrics        *telemetry.EngineMetrics
	Logger         zerolog.Logger
}

// Service is the orchestrator. Every public operation is one unit of work:
// it commits as a whole or leaves no trace.
type Service struct {
	tx            Transactor
	repo          Repository
	history       HistoryRepository
	patients      PatientDirectory
	professionals ProfessionalDirectory

	classifier *Classifier
	engine     *AssignmentEngine
	conflicts  *ConflictChecker
	metrics    *telemetry.EngineMetrics
	logger     zerolog.Logger
	now        func() time.Time
}

func NewService(tx Transactor, repo Repository, history HistoryRepository, patients PatientDirectory, professionals ProfessionalDirectory, opts Options) *Service {
	return &Service{
		tx:            tx,
		repo:          repo,
		history:       history,
		patients:      patients,
		professionals: professionals,
		classifier:    NewClassifier(opts.TriagePolicy),
		engine:        NewAssignmentEngine(professionals, opts.MaxActiveLoad, opts.HandlingWindow),
		conflicts:     NewConflictChecker(repo),
		metrics:       opts.Metrics,
		logger:        opts.Logger.With().Str("component", "consultation").Logger(),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// afterCommit collects side effects that may only happen once the unit of
// work has committed.
type afterCommit []func(ctx context.Context)

func (a *afterCommit) add(fn func(ctx context.Context)) { *a = append(*a, fn) }

func (s *Service) run(ctx context.Context, op string, fn func(ctx context.Context, after *afterCommit) error, attrs ...attribute.KeyValue) error {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "consultation."+op, attrs...)

	var after afterCommit
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		after = after[:0]
		return fn(ctx, &after)
	})
	if err == nil {
		for _, f := range after {
			f(ctx)
		}
	}

	telemetry.EndSpan(span, err)
	s.metrics.Operation(ctx, op, time.Since(start), err)
	return err
}

func (s *Service) record(after *afterCommit, e *HistoryEntry) {
	after.add(func(ctx context.Context) {
		from := ""
		if e.PreviousStatus != nil {
			from = string(*e.PreviousStatus)
		}
		s.metrics.Transition(ctx, from, string(e.NewStatus), string(e.Event))
	})
}

type refs struct {
	nurse     *uuid.UUID
	physician *uuid.UUID
}

// apply moves c along one edge of the state machine, guarded by its current
// status, and appends the matching history entry.
func (s *Service) apply(ctx context.Context, c *Consultation, actor Actor, event Event, note *string, set refs) (*Consultation, *HistoryEntry, error) {
	to, err := Next(c.Status, actor.Role, event)
	if err != nil {
		return nil, nil, err
	}

	physician := set.physician
	if physician == nil {
		physician = c.AssignedPhysicianID
	}
	if physician != nil && to != StatusCancelada && !to.AllowsPhysician() {
		return nil, nil, apperr.InvalidTransition("consultation %s cannot hold a physician while %s", c.ID, to)
	}

	updated, err := s.repo.CompareAndSetStatus(ctx, StatusUpdate{
		ID:          c.ID,
		From:        c.Status,
		To:          to,
		NurseID:     set.nurse,
		PhysicianID: set.physician,
		At:          s.now(),
	})
	if err != nil {
		return nil, nil, err
	}

	from := c.Status
	entry := &HistoryEntry{
		ConsultationID:       c.ID,
		PreviousStatus:       &from,
		NewStatus:            to,
		Event:                event,
		ActingRole:           actor.Role,
		ActingProfessionalID: actor.ProfessionalID,
		Note:                 note,
	}
	if err := s.history.Append(ctx, entry); err != nil {
		return nil, nil, err
	}
	return updated, entry, nil
}

func (s *Service) appendCreation(ctx context.Context, c *Consultation) (*HistoryEntry, error) {
	entry := &HistoryEntry{
		ConsultationID: c.ID,
		NewStatus:      c.Status,
		Event:          EventCreate,
		ActingRole:     RoleSystem,
	}
	if err := s.history.Append(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *Service) requirePatient(ctx context.Context, id uuid.UUID) error {
	ok, err := s.patients.Exists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NotFound("patient %s not found", id)
	}
	return nil
}

type UrgentResult struct {
	Consultation   *Consultation           `json:"consultation"`
	Classification Classification          `json:"classification"`
	AssignedNurse  *professional.Candidate `json:"assigned_nurse,omitempty"`
	History        []*HistoryEntry         `json:"history"`
}

// CreateUrgentConsultation opens a consultation in triagem and immediately
// tries to hand it to the least-loaded nurse. When no nurse can take it the
// consultation stays in triagem and AssignedNurse is nil.
func (s *Service) CreateUrgentConsultation(ctx context.Context, patientID uuid.UUID, intake Intake) (*UrgentResult, error) {
	if patientID == uuid.Nil {
		return nil, apperr.Validation("patient_id is required")
	}
	class, err := s.classifier.Classify(intake)
	if err != nil {
		return nil, err
	}

	var res *UrgentResult
	err = s.run(ctx, "create_urgent", func(ctx context.Context, after *afterCommit) error {
		res = &UrgentResult{Classification: class}
		if err := s.requirePatient(ctx, patientID); err != nil {
			return err
		}

		c := &Consultation{
			ID:        uuid.New(),
			Kind:      KindUrgent,
			Status:    StatusTriagem,
			PatientID: patientID,
			Triage:    &TriageData{Intake: intake, Tier: class.Tier, PriorityRank: class.PriorityRank},
		}
		if err := s.repo.Create(ctx, c); err != nil {
			return err
		}
		created, err := s.appendCreation(ctx, c)
		if err != nil {
			return err
		}
		res.Consultation = c
		res.History = append(res.History, created)

		sel, err := s.engine.Select(ctx, Criteria{Role: professional.TypeNurse})
		if err != nil {
			return err
		}
		if sel.NoneAvailable() {
			after.add(func(ctx context.Context) {
				s.metrics.Assignment(ctx, string(professional.TypeNurse), OutcomeNoneAvailable)
				s.logger.Warn().Str("consultation_id", c.ID.String()).Str("tier", string(class.Tier)).
					Msg("no nurse available, consultation left in triagem")
			})
			return nil
		}

		nurse := sel.Chosen.ID
		updated, entry, err := s.apply(ctx, c, SystemActor, EventAssignNurse, nil, refs{nurse: &nurse})
		if err != nil {
			return err
		}
		res.Consultation = updated
		res.AssignedNurse = sel.Chosen
		res.History = append(res.History, entry)
		s.record(after, entry)
		after.add(func(ctx context.Context) {
			s.metrics.Assignment(ctx, string(professional.TypeNurse), OutcomeAssigned)
			s.logger.Info().Str("consultation_id", c.ID.String()).Str("nurse_id", nurse.String()).
				Int("active_load", sel.Chosen.ActiveLoad).Int("candidates", sel.Considered).
				Msg("nurse assigned")
		})
		return nil
	}, attribute.String("patient_id", patientID.String()))
	if err != nil {
		return nil, err
	}
	return res, nil
}

type ScheduleRequest struct {
	PatientID       uuid.UUID `json:"patient_id"`
	PhysicianID     uuid.UUID `json:"physician_id"`
	Start           time.Time `json:"start"`
	DurationMinutes int       `json:"duration_minutes"`
	Reason          string    `json:"reason"`
	Specialty       *string   `json:"specialty,omitempty"`
}

func (r *ScheduleRequest) normalize() (Interval, error) {
	if r.PatientID == uuid.Nil {
		return Interval{}, apperr.Validation("patient_id is required")
	}
	if r.PhysicianID == uuid.Nil {
		return Interval{}, apperr.Validation("physician_id is required")
	}
	r.Reason = strings.TrimSpace(r.Reason)
	if r.Reason == "" {
		return Interval{}, apperr.Validation("reason is required")
	}
	if r.DurationMinutes == 0 {
		r.DurationMinutes = DefaultDurationMinutes
	}
	return NewInterval(r.Start, r.DurationMinutes)
}

type ScheduledResult struct {
	Consultation *Consultation   `json:"consultation"`
	History      []*HistoryEntry `json:"history"`
}

// CreateScheduledConsultation books a slot with one physician. The physician
// row stays locked until commit, so two bookings for the same physician
// cannot both pass the overlap check.
func (s *Service) CreateScheduledConsultation(ctx context.Context, req ScheduleRequest) (*ScheduledResult, error) {
	slot, err := req.normalize()
	if err != nil {
		return nil, err
	}

	var res *ScheduledResult
	err = s.run(ctx, "create_scheduled", func(ctx context.Context, after *afterCommit) error {
		if err := s.requirePatient(ctx, req.PatientID); err != nil {
			return err
		}

		phys, err := s.professionals.GetForUpdate(ctx, req.PhysicianID)
		if err != nil {
			return err
		}
		if phys.Type != professional.TypePhysician {
			return apperr.Validation("professional %s is not a physician", phys.ID)
		}
		if !phys.Active {
			return apperr.Validation("physician %s is inactive", phys.ID)
		}
		if req.Specialty != nil && (phys.Specialty == nil || *phys.Specialty != *req.Specialty) {
			return apperr.Validation("physician %s does not practice %s", phys.ID, *req.Specialty)
		}

		conflict, err := s.conflicts.HasConflict(ctx, phys.ID, slot.Start, req.DurationMinutes)
		if err != nil {
			return err
		}
		if conflict {
			return apperr.Conflict("physician %s already has a consultation between %s and %s",
				phys.ID, slot.Start.Format(time.RFC3339), slot.End.Format(time.RFC3339))
		}

		start, end, minutes, reason := slot.Start, slot.End, req.DurationMinutes, req.Reason
		physicianID := phys.ID
		c := &Consultation{
			ID:                  uuid.New(),
			Kind:                KindScheduled,
			Status:              StatusAguardandoMedico,
			PatientID:           req.PatientID,
			AssignedPhysicianID: &physicianID,
			ScheduledStart:      &start,
			ScheduledEnd:        &end,
			DurationMinutes:     &minutes,
			Reason:              &reason,
			Specialty:           req.Specialty,
		}
		if err := s.repo.Create(ctx, c); err != nil {
			return err
		}
		entry, err := s.appendCreation(ctx, c)
		if err != nil {
			return err
		}
		res = &ScheduledResult{Consultation: c, History: []*HistoryEntry{entry}}
		after.add(func(ctx context.Context) {
			s.logger.Info().Str("consultation_id", c.ID.String()).Str("physician_id", physicianID.String()).
				Time("start", start).Int("duration_minutes", minutes).Msg("consultation scheduled")
		})
		return nil
	}, attribute.String("physician_id", req.PhysicianID.String()))
	if apperr.IsKind(err, apperr.KindConflict) {
		s.metrics.Conflict(ctx)
		s.logger.Info().Str("physician_id", req.PhysicianID.String()).Time("start", slot.Start).Msg("schedule conflict")
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

type TransitionRequest struct {
	ConsultationID uuid.UUID  `json:"consultation_id"`
	Actor          Actor      `json:"actor"`
	Event          Event      `json:"event"`
	Note           *string    `json:"note,omitempty"`
	PhysicianID    *uuid.UUID `json:"physician_id,omitempty"`
}

type TransitionResult struct {
	Consultation *Consultation `json:"consultation"`
	Entry        *HistoryEntry `json:"entry"`
}

var manualEvents = map[Event]bool{
	EventBeginAttendance: true,
	EventForward:         true,
	EventFinalize:        true,
	EventCancel:          true,
}

// Transition applies a manual step. It never consults the assignment engine.
func (s *Service) Transition(ctx context.Context, req TransitionRequest) (*TransitionResult, error) {
	if !manualEvents[req.Event] {
		return nil, apperr.Validation("event %q cannot be fired manually", req.Event)
	}
	if !req.Actor.Role.Valid() {
		return nil, apperr.Validation("unknown role %q", req.Actor.Role)
	}
	if req.PhysicianID != nil && req.Event != EventForward {
		return nil, apperr.Validation("physician_id only applies to forward")
	}

	var res *TransitionResult
	err := s.run(ctx, "transition", func(ctx context.Context, after *afterCommit) error {
		c, err := s.repo.GetByID(ctx, req.ConsultationID)
		if err != nil {
			return err
		}
		if _, err := Next(c.Status, req.Actor.Role, req.Event); err != nil {
			return err
		}

		var set refs
		switch req.Event {
		case EventBeginAttendance:
			set, err = attendanceRefs(c, req.Actor)
			if err != nil {
				return err
			}
		case EventForward:
			if req.PhysicianID != nil {
				phys, err := s.professionals.GetForUpdate(ctx, *req.PhysicianID)
				if err != nil {
					return err
				}
				if phys.Type != professional.TypePhysician || !phys.Active {
					return apperr.Validation("professional %s is not an active physician", phys.ID)
				}
				set.physician = &phys.ID
			}
		}

		updated, entry, err := s.apply(ctx, c, req.Actor, req.Event, req.Note, set)
		if err != nil {
			return err
		}
		res = &TransitionResult{Consultation: updated, Entry: entry}
		s.record(after, entry)
		return nil
	}, attribute.String("consultation_id", req.ConsultationID.String()), attribute.String("event", string(req.Event)))
	if err != nil {
		return nil, err
	}
	return res, nil
}

// attendanceRefs claims the consultation for the professional beginning
// attendance. Someone else's consultation may only be taken by an admin.
func attendanceRefs(c *Consultation, actor Actor) (refs, error) {
	var current *uuid.UUID
	nurseStep := c.Status == StatusAguardandoEnfermeira
	if nurseStep {
		current = c.AssignedNurseID
	} else {
		current = c.AssignedPhysicianID
	}

	if actor.ProfessionalID == nil {
		return refs{}, nil
	}
	if current != nil && *current != *actor.ProfessionalID && actor.Role != RoleAdmin {
		return refs{}, apperr.InvalidTransition("consultation %s is assigned to another professional", c.ID)
	}
	if current != nil {
		return refs{}, nil
	}

	id := *actor.ProfessionalID
	if nurseStep {
		return refs{nurse: &id}, nil
	}
	return refs{physician: &id}, nil
}

type AssignRequest struct {
	ConsultationID uuid.UUID         `json:"consultation_id"`
	Role           professional.Type `json:"role"`
	Specialty      *string           `json:"specialty,omitempty"`
	Force          bool              `json:"force"`
}

type AssignResult struct {
	Outcome      string                  `json:"outcome"`
	Consultation *Consultation           `json:"consultation"`
	Professional *professional.Candidate `json:"professional,omitempty"`
	Entry        *HistoryEntry           `json:"entry,omitempty"`
}

func (r *AssignResult) NoneAvailable() bool { return r.Outcome == OutcomeNoneAvailable }

var assignEvent = map[professional.Type]Event{
	professional.TypeNurse:     EventAssignNurse,
	professional.TypePhysician: EventAssignPhysician,
}

// AssignProfessional runs the assignment engine for one consultation. When
// nobody is eligible nothing is written and the outcome says so.
func (s *Service) AssignProfessional(ctx context.Context, req AssignRequest) (*AssignResult, error) {
	event, ok := assignEvent[req.Role]
	if !ok {
		return nil, apperr.Validation("unknown professional type %q", req.Role)
	}

	var res *AssignResult
	err := s.run(ctx, "assign", func(ctx context.Context, after *afterCommit) error {
		c, err := s.repo.GetByID(ctx, req.ConsultationID)
		if err != nil {
			return err
		}
		if _, err := Next(c.Status, RoleSystem, event); err != nil {
			return err
		}

		specialty := req.Specialty
		if specialty == nil && req.Role == professional.TypePhysician {
			specialty = c.Specialty
		}
		sel, err := s.engine.Select(ctx, Criteria{Role: req.Role, Specialty: specialty, ForceOverrideAvailability: req.Force})
		if err != nil {
			return err
		}
		if sel.NoneAvailable() {
			res = &AssignResult{Outcome: OutcomeNoneAvailable, Consultation: c}
			after.add(func(ctx context.Context) {
				s.metrics.Assignment(ctx, string(req.Role), OutcomeNoneAvailable)
				s.logger.Warn().Str("consultation_id", c.ID.String()).Str("role", string(req.Role)).
					Msg("no professional available")
			})
			return nil
		}

		id := sel.Chosen.ID
		set := refs{nurse: &id}
		if req.Role == professional.TypePhysician {
			set = refs{physician: &id}
		}
		updated, entry, err := s.apply(ctx, c, SystemActor, event, nil, set)
		if err != nil {
			return err
		}
		res = &AssignResult{Outcome: OutcomeAssigned, Consultation: updated, Professional: sel.Chosen, Entry: entry}
		s.record(after, entry)
		after.add(func(ctx context.Context) {
			s.metrics.Assignment(ctx, string(req.Role), OutcomeAssigned)
			s.logger.Info().Str("consultation_id", c.ID.String()).Str("role", string(req.Role)).
				Str("professional_id", id.String()).Int("active_load", sel.Chosen.ActiveLoad).
				Msg("professional assigned")
		})
		return nil
	}, attribute.String("consultation_id", req.ConsultationID.String()), attribute.String("role", string(req.Role)))
	if err != nil {
		return nil, err
	}
	return res, nil
}

// triageStatuses lists, per kind, the statuses in which triage may still
// be recorded.
var triageStatuses = map[Kind][]Status{
	KindUrgent:    {StatusTriagem, StatusAguardandoEnfermeira, StatusAtendimentoEnfermagem},
	KindScheduled: {StatusAguardandoMedico},
}

// RecordTriage replaces the triage data. It is not a status change and
// leaves no history entry.
func (s *Service) RecordTriage(ctx context.Context, id uuid.UUID, intake Intake) (*Consultation, error) {
	class, err := s.classifier.Classify(intake)
	if err != nil {
		return nil, err
	}

	var out *Consultation
	err = s.run(ctx, "record_triage", func(ctx context.Context, _ *afterCommit) error {
		c, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		allowed := false
		for _, st := range triageStatuses[c.Kind] {
			if c.Status == st {
				allowed = true
				break
			}
		}
		if !allowed {
			return apperr.InvalidTransition("triage cannot be recorded on a %s consultation in %s", c.Kind, c.Status)
		}
		out, err = s.repo.UpdateTriage(ctx, id, c.Status, &TriageData{Intake: intake, Tier: class.Tier, PriorityRank: class.PriorityRank})
		return err
	}, attribute.String("consultation_id", id.String()))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) GetConsultation(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	var out *Consultation
	err := s.run(ctx, "get", func(ctx context.Context, _ *afterCommit) error {
		var err error
		out, err = s.repo.GetByID(ctx, id)
		return err
	})
	return out, err
}

// GetHistory returns the audit trail of one consultation in append order.
func (s *Service) GetHistory(ctx context.Context, id uuid.UUID) ([]*HistoryEntry, error) {
	var out []*HistoryEntry
	err := s.run(ctx, "history", func(ctx context.Context, _ *afterCommit) error {
		if _, err := s.repo.GetByID(ctx, id); err != nil {
			return err
		}
		var err error
		out, err = s.history.ListByConsultation(ctx, id)
		return err
	})
	return out, err
}

// ListQueue returns waiting consultations, most urgent first.
func (s *Service) ListQueue(ctx context.Context, filter QueueFilter, limit, offset int) ([]*Consultation, int, error) {
	if limit < 0 || offset < 0 {
		return nil, 0, apperr.Validation("limit and offset must not be negative, got %d and %d", limit, offset)
	}
	for _, st := range filter.Statuses {
		if !st.Valid() {
			return nil, 0, apperr.Validation("unknown status %q", st)
		}
	}
	var (
		items []*Consultation
		total int
	)
	err := s.run(ctx, "queue", func(ctx context.Context, _ *afterCommit) error {
		var err error
		items, total, err = s.repo.ListQueue(ctx, filter, limit, offset)
		return err
	})
	return items, total, err
}
