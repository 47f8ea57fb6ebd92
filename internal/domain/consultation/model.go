package consultation

import (
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindUrgent    Kind = "urgent"
	KindScheduled Kind = "scheduled"
)

type Status string

const (
	StatusTriagem               Status = "triagem"
	StatusAguardandoEnfermeira  Status = "aguardando_enfermeira"
	StatusAtendimentoEnfermagem Status = "atendimento_enfermagem"
	StatusAguardandoMedico      Status = "aguardando_medico"
	StatusAtendimentoMedico     Status = "atendimento_medico"
	StatusFinalizada            Status = "finalizada"
	StatusCancelada             Status = "cancelada"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusTriagem, StatusAguardandoEnfermeira, StatusAtendimentoEnfermagem,
	StatusAguardandoMedico, StatusAtendimentoMedico, StatusFinalizada, StatusCancelada,
}

func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal statuses are absorbing.
func (s Status) Terminal() bool {
	return s == StatusFinalizada || s == StatusCancelada
}

// AllowsPhysician reports whether a consultation in s may reference a
// physician. Cancelled consultations keep whatever reference they had.
func (s Status) AllowsPhysician() bool {
	switch s {
	case StatusAguardandoMedico, StatusAtendimentoMedico, StatusFinalizada, StatusCancelada:
		return true
	}
	return false
}

// Role is the capacity in which an actor drives a transition.
type Role string

const (
	RoleSystem    Role = "system"
	RoleNurse     Role = "nurse"
	RolePhysician Role = "physician"
	RoleAdmin     Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleNurse, RolePhysician, RoleAdmin:
		return true
	}
	return false
}

type Event string

const (
	EventCreate          Event = "create"
	EventAssignNurse     Event = "assign_nurse"
	EventAssignPhysician Event = "assign_physician"
	EventBeginAttendance Event = "begin_attendance"
	EventForward         Event = "forward"
	EventFinalize        Event = "finalize"
	EventCancel          Event = "cancel"
)

// Actor identifies who is driving an operation.
type Actor struct {
	Role           Role       `json:"role"`
	ProfessionalID *uuid.UUID `json:"professional_id,omitempty"`
}

// SystemActor is used for automatic steps such as assignment.
var SystemActor = Actor{Role: RoleSystem}

// Consultation maps to the consultation table.
type Consultation struct {
	ID                  uuid.UUID   `db:"id" json:"id"`
	Kind                Kind        `db:"kind" json:"kind"`
	Status              Status      `db:"status" json:"status"`
	PatientID           uuid.UUID   `db:"patient_id" json:"patient_id"`
	AssignedNurseID     *uuid.UUID  `db:"assigned_nurse_id" json:"assigned_nurse_id,omitempty"`
	AssignedPhysicianID *uuid.UUID  `db:"assigned_physician_id" json:"assigned_physician_id,omitempty"`
	Triage              *TriageData `db:"triage" json:"triage,omitempty"`
	ScheduledStart      *time.Time  `db:"scheduled_start" json:"scheduled_start,omitempty"`
	ScheduledEnd        *time.Time  `db:"scheduled_end" json:"scheduled_end,omitempty"`
	DurationMinutes     *int        `db:"duration_minutes" json:"duration_minutes,omitempty"`
	Reason              *string     `db:"reason" json:"reason,omitempty"`
	Specialty           *string     `db:"specialty" json:"specialty,omitempty"`
	CreatedAt           time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time   `db:"updated_at" json:"updated_at"`
}

// PriorityRank orders the waiting queue. Consultations without triage sort
// after every triaged one.
func (c *Consultation) PriorityRank() int {
	if c.Triage == nil {
		return unrankedPriority
	}
	return c.Triage.PriorityRank
}

// Interval returns the reserved slot of a scheduled consultation.
func (c *Consultation) Interval() (Interval, bool) {
	if c.ScheduledStart == nil || c.ScheduledEnd == nil {
		return Interval{}, false
	}
	return Interval{Start: *c.ScheduledStart, End: *c.ScheduledEnd}, true
}

// HistoryEntry is one row of the append-only status audit trail.
type HistoryEntry struct {
	ID                   int64      `db:"id" json:"id"`
	ConsultationID       uuid.UUID  `db:"consultation_id" json:"consultation_id"`
	PreviousStatus       *Status    `db:"previous_status" json:"previous_status"`
	NewStatus            Status     `db:"new_status" json:"new_status"`
	Event                Event      `db:"event" json:"event"`
	ActingRole           Role       `db:"acting_role" json:"acting_role"`
	ActingProfessionalID *uuid.UUID `db:"acting_professional_id" json:"acting_professional_id,omitempty"`
	Note                 *string    `db:"note" json:"note,omitempty"`
	CreatedAt            time.Time  `db:"created_at" json:"created_at"`
}

// StatusUpdate is a compare-and-swap write of a consultation's status. Nil
// references are left unchanged.
type StatusUpdate struct {
	ID          uuid.UUID
	From        Status
	To          Status
	NurseID     *uuid.UUID
	PhysicianID *uuid.UUID
	At          time.Time
}

// QueueFilter selects consultations for the waiting lists.
type QueueFilter struct {
	Statuses    []Status
	Kind        *Kind
	NurseID     *uuid.UUID
	PhysicianID *uuid.UUID
	PatientID   *uuid.UUID
}
