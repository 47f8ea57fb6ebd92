package professional

import (
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeNurse     Type = "nurse"
	TypePhysician Type = "physician"
)

func (t Type) Valid() bool {
	return t == TypeNurse || t == TypePhysician
}

// Professional maps to the professional table.
type Professional struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Type      Type      `db:"type" json:"type"`
	Specialty *string   `db:"specialty" json:"specialty,omitempty"`
	Available bool      `db:"available" json:"available"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Eligible reports whether p can take new work of type t.
func (p *Professional) Eligible(t Type, specialty *string, ignoreAvailability bool) bool {
	if p.Type != t || !p.Active {
		return false
	}
	if !p.Available && !ignoreAvailability {
		return false
	}
	if specialty != nil && (p.Specialty == nil || *p.Specialty != *specialty) {
		return false
	}
	return true
}

// Candidate is a professional together with the load figures computed at
// read time. Neither figure is stored.
type Candidate struct {
	Professional
	ActiveLoad      int           `json:"active_load"`
	AvgHandlingTime time.Duration `json:"avg_handling_time"`
}

// CandidateQuery selects the pool a consultation may be routed to.
type CandidateQuery struct {
	Type               Type
	Specialty          *string
	IgnoreAvailability bool
	// HandlingWindow limits the consultations averaged into AvgHandlingTime
	// to those created within it. Zero averages every consultation.
	HandlingWindow time.Duration
}

type ListFilter struct {
	Type      *Type
	Specialty *string
	Active    *bool
	Available *bool
}

// Stats aggregates the directory per (type, specialty).
type Stats struct {
	Type         Type    `json:"type"`
	Specialty    *string `json:"specialty,omitempty"`
	Total        int     `json:"total"`
	Active       int     `json:"active"`
	Available    int     `json:"available"`
	InAttendance int     `json:"in_attendance"`
}
