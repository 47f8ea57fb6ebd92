package consultation

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/globalqueiros/stixconnect-sub000/pkg/apperr"
)

// DefaultDurationMinutes applies when a schedule request leaves the
// duration unset.
const DefaultDurationMinutes = 30

// MaxDurationMinutes caps a single slot at one day.
const MaxDurationMinutes = 24 * 60

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewInterval builds the slot starting at start and lasting minutes.
func NewInterval(start time.Time, minutes int) (Interval, error) {
	if start.IsZero() {
		return Interval{}, apperr.Validation("start is required")
	}
	if minutes <= 0 {
		return Interval{}, apperr.Validation("duration must be positive, got %d minutes", minutes)
	}
	if minutes > MaxDurationMinutes {
		return Interval{}, apperr.Validation("duration must not exceed %d minutes, got %d", MaxDurationMinutes, minutes)
	}
	end := start.Add(time.Duration(minutes) * time.Minute)
	if !end.After(start) {
		return Interval{}, apperr.Validation("slot starting at %s has no representable end", start.Format(time.RFC3339))
	}
	return Interval{Start: start, End: end}, nil
}

// Overlaps reports whether a and b share any instant. Touching slots such
// as 09:00-09:30 and 09:30-10:00 do not overlap.
func Overlaps(a, b Interval) bool {
	return a.Start.Before(b.End) && a.End.After(b.Start)
}

// SlotFinder scans a physician's non-terminal scheduled consultations.
type SlotFinder interface {
	HasOverlap(ctx context.Context, physicianID uuid.UUID, slot Interval) (bool, error)
}

type ConflictChecker struct {
	slots SlotFinder
}

func NewConflictChecker(slots SlotFinder) *ConflictChecker {
	return &ConflictChecker{slots: slots}
}

// HasConflict must run inside the transaction that inserts the slot, after
// the physician row has been locked, or the answer may be stale on return.
func (c *ConflictChecker) HasConflict(ctx context.Context, physicianID uuid.UUID, start time.Time, minutes int) (bool, error) {
	slot, err := NewInterval(start, minutes)
	if err != nil {
		return false, err
	}
	return c.slots.HasOverlap(ctx, physicianID, slot)
}
