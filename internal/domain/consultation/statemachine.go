package consultation

import (
	"sort"

	"github.com/globalqueiros/stixconnect-sub000/pkg/apperr"
)

type edge struct {
	from  Status
	actor Role
	event Event
}

// transitions is the complete table of legal moves, apart from cancel which
// is legal from every non-terminal status for every actor.
var transitions = map[edge]Status{
	{StatusTriagem, RoleSystem, EventAssignNurse}:                   StatusAguardandoEnfermeira,
	{StatusAguardandoEnfermeira, RoleSystem, EventAssignNurse}:      StatusAguardandoEnfermeira,
	{StatusAguardandoEnfermeira, RoleNurse, EventBeginAttendance}:   StatusAtendimentoEnfermagem,
	{StatusAtendimentoEnfermagem, RoleNurse, EventForward}:          StatusAguardandoMedico,
	{StatusAtendimentoEnfermagem, RoleSystem, EventAssignPhysician}: StatusAguardandoMedico,
	{StatusAguardandoMedico, RoleSystem, EventAssignPhysician}:      StatusAguardandoMedico,
	{StatusAguardandoMedico, RolePhysician, EventBeginAttendance}:   StatusAtendimentoMedico,
	{StatusAtendimentoMedico, RolePhysician, EventFinalize}:         StatusFinalizada,
	{StatusTriagem, RoleNurse, EventFinalize}:                       StatusFinalizada,
}

// Next returns the status reached from `from` when actor fires event.
// Admins may fire any edge in place of its designated actor.
func Next(from Status, actor Role, event Event) (Status, error) {
	if !from.Valid() {
		return "", apperr.Validation("unknown status %q", from)
	}
	if !actor.Valid() {
		return "", apperr.Validation("unknown role %q", actor)
	}
	if from.Terminal() {
		return "", apperr.InvalidTransition("consultation is %s and accepts no further transitions", from)
	}
	if event == EventCancel {
		return StatusCancelada, nil
	}

	if to, ok := transitions[edge{from, actor, event}]; ok {
		return to, nil
	}
	if actor == RoleAdmin {
		for _, stand := range []Role{RoleSystem, RoleNurse, RolePhysician} {
			if to, ok := transitions[edge{from, stand, event}]; ok {
				return to, nil
			}
		}
	}
	return "", apperr.InvalidTransition("%s cannot %s a consultation in %s", actor, event, from)
}

// AllowedEvents lists the events actor may fire from `from`, sorted.
func AllowedEvents(from Status, actor Role) []Event {
	if from.Terminal() || !actor.Valid() {
		return nil
	}
	seen := map[Event]bool{EventCancel: true}
	for e := range transitions {
		if e.from != from {
			continue
		}
		if e.actor == actor || actor == RoleAdmin {
			seen[e.event] = true
		}
	}
	out := make([]Event, 0, len(seen))
	for e := range seen {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
