// Package status is the tour status state machine. It is pure: it knows
// nothing about persistence and must be consulted before a status change is
// sent to the data service.
package status

import (
	"fmt"

	"tourcal/internal/apperr"
	"tourcal/internal/model"
)

// Event is something that happens to a tour and asks for a new status.
type Event string

const (
	EventGuideAssigned Event = "guide-assigned"
	EventGuideRemoved  Event = "guide-removed"
	EventConfirm       Event = "confirm"
	EventComplete      Event = "complete"
	EventCancel        Event = "cancel"
)

var eventTargets = map[Event]model.TourStatus{
	EventGuideAssigned: model.StatusPending,
	EventGuideRemoved:  model.StatusGuideNeeded,
	EventConfirm:       model.StatusConfirmed,
	EventComplete:      model.StatusCompleted,
	EventCancel:        model.StatusCancelled,
}

// transitions is the full table; anything not listed is rejected.
var transitions = map[model.TourStatus][]model.TourStatus{
	model.StatusGuideNeeded: {model.StatusPending, model.StatusCancelled},
	model.StatusPending:     {model.StatusConfirmed, model.StatusGuideNeeded, model.StatusCancelled},
	model.StatusConfirmed:   {model.StatusCompleted, model.StatusCancelled},
	model.StatusCompleted:   nil,
	model.StatusCancelled:   nil,
}

// TransitionError is returned for every transition outside the table.
type TransitionError struct {
	From model.TourStatus
	To   model.TourStatus
}

func (e *TransitionError) Error() string {
	if e.From.IsTerminal() {
		return fmt.Sprintf("tour is %s; no further status changes allowed (requested %s)", e.From, e.To)
	}
	return fmt.Sprintf("cannot change tour status from %s to %s", e.From, e.To)
}

func (e *TransitionError) ErrorKind() apperr.Kind {
	return apperr.KindInvalidTransition
}

func (e *TransitionError) Is(target error) bool {
	return apperr.MatchKind(target, apperr.KindInvalidTransition)
}

// Target returns the status an event asks for.
func (e Event) Target() (model.TourStatus, bool) {
	s, ok := eventTargets[e]
	return s, ok
}

func (e Event) IsValid() bool {
	_, ok := eventTargets[e]
	return ok
}

// Initial is the status a tour gets on creation.
func Initial(hasGuide bool) model.TourStatus {
	if hasGuide {
		return model.StatusPending
	}
	return model.StatusGuideNeeded
}

// Allowed reports whether from -> to is in the table.
func Allowed(from, to model.TourStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Targets lists the statuses reachable from from in one step.
func Targets(from model.TourStatus) []model.TourStatus {
	out := make([]model.TourStatus, len(transitions[from]))
	copy(out, transitions[from])
	return out
}

// Transition applies event to current.
func Transition(current model.TourStatus, event Event) (model.TourStatus, error) {
	to, ok := event.Target()
	if !ok {
		return current, &TransitionError{From: current, To: model.TourStatus(event)}
	}
	return To(current, to)
}

// To checks a direct from -> to change.
func To(current, to model.TourStatus) (model.TourStatus, error) {
	if !Allowed(current, to) {
		return current, &TransitionError{From: current, To: to}
	}
	return to, nil
}

// EventFor maps a requested target status back to the event producing it.
func EventFor(to model.TourStatus) (Event, bool) {
	for ev, s := range eventTargets {
		if s == to {
			return ev, true
		}
	}
	return "", false
}
