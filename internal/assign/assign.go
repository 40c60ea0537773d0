// Package assign enforces when a guide may be attached to or removed from a
// tour. A tour without a guide cannot be confirmed or completed, so guide
// presence gates the downstream statuses.
package assign

import (
	"fmt"

	"tourcal/internal/apperr"
	"tourcal/internal/model"
	"tourcal/internal/status"
)

// Error is an assignment rule violation.
type Error struct {
	Kind    apperr.Kind
	TourID  int64
	GuideID int64
	Status  model.TourStatus
}

func (e *Error) Error() string {
	switch e.Kind {
	case apperr.KindGuideInactive:
		return fmt.Sprintf("guide %d is not active", e.GuideID)
	case apperr.KindClientBlacklisted:
		return "client is black-listed and cannot book new tours"
	default:
		return fmt.Sprintf("tour %d is %s and cannot change its guide", e.TourID, e.Status)
	}
}

func (e *Error) ErrorKind() apperr.Kind {
	return e.Kind
}

func (e *Error) Is(target error) bool {
	return apperr.MatchKind(target, e.Kind)
}

// Service applies assignment rules to tour values. It never mutates its
// inputs.
type Service struct{}

func NewService() *Service {
	return &Service{}
}

// Assignable reports whether a tour in s may get a (new) guide.
func Assignable(s model.TourStatus) bool {
	return s == model.StatusGuideNeeded || s == model.StatusPending
}

// AssignGuide sets the guide on tour. An inactive guide is rejected before
// the tour status is looked at.
func (s *Service) AssignGuide(tour model.Tour, guide model.Guide) (model.Tour, error) {
	if !guide.IsActive {
		return tour, &Error{Kind: apperr.KindGuideInactive, TourID: tour.ID, GuideID: guide.ID, Status: tour.Status}
	}
	if !Assignable(tour.Status) {
		return tour, &Error{Kind: apperr.KindTourNotAssignable, TourID: tour.ID, GuideID: guide.ID, Status: tour.Status}
	}

	next := tour.Status
	if tour.Status == model.StatusGuideNeeded {
		to, err := status.Transition(tour.Status, status.EventGuideAssigned)
		if err != nil {
			return tour, err
		}
		next = to
	}

	out := tour
	out.AssignedGuideID = model.Int64Ptr(guide.ID)
	out.Status = next
	return out, nil
}

// UnassignGuide clears the guide and moves the tour back to guide-needed.
func (s *Service) UnassignGuide(tour model.Tour) (model.Tour, error) {
	if tour.Status.IsTerminal() {
		return tour, &Error{Kind: apperr.KindTourNotAssignable, TourID: tour.ID, Status: tour.Status}
	}

	next := tour.Status
	if tour.Status != model.StatusGuideNeeded {
		to, err := status.Transition(tour.Status, status.EventGuideRemoved)
		if err != nil {
			return tour, err
		}
		next = to
	}

	out := tour
	out.AssignedGuideID = nil
	out.Status = next
	return out, nil
}

// CheckClient rejects black-listed clients for new tours.
func (s *Service) CheckClient(client model.Client) error {
	if client.BlackList {
		return &Error{Kind: apperr.KindClientBlacklisted}
	}
	return nil
}

// CheckTransition guards direct status changes (confirm, complete, cancel)
// with the guide gating rule on top of the status table. Reaching pending
// without a guide is refused here; AssignGuide is the way in.
func (s *Service) CheckTransition(tour model.Tour, event status.Event) (model.Tour, error) {
	to, err := status.Transition(tour.Status, event)
	if err != nil {
		return tour, err
	}
	if needsGuide(to) && !tour.HasGuide() {
		return tour, &status.TransitionError{From: tour.Status, To: to}
	}

	out := tour
	out.Status = to
	if to == model.StatusGuideNeeded {
		out.AssignedGuideID = nil
	}
	return out, nil
}

func needsGuide(s model.TourStatus) bool {
	switch s {
	case model.StatusPending, model.StatusConfirmed, model.StatusCompleted:
		return true
	}
	return false
}
