package calendar

import (
	"fmt"
	"time"

	"tourcal/internal/model"
)

// ViewMode selects the window enumerated around the selected date.
type ViewMode string

const (
	ViewMonth ViewMode = "month"
	ViewWeek  ViewMode = "week"
	ViewDay   ViewMode = "day"
)

func (m ViewMode) IsValid() bool {
	switch m {
	case ViewMonth, ViewWeek, ViewDay:
		return true
	}
	return false
}

// StatusFilters maps a status to whether it is shown. Statuses that are
// not keys are always shown: leaving a status out never hides it.
type StatusFilters map[model.TourStatus]bool

// DefaultStatusFilters is the dashboard's initial filter set.
func DefaultStatusFilters() StatusFilters {
	return StatusFilters{
		model.StatusConfirmed:   true,
		model.StatusPending:     true,
		model.StatusGuideNeeded: true,
	}
}

// Allows reports whether a tour with status s passes the filter.
func (f StatusFilters) Allows(s model.TourStatus) bool {
	shown, listed := f[s]
	return !listed || shown
}

// Validate rejects keys outside the known status set.
func (f StatusFilters) Validate() error {
	fe := model.FieldErrors{}
	for s := range f {
		if !s.IsValid() {
			fe["status_filters."+string(s)] = "unknown status"
		}
	}
	if len(fe) > 0 {
		return fe
	}
	return nil
}

// Clone returns an independent copy.
func (f StatusFilters) Clone() StatusFilters {
	out := make(StatusFilters, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// ViewState is everything the projector needs besides the tours. It is a
// plain value so it can be stored, serialized and passed around.
type ViewState struct {
	SelectedDate  time.Time     `json:"selected_date"`
	ViewMode      ViewMode      `json:"view_mode"`
	StatusFilters StatusFilters `json:"status_filters"`
}

// DefaultViewState anchors a month view at now.
func DefaultViewState(now time.Time) ViewState {
	return ViewState{
		SelectedDate:  now,
		ViewMode:      ViewMonth,
		StatusFilters: DefaultStatusFilters(),
	}
}

// Validate checks mode and filters.
func (v ViewState) Validate() error {
	fe := model.FieldErrors{}
	if v.SelectedDate.IsZero() {
		fe["selected_date"] = "is required"
	}
	if !v.ViewMode.IsValid() {
		fe["view_mode"] = fmt.Sprintf("must be one of month, week, day (got %q)", v.ViewMode)
	}
	if err := v.StatusFilters.Validate(); err != nil {
		for k, reason := range err.(model.FieldErrors) {
			fe[k] = reason
		}
	}
	if len(fe) > 0 {
		return fe
	}
	return nil
}
