package calendar

import "tourcal/internal/model"

// Stats are the sidebar counters, computed over all tours regardless of the
// status filter.
type Stats struct {
	Total       int                      `json:"total_tours"`
	Confirmed   int                      `json:"confirmed_tours"`
	Pending     int                      `json:"pending_tours"`
	GuideNeeded int                      `json:"guide_needed_tours"`
	ByStatus    map[model.TourStatus]int `json:"by_status"`
}

func Summarize(tours []model.Tour) Stats {
	st := Stats{
		Total:    len(tours),
		ByStatus: make(map[model.TourStatus]int),
	}
	for _, t := range tours {
		st.ByStatus[t.Status]++
	}
	st.Confirmed = st.ByStatus[model.StatusConfirmed]
	st.Pending = st.ByStatus[model.StatusPending]
	st.GuideNeeded = st.ByStatus[model.StatusGuideNeeded]
	return st
}
