// Package calendar projects tours onto calendar days. Everything here is
// pure: no I/O, and identical inputs give identical output.
package calendar

import (
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "tourcal/internal/log"
	"tourcal/internal/model"
)

// weekdayLabels uses Sunday-first numbering.
var weekdayLabels = [7]string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}

// WeekdayLabels returns the header row for month and week grids.
func WeekdayLabels() []string {
	out := make([]string, len(weekdayLabels))
	copy(out, weekdayLabels[:])
	return out
}

// Options carries the environment of a projection.
type Options struct {
	// Location is the display timezone used for day boundaries. If nil,
	// time.Local is used.
	Location *time.Location

	// Now supplies the wall clock for IsToday. If nil, time.Now is used.
	Now func() time.Time
}

// DayBucket is one calendar day of the projection.
type DayBucket struct {
	Date time.Time `json:"date"`
	// Column is the Sunday-first weekday index (0 = Sunday).
	Column       int    `json:"column"`
	WeekdayLabel string `json:"weekday_label"`
	IsToday      bool   `json:"is_today"`
	// InSelectedMonth is a rendering hint for dimming; it never filters.
	InSelectedMonth bool         `json:"in_selected_month"`
	Tours           []model.Tour `json:"tours"`
}

type dayKey struct {
	y int
	m time.Month
	d int
}

func keyOf(t time.Time) dayKey {
	y, m, d := t.Date()
	return dayKey{y, m, d}
}

// civil returns t's calendar date as midnight UTC. UTC has no DST gaps, so
// date arithmetic on civil days never skips or repeats one.
func civil(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// startOfDay returns the first instant of day k in loc. Where DST starts at
// midnight the local midnight does not exist and the day begins when the gap
// ends.
func startOfDay(k dayKey, loc *time.Location) time.Time {
	for h := 0; h < 24; h++ {
		t := time.Date(k.y, k.m, k.d, h, 0, 0, 0, loc)
		if keyOf(t) == k {
			return t
		}
	}
	return time.Date(k.y, k.m, k.d, 12, 0, 0, 0, loc)
}

// Window returns the first and last calendar day the view covers, as
// midnight UTC of each date in loc. Unknown modes fall back to month.
func Window(selected time.Time, mode ViewMode, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.Local
	}
	ref := civil(selected.In(loc))

	switch mode {
	case ViewDay:
		return ref, ref
	case ViewWeek:
		first := ref.AddDate(0, 0, -int(ref.Weekday()))
		return first, first.AddDate(0, 0, 6)
	default:
		first := time.Date(ref.Year(), ref.Month(), 1, 0, 0, 0, 0, time.UTC)
		return first, first.AddDate(0, 1, -1)
	}
}

// Days enumerates every calendar date in [first, last] with a DAILY rule.
// Only the dates of first and last matter; results are midnight UTC.
func Days(first, last time.Time) []time.Time {
	first, last = civil(first), civil(last)
	if last.Before(first) {
		return nil
	}
	r, err := rrule.NewRRule(rrule.ROption{
		Freq:    rrule.DAILY,
		Dtstart: first,
		Until:   last,
	})
	if err != nil {
		appLog.Error("calendar: daily rule failed; falling back to date arithmetic", err,
			"first", first.Format(time.DateOnly), "last", last.Format(time.DateOnly))
		var out []time.Time
		for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
			out = append(out, d)
		}
		return out
	}
	return r.All()
}

// Project buckets tours by day for the given view. Tours whose status the
// filter hides are left out; within a day tours are ordered by start time,
// then id.
func Project(tours []model.Tour, view ViewState, opts Options) []DayBucket {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	first, last := Window(view.SelectedDate, view.ViewMode, loc)
	days := Days(first, last)

	byDay := make(map[dayKey][]model.Tour, len(days))
	for _, t := range tours {
		if !view.StatusFilters.Allows(t.Status) {
			continue
		}
		k := keyOf(t.Date.In(loc))
		byDay[k] = append(byDay[k], t)
	}

	today := keyOf(now().In(loc))
	selected := view.SelectedDate.In(loc)

	buckets := make([]DayBucket, 0, len(days))
	for _, d := range days {
		k := keyOf(d)

		dayTours := byDay[k]
		sorted := make([]model.Tour, len(dayTours))
		copy(sorted, dayTours)
		sort.SliceStable(sorted, func(i, j int) bool {
			if !sorted[i].Date.Equal(sorted[j].Date.Time) {
				return sorted[i].Date.Before(sorted[j].Date.Time)
			}
			return sorted[i].ID < sorted[j].ID
		})

		buckets = append(buckets, DayBucket{
			Date:            startOfDay(k, loc),
			Column:          int(d.Weekday()),
			WeekdayLabel:    weekdayLabels[d.Weekday()],
			IsToday:         k == today,
			InSelectedMonth: k.y == selected.Year() && k.m == selected.Month(),
			Tours:           sorted,
		})
	}
	return buckets
}

// Filter returns the tours the status filter lets through, in input order.
func Filter(tours []model.Tour, filters StatusFilters) []model.Tour {
	out := make([]model.Tour, 0, len(tours))
	for _, t := range tours {
		if filters.Allows(t.Status) {
			out = append(out, t)
		}
	}
	return out
}
