package calendar

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "tourcal/internal/log"
	"tourcal/internal/model"
)

const (
	icsProductID = "-//tourcal//tour schedule//EN"
	icsUIDSuffix = "@tourcal"

	propTourStatus ical.ComponentProperty = "X-TOURCAL-STATUS"
)

// FeedEntry is one VEVENT read back from an exported feed.
type FeedEntry struct {
	TourID   int64
	UID      string
	Summary  string
	Location string
	Start    time.Time
	End      time.Time
	Status   model.TourStatus
}

// TourUID is the stable iCalendar UID of a tour.
func TourUID(id int64) string {
	return "tour-" + strconv.FormatInt(id, 10) + icsUIDSuffix
}

// icsStatus maps tour statuses onto the iCalendar STATUS values.
func icsStatus(s model.TourStatus) string {
	switch s {
	case model.StatusConfirmed, model.StatusCompleted:
		return "CONFIRMED"
	case model.StatusCancelled:
		return "CANCELLED"
	default:
		return "TENTATIVE"
	}
}

// End returns the tour end: start plus duration hours.
func End(t model.Tour) time.Time {
	return t.Date.Add(time.Duration(t.Duration * float64(time.Hour)))
}

// ExportICS renders tours as an iCalendar feed. guides and clients are
// looked up by id for descriptions and attendees; missing entries are fine.
func ExportICS(tours []model.Tour, guides []model.Guide, clients []model.Client, stamp time.Time) string {
	guideByID := make(map[int64]model.Guide, len(guides))
	for _, g := range guides {
		guideByID[g.ID] = g
	}
	clientByID := make(map[int64]model.Client, len(clients))
	for _, c := range clients {
		clientByID[c.ID] = c
	}

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(icsProductID)
	cal.SetName("Tours")

	for _, t := range tours {
		ev := cal.AddEvent(TourUID(t.ID))
		ev.SetDtStampTime(stamp.UTC())
		if !t.CreatedAt.IsZero() {
			ev.SetCreatedTime(t.CreatedAt.UTC())
		}
		ev.SetStartAt(t.Date.UTC())
		ev.SetEndAt(End(t).UTC())
		ev.SetSummary(t.Name)
		ev.SetLocation(t.Venue)
		ev.SetProperty(ical.ComponentPropertyStatus, icsStatus(t.Status))
		ev.SetProperty(propTourStatus, string(t.Status))

		var desc []string
		if t.Description != nil {
			desc = append(desc, *t.Description)
		}
		if c, ok := clientByID[t.ClientID]; ok {
			desc = append(desc, "Client: "+c.Name)
		}
		desc = append(desc, fmt.Sprintf("Group: %d, price: %.2f", t.GroupSize, t.Price))
		if t.AssignedGuideID != nil {
			if g, ok := guideByID[*t.AssignedGuideID]; ok {
				desc = append(desc, "Guide: "+g.Name)
				ev.AddAttendee(g.Email)
			}
		}
		ev.SetDescription(strings.Join(desc, "\n"))
	}

	return cal.Serialize()
}

// ParseICS reads a feed produced by ExportICS. Events whose UID is not a
// tour UID are skipped and logged.
func ParseICS(body []byte) ([]FeedEntry, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	entries := make([]FeedEntry, 0)
	for _, ve := range cal.Events() {
		entry, perr := parseTourEvent(ve)
		if perr != nil {
			appLog.Warn("ics: skipping event", "reason", perr.Error())
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func parseTourEvent(ve *ical.VEvent) (FeedEntry, error) {
	var out FeedEntry

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, errors.New("missing UID")
	}
	out.UID = uidProp.Value

	raw := strings.TrimSuffix(strings.TrimPrefix(out.UID, "tour-"), icsUIDSuffix)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || raw == out.UID {
		return out, fmt.Errorf("not a tour UID: %q", out.UID)
	}
	out.TourID = id

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}
	if p := ve.GetProperty(propTourStatus); p != nil {
		out.Status = model.TourStatus(p.Value)
	}

	start, err := ve.GetStartAt()
	if err != nil {
		return out, fmt.Errorf("DTSTART: %w", err)
	}
	end, err := ve.GetEndAt()
	if err != nil {
		return out, fmt.Errorf("DTEND: %w", err)
	}
	out.Start = start
	out.End = end

	return out, nil
}
