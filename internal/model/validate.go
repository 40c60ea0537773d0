package model

import (
	"fmt"
	"math"
	"net/mail"
	"sort"
	"strings"

	"tourcal/internal/apperr"
)

const (
	MinGroupSize        = 1
	MinDuration         = 0.5
	DurationGranularity = 0.5
)

// FieldErrors maps a JSON field name to the reason it was rejected.
type FieldErrors map[string]string

func (fe FieldErrors) Error() string {
	keys := make([]string, 0, len(fe))
	for k := range fe {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+fe[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (fe FieldErrors) ErrorKind() apperr.Kind {
	return apperr.KindValidation
}

func (fe FieldErrors) Is(target error) bool {
	return apperr.MatchKind(target, apperr.KindValidation)
}

func (fe FieldErrors) add(field, reason string) {
	if _, exists := fe[field]; !exists {
		fe[field] = reason
	}
}

func (fe FieldErrors) orNil() error {
	if len(fe) == 0 {
		return nil
	}
	return fe
}

// ValidateTour checks a create/update payload and returns it normalized
// (trimmed strings, empty optional strings dropped) or FieldErrors.
func ValidateTour(in TourInput) (TourInput, error) {
	fe := FieldErrors{}

	in.Name = strings.TrimSpace(in.Name)
	in.Venue = strings.TrimSpace(in.Venue)
	in.Description = trimOptional(in.Description)

	if in.Name == "" {
		fe.add("name", "is required")
	}
	if in.Venue == "" {
		fe.add("venue", "is required")
	}
	if in.Date.IsZero() {
		fe.add("date", "must be a valid timestamp")
	}
	checkTourNumbers(fe, in.GroupSize, in.Duration, in.Price, in.ClientID)
	if in.Status != "" && !in.Status.IsValid() {
		fe.add("status", fmt.Sprintf("unknown status %q", in.Status))
	}

	if err := fe.orNil(); err != nil {
		return TourInput{}, err
	}
	return in, nil
}

// ValidateTourEntity checks a tour received from the data service. Only what
// makes a row impossible to place or count is refused; create-time policy
// (name, venue, group size, half-hour steps) is not, because the service
// accepts tours this build would not create. Status is not checked either: a
// status this build does not know is still a tour to show.
func ValidateTourEntity(t Tour) (Tour, error) {
	fe := FieldErrors{}

	if t.ID <= 0 {
		fe.add("id", "must be positive")
	}
	if t.Date.IsZero() {
		fe.add("date", "must be a valid timestamp")
	}
	if t.GroupSize < 0 {
		fe.add("group_size", "must not be negative")
	}
	if math.IsNaN(t.Duration) || math.IsInf(t.Duration, 0) || t.Duration < 0 {
		fe.add("duration", "must be a finite, non-negative number")
	}
	if math.IsNaN(t.Price) || math.IsInf(t.Price, 0) {
		fe.add("price", "must be a finite number")
	}
	if t.AssignedGuideID != nil && *t.AssignedGuideID <= 0 {
		fe.add("assigned_guide_id", "must be positive when present")
	}

	if err := fe.orNil(); err != nil {
		return Tour{}, err
	}
	return t, nil
}

func checkTourNumbers(fe FieldErrors, groupSize int, duration, price float64, clientID int64) {
	if groupSize < MinGroupSize {
		fe.add("group_size", fmt.Sprintf("must be at least %d", MinGroupSize))
	}
	switch {
	case math.IsNaN(duration) || math.IsInf(duration, 0):
		fe.add("duration", "must be a finite number")
	case duration < MinDuration:
		fe.add("duration", fmt.Sprintf("must be at least %.1f hours", MinDuration))
	case math.Mod(duration, DurationGranularity) != 0:
		fe.add("duration", fmt.Sprintf("must be a multiple of %.1f hours", DurationGranularity))
	}
	switch {
	case math.IsNaN(price) || math.IsInf(price, 0):
		fe.add("price", "must be a finite number")
	case price < 0:
		fe.add("price", "must not be negative")
	}
	if clientID <= 0 {
		fe.add("client_id", "is required")
	}
}

// ValidateClient checks a client create payload.
func ValidateClient(in ClientInput) (ClientInput, error) {
	fe := FieldErrors{}

	in.Name = strings.TrimSpace(in.Name)
	in.ContactInfo = trimOptional(in.ContactInfo)
	in.TgAlias = trimOptional(in.TgAlias)

	if in.Name == "" {
		fe.add("name", "is required")
	}

	if err := fe.orNil(); err != nil {
		return ClientInput{}, err
	}
	return in, nil
}

// ValidateGuide checks a guide create payload. A missing is_active is
// filled in as true.
func ValidateGuide(in GuideInput) (GuideInput, error) {
	fe := FieldErrors{}

	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.TrimSpace(in.Email)
	in.Phone = trimOptional(in.Phone)
	in.TgAlias = trimOptional(in.TgAlias)
	in.ContactInfo = trimOptional(in.ContactInfo)

	if in.Name == "" {
		fe.add("name", "is required")
	}
	if in.Email == "" {
		fe.add("email", "is required")
	} else if addr, err := mail.ParseAddress(in.Email); err != nil || addr.Address != in.Email {
		fe.add("email", "must be a plain e-mail address")
	}
	if in.IsActive == nil {
		in.IsActive = BoolPtr(true)
	}

	if err := fe.orNil(); err != nil {
		return GuideInput{}, err
	}
	return in, nil
}

// ValidateGuideEntity checks a guide received from the data service. The
// reporting totals are only range-checked, never recomputed.
func ValidateGuideEntity(g Guide) (Guide, error) {
	fe := FieldErrors{}

	if g.ID <= 0 {
		fe.add("id", "must be positive")
	}
	if strings.TrimSpace(g.Email) == "" {
		fe.add("email", "is required")
	}
	if g.TotalEarnings < 0 {
		fe.add("total_earnings", "must not be negative")
	}
	if g.TotalTours < 0 {
		fe.add("total_tours", "must not be negative")
	}

	if err := fe.orNil(); err != nil {
		return Guide{}, err
	}
	return g, nil
}

func trimOptional(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
