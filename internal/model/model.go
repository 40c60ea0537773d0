package model

// TourStatus is the lifecycle state of a Tour. Transitions are governed by
// internal/status.
type TourStatus string

const (
	StatusPending     TourStatus = "pending"
	StatusConfirmed   TourStatus = "confirmed"
	StatusGuideNeeded TourStatus = "guide-needed"
	StatusCompleted   TourStatus = "completed"
	StatusCancelled   TourStatus = "cancelled"
)

// AllStatuses lists every known status in display order.
func AllStatuses() []TourStatus {
	return []TourStatus{
		StatusGuideNeeded,
		StatusPending,
		StatusConfirmed,
		StatusCompleted,
		StatusCancelled,
	}
}

func (s TourStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusGuideNeeded, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no transitions leave s.
func (s TourStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Client is the customer a tour is booked for. Clients are referenced by
// tours, never owned by them.
type Client struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	ContactInfo *string   `json:"contact_info,omitempty"`
	TgAlias     *string   `json:"tg_alias,omitempty"`
	BlackList   bool      `json:"black_list"`
	CreatedAt   Timestamp `json:"created_at"`
}

// Guide leads tours. TotalEarnings and TotalTours are maintained by an
// external reporting process and are read-only here.
type Guide struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	Email         string    `json:"email"`
	Phone         *string   `json:"phone,omitempty"`
	TgAlias       *string   `json:"tg_alias,omitempty"`
	ContactInfo   *string   `json:"contact_info,omitempty"`
	TotalEarnings float64   `json:"total_earnings"`
	TotalTours    int       `json:"total_tours"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     Timestamp `json:"created_at"`
}

// Tour is a single scheduled excursion. Date marks the start; Duration is
// in hours.
type Tour struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	Description     *string    `json:"description,omitempty"`
	Date            Timestamp  `json:"date"`
	Venue           string     `json:"venue"`
	GroupSize       int        `json:"group_size"`
	Duration        float64    `json:"duration"`
	ClientID        int64      `json:"client_id"`
	Price           float64    `json:"price"`
	Status          TourStatus `json:"status"`
	AssignedGuideID *int64     `json:"assigned_guide_id,omitempty"`
	CreatedAt       Timestamp  `json:"created_at"`
}

// HasGuide reports whether a guide is assigned.
func (t Tour) HasGuide() bool {
	return t.AssignedGuideID != nil
}

// Input returns the update payload for t.
func (t Tour) Input() TourInput {
	return TourInput{
		Name:        t.Name,
		Description: t.Description,
		Date:        t.Date,
		Venue:       t.Venue,
		GroupSize:   t.GroupSize,
		Duration:    t.Duration,
		ClientID:    t.ClientID,
		Price:       t.Price,
		Status:      t.Status,
	}
}

// SkippedTour is a row the data service returned that could not be used.
type SkippedTour struct {
	ID     int64  `json:"id"`
	Reason string `json:"reason"`
}

// TourInput is the create/update payload: every Tour field except id,
// created_at and assigned_guide_id. Status is optional on create.
type TourInput struct {
	Name        string     `json:"name"`
	Description *string    `json:"description,omitempty"`
	Date        Timestamp  `json:"date"`
	Venue       string     `json:"venue"`
	GroupSize   int        `json:"group_size"`
	Duration    float64    `json:"duration"`
	ClientID    int64      `json:"client_id"`
	Price       float64    `json:"price"`
	Status      TourStatus `json:"status,omitempty"`
}

// ClientInput is the create payload for a Client.
type ClientInput struct {
	Name        string  `json:"name"`
	ContactInfo *string `json:"contact_info,omitempty"`
	TgAlias     *string `json:"tg_alias,omitempty"`
	BlackList   bool    `json:"black_list"`
}

// GuideInput is the create payload for a Guide. IsActive defaults to true
// when omitted.
type GuideInput struct {
	Name        string  `json:"name"`
	Email       string  `json:"email"`
	Phone       *string `json:"phone,omitempty"`
	TgAlias     *string `json:"tg_alias,omitempty"`
	ContactInfo *string `json:"contact_info,omitempty"`
	IsActive    *bool   `json:"is_active,omitempty"`
}

// StringPtr is a small helper for optional string fields.
func StringPtr(s string) *string {
	return &s
}

func Int64Ptr(v int64) *int64 {
	return &v
}

func BoolPtr(b bool) *bool {
	return &b
}
