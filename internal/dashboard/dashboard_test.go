package dashboard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tourcal/internal/apperr"
	"tourcal/internal/calendar"
	"tourcal/internal/metrics"
	"tourcal/internal/model"
	"tourcal/internal/status"
	"tourcal/internal/store"
)

// memService is an in-memory data service that behaves like the remote one.
type memService struct {
	mu      sync.Mutex
	nextID  int64
	tours   map[int64]model.Tour
	clients []model.Client
	guides  []model.Guide

	listCalls  int
	failCreate error
	failAssign error
	cleared    []int64
	skipped    []model.SkippedTour

	// assignStatus, when set, is the status AssignGuide stores regardless of
	// the current one, the way a service that confirms on assign behaves.
	assignStatus model.TourStatus
	// assignGuide, when set, replaces the requested guide id.
	assignGuide int64
}

func newMemService() *memService {
	return &memService{
		nextID: 100,
		tours:  make(map[int64]model.Tour),
		clients: []model.Client{
			{ID: 3, Name: "Metropol"},
			{ID: 4, Name: "Banned Ltd", BlackList: true},
		},
		guides: []model.Guide{
			{ID: 1, Name: "Anna", Email: "anna@guides.ru", IsActive: true, TgAlias: model.StringPtr("anna")},
			{ID: 2, Name: "Boris", Email: "boris@guides.ru", IsActive: false},
		},
	}
}

func (m *memService) ListTours(context.Context) ([]model.Tour, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	out := make([]model.Tour, 0, len(m.tours))
	for _, t := range m.tours {
		out = append(out, t)
	}
	return out, nil
}

func (m *memService) ListClients(context.Context) ([]model.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Client(nil), m.clients...), nil
}

func (m *memService) ListGuides(context.Context) ([]model.Guide, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Guide(nil), m.guides...), nil
}

func (m *memService) GetTour(_ context.Context, id int64) (model.Tour, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tours[id]
	if !ok {
		return model.Tour{}, apperr.NotFound("tour", id)
	}
	return t, nil
}

func (m *memService) CreateTour(_ context.Context, in model.TourInput) (model.Tour, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate != nil {
		return model.Tour{}, m.failCreate
	}
	m.nextID++
	t := model.Tour{
		ID:        m.nextID,
		Name:      in.Name,
		Date:      in.Date,
		Venue:     in.Venue,
		GroupSize: in.GroupSize,
		Duration:  in.Duration,
		ClientID:  in.ClientID,
		Price:     in.Price,
		Status:    in.Status,
	}
	m.tours[t.ID] = t
	return t, nil
}

func (m *memService) UpdateTour(_ context.Context, id int64, in model.TourInput) (model.Tour, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tours[id]
	if !ok {
		return model.Tour{}, apperr.NotFound("tour", id)
	}
	guide := t.AssignedGuideID
	t = model.Tour{ID: id, Name: in.Name, Date: in.Date, Venue: in.Venue, GroupSize: in.GroupSize,
		Duration: in.Duration, ClientID: in.ClientID, Price: in.Price, Status: in.Status, AssignedGuideID: guide}
	m.tours[id] = t
	return t, nil
}

func (m *memService) ClearGuide(ctx context.Context, id int64, in model.TourInput) (model.Tour, error) {
	t, err := m.UpdateTour(ctx, id, in)
	if err != nil {
		return t, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t.AssignedGuideID = nil
	m.tours[id] = t
	m.cleared = append(m.cleared, id)
	return t, nil
}

func (m *memService) DeleteTour(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tours[id]; !ok {
		return apperr.NotFound("tour", id)
	}
	delete(m.tours, id)
	return nil
}

func (m *memService) AssignGuide(_ context.Context, tourID, guideID int64) (model.Tour, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAssign != nil {
		return model.Tour{}, m.failAssign
	}
	t, ok := m.tours[tourID]
	if !ok {
		return model.Tour{}, apperr.NotFound("tour", tourID)
	}
	if m.assignGuide != 0 {
		guideID = m.assignGuide
	}
	t.AssignedGuideID = model.Int64Ptr(guideID)
	switch {
	case m.assignStatus != "":
		t.Status = m.assignStatus
	case t.Status == model.StatusGuideNeeded:
		t.Status = model.StatusPending
	}
	m.tours[tourID] = t
	return t, nil
}

func (m *memService) SkippedTours() []model.SkippedTour {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.SkippedTour(nil), m.skipped...)
}

func (m *memService) CreateClient(_ context.Context, in model.ClientInput) (model.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	c := model.Client{ID: m.nextID, Name: in.Name, BlackList: in.BlackList}
	m.clients = append(m.clients, c)
	return c, nil
}

func (m *memService) CreateGuide(_ context.Context, in model.GuideInput) (model.Guide, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	g := model.Guide{ID: m.nextID, Name: in.Name, Email: in.Email, IsActive: *in.IsActive}
	m.guides = append(m.guides, g)
	return g, nil
}

func (m *memService) put(t model.Tour) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tours[t.ID] = t
}

type recordingNotifier struct {
	mu       sync.Mutex
	created  []int64
	assigned []int64
}

func (r *recordingNotifier) TourCreated(_ context.Context, t model.Tour, _ []model.Guide) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, t.ID)
}

func (r *recordingNotifier) GuideAssigned(_ context.Context, t model.Tour, g model.Guide) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assigned = append(r.assigned, g.ID)
}

type fixture struct {
	svc      *memService
	dash     *Dashboard
	metrics  *metrics.Metrics
	notifier *recordingNotifier
}

func newFixture() fixture {
	svc := newMemService()
	m := metrics.New()
	n := &recordingNotifier{}
	now := func() time.Time { return time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC) }
	d := New(svc, store.New(svc, m), Options{
		Location: time.UTC,
		Now:      now,
		Notifier: n,
		Metrics:  m,
	})
	return fixture{svc: svc, dash: d, metrics: m, notifier: n}
}

func tourInput() model.TourInput {
	return model.TourInput{
		Name:      "Kremlin walk",
		Date:      model.MustTimestamp("2024-06-01T10:00:00Z"),
		Venue:     "Kremlin",
		GroupSize: 10,
		Duration:  2.5,
		ClientID:  3,
		Price:     150.00,
	}
}

func TestCreateTour_WithoutGuideIsGuideNeeded(t *testing.T) {
	f := newFixture()

	tour, err := f.dash.CreateTour(context.Background(), tourInput())

	require.NoError(t, err)
	assert.Equal(t, model.StatusGuideNeeded, tour.Status)
	assert.Nil(t, tour.AssignedGuideID)
	assert.Equal(t, []int64{tour.ID}, f.notifier.created)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MutationTotal.WithLabelValues("create_tour", "ok")))
}

func TestCreateTour_NextReadReflectsNewTour(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	before, err := f.dash.Tours(ctx)
	require.NoError(t, err)
	assert.Empty(t, before)

	created, err := f.dash.CreateTour(ctx, tourInput())
	require.NoError(t, err)

	after, err := f.dash.Tours(ctx)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, created.ID, after[0].ID)
}

func TestCreateTour_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.TourInput)
		target error
	}{
		{"invalid fields", func(in *model.TourInput) { in.GroupSize = 0 }, apperr.ErrValidation},
		{"explicit non-initial status", func(in *model.TourInput) { in.Status = model.StatusConfirmed }, apperr.ErrValidation},
		{"unknown client", func(in *model.TourInput) { in.ClientID = 99 }, apperr.ErrNotFound},
		{"black-listed client", func(in *model.TourInput) { in.ClientID = 4 }, apperr.ErrClientBlacklisted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			in := tourInput()
			tt.mutate(&in)

			_, err := f.dash.CreateTour(context.Background(), in)

			assert.True(t, errors.Is(err, tt.target), "got %v", err)
			assert.Empty(t, f.svc.tours)
			assert.Empty(t, f.notifier.created)
		})
	}
}

func TestCreateTour_FailureLeavesCache(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.dash.Tours(ctx)
	require.NoError(t, err)
	gen := f.dash.Store().Tours.Generation()

	f.svc.failCreate = apperr.Transport("POST /tours", errors.New("connection reset"))
	_, err = f.dash.CreateTour(ctx, tourInput())

	assert.True(t, errors.Is(err, apperr.ErrTransport))
	assert.Equal(t, gen, f.dash.Store().Tours.Generation())
	assert.False(t, f.dash.Store().Tours.Dirty())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MutationTotal.WithLabelValues("create_tour", "transport")))
}

func TestAssignGuide_GuideNeededBecomesPending(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	tour, err := f.dash.CreateTour(ctx, tourInput())
	require.NoError(t, err)

	updated, err := f.dash.AssignGuide(ctx, tour.ID, 1)

	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, updated.Status)
	require.NotNil(t, updated.AssignedGuideID)
	assert.Equal(t, int64(1), *updated.AssignedGuideID)
	assert.Equal(t, []int64{1}, f.notifier.assigned)

	tours, err := f.dash.Tours(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, tours[0].Status)
}

func TestAssignGuide_ServiceStatusIsWrittenBack(t *testing.T) {
	f := newFixture()
	f.svc.assignStatus = model.StatusConfirmed
	ctx := context.Background()
	tour, err := f.dash.CreateTour(ctx, tourInput())
	require.NoError(t, err)

	updated, err := f.dash.AssignGuide(ctx, tour.ID, 1)

	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, updated.Status)
	require.NotNil(t, updated.AssignedGuideID)
	assert.Equal(t, int64(1), *updated.AssignedGuideID)

	stored, err := f.svc.GetTour(ctx, tour.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, stored.Status)
	assert.Equal(t, int64(1), *stored.AssignedGuideID)
	assert.Equal(t, []int64{1}, f.notifier.assigned)
}

func TestAssignGuide_WrongGuideFromService(t *testing.T) {
	f := newFixture()
	f.svc.assignGuide = 2
	ctx := context.Background()
	tour, err := f.dash.CreateTour(ctx, tourInput())
	require.NoError(t, err)
	_, err = f.dash.Tours(ctx)
	require.NoError(t, err)

	_, err = f.dash.AssignGuide(ctx, tour.ID, 1)

	require.Error(t, err)
	assert.Equal(t, apperr.KindUnknown, apperr.KindOf(err))
	assert.True(t, f.dash.Store().Tours.Dirty())
	assert.Empty(t, f.notifier.assigned)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MutationTotal.WithLabelValues("assign_guide", "unknown")))
}

func TestAssignGuide_MissingGuideInvalidatesGuides(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	tour, err := f.dash.CreateTour(ctx, tourInput())
	require.NoError(t, err)
	_, err = f.dash.Tours(ctx)
	require.NoError(t, err)
	_, err = f.dash.Guides(ctx)
	require.NoError(t, err)
	f.svc.failAssign = apperr.NotFound("guide", 1)

	_, err = f.dash.AssignGuide(ctx, tour.ID, 1)

	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	assert.True(t, f.dash.Store().Guides.Dirty())
	assert.False(t, f.dash.Store().Tours.Dirty())
}

func TestAssignGuide_Rejections(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.svc.put(model.Tour{ID: 1, Name: "a", Date: model.MustTimestamp("2024-06-01T10:00:00Z"), GroupSize: 1, Duration: 1, ClientID: 3, Status: model.StatusCompleted, AssignedGuideID: model.Int64Ptr(1)})
	f.svc.put(model.Tour{ID: 2, Name: "b", Date: model.MustTimestamp("2024-06-01T10:00:00Z"), GroupSize: 1, Duration: 1, ClientID: 3, Status: model.StatusGuideNeeded})

	_, err := f.dash.AssignGuide(ctx, 1, 1)
	assert.True(t, errors.Is(err, apperr.ErrTourNotAssignable))
	got, _ := f.svc.GetTour(ctx, 1)
	assert.Equal(t, int64(1), *got.AssignedGuideID, "rejected assignment must not touch the guide")

	_, err = f.dash.AssignGuide(ctx, 2, 2)
	assert.True(t, errors.Is(err, apperr.ErrGuideInactive))

	_, err = f.dash.AssignGuide(ctx, 2, 42)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	assert.True(t, f.dash.Store().Guides.Dirty())

	assert.Empty(t, f.notifier.assigned)
}

func TestUnassignGuide(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.svc.put(model.Tour{ID: 1, Name: "a", Date: model.MustTimestamp("2024-06-01T10:00:00Z"), GroupSize: 1, Duration: 1, ClientID: 3, Status: model.StatusPending, AssignedGuideID: model.Int64Ptr(1)})
	f.svc.put(model.Tour{ID: 2, Name: "b", Date: model.MustTimestamp("2024-06-01T10:00:00Z"), GroupSize: 1, Duration: 1, ClientID: 3, Status: model.StatusCancelled})

	updated, err := f.dash.UnassignGuide(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusGuideNeeded, updated.Status)
	assert.Nil(t, updated.AssignedGuideID)
	assert.Equal(t, []int64{1}, f.svc.cleared)

	_, err = f.dash.UnassignGuide(ctx, 2)
	assert.True(t, errors.Is(err, apperr.ErrTourNotAssignable))
}

func TestTransitionTour(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.svc.put(model.Tour{ID: 1, Name: "a", Date: model.MustTimestamp("2024-06-01T10:00:00Z"), GroupSize: 1, Duration: 1, ClientID: 3, Status: model.StatusPending, AssignedGuideID: model.Int64Ptr(1)})

	confirmed, err := f.dash.TransitionTour(ctx, 1, status.EventConfirm)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, confirmed.Status)

	completed, err := f.dash.TransitionTour(ctx, 1, status.EventComplete)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, completed.Status)

	_, err = f.dash.TransitionTour(ctx, 1, status.EventCancel)
	var te *status.TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, model.StatusCompleted, te.From)
	assert.Equal(t, model.StatusCancelled, te.To)
}

func TestUpdateTour_StatusGoesThroughStateMachine(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.svc.put(model.Tour{ID: 1, Name: "a", Date: model.MustTimestamp("2024-06-01T10:00:00Z"), Venue: "x", GroupSize: 1, Duration: 1, ClientID: 3, Status: model.StatusGuideNeeded})

	in := tourInput()
	in.Status = model.StatusConfirmed
	_, err := f.dash.UpdateTour(ctx, 1, in)
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition))

	in.Status = ""
	in.Name = "Renamed"
	updated, err := f.dash.UpdateTour(ctx, 1, in)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
	assert.Equal(t, model.StatusGuideNeeded, updated.Status)
}

func TestNotFoundInvalidatesTours(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, err := f.dash.Tours(ctx)
	require.NoError(t, err)
	require.False(t, f.dash.Store().Tours.Dirty())

	err = f.dash.DeleteTour(ctx, 77)

	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	assert.True(t, f.dash.Store().Tours.Dirty())
}

func TestCreateClientAndGuide_InvalidateOnlyTheirCollection(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	st := f.dash.Store()
	require.NoError(t, st.RefreshAll(ctx))

	client, err := f.dash.CreateClient(ctx, model.ClientInput{Name: "Hotel Ukraina"})
	require.NoError(t, err)
	assert.True(t, st.Clients.Dirty())
	assert.False(t, st.Tours.Dirty())
	assert.False(t, st.Guides.Dirty())

	clients, err := f.dash.Clients(ctx)
	require.NoError(t, err)
	assert.Contains(t, clients, client)

	guide, err := f.dash.CreateGuide(ctx, model.GuideInput{Name: "Vera", Email: "vera@guides.ru"})
	require.NoError(t, err)
	assert.True(t, guide.IsActive)
	assert.True(t, st.Guides.Dirty())
	assert.False(t, st.Tours.Dirty())

	_, err = f.dash.CreateGuide(ctx, model.GuideInput{Name: "Vera"})
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestCalendarAndFilters(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.svc.put(model.Tour{ID: 1, Name: "a", Date: model.MustTimestamp("2024-06-01T10:00:00Z"), GroupSize: 1, Duration: 1, ClientID: 3, Status: model.StatusGuideNeeded})
	f.svc.put(model.Tour{ID: 2, Name: "b", Date: model.MustTimestamp("2024-06-01T08:00:00Z"), GroupSize: 1, Duration: 1, ClientID: 3, Status: model.StatusCompleted})
	f.svc.put(model.Tour{ID: 3, Name: "c", Date: model.MustTimestamp("2024-06-03T08:00:00Z"), GroupSize: 1, Duration: 1, ClientID: 3, Status: model.StatusPending, AssignedGuideID: model.Int64Ptr(1)})

	require.NoError(t, f.dash.SetViewWindow(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), calendar.ViewDay))

	view, err := f.dash.Calendar(ctx)
	require.NoError(t, err)
	require.Len(t, view.Days, 1)
	assert.True(t, view.Days[0].IsToday)
	require.Len(t, view.Days[0].Tours, 2, "completed is not a filter key, so it stays visible")
	assert.Equal(t, int64(2), view.Days[0].Tours[0].ID)
	assert.Equal(t, 3, view.Stats.Total)
	assert.Empty(t, view.Skipped)

	require.NoError(t, f.dash.SetFilters(calendar.StatusFilters{model.StatusGuideNeeded: false}))
	view, err = f.dash.Calendar(ctx)
	require.NoError(t, err)
	require.Len(t, view.Days[0].Tours, 1)
	assert.Equal(t, int64(2), view.Days[0].Tours[0].ID)
	assert.Equal(t, 3, view.Stats.Total, "stats ignore the filter")

	filtered, err := f.dash.FilteredTours(ctx)
	require.NoError(t, err)
	assert.Len(t, filtered, 2)

	err = f.dash.SetFilters(calendar.StatusFilters{"archived": true})
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	assert.Equal(t, calendar.StatusFilters{model.StatusGuideNeeded: false}, f.dash.View().StatusFilters)

	err = f.dash.SetViewWindow(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), "year")
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	assert.Equal(t, calendar.ViewDay, f.dash.View().ViewMode)
}

func TestCalendarReportsSkippedTours(t *testing.T) {
	f := newFixture()
	f.svc.skipped = []model.SkippedTour{{ID: 9, Reason: "date: must be a valid timestamp"}}

	view, err := f.dash.Calendar(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []model.SkippedTour{{ID: 9, Reason: "date: must be a valid timestamp"}}, view.Skipped)
}

func TestViewIsACopy(t *testing.T) {
	f := newFixture()

	v := f.dash.View()
	v.StatusFilters[model.StatusPending] = false

	assert.True(t, f.dash.View().StatusFilters[model.StatusPending])
}

func TestSubscribeSeesMutationInvalidation(t *testing.T) {
	f := newFixture()
	sub := f.dash.Subscribe()
	defer sub.Close()

	_, err := f.dash.CreateClient(context.Background(), model.ClientInput{Name: "Hotel"})
	require.NoError(t, err)

	select {
	case ch := <-sub.C():
		assert.Equal(t, store.Clients, ch.Collection)
		assert.True(t, ch.Invalidated)
	case <-time.After(time.Second):
		t.Fatal("no change delivered")
	}
}
