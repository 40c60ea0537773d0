// Package dashboard is the surface presentation talks to: cached reads, the
// projected calendar, and commands that validate locally, apply the status
// and assignment rules, call the data service, and invalidate exactly the
// collections they touched.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tourcal/internal/apperr"
	"tourcal/internal/assign"
	"tourcal/internal/calendar"
	appLog "tourcal/internal/log"
	"tourcal/internal/metrics"
	"tourcal/internal/model"
	"tourcal/internal/notify"
	"tourcal/internal/status"
	"tourcal/internal/store"
)

// Service is the data service. *api.Client satisfies it.
type Service interface {
	store.Fetcher

	GetTour(ctx context.Context, id int64) (model.Tour, error)
	CreateTour(ctx context.Context, in model.TourInput) (model.Tour, error)
	UpdateTour(ctx context.Context, id int64, in model.TourInput) (model.Tour, error)
	ClearGuide(ctx context.Context, id int64, in model.TourInput) (model.Tour, error)
	DeleteTour(ctx context.Context, id int64) error
	AssignGuide(ctx context.Context, tourID, guideID int64) (model.Tour, error)
	CreateClient(ctx context.Context, in model.ClientInput) (model.Client, error)
	CreateGuide(ctx context.Context, in model.GuideInput) (model.Guide, error)

	// SkippedTours lists rows the last tour listing could not use.
	SkippedTours() []model.SkippedTour
}

// Options tune a Dashboard. Zero values are usable.
type Options struct {
	Location    *time.Location
	Now         func() time.Time
	Notifier    notify.Notifier
	Metrics     *metrics.Metrics
	DefaultView *calendar.ViewState
}

// Dashboard is safe for concurrent use.
type Dashboard struct {
	svc      Service
	store    *store.Store
	rules    *assign.Service
	notifier notify.Notifier
	metrics  *metrics.Metrics
	loc      *time.Location
	now      func() time.Time

	viewMu sync.RWMutex
	view   calendar.ViewState
}

// View is one projected calendar screen. Skipped names tours the service
// returned that appear in neither Days nor Stats.
type View struct {
	State   calendar.ViewState   `json:"view"`
	Days    []calendar.DayBucket `json:"days"`
	Stats   calendar.Stats       `json:"stats"`
	Skipped []model.SkippedTour  `json:"skipped,omitempty"`
}

func New(svc Service, st *store.Store, opts Options) *Dashboard {
	d := &Dashboard{
		svc:      svc,
		store:    st,
		rules:    assign.NewService(),
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		loc:      opts.Location,
		now:      opts.Now,
	}
	if d.notifier == nil {
		d.notifier = notify.Nop{}
	}
	if d.loc == nil {
		d.loc = time.Local
	}
	if d.now == nil {
		d.now = time.Now
	}

	if opts.DefaultView != nil {
		d.view = *opts.DefaultView
		d.view.StatusFilters = opts.DefaultView.StatusFilters.Clone()
	} else {
		d.view = calendar.DefaultViewState(d.now().In(d.loc))
	}
	return d
}

// Store exposes the underlying cache (poller and web wiring use it).
func (d *Dashboard) Store() *store.Store {
	return d.store
}

// Location is the display zone used for day boundaries.
func (d *Dashboard) Location() *time.Location {
	return d.loc
}

// ---- reads ----

func (d *Dashboard) Tours(ctx context.Context) ([]model.Tour, error) {
	return d.store.Tours.Get(ctx)
}

// FilteredTours applies the current status filter to the cached tours.
func (d *Dashboard) FilteredTours(ctx context.Context) ([]model.Tour, error) {
	tours, err := d.store.Tours.Get(ctx)
	if err != nil {
		return nil, err
	}
	return calendar.Filter(tours, d.View().StatusFilters), nil
}

func (d *Dashboard) Clients(ctx context.Context) ([]model.Client, error) {
	return d.store.Clients.Get(ctx)
}

func (d *Dashboard) Guides(ctx context.Context) ([]model.Guide, error) {
	return d.store.Guides.Get(ctx)
}

// Tour reads one tour straight from the service. A NotFound invalidates the
// tours cache, which evidently holds something the service no longer has.
func (d *Dashboard) Tour(ctx context.Context, id int64) (model.Tour, error) {
	t, err := d.svc.GetTour(ctx, id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			d.store.Invalidate(store.Tours)
		}
		return model.Tour{}, err
	}
	return t, nil
}

// View returns a copy of the current view state.
func (d *Dashboard) View() calendar.ViewState {
	d.viewMu.RLock()
	defer d.viewMu.RUnlock()

	v := d.view
	v.StatusFilters = d.view.StatusFilters.Clone()
	return v
}

// Calendar projects the cached tours through the current view state.
func (d *Dashboard) Calendar(ctx context.Context) (View, error) {
	tours, err := d.store.Tours.Get(ctx)
	if err != nil {
		return View{}, err
	}

	state := d.View()
	days := calendar.Project(tours, state, calendar.Options{Location: d.loc, Now: d.now})
	return View{
		State:   state,
		Days:    days,
		Stats:   calendar.Summarize(tours),
		Skipped: d.svc.SkippedTours(),
	}, nil
}

// Stats counts all cached tours regardless of the filter.
func (d *Dashboard) Stats(ctx context.Context) (calendar.Stats, error) {
	tours, err := d.store.Tours.Get(ctx)
	if err != nil {
		return calendar.Stats{}, err
	}
	return calendar.Summarize(tours), nil
}

// Subscribe forwards collection changes. Close the subscription when done.
func (d *Dashboard) Subscribe() *store.Subscription {
	return d.store.Subscribe()
}

// ---- view commands ----

// SetFilters replaces the status filter. Unknown statuses are rejected.
func (d *Dashboard) SetFilters(filters calendar.StatusFilters) error {
	if err := filters.Validate(); err != nil {
		d.metrics.Mutation("set_filters", string(apperr.KindOf(err)))
		return err
	}

	d.viewMu.Lock()
	d.view.StatusFilters = filters.Clone()
	d.viewMu.Unlock()

	d.metrics.Mutation("set_filters", "ok")
	return nil
}

// SetViewWindow moves the calendar to date in mode.
func (d *Dashboard) SetViewWindow(date time.Time, mode calendar.ViewMode) error {
	d.viewMu.Lock()
	next := d.view
	next.SelectedDate = date
	next.ViewMode = mode
	if err := next.Validate(); err != nil {
		d.viewMu.Unlock()
		d.metrics.Mutation("set_view_window", string(apperr.KindOf(err)))
		return err
	}
	d.view = next
	d.viewMu.Unlock()

	d.metrics.Mutation("set_view_window", "ok")
	return nil
}

// ---- data commands ----

// CreateTour validates in, checks the client may book, and creates the tour
// with the initial status for a tour without a guide.
func (d *Dashboard) CreateTour(ctx context.Context, in model.TourInput) (model.Tour, error) {
	const cmd = "create_tour"

	in, err := model.ValidateTour(in)
	if err != nil {
		return model.Tour{}, d.fail(cmd, err)
	}

	initial := status.Initial(false)
	switch in.Status {
	case "":
		in.Status = initial
	case initial:
	default:
		return model.Tour{}, d.fail(cmd, model.FieldErrors{
			"status": fmt.Sprintf("a new tour without a guide starts as %s", initial),
		})
	}

	client, err := d.findClient(ctx, in.ClientID)
	if err != nil {
		return model.Tour{}, d.fail(cmd, err)
	}
	if err := d.rules.CheckClient(client); err != nil {
		return model.Tour{}, d.fail(cmd, err)
	}

	tour, err := d.svc.CreateTour(ctx, in)
	if err != nil {
		return model.Tour{}, d.fail(cmd, err)
	}
	d.succeed(cmd, store.Tours)

	appLog.Info("tour created", "tour_id", tour.ID, "status", tour.Status, "client_id", tour.ClientID)

	guides, err := d.store.Guides.Get(ctx)
	if err != nil {
		appLog.Warn("skipping new-tour notification, guides unavailable", "tour_id", tour.ID, "err", err.Error())
	} else {
		d.notifier.TourCreated(ctx, tour, guides)
	}
	return tour, nil
}

// UpdateTour edits tour fields. A status change must be a legal transition;
// moving to guide-needed also clears the guide.
func (d *Dashboard) UpdateTour(ctx context.Context, id int64, in model.TourInput) (model.Tour, error) {
	const cmd = "update_tour"

	in, err := model.ValidateTour(in)
	if err != nil {
		return model.Tour{}, d.fail(cmd, err)
	}

	current, err := d.svc.GetTour(ctx, id)
	if err != nil {
		return model.Tour{}, d.fail(cmd, err)
	}

	if in.ClientID != current.ClientID {
		client, err := d.findClient(ctx, in.ClientID)
		if err != nil {
			return model.Tour{}, d.fail(cmd, err)
		}
		if err := d.rules.CheckClient(client); err != nil {
			return model.Tour{}, d.fail(cmd, err)
		}
	}

	next := current
	if in.Status != "" && in.Status != current.Status {
		ev, ok := status.EventFor(in.Status)
		if !ok {
			return model.Tour{}, d.fail(cmd, &status.TransitionError{From: current.Status, To: in.Status})
		}
		next, err = d.rules.CheckTransition(current, ev)
		if err != nil {
			return model.Tour{}, d.fail(cmd, err)
		}
	}
	in.Status = next.Status

	var updated model.Tour
	if current.HasGuide() && !next.HasGuide() {
		updated, err = d.svc.ClearGuide(ctx, id, in)
	} else {
		updated, err = d.svc.UpdateTour(ctx, id, in)
	}
	if err != nil {
		return model.Tour{}, d.fail(cmd, err)
	}
	d.succeed(cmd, store.Tours)
	return updated, nil
}

func (d *Dashboard) DeleteTour(ctx context.Context, id int64) error {
	const cmd = "delete_tour"

	if err := d.svc.DeleteTour(ctx, id); err != nil {
		return d.fail(cmd, err)
	}
	d.succeed(cmd, store.Tours)
	appLog.Info("tour deleted", "tour_id", id)
	return nil
}

func (d *Dashboard) CreateClient(ctx context.Context, in model.ClientInput) (model.Client, error) {
	const cmd = "create_client"

	in, err := model.ValidateClient(in)
	if err != nil {
		return model.Client{}, d.fail(cmd, err)
	}
	client, err := d.svc.CreateClient(ctx, in)
	if err != nil {
		return model.Client{}, d.fail(cmd, err)
	}
	d.succeed(cmd, store.Clients)
	return client, nil
}

func (d *Dashboard) CreateGuide(ctx context.Context, in model.GuideInput) (model.Guide, error) {
	const cmd = "create_guide"

	in, err := model.ValidateGuide(in)
	if err != nil {
		return model.Guide{}, d.fail(cmd, err)
	}
	guide, err := d.svc.CreateGuide(ctx, in)
	if err != nil {
		return model.Guide{}, d.fail(cmd, err)
	}
	d.succeed(cmd, store.Guides)
	return guide, nil
}

// AssignGuide attaches guideID to tourID. The rules run against the current
// tour and guide before the service is asked.
func (d *Dashboard) AssignGuide(ctx context.Context, tourID, guideID int64) (model.Tour, error) {
	const cmd = "assign_guide"

	tour, err := d.svc.GetTour(ctx, tourID)
	if err != nil {
		return model.Tour{}, d.fail(cmd, err)
	}
	guide, err := d.findGuide(ctx, guideID)
	if err != nil {
		return model.Tour{}, d.fail(cmd, err)
	}
	want, err := d.rules.AssignGuide(tour, guide)
	if err != nil {
		return model.Tour{}, d.fail(cmd, err)
	}

	updated, err := d.svc.AssignGuide(ctx, tourID, guideID)
	if err != nil {
		return model.Tour{}, d.fail(cmd, err)
	}
	if updated, err = d.reconcileAssignment(ctx, want, updated); err != nil {
		d.store.Invalidate(store.Tours)
		return model.Tour{}, d.fail(cmd, err)
	}
	d.succeed(cmd, store.Tours)

	appLog.Info("guide assigned", "tour_id", tourID, "guide_id", guideID, "status", updated.Status)
	d.notifier.GuideAssigned(ctx, updated, guide)
	return updated, nil
}

// reconcileAssignment checks the service's answer against the assignment
// rules. A status the rules did not choose (some services confirm on assign)
// is written back; a different guide cannot be fixed here and is an error.
func (d *Dashboard) reconcileAssignment(ctx context.Context, want, got model.Tour) (model.Tour, error) {
	if !got.HasGuide() || *got.AssignedGuideID != *want.AssignedGuideID {
		return model.Tour{}, &apperr.Error{
			Kind:    apperr.KindUnknown,
			Message: fmt.Sprintf("service assigned guide %v to tour %d, asked for %d", guideOf(got), want.ID, *want.AssignedGuideID),
		}
	}
	if got.Status == want.Status {
		return got, nil
	}

	appLog.Warn("service chose a different status on assign; writing back",
		"tour_id", want.ID, "service_status", got.Status, "status", want.Status)
	in := got.Input()
	in.Status = want.Status
	fixed, err := d.svc.UpdateTour(ctx, want.ID, in)
	if err != nil {
		return model.Tour{}, err
	}
	if fixed.Status != want.Status {
		return model.Tour{}, &apperr.Error{
			Kind:    apperr.KindUnknown,
			Message: fmt.Sprintf("service kept tour %d in %s, expected %s", want.ID, fixed.Status, want.Status),
		}
	}
	return fixed, nil
}

func guideOf(t model.Tour) any {
	if t.AssignedGuideID == nil {
		return "none"
	}
	return *t.AssignedGuideID
}

// UnassignGuide removes the guide and moves the tour back to guide-needed.
func (d *Dashboard) UnassignGuide(ctx context.Context, tourID int64) (model.Tour, error) {
	const cmd = "unassign_guide"

	tour, err := d.svc.GetTour(ctx, tourID)
	if err != nil {
		return model.Tour{}, d.fail(cmd, err)
	}
	next, err := d.rules.UnassignGuide(tour)
	if err != nil {
		return model.Tour{}, d.fail(cmd, err)
	}

	updated, err := d.svc.ClearGuide(ctx, tourID, next.Input())
	if err != nil {
		return model.Tour{}, d.fail(cmd, err)
	}
	d.succeed(cmd, store.Tours)

	appLog.Info("guide unassigned", "tour_id", tourID, "status", updated.Status)
	return updated, nil
}

// TransitionTour applies a status event (confirm, complete, cancel, ...).
func (d *Dashboard) TransitionTour(ctx context.Context, tourID int64, ev status.Event) (model.Tour, error) {
	const cmd = "transition_tour"

	tour, err := d.svc.GetTour(ctx, tourID)
	if err != nil {
		return model.Tour{}, d.fail(cmd, err)
	}
	next, err := d.rules.CheckTransition(tour, ev)
	if err != nil {
		return model.Tour{}, d.fail(cmd, err)
	}

	var updated model.Tour
	if tour.HasGuide() && !next.HasGuide() {
		updated, err = d.svc.ClearGuide(ctx, tourID, next.Input())
	} else {
		updated, err = d.svc.UpdateTour(ctx, tourID, next.Input())
	}
	if err != nil {
		return model.Tour{}, d.fail(cmd, err)
	}
	d.succeed(cmd, store.Tours)

	appLog.Info("tour status changed", "tour_id", tourID, "from", tour.Status, "to", updated.Status)
	return updated, nil
}

// ---- helpers ----

func (d *Dashboard) findClient(ctx context.Context, id int64) (model.Client, error) {
	clients, err := d.store.Clients.Get(ctx)
	if err != nil {
		return model.Client{}, err
	}
	for _, c := range clients {
		if c.ID == id {
			return c, nil
		}
	}
	d.store.Invalidate(store.Clients)
	return model.Client{}, apperr.NotFound("client", id)
}

func (d *Dashboard) findGuide(ctx context.Context, id int64) (model.Guide, error) {
	guides, err := d.store.Guides.Get(ctx)
	if err != nil {
		return model.Guide{}, err
	}
	for _, g := range guides {
		if g.ID == id {
			return g, nil
		}
	}
	d.store.Invalidate(store.Guides)
	return model.Guide{}, apperr.NotFound("guide", id)
}

func (d *Dashboard) succeed(cmd string, affected ...store.Name) {
	d.store.Invalidate(affected...)
	d.metrics.Mutation(cmd, "ok")
}

// fail records a failed command and returns err unchanged. Caches stay as
// they are, except that a missing entity invalidates its collection.
func (d *Dashboard) fail(cmd string, err error) error {
	kind := apperr.KindOf(err)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		kind = "cancelled"
	}

	var ae *apperr.Error
	if kind == apperr.KindNotFound && errors.As(err, &ae) {
		switch ae.Entity {
		case "guide":
			d.store.Invalidate(store.Guides)
		case "client":
			d.store.Invalidate(store.Clients)
		default:
			d.store.Invalidate(store.Tours)
		}
	}

	d.metrics.Mutation(cmd, string(kind))
	if kind == apperr.KindTransport || kind == apperr.KindUnknown {
		appLog.Error("command failed", err, "command", cmd, "kind", kind)
	} else {
		appLog.Debug("command rejected", "command", cmd, "kind", kind, "reason", err.Error())
	}
	return err
}
