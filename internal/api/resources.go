package api

import (
	"context"
	"errors"
	"net/http"

	"tourcal/internal/apperr"
	appLog "tourcal/internal/log"
	"tourcal/internal/model"
)

// tourUpdate is the PUT payload. AssignedGuideID is only sent when clearing
// a guide; the service treats an explicit null as "unassign".
type tourUpdate struct {
	model.TourInput
	AssignedGuideID *int64 `json:"assigned_guide_id"`
}

type assignRequest struct {
	GuideID int64 `json:"guideId"`
}

// ListTours fetches every tour. Rows that cannot be placed on a calendar are
// left out, logged and reported by SkippedTours.
func (c *Client) ListTours(ctx context.Context) ([]model.Tour, error) {
	var tours []model.Tour
	if _, err := c.do(ctx, http.MethodGet, "/tours", nil, &tours, "tours"); err != nil {
		return nil, err
	}

	out := make([]model.Tour, 0, len(tours))
	var skipped []model.SkippedTour
	for _, t := range tours {
		if _, err := model.ValidateTourEntity(t); err != nil {
			appLog.Warn("api: skipping unusable tour", "tour_id", t.ID, "reason", err.Error())
			skipped = append(skipped, model.SkippedTour{ID: t.ID, Reason: err.Error()})
			continue
		}
		out = append(out, t)
	}

	c.skipMu.Lock()
	c.skipped = skipped
	c.skipMu.Unlock()
	return out, nil
}

// SkippedTours returns the rows the most recent successful ListTours left out.
func (c *Client) SkippedTours() []model.SkippedTour {
	c.skipMu.Lock()
	defer c.skipMu.Unlock()
	return append([]model.SkippedTour(nil), c.skipped...)
}

func (c *Client) GetTour(ctx context.Context, id int64) (model.Tour, error) {
	var t model.Tour
	_, err := c.do(ctx, http.MethodGet, tourPath(id), nil, &t, "")
	if err != nil {
		return model.Tour{}, notFoundAs(err, "tour", id)
	}
	return t, nil
}

func (c *Client) CreateTour(ctx context.Context, in model.TourInput) (model.Tour, error) {
	var t model.Tour
	if _, err := c.do(ctx, http.MethodPost, "/tours", in, &t, ""); err != nil {
		return model.Tour{}, err
	}
	return t, nil
}

func (c *Client) UpdateTour(ctx context.Context, id int64, in model.TourInput) (model.Tour, error) {
	var t model.Tour
	if _, err := c.do(ctx, http.MethodPut, tourPath(id), in, &t, ""); err != nil {
		return model.Tour{}, notFoundAs(err, "tour", id)
	}
	return t, nil
}

// ClearGuide sends an update that drops the assigned guide and sets the
// status computed by the assignment rules.
func (c *Client) ClearGuide(ctx context.Context, id int64, in model.TourInput) (model.Tour, error) {
	var t model.Tour
	payload := tourUpdate{TourInput: in, AssignedGuideID: nil}
	if _, err := c.do(ctx, http.MethodPut, tourPath(id), payload, &t, ""); err != nil {
		return model.Tour{}, notFoundAs(err, "tour", id)
	}
	return t, nil
}

func (c *Client) DeleteTour(ctx context.Context, id int64) error {
	if _, err := c.do(ctx, http.MethodDelete, tourPath(id), nil, nil, ""); err != nil {
		return notFoundAs(err, "tour", id)
	}
	return nil
}

// AssignGuide asks the service to attach guideID. A rejection without a
// recognizable code is reported as TourNotAssignable.
func (c *Client) AssignGuide(ctx context.Context, tourID, guideID int64) (model.Tour, error) {
	var t model.Tour
	code, err := c.do(ctx, http.MethodPost, tourPath(tourID)+"/assign-guide", assignRequest{GuideID: guideID}, &t, "")
	if err == nil {
		return t, nil
	}

	if code == http.StatusConflict || code == http.StatusUnprocessableEntity {
		var ae *apperr.Error
		if errors.As(err, &ae) && ae.Kind == apperr.KindValidation {
			return model.Tour{}, &apperr.Error{Kind: apperr.KindTourNotAssignable, Message: ae.Message}
		}
	}
	if isNotFoundOf(err, "guide") {
		return model.Tour{}, apperr.NotFound("guide", guideID)
	}
	return model.Tour{}, notFoundAs(err, "tour", tourID)
}

func (c *Client) ListClients(ctx context.Context) ([]model.Client, error) {
	var clients []model.Client
	if _, err := c.do(ctx, http.MethodGet, "/clients", nil, &clients, "clients"); err != nil {
		return nil, err
	}
	return clients, nil
}

func (c *Client) CreateClient(ctx context.Context, in model.ClientInput) (model.Client, error) {
	var cl model.Client
	if _, err := c.do(ctx, http.MethodPost, "/clients", in, &cl, ""); err != nil {
		return model.Client{}, err
	}
	return cl, nil
}

func (c *Client) ListGuides(ctx context.Context) ([]model.Guide, error) {
	var guides []model.Guide
	if _, err := c.do(ctx, http.MethodGet, "/guides", nil, &guides, "guides"); err != nil {
		return nil, err
	}
	return guides, nil
}

func (c *Client) CreateGuide(ctx context.Context, in model.GuideInput) (model.Guide, error) {
	var g model.Guide
	if _, err := c.do(ctx, http.MethodPost, "/guides", in, &g, ""); err != nil {
		return model.Guide{}, err
	}
	return g, nil
}

// notFoundAs rewrites a NotFound into one naming the entity, unless the
// service already named a different one.
func notFoundAs(err error, entity string, id int64) error {
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Kind != apperr.KindNotFound {
		return err
	}
	if ae.Entity != "" && ae.Entity != entity {
		return err
	}
	return apperr.NotFound(entity, id)
}

func isNotFoundOf(err error, entity string) bool {
	var ae *apperr.Error
	return errors.As(err, &ae) && ae.Kind == apperr.KindNotFound && ae.Entity == entity
}
