package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"tourcal/internal/apperr"
	"tourcal/internal/calendar"
	"tourcal/internal/config"
	"tourcal/internal/dashboard"
	appLog "tourcal/internal/log"
	"tourcal/internal/metrics"
	"tourcal/internal/model"
	"tourcal/internal/status"
)

// Server exposes the dashboard over HTTP/JSON, plus an iCalendar feed, a
// server-sent change stream and prometheus metrics.
type Server struct {
	cfg     *config.Config
	dash    *dashboard.Dashboard
	metrics *metrics.Metrics
	mux     *http.ServeMux

	// keepAlive is the SSE comment interval.
	keepAlive time.Duration
}

// NewServer constructs a new Server. m may be nil (no /metrics route).
func NewServer(cfg *config.Config, dash *dashboard.Dashboard, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:       cfg,
		dash:      dash,
		metrics:   m,
		mux:       http.NewServeMux(),
		keepAlive: 25 * time.Second,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		h = s.basicAuthMiddleware(h)
	}
	return s.requestMiddleware(h)
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty username or password disables auth.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="TourCal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

type ctxKey int

const requestIDKey ctxKey = iota

// RequestID returns the id assigned by the request middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// requestMiddleware assigns a request id, logs the request and records
// metrics under the matched route pattern.
func (s *Server) requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey, id))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.ObserveRequest(r.Method, route, rec.status, elapsed)
		appLog.Debug("http request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}

// statusRecorder captures the response status. It forwards Flush so the
// event stream keeps working behind the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("GET /api/calendar", s.handleCalendar)
	s.mux.HandleFunc("PUT /api/view", s.handleSetView)
	s.mux.HandleFunc("PUT /api/filters", s.handleSetFilters)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)

	s.mux.HandleFunc("GET /api/tours", s.handleListTours)
	s.mux.HandleFunc("POST /api/tours", s.handleCreateTour)
	s.mux.HandleFunc("GET /api/tours/{id}", s.handleGetTour)
	s.mux.HandleFunc("PUT /api/tours/{id}", s.handleUpdateTour)
	s.mux.HandleFunc("DELETE /api/tours/{id}", s.handleDeleteTour)
	s.mux.HandleFunc("POST /api/tours/{id}/assign-guide", s.handleAssignGuide)
	s.mux.HandleFunc("POST /api/tours/{id}/unassign-guide", s.handleUnassignGuide)
	s.mux.HandleFunc("POST /api/tours/{id}/transition", s.handleTransition)

	s.mux.HandleFunc("GET /api/clients", s.handleListClients)
	s.mux.HandleFunc("POST /api/clients", s.handleCreateClient)
	s.mux.HandleFunc("GET /api/guides", s.handleListGuides)
	s.mux.HandleFunc("POST /api/guides", s.handleCreateGuide)

	s.mux.HandleFunc("GET /calendar.ics", s.handleICS)

	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// ---- calendar & view ----

func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	view, err := s.dash.Calendar(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.dash.Stats(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type viewRequest struct {
	SelectedDate string            `json:"selected_date"`
	ViewMode     calendar.ViewMode `json:"view_mode"`
}

// handleSetView moves the calendar window.
//
// PUT /api/view {"selected_date": "2024-06-01", "view_mode": "week"}
//   - selected_date: a calendar date (display zone) or any timestamp
//   - view_mode:     month, week or day; empty keeps the current mode
func (s *Server) handleSetView(w http.ResponseWriter, r *http.Request) {
	var req viewRequest
	if !decodeBody(w, r, &req) {
		return
	}

	current := s.dash.View()
	date := current.SelectedDate
	if req.SelectedDate != "" {
		d, err := parseDate(req.SelectedDate, s.dash.Location())
		if err != nil {
			writeAppError(w, r, model.FieldErrors{"selected_date": err.Error()})
			return
		}
		date = d
	}
	mode := req.ViewMode
	if mode == "" {
		mode = current.ViewMode
	}

	if err := s.dash.SetViewWindow(date, mode); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.dash.View())
}

func (s *Server) handleSetFilters(w http.ResponseWriter, r *http.Request) {
	var filters calendar.StatusFilters
	if !decodeBody(w, r, &filters) {
		return
	}
	if filters == nil {
		filters = calendar.StatusFilters{}
	}
	if err := s.dash.SetFilters(filters); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.dash.View())
}

// handleEvents streams collection changes as server-sent events until the
// client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := s.dash.Subscribe()
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, ": subscribed %s\n\n", sub.ID)
	flusher.Flush()

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ch, open := <-sub.C():
			if !open {
				return
			}
			data, err := json.Marshal(ch)
			if err != nil {
				appLog.Error("failed to encode change event", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: change\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// ---- tours ----

// handleListTours returns cached tours.
//
// GET /api/tours?filtered=1 applies the current status filter.
func (s *Server) handleListTours(w http.ResponseWriter, r *http.Request) {
	var (
		tours []model.Tour
		err   error
	)
	if parseBool(r.URL.Query().Get("filtered")) {
		tours, err = s.dash.FilteredTours(r.Context())
	} else {
		tours, err = s.dash.Tours(r.Context())
	}
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tours)
}

func (s *Server) handleCreateTour(w http.ResponseWriter, r *http.Request) {
	var in model.TourInput
	if !decodeBody(w, r, &in) {
		return
	}
	tour, err := s.dash.CreateTour(r.Context(), in)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tour)
}

func (s *Server) handleGetTour(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	tour, err := s.dash.Tour(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tour)
}

func (s *Server) handleUpdateTour(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var in model.TourInput
	if !decodeBody(w, r, &in) {
		return
	}
	tour, err := s.dash.UpdateTour(r.Context(), id, in)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tour)
}

func (s *Server) handleDeleteTour(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.dash.DeleteTour(r.Context(), id); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type assignRequest struct {
	GuideID int64 `json:"guideId"`
}

func (s *Server) handleAssignGuide(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req assignRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.GuideID <= 0 {
		writeAppError(w, r, model.FieldErrors{"guideId": "is required"})
		return
	}
	tour, err := s.dash.AssignGuide(r.Context(), id, req.GuideID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tour)
}

func (s *Server) handleUnassignGuide(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	tour, err := s.dash.UnassignGuide(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tour)
}

type transitionRequest struct {
	Event status.Event `json:"event"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !req.Event.IsValid() {
		writeAppError(w, r, model.FieldErrors{"event": fmt.Sprintf("unknown event %q", req.Event)})
		return
	}
	tour, err := s.dash.TransitionTour(r.Context(), id, req.Event)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tour)
}

// ---- clients & guides ----

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := s.dash.Clients(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, clients)
}

func (s *Server) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	var in model.ClientInput
	if !decodeBody(w, r, &in) {
		return
	}
	client, err := s.dash.CreateClient(r.Context(), in)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, client)
}

func (s *Server) handleListGuides(w http.ResponseWriter, r *http.Request) {
	guides, err := s.dash.Guides(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, guides)
}

func (s *Server) handleCreateGuide(w http.ResponseWriter, r *http.Request) {
	var in model.GuideInput
	if !decodeBody(w, r, &in) {
		return
	}
	guide, err := s.dash.CreateGuide(r.Context(), in)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, guide)
}

// ---- iCalendar ----

// handleICS publishes every cached tour as an iCalendar feed for external
// calendar apps.
func (s *Server) handleICS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tours, err := s.dash.Tours(ctx)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	guides, err := s.dash.Guides(ctx)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	clients, err := s.dash.Clients(ctx)
	if err != nil {
		writeAppError(w, r, err)
		return
	}

	body := calendar.ExportICS(tours, guides, clients, time.Now().UTC())
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="tours.ics"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

// ---- helpers ----

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeAppError(w, r, model.FieldErrors{"id": fmt.Sprintf("invalid id %q", raw)})
		return 0, false
	}
	return id, true
}

const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeAppError(w, r, model.FieldErrors{"body": "invalid JSON: " + err.Error()})
		return false
	}
	return true
}

// parseDate accepts a plain calendar date in loc or any timestamp the data
// service would accept.
func parseDate(s string, loc *time.Location) (time.Time, error) {
	if d, err := time.ParseInLocation("2006-01-02", s, loc); err == nil {
		return d, nil
	}
	ts, err := model.ParseTimestamp(s)
	if err != nil {
		return time.Time{}, errors.New("must be YYYY-MM-DD or a timestamp")
	}
	return ts.In(loc), nil
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	return err == nil && b
}

// statusFor maps an error kind to the HTTP status presented to callers.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindInvalidTransition, apperr.KindGuideInactive,
		apperr.KindTourNotAssignable, apperr.KindClientBlacklisted:
		return http.StatusConflict
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error     string            `json:"error"`
	Kind      apperr.Kind       `json:"kind"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		// client went away; nobody reads the body
		return
	}

	kind := apperr.KindOf(err)
	code := statusFor(kind)
	resp := errorResponse{
		Error:     err.Error(),
		Kind:      kind,
		RequestID: RequestID(r.Context()),
	}
	var fe model.FieldErrors
	if errors.As(err, &fe) {
		resp.Fields = fe
	}
	if code >= http.StatusInternalServerError {
		appLog.Error("request failed", err, "request_id", resp.RequestID, "path", r.URL.Path)
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}

// StartServer serves Handler on cfg.Listen until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) StartServer(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Request contexts end with ctx so open event streams let Shutdown finish.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	appLog.Info("HTTP server stopped")
	return nil
}
