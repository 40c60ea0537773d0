// Package api is the HTTP/JSON transport to the remote tour data service.
// It maps service responses onto the apperr taxonomy and never retries.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"tourcal/internal/apperr"
	appLog "tourcal/internal/log"
	"tourcal/internal/model"
)

// Client talks to the data service under <base>/api. List endpoints are
// revalidated with If-None-Match when the service hands out ETags.
type Client struct {
	client  *http.Client
	baseURL string

	etagMu sync.Mutex
	etags  map[string]etagEntry

	skipMu  sync.Mutex
	skipped []model.SkippedTour
}

// etagEntry holds the last 200 body of a list endpoint and its ETag.
type etagEntry struct {
	ETag      string
	Body      []byte
	UpdatedAt time.Time
}

// NewClient creates a client for baseURL (scheme + host, optionally with a
// path prefix; "/api" is appended unless already present). A zero timeout
// keeps the transport's default behavior.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("api base URL is empty")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse api base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api base URL must be http(s), got %q", u.Scheme)
	}

	base := strings.TrimRight(u.String(), "/")
	if !strings.HasSuffix(base, "/api") {
		base += "/api"
	}

	return &Client{
		client:  &http.Client{Timeout: timeout},
		baseURL: base,
		etags:   make(map[string]etagEntry),
	}, nil
}

// BaseURL returns the resolved ".../api" root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// serviceError is the error body shape of the data service. FastAPI-style
// services send "detail"; others send "error" and optionally "code".
type serviceError struct {
	Detail json.RawMessage `json:"detail"`
	Error  string          `json:"error"`
	Code   string          `json:"code"`
}

func (se serviceError) message() string {
	if se.Error != "" {
		return se.Error
	}
	if len(se.Detail) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(se.Detail, &s); err == nil {
		return s
	}
	return string(se.Detail)
}

// do sends one request and decodes a 2xx JSON body into out (if non-nil).
// etagKey enables conditional GET for list endpoints.
func (c *Client) do(ctx context.Context, method, path string, body any, out any, etagKey string) (int, error) {
	op := method + " " + path

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("%s: encode body: %w", op, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	var cached etagEntry
	if etagKey != "" {
		c.etagMu.Lock()
		cached = c.etags[etagKey]
		c.etagMu.Unlock()
		if cached.ETag != "" {
			req.Header.Set("If-None-Match", cached.ETag)
		}
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, apperr.Transport(op, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, apperr.Transport(op, fmt.Errorf("read body: %w", err))
	}

	appLog.Debug("api request done",
		"op", op,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	switch {
	case resp.StatusCode == http.StatusNotModified && etagKey != "":
		if len(cached.Body) == 0 {
			return resp.StatusCode, apperr.Transport(op, errors.New("received 304 Not Modified but no cached body available"))
		}
		payload = cached.Body
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if etagKey != "" {
			if tag := resp.Header.Get("ETag"); tag != "" {
				c.etagMu.Lock()
				c.etags[etagKey] = etagEntry{ETag: tag, Body: payload, UpdatedAt: time.Now().UTC()}
				c.etagMu.Unlock()
			}
		}
	default:
		return resp.StatusCode, decodeServiceError(op, resp.StatusCode, payload)
	}

	if out == nil || len(bytes.TrimSpace(payload)) == 0 {
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return resp.StatusCode, apperr.Transport(op, fmt.Errorf("decode response: %w", err))
	}
	return resp.StatusCode, nil
}

func decodeServiceError(op string, statusCode int, payload []byte) error {
	var se serviceError
	_ = json.Unmarshal(payload, &se)
	msg := se.message()
	if msg == "" {
		msg = http.StatusText(statusCode)
	}

	if statusCode == http.StatusNotFound {
		return &apperr.Error{Kind: apperr.KindNotFound, Message: fmt.Sprintf("%s: %s", op, msg), Entity: entityOf(msg)}
	}

	switch statusCode {
	case http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity:
		if k := kindFromCode(se.Code); k != "" {
			return &apperr.Error{Kind: k, Message: msg}
		}
		return &apperr.Error{Kind: apperr.KindValidation, Message: fmt.Sprintf("%s: rejected by service: %s", op, msg)}
	default:
		return apperr.Transport(op, fmt.Errorf("service returned %d: %s", statusCode, msg))
	}
}

// entityOf reads the entity from details like "Guide not found".
func entityOf(detail string) string {
	word, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(detail)), " ")
	switch word {
	case "tour", "guide", "client":
		return word
	}
	return ""
}

// kindFromCode maps the service "code" field onto assignment kinds.
func kindFromCode(code string) apperr.Kind {
	switch strings.ToLower(strings.ReplaceAll(code, "-", "_")) {
	case "guide_inactive", "guideinactive":
		return apperr.KindGuideInactive
	case "tour_not_assignable", "tournotassignable":
		return apperr.KindTourNotAssignable
	case "invalid_transition", "invalidtransition":
		return apperr.KindInvalidTransition
	case "client_blacklisted", "clientblacklisted":
		return apperr.KindClientBlacklisted
	}
	return ""
}

func tourPath(id int64) string {
	return "/tours/" + strconv.FormatInt(id, 10)
}

// RedactURL keeps scheme and host only, for logging.
func RedactURL(u string) string {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		return "api://...(redacted)"
	}
	return parsed.Scheme + "://" + parsed.Host + "/...(redacted)"
}
