package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrSessionNotFound is matched by API errors with code session_not_found.
	ErrSessionNotFound = errors.New("session not found")
	// ErrUnavailable is matched by API errors reporting a store outage (503).
	ErrUnavailable = errors.New("session service unavailable")
)

// Login statuses returned by the server.
const (
	StatusOK           = "ok"
	StatusLimitReached = "limit_reached"
)

// Validation reasons returned by the server.
const (
	ReasonNotFound  = "session_not_found"
	ReasonLoggedOut = "logged_out"
)

// Session mirrors the server's Session JSON.
type Session struct {
	SessionID  string    `json:"sessionId"`
	UserID     string    `json:"userId"`
	DeviceID   string    `json:"deviceId"`
	CreatedAt  time.Time `json:"createdAt"`
	LastSeen   time.Time `json:"lastSeen"`
	Active     bool      `json:"active"`
	DeviceInfo string    `json:"deviceInfo,omitempty"`
}

// LoginInput is the login request body.
type LoginInput struct {
	UserID     string `json:"userId"`
	DeviceID   string `json:"deviceId"`
	DeviceInfo string `json:"deviceInfo,omitempty"`

	// EvictSessionID, when set, logs that session out in the same step.
	EvictSessionID string `json:"evictSessionId,omitempty"`
}

// LoginResult is the login response.
type LoginResult struct {
	Status         string    `json:"status"`
	SessionID      string    `json:"sessionId,omitempty"`
	ActiveSessions []Session `json:"activeSessions,omitempty"`
}

// Validation is the validate response.
type Validation struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("session api: http %d", e.Status)
	}
	return fmt.Sprintf("session api: http %d %s: %s", e.Status, e.Code, e.Message)
}

// Is lets callers match with errors.Is(err, ErrSessionNotFound) or ErrUnavailable.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrSessionNotFound:
		return e.Code == "session_not_found"
	case ErrUnavailable:
		return e.Status == http.StatusServiceUnavailable
	default:
		return false
	}
}

// HTTPClient calls the session API.
type HTTPClient struct {
	base *url.URL
	hc   *http.Client
}

// NewHTTPClient returns a client for baseURL (e.g. http://127.0.0.1:8080).
// A nil hc uses a client with a 10s timeout.
func NewHTTPClient(baseURL string, hc *http.Client) (*HTTPClient, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("client: invalid base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("client: unsupported scheme %q", u.Scheme)
	}
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPClient{base: u, hc: hc}, nil
}

// Login requests a new session for the device.
func (c *HTTPClient) Login(ctx context.Context, in LoginInput) (LoginResult, error) {
	var out LoginResult
	if err := c.do(ctx, http.MethodPost, "/sessions/login", nil, in, &out); err != nil {
		return LoginResult{}, err
	}
	return out, nil
}

// Logout ends sessionID. Logging out an inactive session succeeds.
func (c *HTTPClient) Logout(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/sessions/logout", nil, map[string]string{"sessionId": sessionID}, nil)
}

// ForceLogout ends a sibling session. When userID is set the server checks ownership.
func (c *HTTPClient) ForceLogout(ctx context.Context, sessionID, userID string) error {
	body := struct {
		SessionID string `json:"sessionId"`
		UserID    string `json:"userId,omitempty"`
	}{SessionID: sessionID, UserID: userID}
	return c.do(ctx, http.MethodPost, "/sessions/force-logout", nil, body, nil)
}

// Validate reports whether sessionID is still active.
func (c *HTTPClient) Validate(ctx context.Context, sessionID string) (Validation, error) {
	var out Validation
	q := url.Values{"sessionId": []string{sessionID}}
	if err := c.do(ctx, http.MethodGet, "/sessions/validate", q, nil, &out); err != nil {
		return Validation{}, err
	}
	return out, nil
}

// Active lists the user's active sessions, oldest first.
func (c *HTTPClient) Active(ctx context.Context, userID string) ([]Session, error) {
	var out struct {
		Sessions []Session `json:"sessions"`
	}
	q := url.Values{"userId": []string{userID}}
	if err := c.do(ctx, http.MethodGet, "/sessions/active", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if q != nil {
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var eb struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(data, &eb) == nil {
			apiErr.Code = eb.Error.Code
			apiErr.Message = eb.Error.Message
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("client: decode %s: %w", path, err)
	}
	return nil
}
