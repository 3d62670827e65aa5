// Package main provides a CI-friendly smoke test for a running devicegate.
//
// It drives one user through a device limit of two:
//   - devices A and B log in
//   - device C is refused with limit_reached and the A,B offer
//   - C evicts A, and A's event feed receives session_ended
//   - A validates as logged_out, C and B as valid
//   - C logs out, twice
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "devicegate/shared/contracts/sessions/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 64 << 10

type session struct {
	SessionID string `json:"sessionId"`
	DeviceID  string `json:"deviceId"`
	Active    bool   `json:"active"`
}

type loginResponse struct {
	Status         string    `json:"status"`
	SessionID      string    `json:"sessionId"`
	ActiveSessions []session `json:"activeSessions"`
}

type validateResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason"`
}

type smoke struct {
	base    string
	origin  string
	user    string
	timeout time.Duration
	verbose bool
	hc      *http.Client
}

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:8080", "Service base URL")
		origin  = flag.String("origin", "http://localhost", "Origin header for the event feed handshake")
		user    = flag.String("user", "", "User id (default: random per run)")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if strings.TrimSpace(*user) == "" {
		*user = fmt.Sprintf("smoke-%d", time.Now().UnixNano())
	}

	s := &smoke{
		base:    strings.TrimRight(*baseURL, "/"),
		origin:  *origin,
		user:    *user,
		timeout: *timeout,
		verbose: *verbose,
		hc:      &http.Client{Timeout: *timeout},
	}
	root := context.Background()

	a := s.mustLoginOK(root, "dev-A", "")
	b := s.mustLoginOK(root, "dev-B", "")

	refused := s.mustLogin(root, "dev-C", "")
	if refused.Status != "limit_reached" {
		fatalf("C: expected limit_reached, got %q", refused.Status)
	}
	if len(refused.ActiveSessions) != 2 ||
		refused.ActiveSessions[0].SessionID != a ||
		refused.ActiveSessions[1].SessionID != b {
		fatalf("C: unexpected offer %+v (want A=%s, B=%s oldest first)", refused.ActiveSessions, a, b)
	}

	feed := s.mustSubscribe(root, a)
	defer func() { _ = feed.Close(websocket.StatusNormalClosure, "bye") }()

	c := s.mustLoginOK(root, "dev-C", a)

	ended := s.mustReadSessionEnded(root, feed)
	if ended.SessionID != a || ended.Reason != v1.ReasonForced {
		fatalf("feed: unexpected session_ended %+v", ended)
	}

	s.mustValidate(root, a, false, "logged_out")
	s.mustValidate(root, b, true, "")
	s.mustValidate(root, c, true, "")

	s.mustLogout(root, c)
	s.mustLogout(root, c)
	s.mustValidate(root, c, false, "logged_out")

	fmt.Printf("OK: user=%s A=%s B=%s C=%s\n", s.user, a, b, c)
}

func (s *smoke) mustLoginOK(ctx context.Context, deviceID, evict string) string {
	res := s.mustLogin(ctx, deviceID, evict)
	if res.Status != "ok" || res.SessionID == "" {
		fatalf("%s: expected ok, got %+v", deviceID, res)
	}
	if s.verbose {
		fmt.Printf("login %s -> %s\n", deviceID, res.SessionID)
	}
	return res.SessionID
}

func (s *smoke) mustLogin(ctx context.Context, deviceID, evict string) loginResponse {
	body := map[string]string{
		"userId":     s.user,
		"deviceId":   deviceID,
		"deviceInfo": "session-smoke",
	}
	if evict != "" {
		body["evictSessionId"] = evict
	}

	var out loginResponse
	if err := s.do(ctx, http.MethodPost, "/sessions/login", nil, body, &out); err != nil {
		fatalf("%s: login: %v", deviceID, err)
	}
	return out
}

func (s *smoke) mustLogout(ctx context.Context, sessionID string) {
	var out struct {
		Status string `json:"status"`
	}
	if err := s.do(ctx, http.MethodPost, "/sessions/logout", nil, map[string]string{"sessionId": sessionID}, &out); err != nil {
		fatalf("logout %s: %v", sessionID, err)
	}
	if out.Status != "ok" {
		fatalf("logout %s: status %q", sessionID, out.Status)
	}
}

func (s *smoke) mustValidate(ctx context.Context, sessionID string, valid bool, reason string) {
	var out validateResponse
	q := url.Values{"sessionId": {sessionID}}
	if err := s.do(ctx, http.MethodGet, "/sessions/validate", q, nil, &out); err != nil {
		fatalf("validate %s: %v", sessionID, err)
	}
	if out.Valid != valid || out.Reason != reason {
		fatalf("validate %s: got valid=%v reason=%q want valid=%v reason=%q", sessionID, out.Valid, out.Reason, valid, reason)
	}
}

func (s *smoke) mustSubscribe(ctx context.Context, sessionID string) *websocket.Conn {
	u, err := url.Parse(s.base)
	if err != nil {
		fatalf("feed: %v", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/sessions/events"
	u.RawQuery = url.Values{"sessionId": {sessionID}}.Encode()

	dctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	h := http.Header{}
	if s.origin != "" {
		h.Set("Origin", s.origin)
	}
	conn, _, err := websocket.Dial(dctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if err != nil {
		fatalf("feed: dial: %v", err)
	}
	conn.SetReadLimit(maxReadBytes)

	env := s.mustReadEnvelope(ctx, conn)
	if env.Type != v1.TypeSubscribed {
		fatalf("feed: expected %s, got %s", v1.TypeSubscribed, env.Type)
	}
	if s.verbose {
		fmt.Printf("subscribed %s\n", sessionID)
	}
	return conn
}

func (s *smoke) mustReadSessionEnded(ctx context.Context, conn *websocket.Conn) v1.SessionEndedPayload {
	for {
		env := s.mustReadEnvelope(ctx, conn)
		if env.Type != v1.TypeSessionEnded {
			continue
		}
		var p v1.SessionEndedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			fatalf("feed: bad session_ended payload: %v", err)
		}
		return p
	}
}

func (s *smoke) mustReadEnvelope(ctx context.Context, conn *websocket.Conn) v1.Envelope {
	rctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, data, err := conn.Read(rctx)
	if err != nil {
		fatalf("feed: read: %v", err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		fatalf("feed: decode: %v", err)
	}
	if err := env.Validate(); err != nil {
		fatalf("feed: invalid envelope: %v", err)
	}
	return env
}

func (s *smoke) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	target := s.base + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return json.Unmarshal(raw, out)
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
