package app

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
)

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(b)
}

func TestRoutes_Health(t *testing.T) {
	_, srv := newTestServer(t, Config{MetricsEnabled: true})

	resp, body := get(t, srv.URL+"/")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, `"message"`) {
		t.Fatalf("GET / status=%d body=%q", resp.StatusCode, body)
	}

	resp, body = get(t, srv.URL+"/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /health status=%d", resp.StatusCode)
	}
	var health struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal([]byte(body), &health); err != nil {
		t.Fatalf("decode /health: %v", err)
	}
	if health.Status != "healthy" || health.Timestamp == "" {
		t.Fatalf("unexpected /health body: %+v", health)
	}

	resp, body = get(t, srv.URL+"/healthz")
	if resp.StatusCode != http.StatusOK || body != "ok\n" {
		t.Fatalf("GET /healthz status=%d body=%q", resp.StatusCode, body)
	}

	resp, _ = get(t, srv.URL+"/readyz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /readyz status=%d", resp.StatusCode)
	}

	resp, _ = get(t, srv.URL+"/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET /nope status=%d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("security headers missing: %q", got)
	}
}

func TestRoutes_ReadyzRequiresDurableStore(t *testing.T) {
	_, srv := newTestServer(t, Config{ReadinessRequireStore: true})

	resp, _ := get(t, srv.URL+"/readyz")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with memory store, got %d", resp.StatusCode)
	}
}

func TestRoutes_SessionsAndMetrics(t *testing.T) {
	_, srv := newTestServer(t, Config{MetricsEnabled: true})

	resp, err := http.Post(srv.URL+"/sessions/login", "application/json",
		strings.NewReader(`{"userId":"u1","deviceId":"d1","deviceInfo":"Chrome"}`))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	var login struct {
		Status    string `json:"status"`
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&login); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || login.Status != "ok" || login.SessionID == "" {
		t.Fatalf("login status=%d body=%+v", resp.StatusCode, login)
	}

	resp, body := get(t, srv.URL+"/sessions/validate?sessionId="+login.SessionID)
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, `"valid":true`) {
		t.Fatalf("validate status=%d body=%q", resp.StatusCode, body)
	}

	resp, body = get(t, srv.URL+"/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /metrics status=%d", resp.StatusCode)
	}
	for _, want := range []string{
		`devicegate_admission_decisions_total{result="ok"} 1`,
		`devicegate_validations_total{result="valid"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}

func TestRoutes_MetricsDisabled(t *testing.T) {
	_, srv := newTestServer(t, Config{})

	resp, _ := get(t, srv.URL+"/metrics")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected /metrics to be unmounted, got %d", resp.StatusCode)
	}
}
