package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/isabella232/lttrs-android-sub000/internal/config"
)

func TestCORS_PreflightForCancelAction(t *testing.T) {
	srv, _ := bareServer(t, config.ServerConfig{CORSOrigins: []string{"http://localhost:5173"}})

	w := request(srv, "OPTIONS", "/api/v1/accounts/work/actions/task-1",
		"Origin", "http://localhost:5173",
		"Access-Control-Request-Method", "DELETE",
	)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	h := w.Header()
	if got := h.Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if !strings.Contains(h.Get("Access-Control-Allow-Methods"), "DELETE") {
		t.Errorf("Allow-Methods = %q, want DELETE listed", h.Get("Access-Control-Allow-Methods"))
	}
	if !strings.Contains(h.Get("Access-Control-Allow-Headers"), "X-API-Key") {
		t.Errorf("Allow-Headers = %q, want X-API-Key listed", h.Get("Access-Control-Allow-Headers"))
	}
	if got := h.Get("Access-Control-Max-Age"); got != "86400" {
		t.Errorf("Max-Age = %q, want the 86400 default", got)
	}
	if h.Get("Vary") != "Origin" {
		t.Errorf("Vary = %q, want Origin", h.Get("Vary"))
	}
}

func TestCORS_OnlyConfiguredOrigins(t *testing.T) {
	tests := []struct {
		name    string
		origins []string
		origin  string
		want    string
	}{
		{"listed origin", []string{"http://localhost:5173"}, "http://localhost:5173", "http://localhost:5173"},
		{"unlisted origin", []string{"http://localhost:5173"}, "http://evil.example", ""},
		{"wildcard echoes the origin", []string{"*"}, "http://app.example", "http://app.example"},
		{"disabled by default", nil, "http://localhost:5173", ""},
		{"same-origin request", []string{"*"}, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := bareServer(t, config.ServerConfig{CORSOrigins: tt.origins})
			var header []string
			if tt.origin != "" {
				header = []string{"Origin", tt.origin}
			}
			w := request(srv, "GET", "/health", header...)
			if w.Code != http.StatusOK {
				t.Errorf("status = %d, want 200", w.Code)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.want {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCORS_CredentialsFromConfig(t *testing.T) {
	srv, _ := bareServer(t, config.ServerConfig{
		CORSOrigins:     []string{"http://localhost:5173"},
		CORSCredentials: true,
		CORSMaxAge:      60,
	})
	w := request(srv, "OPTIONS", "/api/v1/accounts", "Origin", "http://localhost:5173")
	if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Allow-Credentials = %q, want true", got)
	}
	if got := w.Header().Get("Access-Control-Max-Age"); got != "60" {
		t.Errorf("Max-Age = %q, want 60", got)
	}
}

func TestRateLimit_APIFromConfig(t *testing.T) {
	srv, _ := bareServer(t, config.ServerConfig{RateLimitRPS: 0.001, RateLimitBurst: 2})

	var codes []int
	for i := 0; i < 3; i++ {
		codes = append(codes, request(srv, "GET", "/api/v1/accounts").Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("status codes = %v, want [200 200 429]", codes)
	}

	w := request(srv, "GET", "/api/v1/scheduler/status")
	if w.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q, want 1", w.Header().Get("Retry-After"))
	}
	if resp := decode[ErrorResponse](t, w); resp.Error != "rate_limited" {
		t.Errorf("error = %q, want rate_limited", resp.Error)
	}
}

func TestRateLimit_KeyedByClientHost(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	defer rl.Close()
	handler := RateLimitMiddleware(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(remote, realIP string) int {
		req := httptest.NewRequest("GET", "/api/v1/accounts", nil)
		req.RemoteAddr = remote
		if realIP != "" {
			req.Header.Set("X-Real-IP", realIP)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	got := []int{
		send("10.0.0.1:1111", ""),
		send("10.0.0.1:2222", ""),          // same host, new port
		send("10.0.0.2:1111", ""),          // another host
		send("10.0.0.9:1111", "192.0.2.7"), // proxied client
		send("10.0.0.1:3333", "192.0.2.7"),
	}
	want := []int{200, 429, 200, 200, 429}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("request %d: status = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestRateLimiter_ForgetsIdleClients(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	defer rl.Close()

	if !rl.Allow("10.0.0.1") || rl.Allow("10.0.0.1") {
		t.Fatal("want one request allowed, then a denial")
	}
	rl.forget(0)
	if !rl.Allow("10.0.0.1") {
		t.Error("a forgotten client should start with a full bucket")
	}
}

func TestServer_ShutdownClosesLimiterOnce(t *testing.T) {
	srv, _ := bareServer(t, config.ServerConfig{})
	// The cleanup registered by bareServer shuts it down a second time.
	if err := srv.Shutdown(t.Context()); err != nil {
		t.Errorf("Shutdown() = %v", err)
	}
}
