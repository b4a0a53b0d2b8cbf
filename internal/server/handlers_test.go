package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

func newHandlerTestServer(t *testing.T) *ChatServer {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	return NewChatServer(testConfig("server1"), &fakeBus{}, log)
}

// TestWebSocketHandlerMethodValidation verifies that only GET reaches the upgrader.
func TestWebSocketHandlerMethodValidation(t *testing.T) {
	s := newHandlerTestServer(t)
	expectedBody := "Method not allowed. WebSocket endpoint only accepts GET requests."

	for _, method := range []string{"POST", "PUT", "DELETE", "PATCH"} {
		t.Run(method+" request should be rejected", func(t *testing.T) {
			req := httptest.NewRequest(method, "/ws", nil)
			w := httptest.NewRecorder()

			s.WebSocketHandler(w, req)

			resp := w.Result()
			defer func() { _ = resp.Body.Close() }()

			if resp.StatusCode != http.StatusMethodNotAllowed {
				t.Errorf("Expected status code %d, got %d", http.StatusMethodNotAllowed, resp.StatusCode)
			}
			if body := strings.TrimSpace(w.Body.String()); body != expectedBody {
				t.Errorf("Expected body %q, got %q", expectedBody, body)
			}
			if contentType := resp.Header.Get("Content-Type"); !strings.Contains(contentType, "text/plain") {
				t.Errorf("Expected Content-Type to contain 'text/plain', got %q", contentType)
			}
		})
	}
}

// TestWebSocketHandlerGETWithoutUpgrade verifies that a plain GET is refused
// by the upgrader without registering anything.
func TestWebSocketHandlerGETWithoutUpgrade(t *testing.T) {
	s := newHandlerTestServer(t)
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Origin", testOrigin)
	w := httptest.NewRecorder()

	s.WebSocketHandler(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status code %d for invalid WebSocket upgrade, got %d", http.StatusBadRequest, w.Code)
	}
	if s.Registry().Len() != 0 {
		t.Errorf("Expected no registered sessions, got %d", s.Registry().Len())
	}
}

func TestHealthHandler(t *testing.T) {
	req := require.New(t)
	s := newHandlerTestServer(t)

	for _, path := range []string{"/", "/health"} {
		w := httptest.NewRecorder()
		s.SetupRoutes().ServeHTTP(w, httptest.NewRequest("GET", path, nil))

		req.Equal(http.StatusOK, w.Code)
		req.Equal("application/json", w.Header().Get("Content-Type"))

		var status HealthStatus
		req.NoError(json.Unmarshal(w.Body.Bytes(), &status))
		req.Equal(HealthStatus{Status: "ok", Instance: "server1"}, status)
	}
}

func TestHealthHandler_ShuttingDown(t *testing.T) {
	req := require.New(t)
	s := newHandlerTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req.NoError(s.Shutdown(ctx))

	w := httptest.NewRecorder()
	s.HealthHandler(w, httptest.NewRequest("GET", "/health", nil))

	req.Equal(http.StatusServiceUnavailable, w.Code)
	req.JSONEq(`{"status":"shutting_down","instance":"server1","sessions":0,"shutting_down":true}`, w.Body.String())
}

// TestCreateServer verifies the production timeouts on the HTTP server.
func TestCreateServer(t *testing.T) {
	handler := http.NewServeMux()
	srv := CreateServer(":0", handler)

	if srv.Addr != ":0" {
		t.Errorf("Expected address :0, got %s", srv.Addr)
	}
	if srv.Handler != handler {
		t.Error("Expected handler to be the provided mux")
	}
	if srv.ReadTimeout != 15*time.Second || srv.WriteTimeout != 15*time.Second {
		t.Errorf("Unexpected read/write timeouts: %v/%v", srv.ReadTimeout, srv.WriteTimeout)
	}
	if srv.IdleTimeout != 60*time.Second {
		t.Errorf("Expected idle timeout 60s, got %v", srv.IdleTimeout)
	}
}
