// Package testhelpers provides common utilities for the relay's integration tests.
//
// It starts chat servers against a shared bus, dials WebSocket clients with
// an allowed Origin, and reads envelopes with deadlines so a broken relay
// fails a test instead of hanging it.
package testhelpers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-relay/internal/bus"
	"github.com/Tyrowin/gochat-relay/internal/server"
)

// TestOrigin is the Origin every helper-dialed client presents.
const TestOrigin = "http://localhost:8080"

// ReadTimeout bounds every helper read.
const ReadTimeout = 3 * time.Second

// Relay is one chat server process under test.
type Relay struct {
	Server  *server.ChatServer
	Adapter *bus.Adapter
	HTTP    *httptest.Server
	Config  *server.Config
}

// NewConfig returns a relay configuration for tests.
func NewConfig(instanceID, channel string) *server.Config {
	cfg := server.NewConfig()
	cfg.InstanceID = instanceID
	cfg.BusChannel = channel
	cfg.AllowedOrigins = TestOrigin
	cfg.ShutdownTimeout = 5 * time.Second
	cfg.ReconnectStep = 5 * time.Millisecond
	cfg.ReconnectMaxDelay = 50 * time.Millisecond
	return cfg
}

// StartRelay connects a bus adapter through dialer and serves a chat server
// on an httptest listener. The relay is shut down when the test ends.
func StartRelay(t *testing.T, cfg *server.Config, dialer bus.Dialer) *Relay {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)

	adapter := bus.NewAdapter(dialer, cfg.ReconnectPolicy(), log.With("instance", cfg.InstanceID))
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	require.NoError(t, adapter.Connect(ctx))

	chat := server.NewChatServer(cfg, adapter, log)
	require.NoError(t, chat.Start(ctx))

	relay := &Relay{
		Server:  chat,
		Adapter: adapter,
		HTTP:    httptest.NewServer(chat.SetupRoutes()),
		Config:  cfg,
	}
	t.Cleanup(func() {
		_ = relay.Shutdown()
		relay.HTTP.Close()
	})
	return relay
}

// Shutdown runs the relay's shutdown sequence with its configured timeout.
func (r *Relay) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), r.Config.ShutdownTimeout)
	defer cancel()
	return r.Server.Shutdown(ctx)
}

// WebSocketURL returns the relay's /ws endpoint.
func (r *Relay) WebSocketURL() string {
	return "ws" + strings.TrimPrefix(r.HTTP.URL, "http") + "/ws"
}

// ConnectWebSocket dials url with the given Origin header. An empty origin
// sends none. The handshake response is returned for status assertions.
func ConnectWebSocket(url, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// Connect dials the relay, checks the welcome envelope and returns the client.
func (r *Relay) Connect(t *testing.T) *websocket.Conn {
	t.Helper()

	conn, _, err := ConnectWebSocket(r.WebSocketURL(), TestOrigin)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	welcome := ReadEnvelope(t, conn)
	require.Equal(t, server.WelcomeEnvelope(r.Config.InstanceID), welcome)
	return conn
}

// SendText writes one text frame.
func SendText(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(text)))
}

// ReadEnvelope reads and decodes the next frame.
func ReadEnvelope(t *testing.T, conn *websocket.Conn) server.Envelope {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(ReadTimeout)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var env server.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

// ReadContents reads n message envelopes and returns their contents in order.
func ReadContents(t *testing.T, conn *websocket.Conn, n int) []string {
	t.Helper()

	contents := make([]string, 0, n)
	for len(contents) < n {
		env := ReadEnvelope(t, conn)
		require.Equal(t, server.TypeMessage, env.Type, "unexpected envelope %+v", env)
		contents = append(contents, env.Content)
	}
	return contents
}

// ReadUntilClose drains frames until the connection closes and returns the
// terminating error.
func ReadUntilClose(t *testing.T, conn *websocket.Conn) error {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*ReadTimeout)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return err
		}
	}
}
