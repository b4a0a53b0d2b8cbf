package integration

import (
	"net/url"
	"testing"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-relay/internal/backplane"
	"github.com/Tyrowin/gochat-relay/internal/bus"
	"github.com/Tyrowin/gochat-relay/internal/bus/membus"
)

// settings selects the backplane the integration suite runs against. The
// default in-process broker needs no external service; point
// GOCHAT_IT_BUS_URL at a NATS or Redis server to exercise a real one.
type settings struct {
	BusURL string `envconfig:"GOCHAT_IT_BUS_URL" default:"memory://integration"`
}

func loadSettings(t *testing.T) settings {
	t.Helper()
	var s settings
	require.NoError(t, envconfig.Process("", &s))
	return s
}

// dialerFor returns the configured backplane dialer for one relay.
func dialerFor(t *testing.T, instanceID string) bus.Dialer {
	t.Helper()
	dialer, err := backplane.NewDialer(loadSettings(t).BusURL, instanceID)
	require.NoError(t, err)
	return dialer
}

// sharedBroker returns the in-process broker behind the configured URL, or
// skips the test when the suite runs against an external backplane.
func sharedBroker(t *testing.T) *membus.Broker {
	t.Helper()
	parsed, err := url.Parse(loadSettings(t).BusURL)
	require.NoError(t, err)
	if parsed.Scheme != "memory" {
		t.Skipf("needs the in-process backplane, running against %s", parsed.Scheme)
	}
	return membus.Shared(parsed.Host)
}

// uniqueChannel isolates a test's traffic on a shared backplane.
func uniqueChannel() string {
	return "chat_messages_" + uuid.NewString()[:8]
}
