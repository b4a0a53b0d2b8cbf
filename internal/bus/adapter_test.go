package bus_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-relay/internal/bus"
	"github.com/Tyrowin/gochat-relay/internal/bus/membus"
)

const (
	testChannel = "chat_messages"
	nodeName    = "node-a"
)

var fastPolicy = bus.Policy{
	Step:        time.Millisecond,
	MaxDelay:    5 * time.Millisecond,
	MaxAttempts: 3,
}

// subscriberDown fails subscriber dials and passes publisher dials through.
type subscriberDown struct {
	broker *membus.Broker
}

func (d subscriberDown) Dial(ctx context.Context, role bus.Role) (bus.Conn, error) {
	if role == bus.RoleSubscriber {
		return nil, errors.New("subscriber unreachable")
	}
	return d.broker.Dial(ctx, role)
}

func newConnectedAdapter(t *testing.T, broker *membus.Broker, policy bus.Policy) *bus.Adapter {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)

	a := bus.NewAdapter(broker.Named(nodeName), policy, log)
	require.NoError(t, a.Connect(context.Background()))
	t.Cleanup(func() { _ = a.Disconnect() })
	return a
}

func collect(received chan<- string) bus.Handler {
	return func(payload string) {
		received <- payload
	}
}

func receive(t *testing.T, received <-chan string) string {
	t.Helper()
	select {
	case payload := <-received:
		return payload
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus delivery")
		return ""
	}
}

func TestAdapter_Connect(t *testing.T) {
	req := require.New(t)
	broker := membus.NewBroker()

	// When the adapter connects to a reachable broker
	a := newConnectedAdapter(t, broker, fastPolicy)

	// Then both roles are linked
	req.True(a.Ready())
	req.Len(broker.Links(nodeName, bus.RolePublisher), 1)
	req.Len(broker.Links(nodeName, bus.RoleSubscriber), 1)
}

func TestAdapter_Connect_BrokerDown(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	broker := membus.NewBroker()

	// Given the broker refuses connections
	broker.SetDown(true)
	a := bus.NewAdapter(broker.Named(nodeName), fastPolicy, log)

	// When connecting
	err := a.Connect(context.Background())

	// Then the adapter is not ready and no retry was made
	req.ErrorIs(err, bus.ErrNotReady)
	req.ErrorIs(err, membus.ErrBrokerDown)
	req.False(a.Ready())
	req.Equal(1, broker.Dials())
}

func TestAdapter_Connect_ReleasesPublisherWhenSubscriberFails(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	broker := membus.NewBroker()
	a := bus.NewAdapter(subscriberDown{broker: broker}, fastPolicy, log)

	// When only the publisher can connect
	err := a.Connect(context.Background())

	// Then the connect fails and the publisher link is closed again
	req.ErrorIs(err, bus.ErrNotReady)
	req.ErrorContains(err, string(bus.RoleSubscriber))
	req.Empty(broker.Links("", bus.RolePublisher))
	req.False(a.Ready())
}

func TestAdapter_PublishSubscribe(t *testing.T) {
	req := require.New(t)
	broker := membus.NewBroker()
	a := newConnectedAdapter(t, broker, fastPolicy)
	received := make(chan string, 10)

	// Given a handler on the shared channel
	req.NoError(a.Subscribe(context.Background(), testChannel, collect(received)))

	// When payloads are published
	req.NoError(a.Publish(context.Background(), testChannel, "hello"))
	req.NoError(a.Publish(context.Background(), testChannel, "world"))

	// Then they arrive in publish order
	req.Equal("hello", receive(t, received))
	req.Equal("world", receive(t, received))
}

func TestAdapter_Subscribe_Twice(t *testing.T) {
	req := require.New(t)
	a := newConnectedAdapter(t, membus.NewBroker(), fastPolicy)

	req.NoError(a.Subscribe(context.Background(), testChannel, func(string) {}))
	err := a.Subscribe(context.Background(), testChannel, func(string) {})

	req.ErrorIs(err, bus.ErrAlreadySubscribed)
}

func TestAdapter_NotConnected(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	a := bus.NewAdapter(membus.NewBroker(), fastPolicy, log)

	req.ErrorIs(a.Publish(context.Background(), testChannel, "hello"), bus.ErrNotConnected)
	req.ErrorIs(a.Subscribe(context.Background(), testChannel, func(string) {}), bus.ErrNotConnected)
}

func TestAdapter_Unsubscribe_StopsDelivery(t *testing.T) {
	req := require.New(t)
	broker := membus.NewBroker()
	a := newConnectedAdapter(t, broker, fastPolicy)

	req.NoError(a.Subscribe(context.Background(), testChannel, func(string) {}))
	req.Equal(1, broker.Subscribers(testChannel))

	req.NoError(a.Unsubscribe(testChannel))
	req.Equal(0, broker.Subscribers(testChannel))

	// Unknown channels are ignored
	req.NoError(a.Unsubscribe("unknown"))
}

func TestAdapter_ReconnectsSubscriberAndResubscribes(t *testing.T) {
	req := require.New(t)
	broker := membus.NewBroker()
	a := newConnectedAdapter(t, broker, fastPolicy)
	received := make(chan string, 10)
	req.NoError(a.Subscribe(context.Background(), testChannel, collect(received)))

	// Given the subscriber link drops
	lost := broker.Links(nodeName, bus.RoleSubscriber)
	req.Len(lost, 1)
	lost[0].Drop()

	// When the adapter restores it
	req.Eventually(func() bool {
		links := broker.Links(nodeName, bus.RoleSubscriber)
		return len(links) == 1 && links[0] != lost[0] && broker.Subscribers(testChannel) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Then the channel subscription was replayed onto the new link
	req.NoError(a.Publish(context.Background(), testChannel, "after reconnect"))
	req.Equal("after reconnect", receive(t, received))
}

func TestAdapter_ReconnectsPublisher(t *testing.T) {
	req := require.New(t)
	broker := membus.NewBroker()
	a := newConnectedAdapter(t, broker, fastPolicy)

	lost := broker.Links(nodeName, bus.RolePublisher)
	req.Len(lost, 1)
	lost[0].Drop()

	req.Eventually(func() bool {
		return a.Ready() && a.Publish(context.Background(), testChannel, "ping") == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAdapter_ReconnectExhausted(t *testing.T) {
	req := require.New(t)
	broker := membus.NewBroker()
	a := newConnectedAdapter(t, broker, fastPolicy)
	dialsBefore := broker.Dials()

	// Given the broker stays unreachable after the subscriber link drops
	broker.SetDown(true)
	broker.Links(nodeName, bus.RoleSubscriber)[0].Drop()

	// Then the adapter gives up after the configured attempts
	select {
	case err := <-a.Errors():
		req.ErrorIs(err, bus.ErrReconnectExhausted)
	case <-time.After(2 * time.Second):
		req.Fail("reconnect exhaustion was not reported")
	}
	req.Equal(fastPolicy.MaxAttempts, broker.Dials()-dialsBefore)
	req.False(a.Ready())
}

func TestAdapter_ShutdownSuppressesReconnect(t *testing.T) {
	req := require.New(t)
	broker := membus.NewBroker()
	a := newConnectedAdapter(t, broker, fastPolicy)
	dialsBefore := broker.Dials()

	// Given shutdown has begun
	a.BeginShutdown()

	// When both links drop
	broker.Links(nodeName, bus.RoleSubscriber)[0].Drop()
	broker.Links(nodeName, bus.RolePublisher)[0].Drop()

	// Then nothing is redialed and no failure is reported
	time.Sleep(50 * time.Millisecond)
	req.Equal(dialsBefore, broker.Dials())
	req.Empty(a.Errors())
	req.True(a.ShuttingDown())
}

func TestAdapter_ShutdownCancelsPendingBackoff(t *testing.T) {
	req := require.New(t)
	broker := membus.NewBroker()
	a := newConnectedAdapter(t, broker, bus.Policy{
		Step:        50 * time.Millisecond,
		MaxDelay:    time.Second,
		MaxAttempts: 20,
	})
	dialsBefore := broker.Dials()

	// Given a reconnect loop is retrying against an unreachable broker
	broker.SetDown(true)
	broker.Links(nodeName, bus.RoleSubscriber)[0].Drop()
	req.Eventually(func() bool {
		return broker.Dials() > dialsBefore
	}, 2*time.Second, 5*time.Millisecond)

	// When shutdown begins during the backoff wait
	a.BeginShutdown()
	time.Sleep(20 * time.Millisecond)
	dialsAtShutdown := broker.Dials()

	// Then no further attempt is dialed
	time.Sleep(300 * time.Millisecond)
	req.Equal(dialsAtShutdown, broker.Dials())
	req.Empty(a.Errors())
}

func TestAdapter_Disconnect(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	broker := membus.NewBroker()
	a := bus.NewAdapter(broker.Named(nodeName), fastPolicy, log)
	req.NoError(a.Connect(context.Background()))
	req.NoError(a.Subscribe(context.Background(), testChannel, func(string) {}))

	// When disconnecting
	req.NoError(a.Disconnect())

	// Then every link and subscription is released
	req.Empty(broker.Links(nodeName, bus.RolePublisher))
	req.Empty(broker.Links(nodeName, bus.RoleSubscriber))
	req.Equal(0, broker.Subscribers(testChannel))
	req.False(a.Ready())
	req.ErrorIs(a.Connect(context.Background()), bus.ErrShuttingDown)
}

func TestAdapter_Disconnect_NeverConnected(t *testing.T) {
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	a := bus.NewAdapter(membus.NewBroker(), fastPolicy, log)

	require.NoError(t, a.Disconnect())
	require.NoError(t, a.Disconnect())
}
