package membus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-relay/internal/bus"
)

func TestBroker_DeliversInPublishOrder(t *testing.T) {
	req := require.New(t)
	broker := NewBroker()
	ctx := context.Background()

	pub, err := broker.Dial(ctx, bus.RolePublisher)
	req.NoError(err)
	sub, err := broker.Dial(ctx, bus.RoleSubscriber)
	req.NoError(err)

	received := make(chan string, 100)
	_, err = sub.Subscribe(ctx, "room", func(payload string) { received <- payload })
	req.NoError(err)

	// When one publisher sends a sequence
	for i := range 50 {
		req.NoError(pub.Publish(ctx, "room", []byte(fmt.Sprintf("msg-%d", i))))
	}

	// Then the subscriber sees it in the same order
	for i := range 50 {
		select {
		case payload := <-received:
			req.Equal(fmt.Sprintf("msg-%d", i), payload)
		case <-time.After(time.Second):
			req.FailNow("delivery timed out")
		}
	}
}

func TestBroker_FansOutToEverySubscriber(t *testing.T) {
	req := require.New(t)
	broker := NewBroker()
	ctx := context.Background()

	pub, err := broker.Dial(ctx, bus.RolePublisher)
	req.NoError(err)

	received := make(chan string, 10)
	for range 3 {
		sub, err := broker.Dial(ctx, bus.RoleSubscriber)
		req.NoError(err)
		_, err = sub.Subscribe(ctx, "room", func(payload string) { received <- payload })
		req.NoError(err)
	}
	req.Equal(3, broker.Subscribers("room"))

	req.NoError(pub.Publish(ctx, "room", []byte("hi")))
	req.NoError(pub.Publish(ctx, "other", []byte("ignored")))

	for range 3 {
		select {
		case payload := <-received:
			req.Equal("hi", payload)
		case <-time.After(time.Second):
			req.FailNow("delivery timed out")
		}
	}
	req.Empty(received)
}

func TestLink_Drop(t *testing.T) {
	req := require.New(t)
	broker := NewBroker()
	ctx := context.Background()

	conn, err := broker.Named("node").Dial(ctx, bus.RoleSubscriber)
	req.NoError(err)
	_, err = conn.Subscribe(ctx, "room", func(string) {})
	req.NoError(err)

	links := broker.Links("node", bus.RoleSubscriber)
	req.Len(links, 1)

	// When the link is dropped
	links[0].Drop()

	// Then Done fires and the link is gone
	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		req.FailNow("Done did not fire")
	}
	req.Empty(broker.Links("node", bus.RoleSubscriber))
	req.Equal(0, broker.Subscribers("room"))
	req.ErrorIs(conn.Publish(ctx, "room", []byte("x")), ErrClosed)
	_, err = conn.Subscribe(ctx, "room", func(string) {})
	req.ErrorIs(err, ErrClosed)
}

func TestSubscription_Unsubscribe(t *testing.T) {
	req := require.New(t)
	broker := NewBroker()
	ctx := context.Background()

	conn, err := broker.Dial(ctx, bus.RoleSubscriber)
	req.NoError(err)
	sub, err := conn.Subscribe(ctx, "room", func(string) {})
	req.NoError(err)

	req.NoError(sub.Unsubscribe())
	req.NoError(sub.Unsubscribe())
	req.Equal(0, broker.Subscribers("room"))
	req.NoError(conn.Close())
}

func TestBroker_SetDown(t *testing.T) {
	req := require.New(t)
	broker := NewBroker()

	broker.SetDown(true)
	conn, err := broker.Dial(context.Background(), bus.RolePublisher)
	req.ErrorIs(err, ErrBrokerDown)
	req.Nil(conn)

	broker.SetDown(false)
	_, err = broker.Dial(context.Background(), bus.RolePublisher)
	req.NoError(err)
	req.Equal(2, broker.Dials())
}

func TestShared_ReturnsSameBroker(t *testing.T) {
	req := require.New(t)

	req.Same(Shared("shared-test"), Shared("shared-test"))
	req.NotSame(Shared("shared-test"), Shared("shared-test-other"))
}
