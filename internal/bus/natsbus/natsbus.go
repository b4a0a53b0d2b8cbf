// Package natsbus connects the bus adapter to a NATS server. Each role gets
// its own *nats.Conn with the client's built-in reconnect turned off, so the
// adapter's reconnect policy is the only one in play.
package natsbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Tyrowin/gochat-relay/internal/bus"
)

const defaultDialTimeout = 5 * time.Second

// Dialer opens NATS links for the bus adapter.
type Dialer struct {
	url  string
	name string
	opts []nats.Option
}

// NewDialer returns a Dialer for url. name identifies this process in the
// NATS server's connection list; extra options are appended last.
func NewDialer(url, name string, opts ...nats.Option) *Dialer {
	return &Dialer{url: url, name: name, opts: opts}
}

func (d *Dialer) Dial(ctx context.Context, role bus.Role) (bus.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	timeout := defaultDialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	c := &conn{done: make(chan struct{})}
	opts := append([]nats.Option{
		nats.Name(fmt.Sprintf("%s-%s", d.name, role)),
		nats.Timeout(timeout),
		nats.NoReconnect(),
		nats.ClosedHandler(func(*nats.Conn) {
			c.markDone()
		}),
	}, d.opts...)

	nc, err := nats.Connect(d.url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", role, err)
	}
	c.nc = nc
	return c, nil
}

type conn struct {
	nc   *nats.Conn
	once sync.Once
	done chan struct{}
}

func (c *conn) Publish(_ context.Context, channel string, payload []byte) error {
	return c.nc.Publish(channel, payload)
}

// Subscribe returns once the server has acknowledged the subscription, so a
// publish issued right after it is delivered.
func (c *conn) Subscribe(ctx context.Context, channel string, handler bus.Handler) (bus.Subscription, error) {
	sub, err := c.nc.Subscribe(channel, func(msg *nats.Msg) {
		handler(string(msg.Data))
	})
	if err != nil {
		return nil, err
	}
	if err := c.flush(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("nats subscribe %s: %w", channel, err)
	}
	return sub, nil
}

// flush round-trips to the server, bounded by ctx or defaultDialTimeout.
func (c *conn) flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); ok {
		return c.nc.FlushWithContext(ctx)
	}
	return c.nc.FlushTimeout(defaultDialTimeout)
}

func (c *conn) Done() <-chan struct{} {
	return c.done
}

func (c *conn) Close() error {
	c.nc.Close()
	c.markDone()
	return nil
}

func (c *conn) markDone() {
	c.once.Do(func() {
		close(c.done)
	})
}
