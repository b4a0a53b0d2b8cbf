// Package redisbus connects the bus adapter to Redis pub/sub. Each role gets
// its own client; a periodic PING marks a link as lost so the adapter can
// restore it under its own policy.
package redisbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Tyrowin/gochat-relay/internal/bus"
)

const (
	defaultHealthInterval = 2 * time.Second
	pingTimeout           = time.Second
)

// ErrClosed is returned by calls on a lost or closed link.
var ErrClosed = errors.New("redisbus: link closed")

// Dialer opens Redis links for the bus adapter.
type Dialer struct {
	opts           redis.Options
	healthInterval time.Duration
}

// NewDialer parses a redis:// or rediss:// URL. name is reported to the
// server through CLIENT SETNAME.
func NewDialer(rawURL, name string) (*Dialer, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.ClientName = name
	return &Dialer{opts: *opts, healthInterval: defaultHealthInterval}, nil
}

func (d *Dialer) Dial(ctx context.Context, role bus.Role) (bus.Conn, error) {
	opts := d.opts
	opts.ClientName = fmt.Sprintf("%s-%s", d.opts.ClientName, role)

	client := redis.NewClient(&opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", role, err)
	}

	linkCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		client: client,
		ctx:    linkCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.monitor(d.healthInterval)
	return c, nil
}

type conn struct {
	client *redis.Client
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

func (c *conn) Publish(ctx context.Context, channel string, payload []byte) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	return c.client.Publish(ctx, channel, payload).Err()
}

func (c *conn) Subscribe(ctx context.Context, channel string, handler bus.Handler) (bus.Subscription, error) {
	if c.ctx.Err() != nil {
		return nil, ErrClosed
	}

	ps := c.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	s := &subscription{ps: ps}
	go c.receive(s, handler)
	return s, nil
}

func (c *conn) receive(s *subscription, handler bus.Handler) {
	for {
		msg, err := s.ps.ReceiveMessage(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil || s.stopped.Load() {
				return
			}
			c.drop()
			return
		}
		handler(msg.Payload)
	}
}

func (c *conn) monitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, pingTimeout)
			err := c.client.Ping(ctx).Err()
			cancel()
			if err != nil && c.ctx.Err() == nil {
				c.drop()
				return
			}
		}
	}
}

func (c *conn) Done() <-chan struct{} {
	return c.done
}

func (c *conn) Close() error {
	c.drop()
	return c.client.Close()
}

func (c *conn) drop() {
	c.once.Do(func() {
		c.cancel()
		close(c.done)
	})
}

type subscription struct {
	ps      *redis.PubSub
	stopped atomic.Bool
}

func (s *subscription) Unsubscribe() error {
	s.stopped.Store(true)
	return s.ps.Close()
}
