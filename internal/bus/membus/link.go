package membus

import (
	"context"
	"sync"

	"github.com/Tyrowin/gochat-relay/internal/bus"
)

// Link is one connection to a Broker. It implements bus.Conn.
type Link struct {
	broker *Broker
	Name   string
	Role   bus.Role

	mu   sync.Mutex
	subs map[*subscription]struct{}

	once sync.Once
	done chan struct{}
}

func (l *Link) Publish(ctx context.Context, channel string, payload []byte) error {
	if l.closed() {
		return ErrClosed
	}
	return l.broker.publish(ctx, channel, string(payload))
}

func (l *Link) Subscribe(_ context.Context, channel string, handler bus.Handler) (bus.Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed() {
		return nil, ErrClosed
	}

	s := &subscription{
		link:    l,
		channel: channel,
		handler: handler,
		queue:   make(chan string, queueSize),
		done:    make(chan struct{}),
	}
	l.subs[s] = struct{}{}
	l.broker.addSubscription(s)
	go s.run()

	return s, nil
}

func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Close releases the link and its subscriptions.
func (l *Link) Close() error {
	l.shutdown()
	return nil
}

// Drop simulates the link being lost: subscriptions stop and Done fires.
func (l *Link) Drop() {
	l.shutdown()
}

func (l *Link) shutdown() {
	l.once.Do(func() {
		l.mu.Lock()
		subs := make([]*subscription, 0, len(l.subs))
		for s := range l.subs {
			subs = append(subs, s)
		}
		clear(l.subs)
		l.mu.Unlock()

		for _, s := range subs {
			s.stop()
		}
		l.broker.removeLink(l)
		close(l.done)
	})
}

func (l *Link) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *Link) forget(s *subscription) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.subs, s)
}

// subscription delivers queued payloads to its handler on one goroutine, so
// the handler sees the broker's delivery order.
type subscription struct {
	link    *Link
	channel string
	handler bus.Handler
	queue   chan string

	once sync.Once
	done chan struct{}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case payload := <-s.queue:
			s.handler(payload)
		}
	}
}

func (s *subscription) stop() {
	s.once.Do(func() {
		s.link.broker.removeSubscription(s)
		close(s.done)
	})
}

func (s *subscription) Unsubscribe() error {
	s.stop()
	s.link.forget(s)
	return nil
}
