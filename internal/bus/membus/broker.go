// Package membus is an in-process backplane. It serves single-instance
// deployments (memory:// bus URLs) and tests that run several chat servers
// inside one process.
package membus

import (
	"context"
	"errors"
	"sync"

	"github.com/Tyrowin/gochat-relay/internal/bus"
)

var (
	// ErrBrokerDown is returned by Dial while the broker is marked down.
	ErrBrokerDown = errors.New("membus: broker down")
	// ErrClosed is returned by calls on a dropped or closed link.
	ErrClosed = errors.New("membus: link closed")
)

const queueSize = 1024

// Broker routes payloads between links. The zero value is not usable; use
// NewBroker or Shared.
type Broker struct {
	mu    sync.Mutex
	down  bool
	dials int
	links map[*Link]struct{}
	subs  map[string]map[*subscription]struct{}
}

// NewBroker returns an empty, reachable broker.
func NewBroker() *Broker {
	return &Broker{
		links: make(map[*Link]struct{}),
		subs:  make(map[string]map[*subscription]struct{}),
	}
}

var (
	sharedMu sync.Mutex
	shared   = map[string]*Broker{}
)

// Shared returns the process-wide broker registered under name, creating it
// on first use. memory://<name> URLs resolve through it.
func Shared(name string) *Broker {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	b, ok := shared[name]
	if !ok {
		b = NewBroker()
		shared[name] = b
	}
	return b
}

// Named returns a Dialer whose links carry name, so tests can find and drop
// the links belonging to one server.
func (b *Broker) Named(name string) bus.Dialer {
	return dialer{broker: b, name: name}
}

// Dial opens an unnamed link.
func (b *Broker) Dial(ctx context.Context, role bus.Role) (bus.Conn, error) {
	return dialer{broker: b}.Dial(ctx, role)
}

func (b *Broker) dial(ctx context.Context, name string, role bus.Role) (*Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.down {
		return nil, ErrBrokerDown
	}

	l := &Link{
		broker: b,
		Name:   name,
		Role:   role,
		done:   make(chan struct{}),
		subs:   make(map[*subscription]struct{}),
	}
	b.links[l] = struct{}{}
	return l, nil
}

// SetDown makes subsequent dials fail (true) or succeed (false). Live links
// are not affected; use Drop for that.
func (b *Broker) SetDown(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = down
}

// Dials returns how many dial attempts the broker has seen, failed ones included.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Links returns the live links opened by the named dialer for role.
func (b *Broker) Links(name string, role bus.Role) []*Link {
	b.mu.Lock()
	defer b.mu.Unlock()

	var links []*Link
	for l := range b.links {
		if l.Name == name && l.Role == role {
			links = append(links, l)
		}
	}
	return links
}

// Subscribers returns the number of live subscriptions on channel.
func (b *Broker) Subscribers(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}

func (b *Broker) publish(ctx context.Context, channel string, payload string) error {
	b.mu.Lock()
	targets := make([]*subscription, 0, len(b.subs[channel]))
	for s := range b.subs[channel] {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		select {
		case s.queue <- payload:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *Broker) addSubscription(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subs[s.channel]
	if !ok {
		set = make(map[*subscription]struct{})
		b.subs[s.channel] = set
	}
	set[s] = struct{}{}
}

func (b *Broker) removeSubscription(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if set, ok := b.subs[s.channel]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.channel)
		}
	}
}

func (b *Broker) removeLink(l *Link) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.links, l)
}

type dialer struct {
	broker *Broker
	name   string
}

func (d dialer) Dial(ctx context.Context, role bus.Role) (bus.Conn, error) {
	l, err := d.broker.dial(ctx, d.name, role)
	if err != nil {
		return nil, err
	}
	return l, nil
}
