// Package bus wraps the publish/subscribe backplane that fans chat messages
// out across server processes. The Adapter owns one publisher link and one
// subscriber link and restores either of them with a bounded backoff when it
// drops, unless shutdown has begun.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Adapter is the process-wide handle on the backplane.
type Adapter struct {
	dialer Dialer
	policy Policy
	log    *slog.Logger

	mu       sync.Mutex
	conns    map[Role]Conn
	handlers map[string]Handler
	subs     map[string]Subscription

	shuttingDown atomic.Bool
	ctx          context.Context
	cancel       context.CancelFunc
	errs         chan error
	wg           sync.WaitGroup
}

// NewAdapter creates an Adapter. Nothing is dialed until Connect.
func NewAdapter(dialer Dialer, policy Policy, log *slog.Logger) *Adapter {
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		dialer:   dialer,
		policy:   policy.sanitized(),
		log:      log.With("component", "bus"),
		conns:    make(map[Role]Conn),
		handlers: make(map[string]Handler),
		subs:     make(map[string]Subscription),
		ctx:      ctx,
		cancel:   cancel,
		errs:     make(chan error, 2),
	}
}

// Connect establishes the publisher and subscriber roles. Both must come up;
// if either fails the other is released and an ErrNotReady error is returned.
// The reconnect policy does not apply here.
func (a *Adapter) Connect(ctx context.Context) error {
	if a.shuttingDown.Load() {
		return ErrShuttingDown
	}

	pub, err := a.dialer.Dial(ctx, RolePublisher)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNotReady, RolePublisher, err)
	}

	sub, err := a.dialer.Dial(ctx, RoleSubscriber)
	if err != nil {
		a.closeQuietly(RolePublisher, pub)
		return fmt.Errorf("%w: %s: %w", ErrNotReady, RoleSubscriber, err)
	}

	a.mu.Lock()
	a.conns[RolePublisher] = pub
	a.conns[RoleSubscriber] = sub
	a.mu.Unlock()

	a.watch(RolePublisher, pub)
	a.watch(RoleSubscriber, sub)

	a.log.Info("Bus connected", "roles", []Role{RolePublisher, RoleSubscriber})
	return nil
}

// Errors delivers unrecoverable adapter failures, currently only
// ErrReconnectExhausted.
func (a *Adapter) Errors() <-chan error {
	return a.errs
}

// Ready reports whether both roles are currently linked.
func (a *Adapter) Ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conns[RolePublisher] != nil && a.conns[RoleSubscriber] != nil
}

// ShuttingDown reports whether BeginShutdown or Disconnect has been called.
func (a *Adapter) ShuttingDown() bool {
	return a.shuttingDown.Load()
}

// Subscribe registers the single handler for channel on the subscriber role.
// The subscription is re-established after a subscriber reconnect.
func (a *Adapter) Subscribe(ctx context.Context, channel string, handler Handler) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.shuttingDown.Load() {
		return ErrShuttingDown
	}
	if _, exists := a.handlers[channel]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, channel)
	}
	conn := a.conns[RoleSubscriber]
	if conn == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, RoleSubscriber)
	}

	sub, err := conn.Subscribe(ctx, channel, handler)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	a.handlers[channel] = handler
	a.subs[channel] = sub

	a.log.Info("Subscribed", "channel", channel)
	return nil
}

// Unsubscribe drops the handler for channel. Unknown channels are ignored.
func (a *Adapter) Unsubscribe(channel string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unsubscribeLocked(channel)
}

func (a *Adapter) unsubscribeLocked(channel string) error {
	delete(a.handlers, channel)
	sub, ok := a.subs[channel]
	if !ok {
		return nil
	}
	delete(a.subs, channel)
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", channel, err)
	}
	a.log.Info("Unsubscribed", "channel", channel)
	return nil
}

// Publish sends payload on channel through the publisher role. Failures are
// returned to the caller, including ErrNotConnected while the role is being
// restored.
func (a *Adapter) Publish(ctx context.Context, channel, payload string) error {
	a.mu.Lock()
	conn := a.conns[RolePublisher]
	a.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, RolePublisher)
	}
	if err := conn.Publish(ctx, channel, []byte(payload)); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// BeginShutdown sets the shutdown flag and cancels any pending backoff.
// From here on no reconnect is scheduled or dialed.
func (a *Adapter) BeginShutdown() {
	if a.shuttingDown.CompareAndSwap(false, true) {
		a.cancel()
		a.log.Info("Bus shutdown started, reconnects suppressed")
	}
}

// Disconnect unsubscribes every channel, then releases the subscriber and
// publisher roles. It is safe to call when Connect never succeeded.
func (a *Adapter) Disconnect() error {
	a.BeginShutdown()

	var errs []error

	a.mu.Lock()
	for channel := range a.subs {
		if err := a.unsubscribeLocked(channel); err != nil {
			errs = append(errs, err)
		}
	}
	clear(a.handlers)
	for _, role := range []Role{RoleSubscriber, RolePublisher} {
		conn, ok := a.conns[role]
		if !ok {
			continue
		}
		delete(a.conns, role)
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", role, err))
		}
	}
	a.mu.Unlock()

	a.wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return err
	}
	a.log.Info("Bus disconnected")
	return nil
}

// watch waits for conn to drop and hands the role to the reconnect loop.
func (a *Adapter) watch(role Role, conn Conn) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		select {
		case <-conn.Done():
		case <-a.ctx.Done():
			return
		}

		if a.shuttingDown.Load() {
			return
		}

		a.mu.Lock()
		if a.conns[role] == conn {
			delete(a.conns, role)
		}
		if role == RoleSubscriber {
			clear(a.subs)
		}
		a.mu.Unlock()

		a.closeQuietly(role, conn)
		a.log.Warn("Bus link lost", "role", role)
		a.reconnect(role)
	}()
}

func (a *Adapter) reconnect(role Role) {
	for attempt := 1; ; attempt++ {
		if a.shuttingDown.Load() {
			return
		}
		if a.policy.Exhausted(attempt) {
			err := fmt.Errorf("%w: %s role after %d attempts", ErrReconnectExhausted, role, attempt-1)
			a.log.Error("Bus reconnect failed permanently", "role", role, "attempts", attempt-1)
			a.fail(err)
			return
		}

		delay := a.policy.Delay(attempt)
		a.log.Debug("Bus reconnect scheduled", "role", role, "attempt", attempt, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-a.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if a.shuttingDown.Load() {
			return
		}

		conn, err := a.dialer.Dial(a.ctx, role)
		if err != nil {
			a.log.Warn("Bus reconnect attempt failed", "role", role, "attempt", attempt, "error", err)
			continue
		}

		if err := a.install(role, conn); err != nil {
			a.log.Warn("Bus reconnect attempt failed", "role", role, "attempt", attempt, "error", err)
			a.closeQuietly(role, conn)
			if errors.Is(err, ErrShuttingDown) {
				return
			}
			continue
		}

		a.log.Info("Bus link restored", "role", role, "attempts", attempt)
		a.watch(role, conn)
		return
	}
}

// install makes conn the live link for role and, for the subscriber,
// replays every registered channel onto it.
func (a *Adapter) install(role Role, conn Conn) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.shuttingDown.Load() {
		return ErrShuttingDown
	}

	if role == RoleSubscriber {
		subs := make(map[string]Subscription, len(a.handlers))
		for channel, handler := range a.handlers {
			sub, err := conn.Subscribe(a.ctx, channel, handler)
			if err != nil {
				for _, s := range subs {
					_ = s.Unsubscribe()
				}
				return fmt.Errorf("resubscribe %s: %w", channel, err)
			}
			subs[channel] = sub
		}
		a.subs = subs
	}

	a.conns[role] = conn
	return nil
}

func (a *Adapter) fail(err error) {
	select {
	case a.errs <- err:
	default:
		a.log.Error("Dropping bus error, error channel full", "error", err)
	}
}

func (a *Adapter) closeQuietly(role Role, conn Conn) {
	if err := conn.Close(); err != nil {
		a.log.Debug("Error closing bus link", "role", role, "error", err)
	}
}
