// Package server coordinates session registration, the bridge between local
// sessions and the message bus, and the shutdown sequence via the
// ChatServer type.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/gochat-relay/internal/bus"
)

const (
	publishTimeout    = 5 * time.Second
	deliveryQueueSize = 256
	shutdownReason    = "server shutting down"
)

// Bus is the part of bus.Adapter the chat server depends on.
type Bus interface {
	Subscribe(ctx context.Context, channel string, handler bus.Handler) error
	Unsubscribe(channel string) error
	Publish(ctx context.Context, channel, payload string) error
	BeginShutdown()
	Disconnect() error
}

// ChatServer accepts WebSocket sessions, publishes what they send on the bus
// and broadcasts what the bus delivers to every local session. A single
// event loop owns registry mutation.
type ChatServer struct {
	cfg        *Config
	log        *slog.Logger
	bus        Bus
	registry   *Registry
	origins    *originPolicy
	upgrader   websocket.Upgrader
	httpServer *http.Server

	register   chan *Session
	unregister chan *Session
	deliveries chan string
	drain      chan chan []*Session

	shuttingDown atomic.Bool
	ctx          context.Context
	cancel       context.CancelFunc
	startOnce    sync.Once
	loopDone     chan struct{}
}

// NewChatServer creates a ChatServer bound to cfg and b. Call Start before
// serving connections.
func NewChatServer(cfg *Config, b Bus, log *slog.Logger) *ChatServer {
	ctx, cancel := context.WithCancel(context.Background())
	log = log.With("instance", cfg.InstanceID)

	s := &ChatServer{
		cfg:        cfg,
		log:        log,
		bus:        b,
		registry:   NewRegistry(),
		origins:    newOriginPolicy(cfg.Origins(), log),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		deliveries: make(chan string, deliveryQueueSize),
		drain:      make(chan chan []*Session),
		ctx:        ctx,
		cancel:     cancel,
		loopDone:   make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.check,
	}
	s.httpServer = CreateServer(cfg.Addr(), s.SetupRoutes())
	return s
}

// Registry returns the server's session registry.
func (s *ChatServer) Registry() *Registry {
	return s.registry
}

// InstanceID returns the identity this process reports to clients.
func (s *ChatServer) InstanceID() string {
	return s.cfg.InstanceID
}

// ShuttingDown reports whether Shutdown has been called.
func (s *ChatServer) ShuttingDown() bool {
	return s.shuttingDown.Load()
}

// Start runs the event loop and subscribes to the bus channel.
func (s *ChatServer) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		go s.run()
	})

	if err := s.bus.Subscribe(ctx, s.cfg.BusChannel, s.deliver); err != nil {
		return fmt.Errorf("subscribe to %s: %w", s.cfg.BusChannel, err)
	}
	s.log.Info("Chat server started", "channel", s.cfg.BusChannel)
	return nil
}

// run is the event loop. It handles session registration and removal, bus
// deliveries, and the shutdown drain one at a time.
func (s *ChatServer) run() {
	defer close(s.loopDone)

	for {
		select {
		case <-s.ctx.Done():
			return

		case session := <-s.register:
			s.handleRegister(session)

		case session := <-s.unregister:
			if s.registry.Remove(session) {
				s.log.Info("Session closed", "session", session.ID(), "total", s.registry.Len())
			}
			session.markClosed()

		case payload := <-s.deliveries:
			s.handleDelivery(payload)

		case reply := <-s.drain:
			reply <- s.closeAll()
		}
	}
}

func (s *ChatServer) handleRegister(session *Session) {
	if s.shuttingDown.Load() {
		session.abort(websocket.CloseGoingAway, shutdownReason)
		return
	}

	if err := s.registry.Add(session); err != nil {
		s.log.Error("Session registry invariant violated", "session", session.ID(), "error", err)
		session.abort(websocket.CloseInternalServerErr, "session registration failed")
		return
	}

	session.open()
	if err := session.Send(WelcomeEnvelope(s.cfg.InstanceID)); err != nil {
		session.log.Warn("Error queueing welcome", "error", err)
	}
	session.start()

	session.log.Info("Session opened", "total", s.registry.Len())
}

func (s *ChatServer) handleDelivery(payload string) {
	defer s.recoverPanic("broadcast")

	failures, err := s.registry.Broadcast(MessageEnvelope(payload))
	if err != nil {
		s.log.Error("Error encoding broadcast", "error", err)
		return
	}

	for _, failure := range failures {
		failure.Session.log.Warn("Broadcast delivery failed", "error", failure.Err)
		if errors.Is(failure.Err, ErrSendBufferFull) {
			failure.Session.Close(websocket.CloseTryAgainLater, "send buffer full")
		}
	}
}

// closeAll starts closing every registered session and returns them.
func (s *ChatServer) closeAll() []*Session {
	sessions := s.registry.Snapshot()
	for _, session := range sessions {
		session.Close(websocket.CloseGoingAway, shutdownReason)
	}
	s.log.Info("Closing local sessions", "count", len(sessions))
	return sessions
}

// recoverPanic keeps a failure in one event from taking the process down.
func (s *ChatServer) recoverPanic(where string) {
	if r := recover(); r != nil {
		s.log.Error("Recovered from panic", "in", where, "panic", r)
	}
}

// deliver is the bus handler for the shared channel.
func (s *ChatServer) deliver(payload string) {
	select {
	case s.deliveries <- payload:
	case <-s.loopDone:
		s.log.Debug("Dropping bus delivery after event loop stopped")
	}
}

func (s *ChatServer) registerSession(session *Session) {
	select {
	case s.register <- session:
	case <-s.loopDone:
		session.abort(websocket.CloseGoingAway, shutdownReason)
	}
}

func (s *ChatServer) unregisterSession(session *Session) {
	select {
	case s.unregister <- session:
	case <-s.loopDone:
		s.registry.Remove(session)
		session.markClosed()
	}
}

// publishFrom puts an inbound payload on the bus. A failed publish is
// reported to the originating session only, which stays open.
func (s *ChatServer) publishFrom(session *Session, payload string) {
	if s.cfg.TagPayloads {
		payload = fmt.Sprintf("[%s] %s", s.cfg.InstanceID, payload)
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := s.bus.Publish(ctx, s.cfg.BusChannel, payload); err != nil {
		session.log.Warn("Publish failed", "error", err)
		session.reply(ErrorEnvelope("Failed to deliver message"))
	}
}

// Shutdown runs the shutdown sequence: set the shutdown flag, close local
// sessions and wait for them, clear the registry, unsubscribe and disconnect
// the bus, then stop the HTTP server. Every step runs even if an earlier one
// failed; the failures are joined in the returned error.
func (s *ChatServer) Shutdown(ctx context.Context) error {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	s.log.Info("Shutdown started")

	s.bus.BeginShutdown()

	// A server that was never started has no loop to drain through.
	s.startOnce.Do(func() {
		close(s.loopDone)
	})

	var errs []error

	if err := s.closeSessions(ctx); err != nil {
		s.log.Error("Error closing sessions", "error", err)
		errs = append(errs, fmt.Errorf("close sessions: %w", err))
	}

	s.stopLoop()
	s.registry.Clear()

	if err := s.bus.Unsubscribe(s.cfg.BusChannel); err != nil {
		s.log.Error("Error unsubscribing from bus", "error", err)
		errs = append(errs, fmt.Errorf("unsubscribe: %w", err))
	}
	if err := s.bus.Disconnect(); err != nil {
		s.log.Error("Error disconnecting bus", "error", err)
		errs = append(errs, fmt.Errorf("disconnect bus: %w", err))
	}

	if err := ShutdownServer(ctx, s.httpServer, s.log); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.log.Info("Shutdown completed")
	return nil
}

func (s *ChatServer) closeSessions(ctx context.Context) error {
	reply := make(chan []*Session, 1)

	var sessions []*Session
	select {
	case s.drain <- reply:
		sessions = <-reply
	case <-s.loopDone:
		sessions = s.closeAll()
	case <-ctx.Done():
		return ctx.Err()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, session := range sessions {
		g.Go(func() error {
			select {
			case <-session.Done():
				return nil
			case <-gctx.Done():
				return fmt.Errorf("session %s: %w", session.ID(), gctx.Err())
			}
		})
	}
	return g.Wait()
}

func (s *ChatServer) stopLoop() {
	s.cancel()
	<-s.loopDone
}
