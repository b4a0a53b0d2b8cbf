// Package server manages individual WebSocket sessions, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 256
)

var (
	// ErrSessionClosed is returned when queueing on a session that is no longer open.
	ErrSessionClosed = errors.New("session closed")
	// ErrSendBufferFull is returned when a session's outbound queue is full.
	ErrSendBufferFull = errors.New("session send buffer full")
)

// SessionState is the lifecycle state of a Session.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session represents one WebSocket connection to this process. It owns the
// connection, an outbound queue drained by its write pump, and the rate
// limiter applied to inbound frames.
type Session struct {
	id          string
	conn        *websocket.Conn
	server      *ChatServer
	addr        string
	send        chan []byte
	state       atomic.Int32
	rateLimiter *rate.Limiter
	rateLimit   RateLimitConfig
	log         *slog.Logger

	quitOnce    sync.Once
	quit        chan struct{}
	closeCode   int
	closeReason string

	pumps sync.WaitGroup
	done  chan struct{}
}

// NewSession creates a Session in the Connecting state for the provided
// connection, owning server, and client address. A nil conn is accepted for
// tests that only exercise queueing.
func NewSession(conn *websocket.Conn, server *ChatServer, addr string, cfg *Config, log *slog.Logger) *Session {
	if conn != nil {
		conn.SetReadLimit(int64(cfg.MaxMessageSize))
	}
	id := uuid.NewString()

	return &Session{
		id:          id,
		conn:        conn,
		server:      server,
		addr:        addr,
		send:        make(chan []byte, sendBufferSize),
		rateLimiter: newRateLimiter(cfg.RateLimit()),
		rateLimit:   cfg.RateLimit(),
		log:         log.With("session", id, "remote", addr),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// ID returns the session's unique handle.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// IsOpen reports whether the session accepts outbound frames.
func (s *Session) IsOpen() bool {
	return s.State() == StateOpen
}

// Done is closed once both pumps have exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// GetSendChan returns the session's outbound queue for reading.
func (s *Session) GetSendChan() <-chan []byte {
	return s.send
}

// Send encodes env and queues it for the write pump.
func (s *Session) Send(env Envelope) error {
	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.enqueue(frame)
}

func (s *Session) enqueue(frame []byte) error {
	if !s.IsOpen() {
		return ErrSessionClosed
	}
	select {
	case <-s.quit:
		return ErrSessionClosed
	case s.send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// open moves Connecting to Open. It reports false if the session was
// already past Connecting.
func (s *Session) open() bool {
	return s.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen))
}

// Close asks the write pump to flush queued frames, send a close frame with
// code and reason, and drop the connection. Calling it again is a no-op.
func (s *Session) Close(code int, reason string) {
	for {
		current := s.State()
		if current == StateClosing || current == StateClosed {
			break
		}
		if s.state.CompareAndSwap(int32(current), int32(StateClosing)) {
			break
		}
	}

	s.quitOnce.Do(func() {
		s.closeCode = code
		s.closeReason = reason
		close(s.quit)
	})
}

// abort rejects a session that never opened: a close frame is written
// directly and the connection dropped without starting the pumps.
func (s *Session) abort(code int, reason string) {
	s.markClosed()
	if s.conn == nil {
		return
	}
	deadline := time.Now().Add(writeWait)
	if err := s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline); err != nil && !isExpectedCloseError(err) {
		s.log.Warn("Error writing close message", "error", err)
	}
	s.closeConnection()
}

func (s *Session) markClosed() {
	s.state.Store(int32(StateClosed))
}

// start launches the read and write pumps.
func (s *Session) start() {
	s.pumps.Add(2)
	go func() {
		defer s.pumps.Done()
		s.writePump()
	}()
	go func() {
		defer s.pumps.Done()
		s.readPump()
	}()
	go func() {
		s.pumps.Wait()
		close(s.done)
	}()
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (s *Session) setupReadConnection() {
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.log.Warn("Error setting initial read deadline", "error", err)
	}
	s.conn.SetPongHandler(func(string) error {
		if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			s.log.Warn("Error setting read deadline in pong handler", "error", err)
		}
		return nil
	})
}

// handleReadError logs the read error according to its kind. Every read
// error ends the read loop.
func (s *Session) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.log.Warn("Message exceeded maximum size", "limit", s.server.cfg.MaxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		s.log.Info("Client disconnected", "reason", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		s.log.Info("Connection closed", "reason", err)
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		s.log.Warn("Unexpected WebSocket close", "error", err)
	default:
		s.log.Warn("WebSocket read error", "error", err)
	}
}

// checkRateLimit verifies if the session has exceeded rate limits
// and returns true if the message should be processed
func (s *Session) checkRateLimit() bool {
	if s.rateLimiter != nil && !s.rateLimiter.Allow() {
		s.log.Warn("Rate limit exceeded, discarding message",
			"burst", s.rateLimit.Burst, "interval", s.rateLimit.RefillInterval)
		return false
	}
	return true
}

// processMessage hands one inbound frame to the chat server.
func (s *Session) processMessage(messageType int, raw []byte) {
	defer s.server.recoverPanic("inbound message")

	if messageType != websocket.TextMessage {
		s.reply(ErrorEnvelope("Only text messages are supported"))
		return
	}
	if len(raw) == 0 {
		return
	}
	if !s.checkRateLimit() {
		s.reply(ErrorEnvelope("Rate limit exceeded, message dropped"))
		return
	}

	s.server.publishFrom(s, string(raw))
}

func (s *Session) reply(env Envelope) {
	if err := s.Send(env); err != nil {
		s.log.Warn("Error queueing reply", "type", env.Type, "error", err)
	}
}

func (s *Session) readPump() {
	defer func() {
		s.Close(websocket.CloseNormalClosure, "")
		s.server.unregisterSession(s)
	}()

	s.setupReadConnection()

	for {
		messageType, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.handleReadError(err)
			return
		}
		if !s.IsOpen() {
			return
		}
		s.processMessage(messageType, raw)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.closeConnection()
	}()

	for s.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (s *Session) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message := <-s.send:
		return s.writeTextMessage(message)
	case <-ticker.C:
		return s.handlePing()
	case <-s.quit:
		if s.writeQueuedMessages() {
			s.writeCloseMessage()
		}
		return false
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (s *Session) closeConnection() {
	if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
		s.log.Warn("Error closing connection", "error", err)
	}
}

// writeQueuedMessages flushes what is already queued so a closing session
// does not lose frames accepted before the close.
func (s *Session) writeQueuedMessages() bool {
	for {
		select {
		case message := <-s.send:
			if !s.writeTextMessage(message) {
				return false
			}
		default:
			return true
		}
	}
}

// writeCloseMessage sends a close frame to the client
func (s *Session) writeCloseMessage() {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		s.log.Warn("Error setting write deadline for close", "error", err)
		return
	}
	payload := websocket.FormatCloseMessage(s.closeCode, s.closeReason)
	if err := s.conn.WriteMessage(websocket.CloseMessage, payload); err != nil && !isExpectedCloseError(err) {
		s.log.Warn("Error writing close message", "error", err)
	}
}

// writeTextMessage writes one envelope as its own text frame
func (s *Session) writeTextMessage(message []byte) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		s.log.Warn("Error setting write deadline", "error", err)
		return false
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			s.log.Warn("Error writing message", "error", err)
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (s *Session) handlePing() bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		s.log.Warn("Error setting write deadline for ping", "error", err)
		return false
	}
	if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		s.log.Warn("Error writing ping message", "error", err)
		return false
	}
	return true
}
