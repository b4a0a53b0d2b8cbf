// Package server implements the WebSocket side of the chat relay.
//
// The implementation is organized into specialized files for configuration,
// the session registry, sessions, the chat server event loop and shutdown,
// routing, and HTTP handlers. Messages sent by a client are published on the
// shared bus channel; whatever the bus delivers is broadcast to every local
// session, the sender's own process included.
package server
