// Package signaling implements the room-based WebRTC signaling relay.
//
// Browsers connect over WebSocket (GET /ws), join a room of at most two peers
// and exchange opaque offer/answer/ice-candidate payloads through the relay.
// All room state lives in a Registry; each connection is a Session whose
// outbound messages are queued and written by a dedicated goroutine.
package signaling
