// Package signaling implements the WebSocket protocol that pairs two browsers
// by access code and relays their WebRTC offer/answer/candidate exchange.
//
// Each connection runs one reader goroutine (the protocol state machine) and
// one writer goroutine that owns the socket's write side. Frames for a
// connection are delivered in the order they were queued.
//
// Negotiation payloads are opaque: offer, answer and ice-candidate frames are
// forwarded to the peer byte for byte.
package signaling
