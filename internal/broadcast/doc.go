// Package broadcast is the composition root of the real-time core,
// implemented with the actor pattern: a single goroutine owns all
// routing decisions and receives typed commands over a buffered
// channel. Registry, optimizer, and queue are
// consulted from that goroutine; per-connection writer goroutines absorb
// slow clients.
//
// Delivery policy: control-plane envelopes go straight out; policy
// classes are throttled per (user, class), coalesced into batch
// envelopes per session window, and parked in the per-user queue when
// deferred. Any transport failure evicts the connection.
package broadcast
