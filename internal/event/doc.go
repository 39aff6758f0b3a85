// Package event defines the closed set of wire envelopes exchanged with
// trip session clients, plus decoding of inbound frames.
//
// Every outbound envelope carries a type tag and an RFC3339 timestamp.
// Inbound frames are decoded once into an Inbound; the payload stays
// opaque and is rebroadcast as-is.
package event
