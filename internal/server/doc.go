// Package server implements the HTTP server using Echo framework.
//
// Routes: WebSocket attach (/ws), status and performance APIs, health
// probes, and Prometheus metrics. Socket authentication happens
// upstream; this layer only binds verified identities to connections.
package server
