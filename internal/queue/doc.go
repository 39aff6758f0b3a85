// Package queue holds per-user bounded backlogs for messages whose
// delivery was deferred (throttled, batch overflow, or no live socket).
//
// Backlogs drop oldest-first on overflow and cap redelivery attempts, so
// one unresponsive client can never grow memory without bound.
package queue
