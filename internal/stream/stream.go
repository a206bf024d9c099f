// Package stream delivers process output lines to clients over a long-lived
// push connection.
//
// The package implements:
//   - SSE: a text/event-stream response, one "data:" event per line
//   - WebSocket: one text frame per line, inbound frames handed to a callback
//   - Capture: an in-memory channel for tests
package stream

import "errors"

// ErrChannelClosed is returned by Send once the channel is closed.
var ErrChannelClosed = errors.New("output channel closed")

// Channel is one client's push connection.
//
// Open is called once before the first Send. Close is idempotent and never
// fails once the channel is already closed; a closed channel never reopens.
// Done is closed when the channel is closed, either by Close or because the
// transport went away.
type Channel interface {
	Open() error
	Send(line string) error
	Close() error
	Done() <-chan struct{}
}
