package model

import "errors"

var (
	// ErrMissingIdentity is returned when a request carries no user identity.
	ErrMissingIdentity = errors.New("missing user identity")

	// ErrNoSuchSession is returned when a user has no live session.
	ErrNoSuchSession = errors.New("session not found")

	// ErrDeliveryFailed is returned when a message could not be written to the backing process.
	// The session has already been torn down when this is returned.
	ErrDeliveryFailed = errors.New("delivery to backing process failed")

	// ErrSpawnFailure is returned when the backing process could not be started.
	ErrSpawnFailure = errors.New("failed to spawn backing process")

	// ErrProcessExited is reported when the backing process ends on its own.
	ErrProcessExited = errors.New("backing process exited")

	// ErrTransportClosed is reported when the client's push stream goes away.
	ErrTransportClosed = errors.New("transport closed")

	// ErrInvalidPayload is returned when a message body is not a JSON document.
	ErrInvalidPayload = errors.New("payload is not valid JSON")

	// ErrCapacity is returned when the maximum number of concurrent sessions is reached.
	ErrCapacity = errors.New("concurrent session limit reached")

	// ErrGatewayClosed is returned by operations attempted after shutdown began.
	ErrGatewayClosed = errors.New("gateway is shutting down")
)
