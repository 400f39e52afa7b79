package broker

import "errors"

var (
	// ErrCapacityExceeded is returned when the broker already has the maximum
	// number of waiting handoff requests. Callers should retry later or fail
	// the outer connection; requests are never queued.
	ErrCapacityExceeded = errors.New("broker: too many pending handoff requests")

	// ErrHandshakeTimeout is returned when no matching rendezvous connection
	// arrived before the deadline.
	ErrHandshakeTimeout = errors.New("broker: rendezvous handshake timed out")

	// ErrPeerSocket is returned when either socket of a not-yet-matched
	// request closed or errored.
	ErrPeerSocket = errors.New("broker: peer socket closed before match")

	// ErrCanceled is returned when the caller canceled a waiting request.
	ErrCanceled = errors.New("broker: handoff canceled")

	// ErrClosed is returned for requests still waiting when the broker shut
	// down, and by Begin after Close.
	ErrClosed = errors.New("broker: closed")
)
