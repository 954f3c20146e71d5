package pex

import "errors"

var (
	// ErrStopped is returned when an operation is attempted on or interrupted by
	// a stopped service.
	ErrStopped = errors.New("pex: stopped")
	// ErrCanceled is returned for requests that were abandoned before a response arrived,
	// e.g. superseded by a newer request over the same connection.
	ErrCanceled = errors.New("pex: request canceled")
	// ErrTimeout is returned for requests that did not get a response in time.
	ErrTimeout = errors.New("pex: request timed out")
	// ErrConnectionClosed is returned when a Connection is closed while in use.
	ErrConnectionClosed = errors.New("pex: connection closed")
)
