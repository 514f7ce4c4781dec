package protocol

import "errors"

// Error taxonomy shared by the server and the session manager. Handlers map
// these onto HTTP status codes; the session maps them onto retry policy.
var (
	// ErrInvalidArgument marks a malformed identifier or missing field.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound marks an unknown or expired share code or resource.
	ErrNotFound = errors.New("not found")

	// ErrRateLimited marks an exhausted per-IP request budget. Non-fatal;
	// callers back off and retry.
	ErrRateLimited = errors.New("rate limited")

	// ErrTransient marks a storage or network hiccup worth retrying.
	ErrTransient = errors.New("transient failure")

	// ErrProtocolViolation marks an unexpected frame on a peer transport.
	// Fatal to that transport, never retried on it.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrFatal marks misconfiguration or corrupted local state. Fatal to
	// the session.
	ErrFatal = errors.New("fatal")
)
