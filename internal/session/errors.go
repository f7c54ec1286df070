package session

import "errors"

// Sentinel errors for session operations.
var (
	// ErrNotConnected is returned by send operations outside the Ready state.
	ErrNotConnected = errors.New("session: not connected")

	// ErrConnectFailed indicates the transport could not start a connection
	// or the broker refused it with a code other than not-authorized.
	ErrConnectFailed = errors.New("session: connect failed")

	// ErrConnectTimeout indicates no connect acknowledgement arrived before
	// the deadline.
	ErrConnectTimeout = errors.New("session: connect timed out")

	// ErrAuthRejected indicates the broker refused the credentials. It is
	// never retried.
	ErrAuthRejected = errors.New("session: authorization rejected")

	// ErrSubscribeFailed indicates a mandatory subscription failed.
	ErrSubscribeFailed = errors.New("session: subscribe failed")

	// ErrPublishFailed indicates an outbound publish failed.
	ErrPublishFailed = errors.New("session: publish failed")

	// ErrInvalidOptions indicates New was given unusable options.
	ErrInvalidOptions = errors.New("session: invalid options")
)
