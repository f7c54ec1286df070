package mqtt

import "errors"

// Sentinel errors for MQTT operations.
var (
	// ErrNotConnected is returned when an operation needs a connection that
	// was never started or has been closed.
	ErrNotConnected = errors.New("mqtt: not connected")

	// ErrConnectionFailed is returned when Connect cannot start the handshake.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrPublishFailed is returned when the broker rejects or drops a publish.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrPublishTimeout is returned when a publish is not acknowledged in time.
	ErrPublishTimeout = errors.New("mqtt: publish timeout")

	// ErrSubscribeFailed is returned when a subscription is refused.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	// ErrInvalidQoS is returned for QoS levels above 1.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level")

	// ErrInvalidOptions is returned when ConnectOptions lacks a host or client id.
	ErrInvalidOptions = errors.New("mqtt: invalid connect options")
)
