package topic

import "errors"

var (
	// ErrMalformedTwinPayload is reported when a desired-property payload is
	// not a JSON object or carries no $version.
	ErrMalformedTwinPayload = errors.New("topic: malformed twin payload")

	// ErrMissingRequestID is reported when a direct method topic has no $rid.
	ErrMissingRequestID = errors.New("topic: missing request id")
)
