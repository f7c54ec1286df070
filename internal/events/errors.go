package events

import "errors"

// ErrUnknownEvent is returned when registering a handler for a name that is
// not one of the session events.
var ErrUnknownEvent = errors.New("events: unknown event name")
