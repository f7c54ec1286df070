// Package events is the registry of application callbacks for a device
// session.
//
// Each event name has at most one handler; registering again replaces the
// previous one. A handler receives an *Info describing the event and may
// set a response code and message on it. Dispatch always returns an Info,
// so callers apply the same defaults whether no handler was registered or
// the handler set nothing.
package events
