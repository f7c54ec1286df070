package events

import (
	"fmt"
	"sync"
)

// Name identifies a session event.
type Name string

// Session events.
const (
	ConnectionStatus             Name = "ConnectionStatus"
	MessageSent                  Name = "MessageSent"
	Command                      Name = "Command"
	CloudToDeviceMessageReceived Name = "CloudToDeviceMessageReceived"
	SettingsUpdated              Name = "SettingsUpdated"
)

// Alternative names accepted by On.
var aliases = map[Name]Name{
	"DirectMethod":                 Command,
	"SettingUpdated":               SettingsUpdated,
	"TwinDesiredPropertiesUpdated": SettingsUpdated,
}

// Canonical resolves aliases and reports whether name is a session event.
func Canonical(name Name) (Name, bool) {
	if c, ok := aliases[name]; ok {
		return c, true
	}
	switch name {
	case ConnectionStatus, MessageSent, Command, CloudToDeviceMessageReceived, SettingsUpdated:
		return name, true
	}
	return name, false
}

// Handler receives one event.
type Handler func(info *Info)

// Info describes an event to its handler and carries the optional response.
type Info struct {
	name      Name
	payload   []byte
	tag       string
	status    int
	messageID uint16
	version   int64

	responseCode    int
	responseMessage string
	responded       bool
}

// NewInfo creates an Info with no response set.
func NewInfo(name Name, payload []byte, tag string, status int, messageID uint16) *Info {
	return &Info{
		name:      name,
		payload:   payload,
		tag:       tag,
		status:    status,
		messageID: messageID,
	}
}

// WithVersion sets the desired-property version carried by the event.
func (i *Info) WithVersion(v int64) *Info {
	i.version = v
	return i
}

// EventName returns the canonical event name.
func (i *Info) EventName() Name { return i.name }

// Payload returns the event body.
func (i *Info) Payload() []byte { return i.payload }

// Tag returns the correlation name: the method name for Command, the
// property name for SettingsUpdated, the JSON property bag for
// CloudToDeviceMessageReceived.
func (i *Info) Tag() string { return i.tag }

// Status returns the event status code. For ConnectionStatus it is the
// broker reason code, 0 meaning connected.
func (i *Info) Status() int { return i.status }

// MessageID returns the publish id for MessageSent, else 0.
func (i *Info) MessageID() uint16 { return i.messageID }

// Version returns the desired-property version for SettingsUpdated.
func (i *Info) Version() int64 { return i.version }

// SetResponse records the handler's response.
func (i *Info) SetResponse(code int, message string) {
	i.responseCode = code
	i.responseMessage = message
	i.responded = true
}

// Response returns the recorded response, or the supplied defaults when
// the handler did not set one.
func (i *Info) Response(defaultCode int, defaultMessage string) (int, string) {
	if !i.responded {
		return defaultCode, defaultMessage
	}
	code, message := i.responseCode, i.responseMessage
	if code == 0 {
		code = defaultCode
	}
	if message == "" {
		message = defaultMessage
	}
	return code, message
}

// Responded reports whether the handler called SetResponse.
func (i *Info) Responded() bool { return i.responded }

// Dispatcher maps event names to handlers.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Name]Handler
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[Name]Handler)}
}

// On registers h for name, replacing any previous handler.
// A nil handler removes the registration.
func (d *Dispatcher) On(name Name, h Handler) error {
	canonical, ok := Canonical(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if h == nil {
		delete(d.handlers, canonical)
		return nil
	}
	d.handlers[canonical] = h
	return nil
}

// Has reports whether a handler is registered for name.
func (d *Dispatcher) Has(name Name) bool {
	canonical, _ := Canonical(name)
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[canonical]
	return ok
}

// Invoke builds an Info for the event, runs the registered handler, if
// any, and returns the Info.
func (d *Dispatcher) Invoke(name Name, payload []byte, tag string, status int, messageID uint16) *Info {
	return d.Deliver(NewInfo(name, payload, tag, status, messageID))
}

// Deliver runs the handler registered for info's event, if any, and
// returns info. The handler runs without the registry lock held, so it may
// call On.
func (d *Dispatcher) Deliver(info *Info) *Info {
	canonical, _ := Canonical(info.name)
	info.name = canonical

	d.mu.RLock()
	h := d.handlers[canonical]
	d.mu.RUnlock()

	if h != nil {
		h(info)
	}
	return info
}
