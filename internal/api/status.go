package api

import (
	"sync"
	"time"

	"github.com/elhorton/azureiot/internal/events"
)

// readyState is the session state name reported once the session is usable.
const readyState = "ready"

// Status is a snapshot of the device session.
type Status struct {
	DeviceID         string    `json:"device_id"`
	Host             string    `json:"host,omitempty"`
	State            string    `json:"state"`
	Connected        bool      `json:"connected"`
	LastStatusCode   int       `json:"last_status_code"`
	LastEvent        string    `json:"last_event,omitempty"`
	MessagesSent     uint64    `json:"messages_sent"`
	MethodsHandled   uint64    `json:"methods_handled"`
	SettingsUpdated  uint64    `json:"settings_updated"`
	MessagesReceived uint64    `json:"messages_received"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// StatusBoard holds the latest Status. It is written from the session
// goroutine and read by HTTP handlers.
type StatusBoard struct {
	mu     sync.RWMutex
	status Status
	now    func() time.Time
}

// NewStatusBoard creates a board for deviceID in the disconnected state.
func NewStatusBoard(deviceID string) *StatusBoard {
	b := &StatusBoard{now: time.Now}
	b.status = Status{
		DeviceID:  deviceID,
		State:     "disconnected",
		UpdatedAt: b.now().UTC(),
	}
	return b
}

// SetSession records the session state and hub host.
func (b *StatusBoard) SetSession(state, host string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status.State == state && b.status.Host == host {
		return
	}
	b.status.State = state
	b.status.Host = host
	b.status.Connected = state == readyState
	b.status.UpdatedAt = b.now().UTC()
}

// Observe folds a session event into the counters.
func (b *StatusBoard) Observe(info *events.Info) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch info.EventName() {
	case events.ConnectionStatus:
		b.status.LastStatusCode = info.Status()
	case events.MessageSent:
		b.status.MessagesSent++
	case events.Command:
		b.status.MethodsHandled++
	case events.SettingsUpdated:
		b.status.SettingsUpdated++
	case events.CloudToDeviceMessageReceived:
		b.status.MessagesReceived++
	}
	b.status.LastEvent = string(info.EventName())
	b.status.UpdatedAt = b.now().UTC()
}

// Snapshot returns a copy of the current status.
func (b *StatusBoard) Snapshot() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}
