package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	measurementConnection   = "session_connection"
	measurementMessage      = "session_message"
	measurementMethod       = "session_method"
	measurementProvisioning = "provisioning"
)

// RecordConnectionStatus records a connection status change. Status 0
// means connected; other values are broker reason codes.
func (c *Client) RecordConnectionStatus(deviceID string, status int) {
	c.writePoint(connectionPoint(deviceID, status, c.now()))
}

// RecordMessage records an outbound publish of the given kind
// (telemetry, twin_patch, method_response).
func (c *Client) RecordMessage(deviceID, kind string, size int) {
	c.writePoint(messagePoint(deviceID, kind, size, c.now()))
}

// RecordDirectMethod records a handled direct method and how long the
// handler took.
func (c *Client) RecordDirectMethod(deviceID, method string, status int, elapsed time.Duration) {
	c.writePoint(methodPoint(deviceID, method, status, elapsed, c.now()))
}

// RecordProvisioning records the outcome of resolving the hub host.
func (c *Client) RecordProvisioning(deviceID, outcome string, elapsed time.Duration) {
	c.writePoint(provisioningPoint(deviceID, outcome, elapsed, c.now()))
}

func connectionPoint(deviceID string, status int, ts time.Time) *write.Point {
	return write.NewPoint(
		measurementConnection,
		map[string]string{"device_id": deviceID},
		map[string]interface{}{"status": status},
		ts,
	)
}

func messagePoint(deviceID, kind string, size int, ts time.Time) *write.Point {
	return write.NewPoint(
		measurementMessage,
		map[string]string{"device_id": deviceID, "kind": kind},
		map[string]interface{}{"bytes": size},
		ts,
	)
}

func methodPoint(deviceID, method string, status int, elapsed time.Duration, ts time.Time) *write.Point {
	return write.NewPoint(
		measurementMethod,
		map[string]string{"device_id": deviceID, "method": method},
		map[string]interface{}{
			"status":      status,
			"duration_ms": float64(elapsed) / float64(time.Millisecond),
		},
		ts,
	)
}

func provisioningPoint(deviceID, outcome string, elapsed time.Duration, ts time.Time) *write.Point {
	return write.NewPoint(
		measurementProvisioning,
		map[string]string{"device_id": deviceID, "outcome": outcome},
		map[string]interface{}{"duration_ms": float64(elapsed) / float64(time.Millisecond)},
		ts,
	)
}
