package topic

import (
	"fmt"
	"net/url"
	"strings"
)

// Topic prefixes used by IoT Hub.
const (
	PrefixTwinDesired     = "$iothub/twin/PATCH/properties/desired/"
	PrefixTwinReported    = "$iothub/twin/PATCH/properties/reported/"
	PrefixTwinGetResponse = "$iothub/twin/res/200/?$rid="
	PrefixTwinResponse    = "$iothub/twin/res/"
	PrefixTwinGet         = "$iothub/twin/GET/"
	PrefixMethods         = "$iothub/methods"
	PrefixMethodPost      = "$iothub/methods/POST/"
	PrefixMethodResponse  = "$iothub/methods/res/"

	// DefaultDeviceBound is the device-bound path segment. Some hubs and
	// older clients use "deviceBound"; Router matches either.
	DefaultDeviceBound = "devicebound"

	// TwinGetRequestID is the $rid used for the twin fetch on connect.
	TwinGetRequestID = "0"
)

// Property is one entry of a telemetry property bag.
type Property struct {
	Key   string
	Value string
}

// Topics builds IoT Hub topic strings.
//
//	topics := topic.Topics{}
//	t := topics.MethodResponse(200, "42")
//	// Returns: "$iothub/methods/res/200/?$rid=42"
type Topics struct{}

// =============================================================================
// Subscriptions
// =============================================================================

// TelemetryEcho returns the wildcard for the device's own telemetry.
func (Topics) TelemetryEcho(deviceID string) string {
	return fmt.Sprintf("devices/%s/messages/events/#", deviceID)
}

// DeviceBound returns the wildcard for cloud-to-device messages.
// An empty segment means DefaultDeviceBound.
func (Topics) DeviceBound(deviceID, segment string) string {
	if segment == "" {
		segment = DefaultDeviceBound
	}
	return fmt.Sprintf("devices/%s/messages/%s/#", deviceID, segment)
}

// DesiredPatches returns the wildcard for desired-property pushes.
func (Topics) DesiredPatches() string {
	return PrefixTwinDesired + "#"
}

// TwinResponses returns the wildcard for twin GET and PATCH responses.
func (Topics) TwinResponses() string {
	return PrefixTwinResponse + "#"
}

// Methods returns the wildcard for direct method invocations.
func (Topics) Methods() string {
	return PrefixMethods + "/#"
}

// Subscriptions returns the fixed set a session subscribes to on connect.
func (t Topics) Subscriptions(deviceID, deviceBoundSegment string) []string {
	return []string{
		t.TelemetryEcho(deviceID),
		t.DeviceBound(deviceID, deviceBoundSegment),
		t.DesiredPatches(),
		t.TwinResponses(),
		t.Methods(),
	}
}

// =============================================================================
// Publications
// =============================================================================

// Telemetry returns the telemetry topic with props appended in order.
//
// Example: devices/dev1/messages/events/%24.mid=abc&level=high
func (Topics) Telemetry(deviceID string, props []Property) string {
	var b strings.Builder
	fmt.Fprintf(&b, "devices/%s/messages/events/", deviceID)
	for i, p := range props {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.Key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.Value))
	}
	return b.String()
}

// ReportedPatch returns the topic for a reported-property patch.
//
// Example: $iothub/twin/PATCH/properties/reported/?$rid=1700000000
func (Topics) ReportedPatch(requestID int64) string {
	return fmt.Sprintf("%s?$rid=%d", PrefixTwinReported, requestID)
}

// TwinGet returns the topic for fetching the full twin.
//
// Example: $iothub/twin/GET/?$rid=0
func (Topics) TwinGet(requestID string) string {
	return PrefixTwinGet + "?$rid=" + requestID
}

// MethodResponse returns the topic for a direct method response.
//
// Example: $iothub/methods/res/200/?$rid=42
func (Topics) MethodResponse(status int, requestID string) string {
	return fmt.Sprintf("%s%d/?$rid=%s", PrefixMethodResponse, status, requestID)
}
