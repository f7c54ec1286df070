package topic

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

// Category classifies an inbound frame.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryConnectionStatus
	CategoryDirectMethod
	CategoryCloudToDevice
	CategoryTwinDesiredUpdate
	CategoryTwinResponse
)

// String returns the category name used in logs.
func (c Category) String() string {
	switch c {
	case CategoryConnectionStatus:
		return "connection_status"
	case CategoryDirectMethod:
		return "direct_method"
	case CategoryCloudToDevice:
		return "cloud_to_device"
	case CategoryTwinDesiredUpdate:
		return "twin_desired_update"
	case CategoryTwinResponse:
		return "twin_response"
	default:
		return "unknown"
	}
}

// UnknownMethod is the method name used when the topic does not carry one.
const UnknownMethod = "unknown"

// DesiredProperty is one key of a desired-property update.
type DesiredProperty struct {
	Name  string
	Value json.RawMessage
}

// Message is the result of routing one inbound frame.
type Message struct {
	Category Category
	Topic    string
	Payload  []byte

	// CorrelationID is the $rid of a direct method invocation.
	CorrelationID string

	// Name is the direct method name.
	Name string

	// Properties, Version and FromTwinResponse are set for TwinDesiredUpdate.
	// FromTwinResponse is true when the frame answered our own twin GET.
	Properties       []DesiredProperty
	Version          int64
	FromTwinResponse bool

	// SystemProperties is the property bag of a cloud-to-device message.
	SystemProperties map[string]string

	// Err describes a problem with a recognised frame.
	Err error
}

// Router classifies inbound frames for one device.
type Router struct {
	deviceID       string
	deviceBoundDir string
}

// NewRouter creates a Router for deviceID.
func NewRouter(deviceID string) *Router {
	return &Router{
		deviceID:       deviceID,
		deviceBoundDir: "devices/" + deviceID + "/messages/",
	}
}

// Route classifies topic and extracts its correlation data.
func (r *Router) Route(topic string, payload []byte) Message {
	msg := Message{Topic: topic, Payload: payload}

	switch {
	case strings.HasPrefix(topic, PrefixTwinDesired):
		msg.Category = CategoryTwinDesiredUpdate
		msg.Properties, msg.Version, msg.Err = parseDesired(payload)

	case strings.HasPrefix(topic, PrefixTwinGetResponse):
		msg.Category = CategoryTwinDesiredUpdate
		msg.FromTwinResponse = true
		msg.Properties, msg.Version, msg.Err = parseDesired(payload)

	case strings.HasPrefix(topic, PrefixTwinResponse):
		msg.Category = CategoryTwinResponse

	case strings.HasPrefix(topic, PrefixMethods):
		msg.Category = CategoryDirectMethod
		msg.Name = methodName(topic)
		rid, ok := requestID(topic)
		if !ok {
			msg.Err = fmt.Errorf("%w: %s", ErrMissingRequestID, topic)
		}
		msg.CorrelationID = rid

	case r.isDeviceBound(topic):
		msg.Category = CategoryCloudToDevice
		msg.SystemProperties = r.propertyBag(topic)

	default:
		msg.Category = CategoryUnknown
	}

	return msg
}

func (r *Router) isDeviceBound(topic string) bool {
	rest, ok := strings.CutPrefix(topic, r.deviceBoundDir)
	if !ok {
		return false
	}
	return strings.HasPrefix(strings.ToLower(rest), DefaultDeviceBound)
}

// parseDesired unwraps an optional "desired" section and splits the
// remaining keys into properties sorted by name.
func parseDesired(payload []byte) ([]DesiredProperty, int64, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrMalformedTwinPayload, err)
	}

	if desired, ok := doc["desired"]; ok {
		doc = nil
		if err := json.Unmarshal(desired, &doc); err != nil {
			return nil, 0, fmt.Errorf("%w: desired section: %w", ErrMalformedTwinPayload, err)
		}
	}

	rawVersion, ok := doc["$version"]
	if !ok {
		return nil, 0, fmt.Errorf("%w: missing $version", ErrMalformedTwinPayload)
	}
	var version int64
	if err := json.Unmarshal(rawVersion, &version); err != nil {
		return nil, 0, fmt.Errorf("%w: $version: %w", ErrMalformedTwinPayload, err)
	}

	props := make([]DesiredProperty, 0, len(doc))
	for name, value := range doc {
		if name == "$version" || name == "$metadata" {
			continue
		}
		props = append(props, DesiredProperty{Name: name, Value: value})
	}
	sort.Slice(props, func(i, j int) bool { return props[i].Name < props[j].Name })

	return props, version, nil
}

// methodName extracts the segment between $iothub/methods/POST/ and the next "/".
func methodName(topic string) string {
	rest, ok := strings.CutPrefix(topic, PrefixMethodPost)
	if !ok {
		return UnknownMethod
	}
	i := strings.IndexByte(rest, '/')
	if i <= 0 {
		return UnknownMethod
	}
	return rest[:i]
}

func requestID(topic string) (string, bool) {
	i := strings.Index(topic, "$rid=")
	if i < 0 {
		return "", false
	}
	rid := topic[i+len("$rid="):]
	if j := strings.IndexByte(rid, '&'); j >= 0 {
		rid = rid[:j]
	}
	return rid, true
}

// propertyBag decodes the key=value pairs after the first '&' of a
// device-bound topic, e.g. devices/d/messages/devicebound/%24.to=x&colour=red
// yields only colour. The leading segment is the hub's routing address.
func (r *Router) propertyBag(topic string) map[string]string {
	props := make(map[string]string)

	segs := strings.Split(topic, "&")
	for _, seg := range segs[1:] {
		key, value, ok := strings.Cut(seg, "=")
		if !ok || key == "" {
			continue
		}
		props[unescape(key)] = unescape(value)
	}
	return props
}

func unescape(s string) string {
	if u, err := url.QueryUnescape(s); err == nil {
		return u
	}
	return s
}
