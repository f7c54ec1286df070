package session

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/elhorton/azureiot/internal/topic"
)

// Message kinds passed to the recorder and as the MessageSent tag.
const (
	KindTelemetry      = "telemetry"
	KindTwinPatch      = "twin_patch"
	KindMethodResponse = "method_response"
)

// messageIDProperty is the system property carrying a message id.
const messageIDProperty = "$.mid"

// SendTelemetry publishes payload to the device telemetry topic. props are
// appended to the topic in the order given.
func (s *Session) SendTelemetry(payload []byte, props ...topic.Property) error {
	if s.state != StateReady {
		return ErrNotConnected
	}
	if s.messageIDs && !hasProperty(props, messageIDProperty) {
		props = append(props, topic.Property{Key: messageIDProperty, Value: uuid.NewString()})
	}
	return s.publish(s.topics.Telemetry(s.id.DeviceID, props), payload, KindTelemetry, true)
}

// SendTwinPatch publishes a reported-properties patch.
func (s *Session) SendTwinPatch(payload []byte) error {
	if s.state != StateReady {
		return ErrNotConnected
	}
	return s.publish(s.topics.ReportedPatch(s.now().Unix()), payload, KindTwinPatch, true)
}

// SendProperty reports a single property as {name: value}.
func (s *Session) SendProperty(name string, value any) error {
	if s.state != StateReady {
		return ErrNotConnected
	}
	payload, err := json.Marshal(map[string]any{name: value})
	if err != nil {
		return fmt.Errorf("encoding property %q: %w", name, err)
	}
	return s.SendTwinPatch(payload)
}

// RespondToDirectMethod publishes the response to the direct method with
// request id rid. A body that is not a JSON object is sent as
// {"Value": body}.
func (s *Session) RespondToDirectMethod(rid string, status int, body string) error {
	if s.state != StateReady {
		return ErrNotConnected
	}
	return s.publish(s.topics.MethodResponse(status, rid), methodBody(body), KindMethodResponse, false)
}

// RespondToTwinUpdate reports the outcome of applying a desired property.
// Object values get statusCode, status and desiredVersion merged in; other
// values are carried under "value".
func (s *Session) RespondToTwinUpdate(name string, status int, message string, desiredVersion int64, value json.RawMessage) error {
	if s.state != StateReady {
		return ErrNotConnected
	}
	payload, err := twinAck(name, status, message, desiredVersion, value)
	if err != nil {
		return fmt.Errorf("encoding twin acknowledgement for %q: %w", name, err)
	}
	return s.publish(s.topics.ReportedPatch(s.now().Unix()), payload, KindTwinPatch, false)
}

// publish sends payload and, when track is set, remembers it so the
// acknowledgement raises MessageSent.
func (s *Session) publish(t string, payload []byte, kind string, track bool) error {
	id, err := s.transport.Publish(t, payload, s.qos)
	if err != nil {
		s.logger.Error("publish failed", "topic", t, "error", err)
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	if track {
		if evicted, ok := s.outstanding.add(id, sent{payload: payload, kind: kind}); ok {
			s.logger.Warn("dropping unacknowledged publish", "message_id", evicted)
		}
	}
	s.recorder.RecordMessage(s.id.DeviceID, kind, len(payload))
	s.logger.Debug("published", "topic", t, "message_id", id, "bytes", len(payload))
	return nil
}

func hasProperty(props []topic.Property, key string) bool {
	for _, p := range props {
		if p.Key == key {
			return true
		}
	}
	return false
}
