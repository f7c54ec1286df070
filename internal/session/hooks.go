package session

import (
	"github.com/goccy/go-json"

	"github.com/elhorton/azureiot/internal/events"
	"github.com/elhorton/azureiot/internal/infrastructure/mqtt"
	"github.com/elhorton/azureiot/internal/topic"
)

// Default responses when a handler sets none.
const (
	defaultMethodStatus  = 200
	defaultMethodBody    = "{}"
	defaultTwinAckStatus = 200
	defaultTwinAckText   = "completed"
)

// hooks receives transport callbacks for a Session. They run inside
// Transport.Poll on the caller's goroutine.
type hooks struct {
	s *Session
}

func (h *hooks) OnConnect(code byte) {
	s := h.s
	if s.state != StateAuthPending {
		s.logger.Warn("unexpected connect acknowledgement", "state", s.state.String(), "status", code)
		return
	}
	s.authDone = true
	s.authCode = code
	if code != mqtt.CodeAccepted {
		s.logger.Error("connect refused", "device_id", s.id.DeviceID, "status", code)
	}
}

func (h *hooks) OnDisconnect(code byte) {
	s := h.s
	s.logger.Info("broker disconnect", "device_id", s.id.DeviceID, "status", code, "state", s.state.String())

	if code == mqtt.CodeNotAuthorized {
		s.logger.Error("not authorized", "device_id", s.id.DeviceID)
		s.authDone = true
		s.authCode = code
		s.rejected = true
		s.teardown()
		return
	}

	switch s.state {
	case StateReady, StateSubscribing:
		s.connectionLost()
	}

	s.recorder.RecordConnectionStatus(s.id.DeviceID, int(code))
	s.dispatcher.Invoke(events.ConnectionStatus, nil, "", int(code), 0)
}

func (h *hooks) OnPublish(id uint16) {
	s := h.s
	msg, ok := s.outstanding.take(id)
	if !ok {
		return
	}
	s.dispatcher.Invoke(events.MessageSent, msg.payload, msg.kind, 0, id)
}

func (h *hooks) OnLog(level mqtt.LogLevel, msg string) {
	log := h.s.logger
	switch level {
	case mqtt.LogError:
		log.Error("mqtt", "message", msg)
	case mqtt.LogWarn:
		log.Warn("mqtt", "message", msg)
	case mqtt.LogInfo:
		log.Info("mqtt", "message", msg)
	default:
		log.Debug("mqtt", "message", msg)
	}
}

func (h *hooks) OnMessage(t string, payload []byte) {
	s := h.s
	msg := s.router.Route(t, payload)
	s.logger.Debug("message received", "topic", t, "category", msg.Category.String(), "bytes", len(payload))

	switch msg.Category {
	case topic.CategoryTwinDesiredUpdate:
		s.handleDesired(msg)
	case topic.CategoryDirectMethod:
		s.handleMethod(msg)
	case topic.CategoryCloudToDevice:
		s.handleCloudToDevice(msg)
	case topic.CategoryTwinResponse:
		s.logger.Debug("twin response", "topic", t)
	default:
		s.logger.Warn("dropping message on unknown topic", "topic", t)
	}
}

// handleDesired delivers each desired property to the SettingsUpdated
// handler and acknowledges it with a reported patch, unless the properties
// came from the twin GET response.
func (s *Session) handleDesired(msg topic.Message) {
	if msg.Err != nil {
		s.logger.Error("malformed desired properties", "topic", msg.Topic, "error", msg.Err)
		s.routeErrs = append(s.routeErrs, msg.Err)
		return
	}

	for _, prop := range msg.Properties {
		info := events.NewInfo(events.SettingsUpdated, prop.Value, prop.Name, 0, 0).WithVersion(msg.Version)
		s.dispatcher.Deliver(info)

		if msg.FromTwinResponse {
			continue
		}
		code, text := info.Response(defaultTwinAckStatus, defaultTwinAckText)
		if err := s.RespondToTwinUpdate(prop.Name, code, text, msg.Version, prop.Value); err != nil {
			s.logger.Error("twin acknowledgement failed", "property", prop.Name, "error", err)
		}
	}
}

// handleMethod runs the Command handler and publishes its response.
func (s *Session) handleMethod(msg topic.Message) {
	start := s.now()
	info := s.dispatcher.Invoke(events.Command, msg.Payload, msg.Name, 0, 0)
	code, body := info.Response(defaultMethodStatus, defaultMethodBody)
	s.recorder.RecordDirectMethod(s.id.DeviceID, msg.Name, code, s.now().Sub(start))

	if msg.Err != nil {
		s.logger.Error("direct method without request id, not responding",
			"method", msg.Name, "topic", msg.Topic, "error", msg.Err)
		return
	}

	if err := s.RespondToDirectMethod(msg.CorrelationID, code, body); err != nil {
		s.logger.Error("direct method response failed", "method", msg.Name, "rid", msg.CorrelationID, "error", err)
		return
	}
	s.logger.Info("direct method handled", "method", msg.Name, "rid", msg.CorrelationID, "status", code)
}

// handleCloudToDevice delivers a device-bound message. The tag carries the
// message properties as a JSON object.
func (s *Session) handleCloudToDevice(msg topic.Message) {
	props, err := json.Marshal(msg.SystemProperties)
	if err != nil {
		s.logger.Error("encoding message properties", "topic", msg.Topic, "error", err)
		props = []byte("{}")
	}
	s.dispatcher.Invoke(events.CloudToDeviceMessageReceived, msg.Payload, string(props), 0, 0)
}

// methodBody returns body as a JSON object, wrapping anything else as
// {"Value": body}.
func methodBody(body string) []byte {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &obj); err == nil && obj != nil {
		return []byte(body)
	}
	wrapped, err := json.Marshal(map[string]string{"Value": body})
	if err != nil {
		return []byte(defaultMethodBody)
	}
	return wrapped
}

// twinAck builds the reported patch acknowledging a desired property.
func twinAck(name string, code int, text string, version int64, value json.RawMessage) ([]byte, error) {
	fields := make(map[string]any)

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(value, &obj); err == nil && obj != nil {
		for k, v := range obj {
			fields[k] = v
		}
	} else if len(value) > 0 {
		fields["value"] = value
	}

	fields["statusCode"] = code
	fields["status"] = text
	fields["desiredVersion"] = version

	return json.Marshal(map[string]any{name: fields})
}

