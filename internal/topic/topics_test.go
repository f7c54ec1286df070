package topic

import "testing"

func TestTopicBuilders(t *testing.T) {
	topics := Topics{}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"TelemetryEcho", topics.TelemetryEcho("dev1"), "devices/dev1/messages/events/#"},
		{"DeviceBound default", topics.DeviceBound("dev1", ""), "devices/dev1/messages/devicebound/#"},
		{"DeviceBound camel", topics.DeviceBound("dev1", "deviceBound"), "devices/dev1/messages/deviceBound/#"},
		{"DesiredPatches", topics.DesiredPatches(), "$iothub/twin/PATCH/properties/desired/#"},
		{"TwinResponses", topics.TwinResponses(), "$iothub/twin/res/#"},
		{"Methods", topics.Methods(), "$iothub/methods/#"},
		{"Telemetry bare", topics.Telemetry("dev1", nil), "devices/dev1/messages/events/"},
		{"Telemetry props", topics.Telemetry("dev1", []Property{{"$.mid", "abc"}, {"level", "high"}}), "devices/dev1/messages/events/%24.mid=abc&level=high"},
		{"ReportedPatch", topics.ReportedPatch(1700000000), "$iothub/twin/PATCH/properties/reported/?$rid=1700000000"},
		{"TwinGet", topics.TwinGet(TwinGetRequestID), "$iothub/twin/GET/?$rid=0"},
		{"MethodResponse", topics.MethodResponse(200, "42"), "$iothub/methods/res/200/?$rid=42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestSubscriptions(t *testing.T) {
	subs := Topics{}.Subscriptions("dev1", "")
	want := []string{
		"devices/dev1/messages/events/#",
		"devices/dev1/messages/devicebound/#",
		"$iothub/twin/PATCH/properties/desired/#",
		"$iothub/twin/res/#",
		"$iothub/methods/#",
	}
	if len(subs) != len(want) {
		t.Fatalf("len(Subscriptions) = %d, want %d", len(subs), len(want))
	}
	for i := range want {
		if subs[i] != want[i] {
			t.Errorf("Subscriptions[%d] = %q, want %q", i, subs[i], want[i])
		}
	}
}
