//go:build integration

package mqtt

import (
	"testing"
	"time"

	"github.com/elhorton/azureiot/internal/infrastructure/config"
)

// Integration tests against a plain broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -v ./internal/infrastructure/mqtt/...

func integrationOptions(clientID string) ConnectOptions {
	return ConnectOptions{
		Host:      "127.0.0.1",
		Port:      1883,
		ClientID:  clientID,
		KeepAlive: 30 * time.Second,
	}
}

type collector struct {
	connected bool
	codes     []byte
	messages  map[string]string
	acks      []uint16
}

func (c *collector) OnConnect(code byte) {
	c.codes = append(c.codes, code)
	c.connected = code == CodeAccepted
}
func (c *collector) OnMessage(topic string, payload []byte) { c.messages[topic] = string(payload) }
func (c *collector) OnPublish(id uint16)                    { c.acks = append(c.acks, id) }
func (c *collector) OnDisconnect(code byte)                 { c.codes = append(c.codes, code) }
func (c *collector) OnLog(LogLevel, string)                 {}

func pollFor(t *testing.T, client *Client, done func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !done() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for broker")
		}
		if err := client.Poll(50 * time.Millisecond); err != nil {
			t.Fatalf("Poll() error = %v", err)
		}
	}
}

func TestIntegration_RoundTrip(t *testing.T) {
	client := New(config.MQTTConfig{ConnectTimeout: 5, PublishTimeout: 5})
	cb := &collector{messages: make(map[string]string)}

	if err := client.Connect(integrationOptions("azureiot-int-roundtrip"), cb); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Disconnect()
	pollFor(t, client, func() bool { return len(cb.codes) > 0 })
	if !cb.connected {
		t.Skipf("no broker at 127.0.0.1:1883 (codes %v)", cb.codes)
	}

	topic := "devices/int-dev/messages/events/"
	if err := client.Subscribe(topic+"#", 1); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	id, err := client.Publish(topic, []byte(`{"n":1}`), 1)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	pollFor(t, client, func() bool { return len(cb.acks) > 0 && len(cb.messages) > 0 })
	if cb.acks[0] != id {
		t.Errorf("ack id = %d, want %d", cb.acks[0], id)
	}
	if cb.messages[topic] != `{"n":1}` {
		t.Errorf("messages = %v", cb.messages)
	}
}
