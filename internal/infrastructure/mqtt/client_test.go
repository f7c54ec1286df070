package mqtt

import (
	"errors"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/elhorton/azureiot/internal/infrastructure/config"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeToken struct {
	err     error
	timeout bool
	done    chan struct{}
}

func newToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakePaho struct {
	mu           sync.Mutex
	opts         *pahomqtt.ClientOptions
	connectToken *fakeToken
	publishErr   error
	open         bool
	published    []published
	subscribed   []string
	disconnects  int
}

func (f *fakePaho) IsConnected() bool { return f.IsConnectionOpen() }
func (f *fakePaho) IsConnectionOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}
func (f *fakePaho) Connect() pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectToken == nil {
		f.connectToken = newToken(nil)
	}
	if f.connectToken.err == nil {
		f.open = true
	}
	return f.connectToken
}
func (f *fakePaho) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	f.disconnects++
}
func (f *fakePaho) Publish(topic string, qos byte, _ bool, payload interface{}) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, _ := payload.([]byte)
	f.published = append(f.published, published{topic: topic, qos: qos, payload: b})
	return newToken(f.publishErr)
}
func (f *fakePaho) Subscribe(topic string, _ byte, _ pahomqtt.MessageHandler) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, topic)
	return newToken(nil)
}
func (f *fakePaho) SubscribeMultiple(map[string]byte, pahomqtt.MessageHandler) pahomqtt.Token {
	return newToken(nil)
}
func (f *fakePaho) Unsubscribe(...string) pahomqtt.Token          { return newToken(nil) }
func (f *fakePaho) AddRoute(string, pahomqtt.MessageHandler)      {}
func (f *fakePaho) OptionsReader() pahomqtt.ClientOptionsReader { return pahomqtt.ClientOptionsReader{} }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type recorder struct {
	calls []string
	codes []byte
	ids   []uint16
}

func (r *recorder) OnConnect(code byte) {
	r.calls = append(r.calls, "connect")
	r.codes = append(r.codes, code)
}
func (r *recorder) OnMessage(topic string, _ []byte) { r.calls = append(r.calls, "message:"+topic) }
func (r *recorder) OnPublish(id uint16) {
	r.calls = append(r.calls, "publish")
	r.ids = append(r.ids, id)
}
func (r *recorder) OnDisconnect(code byte) {
	r.calls = append(r.calls, "disconnect")
	r.codes = append(r.codes, code)
}
func (r *recorder) OnLog(LogLevel, string) { r.calls = append(r.calls, "log") }

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{ConnectTimeout: 5, PublishTimeout: 1}
}

func testOptions() ConnectOptions {
	return ConnectOptions{
		Host:     "hub.azure-devices.net",
		Port:     8883,
		ClientID: "dev1",
		Username: "hub.azure-devices.net/dev1/api-version=2016-11-14",
		Password: "SharedAccessSignature sr=x&sig=y&se=1",
		TLS:      true,
	}
}

func newTestClient(fake *fakePaho) *Client {
	return newClient(testConfig(), func(opts *pahomqtt.ClientOptions) pahomqtt.Client {
		fake.opts = opts
		return fake
	})
}

// pollUntil polls until the recorder has n calls or a second passes.
func pollUntil(t *testing.T, c *Client, r *recorder, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for len(r.calls) < n && time.Now().Before(deadline) {
		if err := c.Poll(10 * time.Millisecond); err != nil {
			t.Fatalf("Poll() error = %v", err)
		}
	}
	if len(r.calls) < n {
		t.Fatalf("calls = %v, want at least %d", r.calls, n)
	}
}

// =============================================================================
// Connect
// =============================================================================

func TestConnect_Options(t *testing.T) {
	fake := &fakePaho{}
	c := newTestClient(fake)

	if err := c.Connect(testOptions(), &recorder{}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	opts := fake.opts
	if len(opts.Servers) != 1 || opts.Servers[0].String() != "ssl://hub.azure-devices.net:8883" {
		t.Errorf("Servers = %v", opts.Servers)
	}
	if opts.ClientID != "dev1" {
		t.Errorf("ClientID = %q", opts.ClientID)
	}
	if opts.Username != "hub.azure-devices.net/dev1/api-version=2016-11-14" {
		t.Errorf("Username = %q", opts.Username)
	}
	if opts.KeepAlive != 120 {
		t.Errorf("KeepAlive = %d, want 120", opts.KeepAlive)
	}
	if opts.AutoReconnect {
		t.Error("AutoReconnect = true")
	}
	if opts.TLSConfig == nil || opts.TLSConfig.ServerName != "hub.azure-devices.net" {
		t.Errorf("TLSConfig = %+v", opts.TLSConfig)
	}
	if opts.ProtocolVersion != 4 {
		t.Errorf("ProtocolVersion = %d, want 4", opts.ProtocolVersion)
	}
}

func TestConnect_InvalidOptions(t *testing.T) {
	c := newTestClient(&fakePaho{})

	if err := c.Connect(ConnectOptions{ClientID: "dev1"}, &recorder{}); !errors.Is(err, ErrInvalidOptions) {
		t.Errorf("Connect() without host error = %v, want ErrInvalidOptions", err)
	}
	if err := c.Connect(testOptions(), nil); !errors.Is(err, ErrInvalidOptions) {
		t.Errorf("Connect() without callbacks error = %v, want ErrInvalidOptions", err)
	}
}

func TestConnect_AcceptedDeliveredOnPoll(t *testing.T) {
	fake := &fakePaho{}
	c := newTestClient(fake)
	r := &recorder{}

	if err := c.Connect(testOptions(), r); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if len(r.calls) != 0 {
		t.Fatalf("callbacks ran before Poll: %v", r.calls)
	}

	pollUntil(t, c, r, 1)
	if r.calls[0] != "connect" || r.codes[0] != CodeAccepted {
		t.Errorf("calls = %v codes = %v", r.calls, r.codes)
	}
	if !c.IsConnected() {
		t.Error("IsConnected() = false after accepted connect")
	}
}

func TestConnect_Refused(t *testing.T) {
	fake := &fakePaho{connectToken: newToken(errors.New("not Authorized"))}
	c := newTestClient(fake)
	r := &recorder{}

	if err := c.Connect(testOptions(), r); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	pollUntil(t, c, r, 3)

	want := []string{"log", "connect", "disconnect"}
	for i, w := range want {
		if r.calls[i] != w {
			t.Fatalf("calls = %v, want %v", r.calls, want)
		}
	}
	if r.codes[0] != CodeNetworkError || r.codes[1] != CodeNetworkError {
		t.Errorf("codes = %v, want network error", r.codes)
	}
}

// =============================================================================
// Messages and publishing
// =============================================================================

func TestPoll_DeliversMessages(t *testing.T) {
	fake := &fakePaho{}
	c := newTestClient(fake)
	r := &recorder{}
	_ = c.Connect(testOptions(), r)
	pollUntil(t, c, r, 1)

	fake.opts.DefaultPublishHandler(fake, fakeMessage{topic: "$iothub/methods/POST/reboot/?$rid=1", payload: []byte("{}")})

	pollUntil(t, c, r, 2)
	if r.calls[1] != "message:$iothub/methods/POST/reboot/?$rid=1" {
		t.Errorf("calls = %v", r.calls)
	}
}

func TestPoll_ConnectionLost(t *testing.T) {
	fake := &fakePaho{}
	c := newTestClient(fake)
	r := &recorder{}
	_ = c.Connect(testOptions(), r)
	pollUntil(t, c, r, 1)

	fake.opts.OnConnectionLost(fake, errors.New("EOF"))

	pollUntil(t, c, r, 3)
	if r.calls[2] != "disconnect" || r.codes[1] != CodeConnectionLost {
		t.Errorf("calls = %v codes = %v", r.calls, r.codes)
	}
}

func TestPoll_BeforeConnect(t *testing.T) {
	c := newTestClient(&fakePaho{})
	if err := c.Poll(0); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Poll() error = %v, want ErrNotConnected", err)
	}
}

func TestPublish(t *testing.T) {
	fake := &fakePaho{}
	c := newTestClient(fake)
	r := &recorder{}
	_ = c.Connect(testOptions(), r)
	pollUntil(t, c, r, 1)

	id1, err := c.Publish("devices/dev1/messages/events/", []byte(`{"t":1}`), 0)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	id2, err := c.Publish("devices/dev1/messages/events/", []byte(`{"t":2}`), 1)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if id1 == 0 || id2 == id1 {
		t.Errorf("ids = %d, %d, want distinct non-zero", id1, id2)
	}
	if len(fake.published) != 2 || string(fake.published[1].payload) != `{"t":2}` || fake.published[1].qos != 1 {
		t.Errorf("published = %+v", fake.published)
	}

	pollUntil(t, c, r, 3)
	if len(r.ids) != 2 || r.ids[0] != id1 || r.ids[1] != id2 {
		t.Errorf("OnPublish ids = %v, want [%d %d]", r.ids, id1, id2)
	}
}

func TestPublish_Errors(t *testing.T) {
	fake := &fakePaho{}
	c := newTestClient(fake)

	if _, err := c.Publish("t", nil, 0); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() before connect error = %v, want ErrNotConnected", err)
	}

	r := &recorder{}
	_ = c.Connect(testOptions(), r)
	pollUntil(t, c, r, 1)

	if _, err := c.Publish("", nil, 0); !errors.Is(err, ErrPublishFailed) {
		t.Errorf("Publish() empty topic error = %v, want ErrPublishFailed", err)
	}
	if _, err := c.Publish("t", nil, 2); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("Publish() qos 2 error = %v, want ErrInvalidQoS", err)
	}

	fake.publishErr = errors.New("broken pipe")
	if _, err := c.Publish("t", nil, 0); !errors.Is(err, ErrPublishFailed) {
		t.Errorf("Publish() broker error = %v, want ErrPublishFailed", err)
	}
}

func TestSubscribe(t *testing.T) {
	fake := &fakePaho{}
	c := newTestClient(fake)

	if err := c.Subscribe("$iothub/methods/#", 0); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe() before connect error = %v, want ErrNotConnected", err)
	}

	r := &recorder{}
	_ = c.Connect(testOptions(), r)
	pollUntil(t, c, r, 1)

	if err := c.Subscribe("$iothub/methods/#", 0); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if len(fake.subscribed) != 1 || fake.subscribed[0] != "$iothub/methods/#" {
		t.Errorf("subscribed = %v", fake.subscribed)
	}
	if err := c.Subscribe("", 0); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("Subscribe() empty topic error = %v, want ErrSubscribeFailed", err)
	}
}

func TestDisconnect_DropsPendingEvents(t *testing.T) {
	fake := &fakePaho{}
	c := newTestClient(fake)
	r := &recorder{}
	_ = c.Connect(testOptions(), r)
	pollUntil(t, c, r, 1)

	fake.opts.DefaultPublishHandler(fake, fakeMessage{topic: "late"})
	c.Disconnect()

	if err := c.Poll(0); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if len(r.calls) != 1 {
		t.Errorf("calls = %v, stale message delivered after Disconnect", r.calls)
	}
	if fake.disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", fake.disconnects)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after Disconnect")
	}

	// Handlers from the closed connection are ignored.
	fake.opts.OnConnectionLost(fake, errors.New("EOF"))
	_ = c.Poll(0)
	if len(r.calls) != 1 {
		t.Errorf("calls = %v after stale connection-lost", r.calls)
	}
}
