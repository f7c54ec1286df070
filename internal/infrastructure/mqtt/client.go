package mqtt

import (
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/elhorton/azureiot/internal/infrastructure/config"
)

// Reason codes passed to OnConnect and OnDisconnect.
const (
	// CodeAccepted means the broker accepted the connection.
	CodeAccepted byte = 0

	// CodeConnectionLost means the connection dropped without a DISCONNECT.
	CodeConnectionLost byte = 1

	// CodeNotAuthorized means the broker refused the credentials.
	CodeNotAuthorized byte = 5

	// CodeNetworkError means the handshake failed below MQTT.
	CodeNetworkError byte = 0xFE
)

// LogLevel grades OnLog messages.
type LogLevel int

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)

// Callbacks receives transport notifications. Every method runs on the
// goroutine that called Poll.
type Callbacks interface {
	OnConnect(code byte)
	OnMessage(topic string, payload []byte)
	OnPublish(id uint16)
	OnDisconnect(code byte)
	OnLog(level LogLevel, msg string)
}

type eventKind int

const (
	eventConnect eventKind = iota
	eventMessage
	eventPublish
	eventDisconnect
	eventLog
)

type event struct {
	kind    eventKind
	code    byte
	topic   string
	payload []byte
	id      uint16
	level   LogLevel
	msg     string
}

// Client is a poll-driven MQTT transport for one device connection.
//
// Thread Safety:
//   - Methods may be called from any goroutine, but Callbacks only run
//     inside Poll.
//   - Notifications from a previous connection are discarded once Connect
//     or Disconnect is called again.
type Client struct {
	factory        func(*pahomqtt.ClientOptions) pahomqtt.Client
	connectTimeout time.Duration
	publishTimeout time.Duration

	mu         sync.Mutex
	client     pahomqtt.Client
	callbacks  Callbacks
	generation uint64
	nextID     uint16
	queue      []event
	notify     chan struct{}
}

// New creates a Client configured from cfg. It does not connect.
func New(cfg config.MQTTConfig) *Client {
	return newClient(cfg, pahomqtt.NewClient)
}

func newClient(cfg config.MQTTConfig, factory func(*pahomqtt.ClientOptions) pahomqtt.Client) *Client {
	c := &Client{
		factory:        factory,
		connectTimeout: time.Duration(cfg.ConnectTimeout) * time.Second,
		publishTimeout: time.Duration(cfg.PublishTimeout) * time.Second,
		notify:         make(chan struct{}, 1),
	}
	if c.publishTimeout <= 0 {
		c.publishTimeout = defaultPublishTimeout
	}
	return c
}

// Connect starts a connection attempt and returns without waiting for the
// broker. Any existing connection is closed first. The broker's answer is
// delivered through cb on a later Poll.
func (c *Client) Connect(opts ConnectOptions, cb Callbacks) error {
	if opts.Host == "" || opts.ClientID == "" {
		return fmt.Errorf("%w: host and client id are required", ErrInvalidOptions)
	}
	if cb == nil {
		return fmt.Errorf("%w: callbacks are required", ErrInvalidOptions)
	}

	c.mu.Lock()
	old := c.client
	c.client = nil
	c.generation++
	gen := c.generation
	c.queue = nil
	c.callbacks = cb
	c.mu.Unlock()

	if old != nil {
		old.Disconnect(defaultDisconnectQuiesce)
	}

	po := buildClientOptions(opts, c.connectTimeout)
	po.SetDefaultPublishHandler(func(_ pahomqtt.Client, msg pahomqtt.Message) {
		payload := make([]byte, len(msg.Payload()))
		copy(payload, msg.Payload())
		c.enqueue(gen, event{kind: eventMessage, topic: msg.Topic(), payload: payload})
	})
	po.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.enqueue(gen, event{kind: eventLog, level: LogError, msg: fmt.Sprintf("connection lost: %v", err)})
		c.enqueue(gen, event{kind: eventDisconnect, code: CodeConnectionLost})
	})

	client := c.factory(po)
	if client == nil {
		return fmt.Errorf("%w: no client created", ErrConnectionFailed)
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	token := client.Connect()
	go c.awaitConnect(gen, token)
	return nil
}

// awaitConnect turns the CONNACK into queued notifications.
func (c *Client) awaitConnect(gen uint64, token pahomqtt.Token) {
	<-token.Done()

	code := returnCode(token)
	if code == CodeAccepted {
		c.enqueue(gen, event{kind: eventConnect, code: code})
		return
	}

	msg := fmt.Sprintf("connect refused with code %d", code)
	if err := token.Error(); err != nil {
		msg = fmt.Sprintf("connect failed with code %d: %v", code, err)
	}
	c.enqueue(gen, event{kind: eventLog, level: LogError, msg: msg})
	c.enqueue(gen, event{kind: eventConnect, code: code})
	c.enqueue(gen, event{kind: eventDisconnect, code: code})
}

func returnCode(token pahomqtt.Token) byte {
	code := CodeAccepted
	if ct, ok := token.(*pahomqtt.ConnectToken); ok {
		code = ct.ReturnCode()
	}
	if token.Error() != nil && code == CodeAccepted {
		code = CodeNetworkError
	}
	return code
}

// Subscribe subscribes to topic and waits for the SUBACK. Messages arrive
// through OnMessage.
func (c *Client) Subscribe(topic string, qos byte) error {
	if topic == "" {
		return fmt.Errorf("%w: topic cannot be empty", ErrSubscribeFailed)
	}
	if qos > maxQoS {
		return fmt.Errorf("%w: %d (max %d)", ErrInvalidQoS, qos, maxQoS)
	}

	client := c.current()
	if client == nil || !client.IsConnectionOpen() {
		return ErrNotConnected
	}

	token := client.Subscribe(topic, qos, nil)
	if !token.WaitTimeout(c.publishTimeout) {
		return fmt.Errorf("%w: %s: timeout after %v", ErrSubscribeFailed, topic, c.publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, err)
	}
	return nil
}

// Publish sends payload and waits for it to be written (QoS 0) or
// acknowledged (QoS 1). The returned id is echoed by OnPublish.
func (c *Client) Publish(topic string, payload []byte, qos byte) (uint16, error) {
	if topic == "" {
		return 0, fmt.Errorf("%w: topic cannot be empty", ErrPublishFailed)
	}
	if qos > maxQoS {
		return 0, fmt.Errorf("%w: %d (max %d)", ErrInvalidQoS, qos, maxQoS)
	}

	c.mu.Lock()
	client := c.client
	gen := c.generation
	c.nextID++
	if c.nextID == 0 {
		c.nextID = 1
	}
	id := c.nextID
	c.mu.Unlock()

	if client == nil || !client.IsConnectionOpen() {
		return 0, ErrNotConnected
	}

	token := client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(c.publishTimeout) {
		return 0, fmt.Errorf("%w: %s after %v", ErrPublishTimeout, topic, c.publishTimeout)
	}
	if err := token.Error(); err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}

	c.enqueue(gen, event{kind: eventPublish, id: id})
	return id, nil
}

// Disconnect closes the connection. Pending notifications are dropped.
func (c *Client) Disconnect() {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.generation++
	c.queue = nil
	c.mu.Unlock()

	if client != nil {
		client.Disconnect(defaultDisconnectQuiesce)
	}
}

// IsConnected reports whether the network connection is open.
func (c *Client) IsConnected() bool {
	client := c.current()
	return client != nil && client.IsConnectionOpen()
}

// Poll delivers queued notifications to the callbacks. When the queue is
// empty it waits up to timeout for one to arrive; a zero timeout never
// blocks.
func (c *Client) Poll(timeout time.Duration) error {
	c.mu.Lock()
	cb := c.callbacks
	gen := c.generation
	c.mu.Unlock()

	if cb == nil {
		return ErrNotConnected
	}

	events := c.drain()
	if len(events) == 0 && timeout > 0 {
		timer := time.NewTimer(timeout)
		select {
		case <-c.notify:
		case <-timer.C:
		}
		timer.Stop()
		events = c.drain()
	}

	for _, ev := range events {
		// A callback may have reconnected or disconnected; the rest of
		// the batch belongs to the old connection.
		if !c.isGeneration(gen) {
			return nil
		}
		switch ev.kind {
		case eventConnect:
			cb.OnConnect(ev.code)
		case eventMessage:
			cb.OnMessage(ev.topic, ev.payload)
		case eventPublish:
			cb.OnPublish(ev.id)
		case eventDisconnect:
			cb.OnDisconnect(ev.code)
		case eventLog:
			cb.OnLog(ev.level, ev.msg)
		}
	}
	return nil
}

func (c *Client) enqueue(gen uint64, ev event) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, ev)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Client) drain() []event {
	c.mu.Lock()
	defer c.mu.Unlock()
	events := c.queue
	c.queue = nil
	return events
}

func (c *Client) current() pahomqtt.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

func (c *Client) isGeneration(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation == gen
}
