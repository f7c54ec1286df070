package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/elhorton/azureiot/internal/events"
	"github.com/elhorton/azureiot/internal/infrastructure/mqtt"
	"github.com/elhorton/azureiot/internal/provisioning"
	"github.com/elhorton/azureiot/internal/sas"
	"github.com/elhorton/azureiot/internal/topic"
)

// Session defaults.
const (
	// DefaultAPIVersion is the IoT Hub MQTT API version in the username.
	DefaultAPIVersion = "2016-11-14"

	// DefaultConnectTimeout bounds Connect when the context has no deadline.
	DefaultConnectTimeout = 30 * time.Second

	// DefaultPollTimeout is how long one Loop call waits for traffic.
	DefaultPollTimeout = 100 * time.Millisecond

	// DefaultMaxOutstanding caps publishes awaiting acknowledgement.
	DefaultMaxOutstanding = 1000

	// DefaultReconnectBackoff separates reconnect attempts.
	DefaultReconnectBackoff = 10 * time.Second

	// DefaultRefreshMargin is how long before token expiry the session
	// reconnects with a fresh token.
	DefaultRefreshMargin = 5 * time.Minute
)

// Transport is the MQTT primitive a Session drives. *mqtt.Client
// implements it.
type Transport interface {
	// Connect starts a connection attempt; the outcome arrives through
	// cb.OnConnect during a later Poll.
	Connect(opts mqtt.ConnectOptions, cb mqtt.Callbacks) error

	// Subscribe subscribes to a topic filter.
	Subscribe(topic string, qos byte) error

	// Publish sends payload and returns the id later passed to OnPublish.
	Publish(topic string, payload []byte, qos byte) (uint16, error)

	// Disconnect closes the connection. Pending notifications are dropped.
	Disconnect()

	// Poll delivers pending notifications, waiting up to timeout.
	Poll(timeout time.Duration) error
}

// HostResolver maps an identity to the hub host it connects to.
// *provisioning.Provisioner implements it.
type HostResolver interface {
	ResolveHost(ctx context.Context, id provisioning.Identity) (string, error)
}

// Recorder receives session metrics. *influxdb.Client implements it.
type Recorder interface {
	RecordConnectionStatus(deviceID string, status int)
	RecordMessage(deviceID, kind string, size int)
	RecordDirectMethod(deviceID, method string, status int, elapsed time.Duration)
	RecordProvisioning(deviceID, outcome string, elapsed time.Duration)
}

// Logger is the logging capability the session needs.
// *logging.Logger implements it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// ReconnectPolicy controls automatic recovery. The zero value never
// reconnects.
type ReconnectPolicy struct {
	// Enabled turns on reconnect after a lost connection and token refresh.
	Enabled bool

	// RefreshMargin is how long before token expiry to reconnect.
	RefreshMargin time.Duration

	// Backoff is the minimum interval between reconnect attempts.
	Backoff time.Duration
}

// Options configures a Session.
type Options struct {
	Identity  provisioning.Identity
	Resolver  HostResolver // required unless Connect always gets a host
	Transport Transport    // required

	Logger   Logger   // optional
	Recorder Recorder // optional

	APIVersion string
	Port       int
	KeepAlive  time.Duration
	TLS        bool
	QoS        byte

	// DeviceBoundSegment is the cloud-to-device path segment to subscribe to.
	DeviceBoundSegment string

	ConnectTimeout time.Duration
	PollTimeout    time.Duration

	// MessageIDs stamps a $.mid system property on every telemetry message.
	MessageIDs bool

	// MaxOutstanding caps publishes tracked for MessageSent.
	MaxOutstanding int

	Reconnect ReconnectPolicy

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Session is one device connection to an IoT hub.
type Session struct {
	id        provisioning.Identity
	resolver  HostResolver
	transport Transport
	logger    Logger
	recorder  Recorder

	apiVersion     string
	port           int
	keepAlive      time.Duration
	tls            bool
	qos            byte
	deviceBound    string
	connectTimeout time.Duration
	pollTimeout    time.Duration
	messageIDs     bool
	reconnect      ReconnectPolicy
	now            func() time.Time

	topics     topic.Topics
	router     *topic.Router
	dispatcher *events.Dispatcher
	hooks      *hooks

	state       State
	host        string
	tokenExpiry time.Time
	lastAttempt time.Time

	authDone bool
	authCode byte
	rejected bool // the broker refused the credentials; cleared by the next open

	outstanding *outstanding
	routeErrs   []error
}

// New creates a disconnected Session.
func New(opts Options) (*Session, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("%w: transport is required", ErrInvalidOptions)
	}
	if opts.Identity.DeviceID == "" || opts.Identity.SymmetricKey == "" {
		return nil, fmt.Errorf("%w: identity needs a device id and key", ErrInvalidOptions)
	}

	s := &Session{
		id:             opts.Identity,
		resolver:       opts.Resolver,
		transport:      opts.Transport,
		logger:         opts.Logger,
		recorder:       opts.Recorder,
		apiVersion:     opts.APIVersion,
		port:           opts.Port,
		keepAlive:      opts.KeepAlive,
		tls:            opts.TLS,
		qos:            opts.QoS,
		deviceBound:    opts.DeviceBoundSegment,
		connectTimeout: opts.ConnectTimeout,
		pollTimeout:    opts.PollTimeout,
		messageIDs:     opts.MessageIDs,
		reconnect:      opts.Reconnect,
		now:            opts.Now,
		router:         topic.NewRouter(opts.Identity.DeviceID),
		dispatcher:     events.NewDispatcher(),
		state:          StateDisconnected,
	}

	if s.logger == nil {
		s.logger = noopLogger{}
	}
	if s.recorder == nil {
		s.recorder = noopRecorder{}
	}
	if s.apiVersion == "" {
		s.apiVersion = DefaultAPIVersion
	}
	if s.port == 0 {
		s.port = mqtt.DefaultPort
	}
	if s.keepAlive <= 0 {
		s.keepAlive = mqtt.DefaultKeepAlive
	}
	if s.deviceBound == "" {
		s.deviceBound = topic.DefaultDeviceBound
	}
	if s.connectTimeout <= 0 {
		s.connectTimeout = DefaultConnectTimeout
	}
	if s.pollTimeout <= 0 {
		s.pollTimeout = DefaultPollTimeout
	}
	if s.reconnect.Backoff <= 0 {
		s.reconnect.Backoff = DefaultReconnectBackoff
	}
	if s.reconnect.RefreshMargin <= 0 {
		s.reconnect.RefreshMargin = DefaultRefreshMargin
	}
	if s.now == nil {
		s.now = time.Now
	}

	maxOutstanding := opts.MaxOutstanding
	if maxOutstanding <= 0 {
		maxOutstanding = DefaultMaxOutstanding
	}
	s.outstanding = newOutstanding(maxOutstanding)
	s.hooks = &hooks{s: s}

	return s, nil
}

// On registers the handler for an event, replacing any earlier one.
func (s *Session) On(name events.Name, h events.Handler) error {
	return s.dispatcher.On(name, h)
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return s.state
}

// Host returns the hub host of the current or last connection.
func (s *Session) Host() string {
	return s.host
}

// DeviceID returns the device id the session is bound to.
func (s *Session) DeviceID() string {
	return s.id.DeviceID
}

// Connect opens the session and returns once it is Ready. When host is
// empty the hub host is obtained from the resolver. Connect waits for the
// broker until ctx is done or the connect timeout passes, whichever is
// first.
func (s *Session) Connect(ctx context.Context, host string) error {
	if s.state == StateReady {
		return nil
	}

	if host == "" {
		resolved, err := s.resolve(ctx)
		if err != nil {
			return err
		}
		host = resolved
	}

	return s.open(ctx, host)
}

func (s *Session) resolve(ctx context.Context) (string, error) {
	if s.resolver == nil {
		if s.id.HubHost != "" {
			return s.id.HubHost, nil
		}
		return "", fmt.Errorf("%w: no hub host and no resolver", ErrInvalidOptions)
	}

	start := s.now()
	host, err := s.resolver.ResolveHost(ctx, s.id)
	elapsed := s.now().Sub(start)
	if err != nil {
		s.recorder.RecordProvisioning(s.id.DeviceID, "failed", elapsed)
		s.logger.Error("hub host resolution failed", "device_id", s.id.DeviceID, "error", err)
		return "", err
	}

	s.recorder.RecordProvisioning(s.id.DeviceID, "assigned", elapsed)
	s.logger.Info("hub host resolved", "device_id", s.id.DeviceID, "host", host)
	return host, nil
}

// open runs Connecting through Ready against host. Ready follows the
// twin-GET publish; the twin response is not awaited.
func (s *Session) open(ctx context.Context, host string) error {
	ctx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()

	now := s.now()
	token, err := sas.Generate(s.id.SymmetricKey, sas.DeviceResourceURI(host, s.id.DeviceID), s.id.TokenLifetime, now)
	if err != nil {
		return err
	}

	s.setState(StateConnecting)
	s.host = host
	s.tokenExpiry = token.ExpiresAt()
	s.authDone = false
	s.authCode = 0
	s.rejected = false

	opts := mqtt.ConnectOptions{
		Host:      host,
		Port:      s.port,
		ClientID:  s.id.DeviceID,
		Username:  fmt.Sprintf("%s/%s/api-version=%s", host, s.id.DeviceID, s.apiVersion),
		Password:  token.String(),
		KeepAlive: s.keepAlive,
		TLS:       s.tls,
	}

	s.logger.Info("connecting", "device_id", s.id.DeviceID, "host", host, "port", s.port)
	if err := s.transport.Connect(opts, s.hooks); err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	s.setState(StateAuthPending)
	if err := s.awaitAuth(ctx); err != nil {
		return err
	}

	s.setState(StateSubscribing)
	for _, t := range s.topics.Subscriptions(s.id.DeviceID, s.deviceBound) {
		if err := s.transport.Subscribe(t, s.qos); err != nil {
			s.teardown()
			return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
		}
		s.logger.Debug("subscribed", "topic", t)
	}

	if _, err := s.transport.Publish(s.topics.TwinGet(topic.TwinGetRequestID), nil, s.qos); err != nil {
		s.teardown()
		return fmt.Errorf("%w: twin get: %w", ErrPublishFailed, err)
	}

	s.setState(StateReady)
	s.logger.Info("session ready", "device_id", s.id.DeviceID, "host", host,
		"token_expires", s.tokenExpiry.UTC().Format(time.RFC3339))
	s.recorder.RecordConnectionStatus(s.id.DeviceID, int(mqtt.CodeAccepted))
	s.dispatcher.Invoke(events.ConnectionStatus, nil, "", int(mqtt.CodeAccepted), 0)
	return nil
}

// awaitAuth pumps the transport until the connect acknowledgement arrives.
func (s *Session) awaitAuth(ctx context.Context) error {
	for !s.authDone {
		if err := ctx.Err(); err != nil {
			s.teardown()
			return fmt.Errorf("%w: %w", ErrConnectTimeout, err)
		}
		if err := s.transport.Poll(s.pollTimeout); err != nil {
			s.teardown()
			return fmt.Errorf("%w: %w", ErrConnectFailed, err)
		}
	}

	switch s.authCode {
	case mqtt.CodeAccepted:
		return nil
	case mqtt.CodeNotAuthorized:
		s.rejected = true
		s.teardown()
		return fmt.Errorf("%w: broker returned code %d", ErrAuthRejected, s.authCode)
	default:
		s.teardown()
		return fmt.Errorf("%w: broker returned code %d", ErrConnectFailed, s.authCode)
	}
}

// Disconnect closes a Ready session. It does nothing in other states,
// except that it stops a pending reconnect.
func (s *Session) Disconnect() {
	switch s.state {
	case StateReady:
		s.logger.Info("disconnecting", "device_id", s.id.DeviceID)
		s.teardown()
	case StateReconnecting:
		s.setState(StateDisconnected)
	}
}

// teardown closes the transport and returns to Disconnected.
func (s *Session) teardown() {
	s.transport.Disconnect()
	s.outstanding.clear()
	s.setState(StateDisconnected)
}

// Loop pumps the transport once. It returns ErrNotConnected when the
// session is Disconnected, wrapping ErrAuthRejected as well when the broker
// refused the credentials. It also returns any desired-property payloads
// that could not be routed.
func (s *Session) Loop(ctx context.Context) error {
	switch s.state {
	case StateDisconnected:
		if s.rejected {
			return fmt.Errorf("%w: %w", ErrNotConnected, ErrAuthRejected)
		}
		return ErrNotConnected
	case StateReconnecting:
		return s.tryReconnect(ctx)
	}

	if s.refreshDue() {
		s.logger.Info("refreshing sas token", "device_id", s.id.DeviceID,
			"token_expires", s.tokenExpiry.UTC().Format(time.RFC3339))
		s.transport.Disconnect()
		s.outstanding.clear()
		s.setState(StateReconnecting)
		s.lastAttempt = time.Time{}
		return s.tryReconnect(ctx)
	}

	if err := s.transport.Poll(s.pollTimeout); err != nil {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}

	if len(s.routeErrs) == 0 {
		return nil
	}
	err := errors.Join(s.routeErrs...)
	s.routeErrs = nil
	return err
}

func (s *Session) refreshDue() bool {
	if !s.reconnect.Enabled || s.state != StateReady {
		return false
	}
	return !s.now().Before(s.tokenExpiry.Add(-s.reconnect.RefreshMargin))
}

// tryReconnect makes one reconnect attempt if the backoff has elapsed.
func (s *Session) tryReconnect(ctx context.Context) error {
	now := s.now()
	if !s.lastAttempt.IsZero() && now.Sub(s.lastAttempt) < s.reconnect.Backoff {
		return nil
	}
	s.lastAttempt = now

	s.logger.Info("reconnecting", "device_id", s.id.DeviceID, "host", s.host)
	err := s.open(ctx, s.host)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrAuthRejected), errors.Is(err, sas.ErrInvalidKey):
		s.logger.Error("reconnect rejected", "device_id", s.id.DeviceID, "error", err)
		return err
	default:
		s.logger.Warn("reconnect failed", "device_id", s.id.DeviceID, "error", err,
			"retry_in", s.reconnect.Backoff.String())
		s.setState(StateReconnecting)
		return nil
	}
}

// connectionLost handles a broker disconnect other than auth rejection.
func (s *Session) connectionLost() {
	if s.reconnect.Enabled {
		s.setState(StateReconnecting)
		s.lastAttempt = s.now()
		return
	}
	s.setState(StateDisconnected)
}

func (s *Session) setState(st State) {
	if s.state == st {
		return
	}
	s.logger.Debug("session state", "device_id", s.id.DeviceID, "from", s.state.String(), "to", st.String())
	s.state = st
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type noopRecorder struct{}

func (noopRecorder) RecordConnectionStatus(string, int)                    {}
func (noopRecorder) RecordMessage(string, string, int)                     {}
func (noopRecorder) RecordDirectMethod(string, string, int, time.Duration) {}
func (noopRecorder) RecordProvisioning(string, string, time.Duration)      {}
