package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Connection constants.
const (
	// defaultConnectTimeout bounds the network dial and CONNECT exchange.
	defaultConnectTimeout = 30 * time.Second

	// defaultPublishTimeout bounds the wait for a publish or subscribe ack.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time allowed for in-flight work on disconnect.
	defaultDisconnectQuiesce = 250 // milliseconds

	// DefaultKeepAlive is the keep-alive IoT Hub clients use.
	DefaultKeepAlive = 120 * time.Second

	// DefaultPort is the MQTT over TLS port.
	DefaultPort = 8883

	// maxQoS is the highest QoS level supported. IoT Hub does not accept QoS 2.
	maxQoS = 1

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12

	// protocolVersion selects MQTT 3.1.1.
	protocolVersion = 4
)

// ConnectOptions describes one connection attempt.
type ConnectOptions struct {
	Host     string
	Port     int
	ClientID string
	Username string
	Password string

	KeepAlive time.Duration
	TLS       bool
}

// buildClientOptions creates paho options for one connection attempt.
//
// This configures:
//   - Broker URL (tcp:// or ssl:// based on TLS)
//   - Client ID and credentials
//   - MQTT 3.1.1 with a clean session
//   - No automatic reconnect or connect retry
func buildClientOptions(opts ConnectOptions, connectTimeout time.Duration) *pahomqtt.ClientOptions {
	po := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if opts.TLS {
		scheme = "ssl"
	}
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	po.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, opts.Host, port))

	po.SetClientID(opts.ClientID)
	if opts.Username != "" {
		po.SetUsername(opts.Username)
		po.SetPassword(opts.Password)
	}

	po.SetProtocolVersion(protocolVersion)
	po.SetCleanSession(true)
	po.SetAutoReconnect(false)
	po.SetConnectRetry(false)
	po.SetOrderMatters(true)

	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	po.SetConnectTimeout(connectTimeout)

	keepAlive := opts.KeepAlive
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	po.SetKeepAlive(keepAlive)

	if opts.TLS {
		po.SetTLSConfig(&tls.Config{
			MinVersion: tlsMinVersion,
			ServerName: opts.Host,
		})
	}

	return po
}
