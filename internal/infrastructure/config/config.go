package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the device client.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Device       DeviceConfig       `yaml:"device"`
	Provisioning ProvisioningConfig `yaml:"provisioning"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	Session      SessionConfig      `yaml:"session"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Database     DatabaseConfig     `yaml:"database"`
	InfluxDB     InfluxDBConfig     `yaml:"influxdb"`
	API          APIConfig          `yaml:"api"`
	WebSocket    WebSocketConfig    `yaml:"websocket"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// DeviceConfig identifies the device. Either ConnectionString, or IDScope
// with DeviceID and SymmetricKey, must be set.
type DeviceConfig struct {
	IDScope          string `yaml:"id_scope"`
	DeviceID         string `yaml:"device_id"`
	SymmetricKey     string `yaml:"symmetric_key"`
	ConnectionString string `yaml:"connection_string"`

	// HubHost skips provisioning when set.
	HubHost string `yaml:"hub_host"`

	// TokenLifetime is the SAS token lifetime in seconds.
	TokenLifetime int `yaml:"token_lifetime"`

	// ModelData is raw JSON sent with the provisioning request.
	ModelData string `yaml:"model_data"`
}

// ProvisioningConfig contains Device Provisioning Service settings.
// Durations are in seconds.
type ProvisioningConfig struct {
	Endpoint         string `yaml:"endpoint"`
	APIVersion       string `yaml:"api_version"`
	RegisterDelay    int    `yaml:"register_delay"`
	PollInterval     int    `yaml:"poll_interval"`
	MaxPolls         int    `yaml:"max_polls"`
	RequestRetries   int    `yaml:"request_retries"`
	RetryBackoff     int    `yaml:"retry_backoff"`
	RequestTimeout   int    `yaml:"request_timeout"`
	CacheAssignments bool   `yaml:"cache_assignments"`
}

// MQTTConfig contains hub connection settings. Durations are in seconds
// unless the name says otherwise.
type MQTTConfig struct {
	Port               int    `yaml:"port"`
	TLS                bool   `yaml:"tls"`
	KeepAlive          int    `yaml:"keep_alive"`
	APIVersion         string `yaml:"api_version"`
	QoS                int    `yaml:"qos"`
	DeviceBoundSegment string `yaml:"device_bound_segment"`
	ConnectTimeout     int    `yaml:"connect_timeout"`
	PublishTimeout     int    `yaml:"publish_timeout"`
	PollIntervalMS     int    `yaml:"poll_interval_ms"`
}

// SessionConfig contains session behaviour settings.
type SessionConfig struct {
	// MessageIDs stamps telemetry with a $.mid property.
	MessageIDs bool `yaml:"message_ids"`

	// MaxOutstanding bounds the publishes awaiting acknowledgement.
	MaxOutstanding int `yaml:"max_outstanding"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig controls automatic reconnection. Durations are in seconds.
type ReconnectConfig struct {
	Enabled bool `yaml:"enabled"`

	// RefreshMargin is how long before token expiry the session reconnects.
	RefreshMargin int `yaml:"refresh_margin"`

	// Backoff is the minimum gap between reconnect attempts.
	Backoff int `yaml:"backoff"`
}

// TelemetryConfig controls the host application's heartbeat.
type TelemetryConfig struct {
	// Interval in seconds; 0 disables the heartbeat.
	Interval int `yaml:"interval"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains the local status API settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains settings for the live event stream.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: AZUREIOT_SECTION_KEY
// For example: AZUREIOT_DEVICE_KEY, AZUREIOT_DATABASE_PATH
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with the values IoT Hub devices normally use.
func defaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			TokenLifetime: 21600,
		},
		Provisioning: ProvisioningConfig{
			Endpoint:         "global.azure-devices-provisioning.net",
			APIVersion:       "2018-11-01",
			RegisterDelay:    1,
			PollInterval:     3,
			MaxPolls:         20,
			RequestRetries:   10,
			RetryBackoff:     1,
			RequestTimeout:   30,
			CacheAssignments: true,
		},
		MQTT: MQTTConfig{
			Port:               8883,
			TLS:                true,
			KeepAlive:          120,
			APIVersion:         "2016-11-14",
			QoS:                0,
			DeviceBoundSegment: "devicebound",
			ConnectTimeout:     30,
			PublishTimeout:     5,
			PollIntervalMS:     100,
		},
		Session: SessionConfig{
			MaxOutstanding: 1000,
			Reconnect: ReconnectConfig{
				Enabled:       false,
				RefreshMargin: 300,
				Backoff:       10,
			},
		},
		Telemetry: TelemetryConfig{
			Interval: 10,
		},
		Database: DatabaseConfig{
			Path:        "./data/azureiot.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		InfluxDB: InfluxDBConfig{
			URL:           "http://localhost:8086",
			Bucket:        "azureiot",
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  10,
				Write: 10,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 4096,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: AZUREIOT_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Device identity - secrets belong here rather than in the file
	if v := os.Getenv("AZUREIOT_CONNECTION_STRING"); v != "" {
		cfg.Device.ConnectionString = v
	}
	if v := os.Getenv("AZUREIOT_DEVICE_KEY"); v != "" {
		cfg.Device.SymmetricKey = v
	}
	if v := os.Getenv("AZUREIOT_DEVICE_ID"); v != "" {
		cfg.Device.DeviceID = v
	}
	if v := os.Getenv("AZUREIOT_ID_SCOPE"); v != "" {
		cfg.Device.IDScope = v
	}
	if v := os.Getenv("AZUREIOT_HUB_HOST"); v != "" {
		cfg.Device.HubHost = v
	}

	// Session
	if v := os.Getenv("AZUREIOT_RECONNECT_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Session.Reconnect.Enabled = b
		}
	}

	// Database
	if v := os.Getenv("AZUREIOT_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// InfluxDB
	if v := os.Getenv("AZUREIOT_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// API
	if v := os.Getenv("AZUREIOT_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// Logging
	if v := os.Getenv("AZUREIOT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Device identity
	d := c.Device
	if d.ConnectionString == "" {
		if d.DeviceID == "" {
			errs = append(errs, "device.device_id is required without a connection string")
		}
		if d.SymmetricKey == "" {
			errs = append(errs, "device.symmetric_key is required without a connection string (set AZUREIOT_DEVICE_KEY)")
		}
		if d.IDScope == "" && d.HubHost == "" {
			errs = append(errs, "device.id_scope or device.hub_host is required without a connection string")
		}
	}
	if d.TokenLifetime <= 0 {
		errs = append(errs, "device.token_lifetime must be positive")
	}

	// Provisioning
	p := c.Provisioning
	if p.Endpoint == "" {
		errs = append(errs, "provisioning.endpoint is required")
	}
	if p.MaxPolls < 1 {
		errs = append(errs, "provisioning.max_polls must be at least 1")
	}
	if p.RequestRetries < 1 {
		errs = append(errs, "provisioning.request_retries must be at least 1")
	}
	if p.PollInterval <= 0 || p.RequestTimeout <= 0 {
		errs = append(errs, "provisioning.poll_interval and provisioning.request_timeout must be positive")
	}

	// MQTT
	m := c.MQTT
	if m.Port < 1 || m.Port > 65535 {
		errs = append(errs, "mqtt.port must be between 1 and 65535")
	}
	if m.QoS < 0 || m.QoS > 1 {
		errs = append(errs, "mqtt.qos must be 0 or 1")
	}
	if m.KeepAlive <= 0 || m.ConnectTimeout <= 0 || m.PublishTimeout <= 0 {
		errs = append(errs, "mqtt.keep_alive, mqtt.connect_timeout and mqtt.publish_timeout must be positive")
	}
	if m.PollIntervalMS < 0 {
		errs = append(errs, "mqtt.poll_interval_ms cannot be negative")
	}
	if m.APIVersion == "" {
		errs = append(errs, "mqtt.api_version is required")
	}

	// Session
	if c.Session.MaxOutstanding < 1 {
		errs = append(errs, "session.max_outstanding must be at least 1")
	}
	if c.Session.Reconnect.Enabled && c.Session.Reconnect.RefreshMargin >= d.TokenLifetime {
		errs = append(errs, "session.reconnect.refresh_margin must be shorter than device.token_lifetime")
	}

	if c.Telemetry.Interval < 0 {
		errs = append(errs, "telemetry.interval cannot be negative")
	}

	// Database is needed only for the assignment cache
	if c.Provisioning.CacheAssignments && c.Database.Path == "" {
		errs = append(errs, "database.path is required when provisioning.cache_assignments is enabled")
	}

	// API
	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}
		if c.WebSocket.PingInterval <= 0 || c.WebSocket.PongTimeout <= 0 {
			errs = append(errs, "websocket.ping_interval and websocket.pong_timeout must be positive")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// TokenLifetime returns the SAS token lifetime as a Duration.
func (c *Config) TokenLifetime() time.Duration {
	return time.Duration(c.Device.TokenLifetime) * time.Second
}

// ConnectTimeout returns the hub connect deadline as a Duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.MQTT.ConnectTimeout) * time.Second
}

// PollInterval returns the session loop's poll wait as a Duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.MQTT.PollIntervalMS) * time.Millisecond
}
