// Azure IoT device agent.
//
// iotdevice provisions a device identity, holds one MQTT session to its IoT
// hub and publishes a heartbeat while connected. Direct methods get the
// default response and every session event is logged. When api.enabled is
// set, a local HTTP server reports session status and streams events.
//
// Configuration is read from configs/config.yaml, or the file named by
// AZUREIOT_CONFIG. Secrets are best supplied through AZUREIOT_DEVICE_KEY
// or AZUREIOT_CONNECTION_STRING.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"github.com/elhorton/azureiot/internal/api"
	"github.com/elhorton/azureiot/internal/events"
	"github.com/elhorton/azureiot/internal/hubcache"
	"github.com/elhorton/azureiot/internal/infrastructure/config"
	"github.com/elhorton/azureiot/internal/infrastructure/database"
	"github.com/elhorton/azureiot/internal/infrastructure/influxdb"
	"github.com/elhorton/azureiot/internal/infrastructure/logging"
	"github.com/elhorton/azureiot/internal/infrastructure/mqtt"
	"github.com/elhorton/azureiot/internal/provisioning"
	"github.com/elhorton/azureiot/internal/session"
	"github.com/elhorton/azureiot/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Cancel on Ctrl+C or SIGTERM for a clean disconnect
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting azureiot device",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	identity, err := buildIdentity(cfg.Device, cfg.TokenLifetime())
	if err != nil {
		return fmt.Errorf("building identity: %w", err)
	}

	checks := make(map[string]api.HealthChecker)

	// Hub assignment cache (optional)
	var cache provisioning.Cache
	if cfg.Provisioning.CacheAssignments && identity.Provisioned() {
		db, err := database.Open(ctx, database.Config{
			Path:        cfg.Database.Path,
			WALMode:     cfg.Database.WALMode,
			BusyTimeout: cfg.Database.BusyTimeout,
		})
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		log.Info("database connected", "path", cfg.Database.Path)

		if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
			return fmt.Errorf("running migrations: %w", migrateErr)
		}
		cache = hubcache.NewSQLiteRepository(db.DB)
		checks["database"] = db
	}

	// Connect to InfluxDB (optional)
	var recorder session.Recorder
	influxClient, err := influxdb.Connect(ctx, cfg.InfluxDB)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
	case err != nil:
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	default:
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		recorder = influxClient
		checks["influxdb"] = influxClient
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	}

	provisioner := provisioning.New(provisioning.Options{
		Endpoint:       cfg.Provisioning.Endpoint,
		APIVersion:     cfg.Provisioning.APIVersion,
		RegisterDelay:  seconds(cfg.Provisioning.RegisterDelay),
		PollInterval:   seconds(cfg.Provisioning.PollInterval),
		MaxPolls:       cfg.Provisioning.MaxPolls,
		RequestRetries: cfg.Provisioning.RequestRetries,
		RetryBackoff:   seconds(cfg.Provisioning.RetryBackoff),
		HTTPClient:     &http.Client{Timeout: seconds(cfg.Provisioning.RequestTimeout)},
		Cache:          cache,
		Logger:         log.Component("provisioning"),
	})

	sess, err := session.New(session.Options{
		Identity:           identity,
		Resolver:           provisioner,
		Transport:          mqtt.New(cfg.MQTT),
		Logger:             log.Component("session"),
		Recorder:           recorder,
		APIVersion:         cfg.MQTT.APIVersion,
		Port:               cfg.MQTT.Port,
		KeepAlive:          seconds(cfg.MQTT.KeepAlive),
		TLS:                cfg.MQTT.TLS,
		QoS:                byte(cfg.MQTT.QoS), // #nosec G115 -- validated to 0 or 1
		DeviceBoundSegment: cfg.MQTT.DeviceBoundSegment,
		ConnectTimeout:     cfg.ConnectTimeout(),
		PollTimeout:        cfg.PollInterval(),
		MessageIDs:         cfg.Session.MessageIDs,
		MaxOutstanding:     cfg.Session.MaxOutstanding,
		Reconnect: session.ReconnectPolicy{
			Enabled:       cfg.Session.Reconnect.Enabled,
			RefreshMargin: seconds(cfg.Session.Reconnect.RefreshMargin),
			Backoff:       seconds(cfg.Session.Reconnect.Backoff),
		},
	})
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	// Local status API (optional)
	var board *api.StatusBoard
	var observe func(*events.Info)
	if cfg.API.Enabled {
		board = api.NewStatusBoard(identity.DeviceID)
		hub := api.NewHub(cfg.WebSocket, log.Component("websocket"))
		go hub.Run(ctx)

		server, err := api.New(api.Deps{
			Config:  cfg.API,
			WS:      cfg.WebSocket,
			Logger:  log.Component("api"),
			Board:   board,
			Hub:     hub,
			Checks:  checks,
			Version: version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := server.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
		observe = func(info *events.Info) {
			board.Observe(info)
			hub.Publish(info)
		}
	}

	if err := registerHandlers(sess, log.Component("events"), observe); err != nil {
		return fmt.Errorf("registering handlers: %w", err)
	}

	if err := sess.Connect(ctx, ""); err != nil {
		forgetOnReject(ctx, err, provisioner, identity, log)
		return fmt.Errorf("connecting session: %w", err)
	}
	defer func() {
		log.Info("disconnecting session")
		sess.Disconnect()
	}()
	log.Info("session connected", "device_id", identity.DeviceID, "host", sess.Host())
	if board != nil {
		board.SetSession(sess.State().String(), sess.Host())
	}

	log.Info("initialisation complete, running until shutdown signal")
	if err := runLoop(ctx, sess, seconds(cfg.Telemetry.Interval), board, log); err != nil {
		forgetOnReject(ctx, err, provisioner, identity, log)
		return fmt.Errorf("session loop: %w", err)
	}

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// hubForgetter drops a cached hub assignment. *provisioning.Provisioner
// implements it.
type hubForgetter interface {
	Forget(ctx context.Context, id provisioning.Identity) error
}

// forgetOnReject clears the cached hub assignment when err is an auth
// rejection, so the next start registers afresh. A stale cached hub is the
// usual cause.
func forgetOnReject(ctx context.Context, err error, f hubForgetter, id provisioning.Identity, log *logging.Logger) {
	if !errors.Is(err, session.ErrAuthRejected) {
		return
	}
	if forgetErr := f.Forget(context.WithoutCancel(ctx), id); forgetErr != nil {
		log.Warn("clearing hub assignment failed", "error", forgetErr)
		return
	}
	log.Info("hub assignment cleared after auth rejection", "device_id", id.DeviceID)
}

// getConfigPath returns the configuration file path.
// Uses AZUREIOT_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("AZUREIOT_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// buildIdentity turns the device section into an identity. A connection
// string takes precedence over the individual fields.
func buildIdentity(cfg config.DeviceConfig, lifetime time.Duration) (provisioning.Identity, error) {
	var id provisioning.Identity
	if cfg.ConnectionString != "" {
		parsed, err := provisioning.ParseConnectionString(cfg.ConnectionString, lifetime)
		if err != nil {
			return provisioning.Identity{}, err
		}
		id = parsed
	} else {
		id = provisioning.Identity{
			IDScope:       cfg.IDScope,
			HubHost:       cfg.HubHost,
			DeviceID:      cfg.DeviceID,
			SymmetricKey:  cfg.SymmetricKey,
			TokenLifetime: lifetime,
		}
		if err := id.Validate(); err != nil {
			return provisioning.Identity{}, err
		}
	}

	if cfg.ModelData != "" {
		if !json.Valid([]byte(cfg.ModelData)) {
			return provisioning.Identity{}, fmt.Errorf("%w: model_data is not valid JSON", provisioning.ErrMalformedIdentity)
		}
		id.ModelData = json.RawMessage(cfg.ModelData)
	}
	return id, nil
}

// registerHandlers logs every session event and passes it to observe when
// set. Direct methods are answered with the default response.
func registerHandlers(sess *session.Session, log *logging.Logger, observe func(*events.Info)) error {
	handlers := map[events.Name]events.Handler{
		events.ConnectionStatus: func(info *events.Info) {
			log.Info("connection status", "status", info.Status())
		},
		events.MessageSent: func(info *events.Info) {
			log.Debug("message sent", "message_id", info.MessageID(), "kind", info.Tag())
		},
		events.Command: func(info *events.Info) {
			log.Info("direct method", "method", info.Tag(), "payload", string(info.Payload()))
		},
		events.CloudToDeviceMessageReceived: func(info *events.Info) {
			log.Info("cloud-to-device message", "properties", info.Tag(), "payload", string(info.Payload()))
		},
		events.SettingsUpdated: func(info *events.Info) {
			log.Info("setting updated", "name", info.Tag(), "value", string(info.Payload()), "version", info.Version())
		},
	}
	for name, h := range handlers {
		if observe != nil {
			h = observed(h, observe)
		}
		if err := sess.On(name, h); err != nil {
			return err
		}
	}
	return nil
}

// observed runs h, then hands the event to observe.
func observed(h events.Handler, observe func(*events.Info)) events.Handler {
	return func(info *events.Info) {
		h(info)
		observe(info)
	}
}

// heartbeat is the periodic telemetry payload.
type heartbeat struct {
	UptimeSeconds int64 `json:"uptime_seconds"`
	Sequence      int64 `json:"sequence"`
}

// runLoop pumps the session until ctx is cancelled, publishing a
// heartbeat every interval while Ready. A zero interval disables the
// heartbeat. The session state is copied to board, if set, after every
// pass.
func runLoop(ctx context.Context, sess *session.Session, interval time.Duration, board *api.StatusBoard, log *logging.Logger) error {
	start := time.Now()
	next := start.Add(interval)
	var seq int64

	for ctx.Err() == nil {
		err := sess.Loop(ctx)
		if board != nil {
			board.SetSession(sess.State().String(), sess.Host())
		}
		switch {
		case err == nil:
		case errors.Is(err, session.ErrNotConnected), errors.Is(err, session.ErrAuthRejected):
			return err
		default:
			log.Warn("session loop", "error", err)
		}

		if interval <= 0 || sess.State() != session.StateReady || time.Now().Before(next) {
			continue
		}
		seq++
		payload, err := json.Marshal(heartbeat{
			UptimeSeconds: int64(time.Since(start).Seconds()),
			Sequence:      seq,
		})
		if err != nil {
			return fmt.Errorf("encoding heartbeat: %w", err)
		}
		if err := sess.SendTelemetry(payload); err != nil {
			log.Warn("heartbeat failed", "sequence", seq, "error", err)
		}
		next = time.Now().Add(interval)
	}
	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
