package provisioning

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/elhorton/azureiot/internal/sas"
)

// Defaults for Options.
const (
	DefaultEndpoint       = "global.azure-devices-provisioning.net"
	DefaultAPIVersion     = "2018-11-01"
	DefaultRegisterDelay  = time.Second
	DefaultPollInterval   = 3 * time.Second
	DefaultMaxPolls       = 20
	DefaultRequestRetries = 10
	DefaultRetryBackoff   = time.Second

	userAgent   = "iot-central-client/1.0"
	contentType = "application/json; charset=utf-8"
)

// Status is the state of a registration operation.
type Status string

const (
	StatusAssigning Status = "assigning"
	StatusAssigned  Status = "assigned"
	StatusFailed    Status = "failed"
)

// Result is the outcome of one registration.
type Result struct {
	OperationID string
	Status      Status
	AssignedHub string
}

// HTTPDoer executes HTTP requests. *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Cache remembers hub assignments between runs.
type Cache interface {
	Lookup(ctx context.Context, idScope, deviceID string) (host string, ok bool, err error)
	Store(ctx context.Context, idScope, deviceID, host string) error
	Delete(ctx context.Context, idScope, deviceID string) error
}

// Logger is the logging capability the provisioner needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Options configures a Provisioner. Zero values take the defaults above.
type Options struct {
	Endpoint       string
	APIVersion     string
	RegisterDelay  time.Duration
	PollInterval   time.Duration
	MaxPolls       int
	RequestRetries int
	RetryBackoff   time.Duration

	HTTPClient HTTPDoer
	Cache      Cache
	Logger     Logger

	// Now and Sleep are replaced in tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Provisioner resolves identities to hub hosts.
type Provisioner struct {
	opts Options
}

// New creates a Provisioner.
func New(opts Options) *Provisioner {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if opts.APIVersion == "" {
		opts.APIVersion = DefaultAPIVersion
	}
	if opts.RegisterDelay == 0 {
		opts.RegisterDelay = DefaultRegisterDelay
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxPolls <= 0 {
		opts.MaxPolls = DefaultMaxPolls
	}
	if opts.RequestRetries <= 0 {
		opts.RequestRetries = DefaultRequestRetries
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Provisioner{opts: opts}
}

// ResolveHost returns the hub host for id. Identities that already carry a
// hub host are returned as is. Otherwise the cache is consulted and, on a
// miss, the device is registered with the provisioning service.
func (p *Provisioner) ResolveHost(ctx context.Context, id Identity) (string, error) {
	if err := id.Validate(); err != nil {
		return "", err
	}
	if !id.Provisioned() {
		return id.HubHost, nil
	}

	if p.opts.Cache != nil {
		host, ok, err := p.opts.Cache.Lookup(ctx, id.IDScope, id.DeviceID)
		switch {
		case err != nil:
			p.opts.Logger.Warn("hub assignment cache lookup failed", "device_id", id.DeviceID, "error", err)
		case ok:
			p.opts.Logger.Info("using cached hub assignment", "device_id", id.DeviceID, "host", host)
			return host, nil
		}
	}

	result, err := p.Register(ctx, id)
	if err != nil {
		return "", err
	}

	if p.opts.Cache != nil {
		if err := p.opts.Cache.Store(ctx, id.IDScope, id.DeviceID, result.AssignedHub); err != nil {
			p.opts.Logger.Warn("storing hub assignment failed", "device_id", id.DeviceID, "error", err)
		}
	}
	return result.AssignedHub, nil
}

// Forget drops a cached assignment so the next ResolveHost registers again.
func (p *Provisioner) Forget(ctx context.Context, id Identity) error {
	if p.opts.Cache == nil || !id.Provisioned() {
		return nil
	}
	return p.opts.Cache.Delete(ctx, id.IDScope, id.DeviceID)
}

// registrationResponse covers both the register and operation responses.
type registrationResponse struct {
	OperationID       string          `json:"operationId"`
	Status            Status          `json:"status"`
	ErrorCode         json.RawMessage `json:"errorCode"`
	Message           string          `json:"message"`
	RegistrationState *struct {
		AssignedHub  string `json:"assignedHub"`
		DeviceID     string `json:"deviceId"`
		Status       string `json:"status"`
		ErrorMessage string `json:"errorMessage"`
	} `json:"registrationState"`
}

type registrationRequest struct {
	RegistrationID string          `json:"registrationId"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// Register performs the registration handshake and polls until the
// operation is assigned, fails, or the poll budget runs out.
func (p *Provisioner) Register(ctx context.Context, id Identity) (Result, error) {
	token, err := sas.GenerateRegistration(
		id.SymmetricKey,
		sas.RegistrationResourceURI(id.IDScope, id.DeviceID),
		id.TokenLifetime,
		p.opts.Now(),
	)
	if err != nil {
		return Result{}, err
	}
	auth := token.String()

	body, err := json.Marshal(registrationRequest{RegistrationID: id.DeviceID, Data: id.ModelData})
	if err != nil {
		return Result{}, fmt.Errorf("%w: encoding request: %w", ErrProvisioning, err)
	}

	requestID := uuid.NewString()
	log := p.opts.Logger
	log.Info("registering device", "device_id", id.DeviceID, "scope", id.IDScope, "request_id", requestID)

	resp, err := p.call(ctx, http.MethodPut, p.registerURL(id), body, auth)
	if err != nil {
		return Result{}, err
	}
	if resp.OperationID == "" {
		return Result{}, fmt.Errorf("%w: response carried no operationId", ErrProvisioning)
	}
	result := Result{OperationID: resp.OperationID, Status: resp.Status}

	if err := p.wait(ctx, p.opts.RegisterDelay); err != nil {
		return result, err
	}

	for attempt := 1; attempt <= p.opts.MaxPolls; attempt++ {
		resp, err := p.call(ctx, http.MethodGet, p.operationURL(id, result.OperationID), nil, auth)
		if err != nil {
			return result, err
		}
		result.Status = resp.Status

		switch resp.Status {
		case StatusAssigning:
			log.Debug("registration pending", "device_id", id.DeviceID, "attempt", attempt)
			if attempt < p.opts.MaxPolls {
				if err := p.wait(ctx, p.opts.PollInterval); err != nil {
					return result, err
				}
			}

		case StatusAssigned:
			if resp.RegistrationState == nil || resp.RegistrationState.AssignedHub == "" {
				return result, fmt.Errorf("%w: assigned without a hub", ErrProvisioning)
			}
			result.AssignedHub = resp.RegistrationState.AssignedHub
			log.Info("device assigned", "device_id", id.DeviceID, "host", result.AssignedHub, "request_id", requestID)
			return result, nil

		default:
			result.Status = StatusFailed
			detail := resp.Message
			if resp.RegistrationState != nil && resp.RegistrationState.ErrorMessage != "" {
				detail = resp.RegistrationState.ErrorMessage
			}
			return result, fmt.Errorf("%w: status %q: %s", ErrProvisioning, resp.Status, detail)
		}
	}

	return result, fmt.Errorf("%w: still assigning after %d polls", ErrProvisioningTimeout, p.opts.MaxPolls)
}

// call sends one request, retrying transport failures, and decodes the
// JSON response.
func (p *Provisioner) call(ctx context.Context, method, target string, body []byte, auth string) (registrationResponse, error) {
	var (
		data    []byte
		status  int
		lastErr error
	)
	for attempt := 1; attempt <= p.opts.RequestRetries; attempt++ {
		data, status, lastErr = p.send(ctx, method, target, body, auth)
		if lastErr == nil {
			break
		}
		if ctx.Err() != nil {
			return registrationResponse{}, contextError(ctx)
		}
		p.opts.Logger.Warn("provisioning request failed",
			"method", method, "attempt", attempt, "error", lastErr)
		if attempt < p.opts.RequestRetries {
			if err := p.wait(ctx, p.opts.RetryBackoff); err != nil {
				return registrationResponse{}, err
			}
		}
	}
	if lastErr != nil {
		return registrationResponse{}, fmt.Errorf("%w: %s after %d attempts: %w",
			ErrProvisioning, method, p.opts.RequestRetries, lastErr)
	}

	var resp registrationResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return resp, fmt.Errorf("%w: HTTP %d with non-JSON body: %w", ErrProvisioning, status, err)
	}
	if len(resp.ErrorCode) > 0 && string(resp.ErrorCode) != "null" {
		return resp, fmt.Errorf("%w: HTTP %d error %s: %s", ErrProvisioning, status, resp.ErrorCode, resp.Message)
	}
	if status >= http.StatusBadRequest {
		return resp, fmt.Errorf("%w: HTTP %d", ErrProvisioning, status)
	}
	return resp, nil
}

func (p *Provisioner) send(ctx context.Context, method, target string, body []byte, auth string) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Authorization", auth)

	resp, err := p.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("reading response: %w", err)
	}
	return data, resp.StatusCode, nil
}

func (p *Provisioner) registerURL(id Identity) string {
	return fmt.Sprintf("https://%s/%s/registrations/%s/register?api-version=%s",
		p.opts.Endpoint, url.PathEscape(id.IDScope), url.PathEscape(id.DeviceID), url.QueryEscape(p.opts.APIVersion))
}

func (p *Provisioner) operationURL(id Identity, operationID string) string {
	return fmt.Sprintf("https://%s/%s/registrations/%s/operations/%s?api-version=%s",
		p.opts.Endpoint, url.PathEscape(id.IDScope), url.PathEscape(id.DeviceID),
		url.PathEscape(operationID), url.QueryEscape(p.opts.APIVersion))
}

func (p *Provisioner) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if err := p.opts.Sleep(ctx, d); err != nil {
		return contextError(ctx)
	}
	return nil
}

func contextError(ctx context.Context) error {
	err := ctx.Err()
	if err == nil {
		err = context.Canceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrProvisioningTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrProvisioning, err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
