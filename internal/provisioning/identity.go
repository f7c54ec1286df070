package provisioning

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Connection string keys.
const (
	keyHostName            = "HostName"
	keySharedAccessKeyName = "SharedAccessKeyName"
	keySharedAccessKey     = "SharedAccessKey"
	keySharedAccessSig     = "SharedAccessSignature"
	keyDeviceID            = "DeviceId"
	keyModuleID            = "ModuleId"
	keyGatewayHostName     = "GatewayHostName"
)

var recognisedKeys = map[string]bool{
	keyHostName:            true,
	keySharedAccessKeyName: true,
	keySharedAccessKey:     true,
	keySharedAccessSig:     true,
	keyDeviceID:            true,
	keyModuleID:            true,
	keyGatewayHostName:     true,
}

// Identity is the credential set a session is built from. Either HubHost
// or IDScope is set: HubHost when the hub is already known, IDScope when
// it must be obtained from the provisioning service.
type Identity struct {
	IDScope  string
	HubHost  string
	DeviceID string

	// SymmetricKey is the base64-encoded device key.
	SymmetricKey string

	// TokenLifetime bounds every SAS token derived from this identity.
	TokenLifetime time.Duration

	// ModelData is sent as "data" in the registration request when set.
	ModelData json.RawMessage
}

// NewIdentity builds a provisioned identity from scope, device id and key.
func NewIdentity(idScope, deviceID, key string, lifetime time.Duration) (Identity, error) {
	id := Identity{
		IDScope:       idScope,
		DeviceID:      deviceID,
		SymmetricKey:  key,
		TokenLifetime: lifetime,
	}
	if err := id.Validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// ParseConnectionString parses a semicolon-delimited device connection
// string. HostName, DeviceId and SharedAccessKey are required and every key
// must be one IoT Hub defines.
func ParseConnectionString(s string, lifetime time.Duration) (Identity, error) {
	parts := strings.Split(s, ";")
	fields := make(map[string]string, len(parts))

	for _, part := range parts {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return Identity{}, fmt.Errorf("%w: segment %q is not key=value", ErrMalformedIdentity, part)
		}
		if !recognisedKeys[key] {
			return Identity{}, fmt.Errorf("%w: unknown key %q", ErrMalformedIdentity, key)
		}
		if _, dup := fields[key]; dup {
			return Identity{}, fmt.Errorf("%w: duplicate key %q", ErrMalformedIdentity, key)
		}
		fields[key] = value
	}

	var missing []string
	for _, key := range []string{keyHostName, keyDeviceID, keySharedAccessKey} {
		if fields[key] == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return Identity{}, fmt.Errorf("%w: missing %s", ErrMalformedIdentity, strings.Join(missing, ", "))
	}

	return Identity{
		HubHost:       fields[keyHostName],
		DeviceID:      fields[keyDeviceID],
		SymmetricKey:  fields[keySharedAccessKey],
		TokenLifetime: lifetime,
	}, nil
}

// Validate checks that the identity can authenticate.
func (i Identity) Validate() error {
	var errs []string
	if i.DeviceID == "" {
		errs = append(errs, "device id is required")
	}
	if i.SymmetricKey == "" {
		errs = append(errs, "symmetric key is required")
	}
	if i.IDScope == "" && i.HubHost == "" {
		errs = append(errs, "either an ID scope or a hub host is required")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrMalformedIdentity, strings.Join(errs, "; "))
	}
	return nil
}

// Provisioned reports whether the hub must be obtained from the
// provisioning service.
func (i Identity) Provisioned() bool {
	return i.HubHost == ""
}
