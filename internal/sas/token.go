package sas

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultLifetime is the token lifetime used when none is configured.
const DefaultLifetime = 6 * time.Hour

// registrationKeyName is the skn value the provisioning service requires.
const registrationKeyName = "registration"

// Token is a generated Shared Access Signature.
type Token struct {
	// ResourceURI is the signed resource, already percent-encoded.
	ResourceURI string

	// Expiry is the unix time after which the service rejects the token.
	Expiry int64

	// Signature is the raw HMAC-SHA256 digest.
	Signature []byte

	// KeyName is set only for provisioning tokens.
	KeyName string
}

// String serialises the token in the form expected by the Authorization
// header and the MQTT password field.
func (t Token) String() string {
	var b strings.Builder
	b.WriteString("SharedAccessSignature sr=")
	b.WriteString(t.ResourceURI)
	b.WriteString("&sig=")
	b.WriteString(encodeSignature(t.Signature))
	b.WriteString("&se=")
	b.WriteString(strconv.FormatInt(t.Expiry, 10))
	if t.KeyName != "" {
		b.WriteString("&skn=")
		b.WriteString(t.KeyName)
	}
	return b.String()
}

// ExpiresAt returns the expiry as a time.
func (t Token) ExpiresAt() time.Time {
	return time.Unix(t.Expiry, 0)
}

// Generate signs resourceURI with key for a session token.
// The expiry is now + lifetime, truncated to whole seconds.
func Generate(key, resourceURI string, lifetime time.Duration, now time.Time) (Token, error) {
	return generate(key, resourceURI, "", lifetime, now)
}

// GenerateRegistration signs resourceURI for a provisioning request.
// The resulting token carries skn=registration.
func GenerateRegistration(key, resourceURI string, lifetime time.Duration, now time.Time) (Token, error) {
	return generate(key, resourceURI, registrationKeyName, lifetime, now)
}

func generate(key, resourceURI, keyName string, lifetime time.Duration, now time.Time) (Token, error) {
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}

	expiry := now.Unix() + int64(lifetime/time.Second)

	mac := hmac.New(sha256.New, decoded)
	mac.Write([]byte(resourceURI + "\n" + strconv.FormatInt(expiry, 10)))

	return Token{
		ResourceURI: resourceURI,
		Expiry:      expiry,
		Signature:   mac.Sum(nil),
		KeyName:     keyName,
	}, nil
}

// DeviceResourceURI is the resource a hub session token is signed for.
func DeviceResourceURI(hubHost, deviceID string) string {
	return hubHost + "%2Fdevices%2F" + deviceID
}

// RegistrationResourceURI is the resource a provisioning token is signed for.
func RegistrationResourceURI(idScope, deviceID string) string {
	return idScope + "%2Fregistrations%2F" + deviceID
}

func encodeSignature(sig []byte) string {
	encoded := base64.StdEncoding.EncodeToString(sig)
	encoded = strings.TrimSuffix(encoded, "\n")
	return escape(encoded)
}

// escape percent-encodes s. Letters, digits and _.-~()*!' pass through.
func escape(s string) string {
	const hex = "0123456789ABCDEF"

	var b strings.Builder
	b.Grow(len(s) * 3)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if unescaped(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func unescaped(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	switch c {
	case '_', '.', '-', '~', '(', ')', '*', '!', '\'':
		return true
	}
	return false
}
