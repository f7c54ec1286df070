// Package sas derives Shared Access Signature tokens for IoT Hub sessions
// and Device Provisioning Service requests.
//
// A token is a time-bounded bearer credential:
//
//	SharedAccessSignature sr=<uri>&sig=<signature>&se=<expiry>[&skn=registration]
//
// The signature is HMAC-SHA256 over "<uri>\n<expiry>" keyed with the
// base64-decoded device key, base64-encoded and then percent-encoded.
// The percent-encoding leaves ~()*!.' unescaped, which is what the service
// expects when it recomputes the signature.
//
// Tokens are generated per connection attempt and per provisioning
// request. Nothing in this package caches them.
package sas
