// Package provisioning resolves a device identity to the IoT Hub host it
// must connect to.
//
// There are two routes. An identity parsed from a connection string
// (HostName=...;DeviceId=...;SharedAccessKey=...) already names its hub and
// needs no network call. An identity made of an ID scope, device id and
// symmetric key is registered with the Device Provisioning Service:
//
//	PUT https://{endpoint}/{scope}/registrations/{id}/register?api-version={v}
//	GET https://{endpoint}/{scope}/registrations/{id}/operations/{op}?api-version={v}
//
// The operation is polled at a fixed interval for a bounded number of
// attempts until it reports "assigned". Transport failures on either
// request are retried a bounded number of times with a fixed backoff.
//
// A Cache, when configured, remembers the assigned hub so later starts skip
// the handshake. Forget drops the entry, typically after the hub rejects
// the device.
package provisioning
