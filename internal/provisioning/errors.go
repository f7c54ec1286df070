package provisioning

import "errors"

var (
	// ErrMalformedIdentity is returned for a connection string or identity
	// that lacks required fields or carries unknown ones.
	ErrMalformedIdentity = errors.New("provisioning: malformed identity")

	// ErrProvisioning is returned when the registration service fails or
	// answers with something other than an assignment.
	ErrProvisioning = errors.New("provisioning: registration failed")

	// ErrProvisioningTimeout is returned when the assignment does not
	// complete within the poll budget or the context deadline.
	ErrProvisioningTimeout = errors.New("provisioning: registration timed out")
)
