package sas

import "errors"

// ErrInvalidKey is returned when the symmetric key is not valid base64.
var ErrInvalidKey = errors.New("sas: invalid key")
