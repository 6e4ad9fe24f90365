package id

import "github.com/google/uuid"

// New returns a random UUIDv4 job identifier.
func New() string {
	return uuid.NewString()
}
