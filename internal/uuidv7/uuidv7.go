// Package uuidv7 generates the time-ordered ids correlation.Generate hands
// out as fresh correlation identifiers. Trimmed to the one constructor
// amqpmux actually calls — nothing here needs the parsed uuid.UUID value,
// only its string form.
package uuidv7

import "github.com/google/uuid"

// NewString returns a string representation of a UUIDv7, panicking if
// generation fails (the only failure mode is a broken entropy source).
func NewString() string {
	return uuid.Must(uuid.NewV7()).String()
}
