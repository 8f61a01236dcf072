// Package uuid issues and checks scan job ids.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator issues UUIDv7 job ids, which sort by creation time.
type Generator struct{}

// New returns a Generator.
func New() *Generator { return &Generator{} }

// NewID implements scan.IDGenerator.
func (Generator) NewID() (string, error) {
	v7, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("new job id: %w", err)
	}
	return v7.String(), nil
}

// Parse rejects anything that is not a UUID. Job ids become directory names,
// so callers parse untrusted ids before touching the filesystem.
func Parse(jobID string) (uuid.UUID, error) {
	parsed, err := uuid.Parse(jobID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid job id %q: %w", jobID, err)
	}
	return parsed, nil
}
