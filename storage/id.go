package storage

import "github.com/google/uuid"

// NewID mints a new random identifier for storage entities.
func NewID() string { return uuid.NewString() }
