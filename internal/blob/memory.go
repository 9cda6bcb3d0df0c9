package blob

import (
	infraMemory "prwpanel/internal/infra/blob/memory"
)

// NewMemory returns an empty in-memory blob store.
func NewMemory() Store { return infraMemory.New() }
