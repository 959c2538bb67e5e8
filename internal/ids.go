package internal

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// newMapID returns a time-ordered identifier for object and document stores.
func newMapID() string {
	return ulid.Make().String()
}

// newRowID returns an identifier for backends with a uuid primary key.
func newRowID() string {
	return uuid.NewString()
}
