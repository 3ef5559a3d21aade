// Package location persists per-location records for a game session. The
// anticipation core touches exactly one durable thing — first/last-visit
// turn tracking — and it reaches it through the narrow [Store] port defined
// here, so the collapse path stays testable without a database.
package location

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a location key has no record.
var ErrNotFound = errors.New("location: not found")

// Location is the persistent record for one location in a session.
type Location struct {
	// Key is the session-unique location identifier.
	Key string

	// DisplayName is the human-readable name shown to the player.
	DisplayName string

	// FirstVisitedTurn is the turn of the player's first visit. Nil until
	// the first visit; write-once thereafter.
	FirstVisitedTurn *int

	// LastVisitedTurn is the turn of the most recent visit. Nil until the
	// first visit.
	LastVisitedTurn *int
}

// Store is the persistence port for location records.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the record for key, or [ErrNotFound].
	Get(ctx context.Context, key string) (Location, error)

	// Upsert creates or replaces the descriptive part of a record (key and
	// display name). Visit turns are never modified by Upsert.
	Upsert(ctx context.Context, loc Location) error

	// UpdateVisit records a visit on turn. When firstVisit is true the
	// first-visited turn is also set — but only if it is still unset;
	// implementations enforce write-once regardless of the flag.
	UpdateVisit(ctx context.Context, key string, turn int, firstVisit bool) error
}
