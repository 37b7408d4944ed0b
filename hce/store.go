package hce

import (
	"errors"
	"time"
)

// ErrRecordNotFound is returned by stores when no record exists for an id.
var ErrRecordNotFound = errors.New("card record not found")

// CardStore is the persistence contract the emulation engine depends on.
//
// Lookups happen on the command path while a terminal is waiting for a
// response, so implementations must be local and low-latency: no network
// calls, bounded blocking only. UpdateUsage runs off the command path and
// may take its time.
type CardStore interface {
	// GetByID returns the record for id, or ErrRecordNotFound.
	GetByID(id int64) (*Record, error)

	// UpdateUsage increments the record's usage count and sets its
	// last-used timestamp.
	UpdateUsage(id int64, usedAt time.Time) error

	// Delete removes the record. The caller owns clearing the selection
	// state when the deleted id is the selected one.
	Delete(id int64) error
}
