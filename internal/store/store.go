// ABOUTME: Store types and errors for rookery-engine persistence
// ABOUTME: Defines the identity directory rows and the versioned engine snapshot

package store

import (
	"errors"
	"time"

	"github.com/rookery-collective/rookery-engine/internal/audit"
	"github.com/rookery-collective/rookery-engine/internal/subscription"
)

// SnapshotFormatVersion tags every persisted snapshot. Loading a snapshot
// with any other version fails fast; there is no silent migration.
const SnapshotFormatVersion = 1

// ErrIdentityNotFound is returned when a requested identity does not exist.
var ErrIdentityNotFound = errors.New("identity not found")

// ErrDuplicateIdentity is returned when creating an identity whose ID is taken.
var ErrDuplicateIdentity = errors.New("identity already exists")

// ErrNoSnapshot is returned when no engine snapshot has been persisted yet.
var ErrNoSnapshot = errors.New("no snapshot")

// ErrSnapshotVersion is returned when a persisted snapshot carries an
// unrecognized format version.
var ErrSnapshotVersion = errors.New("unrecognized snapshot format version")

// Role constants for identity records.
type Role string

const (
	RolePatron  Role = "patron"
	RoleCreator Role = "creator"
	RoleAdmin   Role = "admin"
)

// IdentityStatus constants for identity records.
type IdentityStatus string

const (
	IdentityStatusActive  IdentityStatus = "active"
	IdentityStatusRevoked IdentityStatus = "revoked"
)

// Identity is one registered platform member. Identity rows are live
// directory state, not part of the engine snapshot: registration is a
// keyed-store CRUD concern that exists independently of billing.
type Identity struct {
	ID          string
	DisplayName string
	Role        Role
	Status      IdentityStatus
	CreatedAt   time.Time
}

// Snapshot is the flat durable representation of all engine state, written
// on pause and after every completed tick, and rebuilt on resume.
type Snapshot struct {
	Balances      map[string]int64
	Treasury      int64
	Credited      int64
	Withdrawn     int64
	Subscriptions []subscription.Subscription
	NextSubID     int64
	Watermarks    map[string]int64
	Audit         []audit.Entry
	Cursor        int64
	LastTick      time.Time
	SavedAt       time.Time
}
