// Package store provides the storage interface and implementations for the opsgate hub.
// The in-memory store backs tests and ephemeral runs; SQLite is the durable default.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/opsgate/opsgate/pkg/models"
)

// Store is the primary storage interface for the hub.
// The gate and all handler code depend on this interface, making it easy to
// swap between in-memory (tests) and SQLite (production) implementations.
type Store interface {
	OperationStore
	SessionStore

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate runs schema migrations.
	Migrate(ctx context.Context) error
}

// ── Operation Store ─────────────────────────────────────────

// OperationFilter defines optional filters for listing operations.
type OperationFilter struct {
	Status  models.OperationStatus // exact match on status
	Limit   int                    // max results (default 50)
	SinceID int64                  // only operations with id > SinceID
}

type OperationStore interface {
	// CreateOperation persists a new operation and assigns its ID.
	// IDs are strictly increasing for the life of the journal, including
	// across restarts; they are never reused after deletion.
	CreateOperation(ctx context.Context, op *models.Operation) error

	// GetOperation returns an operation by ID.
	GetOperation(ctx context.Context, id int64) (*models.Operation, error)

	// ListOperations returns operations newest-first (descending ID).
	ListOperations(ctx context.Context, filter OperationFilter) ([]models.Operation, error)

	// TransitionOperation atomically moves an operation from one status to
	// another, applying update to the record while the store lock is held.
	// The store stamps the new status and bumps UpdatedAt itself; update
	// only fills transition-specific fields (result, error, approval marks).
	// Returns ErrStatusConflict when the operation is not currently in from.
	TransitionOperation(ctx context.Context, id int64, from, to models.OperationStatus, update func(*models.Operation)) (*models.Operation, error)

	// PruneOperations deletes terminal operations last updated before cutoff.
	// Queued, pending-approval and running operations are never pruned.
	PruneOperations(ctx context.Context, cutoff time.Time) (int64, error)
}

// ── Session Store ───────────────────────────────────────────

// SessionStore tracks multi-turn chat sessions.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	PutSession(ctx context.Context, session *models.Session) error
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrStatusConflict is returned when a transition is attempted against an
// operation that is not in the expected status. The record is left untouched.
type ErrStatusConflict struct {
	ID      int64
	Current models.OperationStatus
	Want    models.OperationStatus
}

func (e *ErrStatusConflict) Error() string {
	return fmt.Sprintf("operation %d is %s, expected %s", e.ID, e.Current, e.Want)
}
