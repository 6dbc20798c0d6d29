// Package store defines the persistence interface for the position ledger.
// Implementations include PostgreSQL (source of truth), SQLite (single-node
// deployments), Redis (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/foliotrack/portfolio-engine/internal/model"
)

var (
	// ErrPositionNotFound is returned when no position exists for a ticker.
	// Absence is a valid state, not a storage failure.
	ErrPositionNotFound = errors.New("store: position not found")

	// ErrVersionConflict is returned when a compare-and-swap write observes
	// a version other than the one the caller read. The caller re-runs its
	// whole read-compute-write cycle against a fresh read.
	ErrVersionConflict = errors.New("store: position version conflict")
)

// Store is the persistence interface. Position writes use optimistic
// concurrency: PutPosition and DeletePosition compare the stored version
// against the version the caller read and fail with ErrVersionConflict on
// mismatch. PutPosition with Version 0 creates the row (which must not
// exist) and leaves the struct holding the newly assigned version.
// Orders are append-only and never mutated.
type Store interface {
	// GetPosition retrieves the position for a ticker, or ErrPositionNotFound.
	GetPosition(ctx context.Context, ticker string) (*model.Position, error)

	// ListPositions returns all current positions.
	ListPositions(ctx context.Context) ([]model.Position, error)

	// PutPosition creates or updates a position with a CAS version check.
	PutPosition(ctx context.Context, p *model.Position) error

	// DeletePosition removes a position, guarded by the same CAS check.
	DeletePosition(ctx context.Context, ticker string, version int64) error

	// AppendOrder appends an immutable order record.
	AppendOrder(ctx context.Context, o *model.Order) error

	// ListOrders returns all orders ordered by trade date, then record time.
	ListOrders(ctx context.Context) ([]model.Order, error)
}
