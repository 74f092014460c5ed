// ============================================================================
// Structure Record Store
// ============================================================================
//
// Package: internal/store
// File: store.go
// Purpose: keyed, queryable persistence of structure records
//
// Two implementations share one contract:
//   - SQLiteStore: file-backed, safe to share between OS processes
//   - MemStore: in-process, used by tests and the demo
//
// Reservation:
//   Reserve / ReserveKey insert a placeholder row with status "reserved"
//   before any expensive work starts. ReserveKey is keyed on original_id,
//   which is UNIQUE, so the check-and-claim is a single conditional insert.
//   A second claim for the same key fails with ErrAlreadyReserved, which is
//   distinct from ErrNotFound.
//
// Lease:
//   A reserved record is live while its holder keeps calling Touch, which
//   refreshes the record's update time. A reserved record not touched
//   within the lease is abandoned and may be reclaimed.
//
// ============================================================================

package store

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/adsorbflow/pkg/types"
)

var (
	// ErrNotFound is returned when no record matches an id or key.
	ErrNotFound = errors.New("store: record not found")
	// ErrAlreadyReserved is returned when a key or record is claimed by someone else.
	ErrAlreadyReserved = errors.New("store: already reserved")
	// ErrDuplicateOriginal is returned when inserting a second record with the same original_id.
	ErrDuplicateOriginal = errors.New("store: original_id already present")
	// ErrOriginalIDImmutable is returned when an update tries to change original_id.
	ErrOriginalIDImmutable = errors.New("store: original_id is immutable")
	// ErrStoreNotFound is returned when opening a store that must exist but does not.
	ErrStoreNotFound = errors.New("store: database does not exist")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store: closed")
)

// Store is a keyed collection of structure records.
type Store interface {
	// Insert writes a new record and returns its id. s.ID is ignored.
	// An empty status is written as complete.
	Insert(ctx context.Context, s *types.Structure) (int64, error)

	// Get returns the record with the given id or ErrNotFound.
	Get(ctx context.Context, id int64) (*types.Structure, error)

	// GetByOriginalID returns the record whose original_id equals id or ErrNotFound.
	GetByOriginalID(ctx context.Context, id int64) (*types.Structure, error)

	// GetBy returns every record whose metadata key equals value, in id order.
	GetBy(ctx context.Context, key string, value float64) ([]*types.Structure, error)

	// Select returns every record matching the query, in id order.
	// The empty query matches everything.
	Select(ctx context.Context, query string) ([]*types.Structure, error)

	// Update replaces the content of record s.ID in place.
	Update(ctx context.Context, s *types.Structure) error

	// Reserve claims a fresh id for owner.
	Reserve(ctx context.Context, owner string) (int64, error)

	// ReserveKey claims a fresh id keyed by originalID for owner.
	// It fails with ErrAlreadyReserved when the key is taken.
	ReserveKey(ctx context.Context, originalID int64, owner string) (int64, error)

	// Reclaim transfers an incomplete record from prevOwner to owner and
	// marks it reserved with a fresh lease.
	// It fails with ErrAlreadyReserved when the owner has changed meanwhile.
	Reclaim(ctx context.Context, id int64, prevOwner, owner string) error

	// Touch refreshes the lease of a reserved record held by owner.
	// It fails with ErrAlreadyReserved when owner no longer holds it.
	Touch(ctx context.Context, id int64, owner string) error

	// Count returns the number of records.
	Count(ctx context.Context) (int, error)

	Close() error
}

// Incomplete returns the records of st whose status still needs work.
func Incomplete(ctx context.Context, st Store) ([]*types.Structure, error) {
	all, err := st.Select(ctx, "")
	if err != nil {
		return nil, err
	}
	var out []*types.Structure
	for _, s := range all {
		if s.Status.Incomplete() {
			out = append(out, s)
		}
	}
	return out, nil
}

// Abandoned returns the incomplete records of st that nobody is working on:
// every failed record, and every reserved record whose last update is older
// than lease at now. A lease <= 0 treats every reserved record as abandoned.
func Abandoned(ctx context.Context, st Store, lease time.Duration, now time.Time) ([]*types.Structure, error) {
	pending, err := Incomplete(ctx, st)
	if err != nil {
		return nil, err
	}
	var out []*types.Structure
	for _, s := range pending {
		if Expired(s, lease, now) {
			out = append(out, s)
		}
	}
	return out, nil
}

// Expired reports whether an incomplete record is free to be reclaimed.
func Expired(s *types.Structure, lease time.Duration, now time.Time) bool {
	if s.Status == types.StatusFailed || lease <= 0 {
		return true
	}
	return now.Sub(s.UpdatedAt) > lease
}

// SelectIDs returns the ids of the records matching query, in id order.
func SelectIDs(ctx context.Context, st Store, query string) ([]int64, error) {
	rows, err := st.Select(ctx, query)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	return ids, nil
}
