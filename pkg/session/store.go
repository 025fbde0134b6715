package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors for storage operations.
var (
	// ErrSessionNotFound is returned when a session doesn't exist, has
	// expired, or was already consumed.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionConflict is returned when a write disagrees with the
	// total chunk count or operation recorded for the session.
	ErrSessionConflict = errors.New("session conflict")
	// ErrIndexOutOfRange is returned when a chunk index is outside
	// [0, total chunks).
	ErrIndexOutOfRange = errors.New("chunk index out of range")
	// ErrInvalidWrite is returned for writes that can never be stored.
	ErrInvalidWrite = errors.New("invalid chunk write")
	// ErrStorageClosed is returned when operating on a closed storage backend.
	ErrStorageClosed = errors.New("storage backend is closed")
)

// ConflictError reports which recorded field a write disagreed with.
type ConflictError struct {
	SessionID string
	Field     string
	Recorded  any
	Requested any
}

// Error returns a human-readable description of the conflict.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("session %s: %s is %v, write says %v", e.SessionID, e.Field, e.Recorded, e.Requested)
}

// Unwrap returns the base error for errors.Is compatibility.
func (e *ConflictError) Unwrap() error {
	return ErrSessionConflict
}

// RangeError reports a chunk index outside the session's range.
type RangeError struct {
	SessionID   string
	Index       int
	TotalChunks int
}

// Error returns a human-readable description of the bad index.
func (e *RangeError) Error() string {
	return fmt.Sprintf("session %s: chunk index %d not in [0, %d)", e.SessionID, e.Index, e.TotalChunks)
}

// Unwrap returns the base error for errors.Is compatibility.
func (e *RangeError) Unwrap() error {
	return ErrIndexOutOfRange
}

// Store abstracts session storage.
// Implementations must be safe for concurrent use. Writes to the same
// session id are serialized; writes to different ids do not block each
// other.
//
// A consumed or expired id is remembered by a tombstone for the
// configured retention (twice the ttl unless set). Once the tombstone
// lapses the id is forgotten, and a later PutChunk with it starts a
// fresh session. Clients must not reuse session ids.
type Store interface {
	// PutChunk records one chunk, creating the session on first write.
	// Returns ErrSessionNotFound for ids that were consumed or expired,
	// a *ConflictError when total chunks or operation disagree with the
	// recorded values, and a *RangeError for out-of-range indices.
	PutChunk(ctx context.Context, w ChunkWrite) (*State, error)

	// Take removes the session and returns it. At most one caller
	// receives a given session; every other caller gets ErrSessionNotFound.
	Take(ctx context.Context, sessionID string) (*Session, error)

	// SweepExpired removes sessions idle for longer than ttl as of now
	// and returns how many were removed.
	SweepExpired(ctx context.Context, now time.Time, ttl time.Duration) (int, error)

	// Len returns the number of live sessions.
	Len(ctx context.Context) (int, error)

	// Ping checks that the backend is usable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the backend.
	Close() error
}

// checkConsistency compares a write against a recorded session.
// An empty recorded operation is adopted from the write; an empty
// operation on the write makes no claim.
func checkConsistency(rec *Session, w ChunkWrite) error {
	if rec.TotalChunks != w.TotalChunks {
		return &ConflictError{
			SessionID: w.SessionID,
			Field:     "total_chunks",
			Recorded:  rec.TotalChunks,
			Requested: w.TotalChunks,
		}
	}
	if w.Operation != "" && rec.Operation != "" && rec.Operation != w.Operation {
		return &ConflictError{
			SessionID: w.SessionID,
			Field:     "operation",
			Recorded:  rec.Operation,
			Requested: w.Operation,
		}
	}
	if rec.Operation == "" {
		rec.Operation = w.Operation
	}
	return nil
}

func expired(updatedAt, now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(updatedAt) > ttl
}
