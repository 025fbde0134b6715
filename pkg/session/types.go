// Package session stores in-flight chunked transfers.
// A session collects the chunks of one transfer until a completion
// request consumes it or it sits idle past its TTL.
package session

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Session is one in-flight transfer.
type Session struct {
	// ID is the client-chosen session identifier.
	ID string `json:"id"`
	// Operation tags what the reassembled payload is for.
	Operation string `json:"operation"`
	// TotalChunks is fixed by the first write.
	TotalChunks int `json:"totalChunks"`
	// Chunks maps chunk index to raw (transport-encoded) chunk data.
	Chunks map[int]string `json:"chunks"`
	// CreatedAt is when the first chunk arrived.
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt is when the last chunk arrived.
	UpdatedAt time.Time `json:"updatedAt"`
}

// Received is the number of distinct chunk indices stored.
func (s *Session) Received() int {
	return len(s.Chunks)
}

// IsComplete reports whether every index in [0, TotalChunks) is present.
func (s *Session) IsComplete() bool {
	return s.TotalChunks > 0 && len(s.Chunks) == s.TotalChunks
}

// Indices returns the stored indices in ascending order.
func (s *Session) Indices() []int {
	indices := make([]int, 0, len(s.Chunks))
	for i := range s.Chunks {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	return indices
}

// Concat joins the stored chunks in ascending index order, regardless of
// the order in which they arrived.
func (s *Session) Concat() string {
	var sb strings.Builder
	for _, i := range s.Indices() {
		sb.WriteString(s.Chunks[i])
	}
	return sb.String()
}

// State returns the progress summary for s.
func (s *Session) State() *State {
	return &State{
		ID:          s.ID,
		Operation:   s.Operation,
		TotalChunks: s.TotalChunks,
		Received:    len(s.Chunks),
		UpdatedAt:   s.UpdatedAt,
	}
}

func (s *Session) clone() *Session {
	chunks := make(map[int]string, len(s.Chunks))
	for k, v := range s.Chunks {
		chunks[k] = v
	}
	cp := *s
	cp.Chunks = chunks
	return &cp
}

// State summarizes a session after a chunk write.
type State struct {
	ID          string    `json:"id"`
	Operation   string    `json:"operation"`
	TotalChunks int       `json:"totalChunks"`
	Received    int       `json:"received"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Complete reports whether all chunks have been received.
func (st *State) Complete() bool {
	return st.TotalChunks > 0 && st.Received == st.TotalChunks
}

// ChunkWrite is one chunk destined for a session.
type ChunkWrite struct {
	SessionID   string
	Index       int
	TotalChunks int
	Operation   string
	Data        string
}

// Validate checks the write against the session invariants that do not
// depend on stored state.
func (w ChunkWrite) Validate() error {
	if w.SessionID == "" {
		return fmt.Errorf("%w: empty session id", ErrInvalidWrite)
	}
	if w.TotalChunks < 1 {
		return fmt.Errorf("%w: total chunks must be at least 1, got %d", ErrInvalidWrite, w.TotalChunks)
	}
	if w.Index < 0 || w.Index >= w.TotalChunks {
		return &RangeError{SessionID: w.SessionID, Index: w.Index, TotalChunks: w.TotalChunks}
	}
	return nil
}
