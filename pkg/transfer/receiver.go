package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/aixgo-dev/chunkrelay/internal/observability"
	"github.com/aixgo-dev/chunkrelay/pkg/session"
)

// ChunkRequest carries one chunk call as received from the transport.
// Numeric fields stay strings until validated.
type ChunkRequest struct {
	SessionID   string
	ChunkIndex  string
	TotalChunks string
	Data        string
	Operation   string
}

// ChunkReceipt acknowledges a stored chunk.
type ChunkReceipt struct {
	SessionID       string  `json:"session_id"`
	ChunkIndex      int     `json:"chunk_index"`
	ReceivedChunks  int     `json:"received_chunks"`
	TotalChunks     int     `json:"total_chunks"`
	Complete        bool    `json:"complete"`
	Operation       string  `json:"operation"`
	ProgressPercent float64 `json:"progress_percentage"`
}

// Receiver validates chunk calls and records them in a session store.
type Receiver struct {
	store         session.Store
	maxChunkBytes int
	logger        *slog.Logger
}

// ReceiverOption configures a Receiver.
type ReceiverOption func(*Receiver)

// WithMaxChunkBytes rejects chunks whose data exceeds n bytes. Zero
// disables the check.
func WithMaxChunkBytes(n int) ReceiverOption {
	return func(r *Receiver) {
		r.maxChunkBytes = n
	}
}

// WithReceiverLogger sets the logger.
func WithReceiverLogger(l *slog.Logger) ReceiverOption {
	return func(r *Receiver) {
		r.logger = l
	}
}

// NewReceiver creates a Receiver backed by store.
func NewReceiver(store session.Store, opts ...ReceiverOption) *Receiver {
	r := &Receiver{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Receive validates req and stores its chunk.
//
// Validation failures are reported before the store is touched, as an
// *Error with CategoryInvalidChunkParameters naming every missing and
// malformed field.
func (r *Receiver) Receive(ctx context.Context, req ChunkRequest) (*ChunkReceipt, error) {
	index, total, verr := r.validate(req)
	if verr != nil {
		return nil, verr
	}

	ctx, span := observability.StartSpan(ctx, "transfer.receive", map[string]any{
		"session.id":   req.SessionID,
		"chunk.index":  index,
		"chunk.total":  total,
		"chunk.length": len(req.Data),
	})
	defer span.End()

	state, err := r.store.PutChunk(ctx, session.ChunkWrite{
		SessionID:   req.SessionID,
		Index:       index,
		TotalChunks: total,
		Operation:   req.Operation,
		Data:        req.Data,
	})
	if err != nil {
		span.SetError(err)
		return nil, storeError(req.SessionID, err)
	}

	receipt := &ChunkReceipt{
		SessionID:       req.SessionID,
		ChunkIndex:      index,
		ReceivedChunks:  state.Received,
		TotalChunks:     state.TotalChunks,
		Complete:        state.Complete(),
		Operation:       state.Operation,
		ProgressPercent: progress(state.Received, state.TotalChunks),
	}

	r.logger.Debug("chunk stored",
		"session_id", req.SessionID,
		"chunk_index", index,
		"received", receipt.ReceivedChunks,
		"total", receipt.TotalChunks)
	return receipt, nil
}

func (r *Receiver) validate(req ChunkRequest) (index, total int, err error) {
	var missing, invalid []string

	if strings.TrimSpace(req.SessionID) == "" {
		missing = append(missing, "session_id")
	}

	index, indexOK := parseCount(req.ChunkIndex, 0)
	switch {
	case req.ChunkIndex == "":
		missing = append(missing, "chunk_index")
	case !indexOK:
		invalid = append(invalid, "chunk_index")
	}

	total, totalOK := parseCount(req.TotalChunks, 1)
	switch {
	case req.TotalChunks == "":
		missing = append(missing, "total_chunks")
	case !totalOK:
		invalid = append(invalid, "total_chunks")
	}

	if indexOK && totalOK && index >= total {
		invalid = append(invalid, "chunk_index")
	}

	switch {
	case req.Data == "":
		missing = append(missing, "data")
	case r.maxChunkBytes > 0 && len(req.Data) > r.maxChunkBytes:
		invalid = append(invalid, "data")
	}

	if len(missing) == 0 && len(invalid) == 0 {
		return index, total, nil
	}

	e := newError(CategoryInvalidChunkParameters, req.SessionID, "invalid chunk data", nil)
	e.MissingParams = missing
	e.InvalidParams = invalid
	return 0, 0, e
}

// parseCount parses s as a base-10 integer no smaller than min.
func parseCount(s string, min int) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < min {
		return 0, false
	}
	return n, true
}

func progress(received, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(received)/float64(total)*1000) / 10
}

// storeError converts a store failure into a categorized *Error.
func storeError(sessionID string, err error) error {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return newError(CategorySessionNotFound, sessionID, "session not found", err)
	case errors.Is(err, session.ErrSessionConflict),
		errors.Is(err, session.ErrIndexOutOfRange),
		errors.Is(err, session.ErrInvalidWrite):
		return newError(CategoryInvalidChunkParameters, sessionID, "invalid chunk for session", err)
	default:
		return fmt.Errorf("store chunk for session %s: %w", sessionID, err)
	}
}
