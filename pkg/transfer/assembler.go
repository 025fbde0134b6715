package transfer

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/zeebo/blake3"

	"github.com/aixgo-dev/chunkrelay/internal/clock"
	"github.com/aixgo-dev/chunkrelay/internal/observability"
	"github.com/aixgo-dev/chunkrelay/pkg/codec"
	"github.com/aixgo-dev/chunkrelay/pkg/session"
)

// CompleteRequest asks for a session to be assembled.
type CompleteRequest struct {
	SessionID string
	// Operation overrides the operation recorded on the session when set.
	Operation string
	// Compression names the method the sender compressed with. Empty
	// means none.
	Compression string
	// Metadata is a transport-encoded JSON object. Empty means {}.
	Metadata string
}

// TransferInfo describes a completed assembly. It is reporting metadata
// only.
type TransferInfo struct {
	SessionID           string    `json:"session_id"`
	CompressionMethod   string    `json:"compression_method"`
	CompressionRatio    float64   `json:"compression_ratio"`
	ChunksProcessed     int       `json:"chunks_processed"`
	OriginalEncodedSize int       `json:"original_encoded_size"`
	FinalDataSize       int       `json:"final_data_size"`
	ProcessingTime      string    `json:"processing_time"`
	AssembledAt         time.Time `json:"assembled_at"`
	Checksum            string    `json:"checksum"`
}

// AssembledPayload is the reconstructed payload of one session.
type AssembledPayload struct {
	Operation    string
	Data         any
	TransferInfo TransferInfo
	Metadata     map[string]any
}

// Assembler turns a completed session back into its original payload.
type Assembler struct {
	store  session.Store
	codecs *codec.Registry
	clock  clock.Clock
	logger *slog.Logger
}

// AssemblerOption configures an Assembler.
type AssemblerOption func(*Assembler)

// WithCodecs sets the codec registry. Defaults to codec.Default().
func WithCodecs(r *codec.Registry) AssemblerOption {
	return func(a *Assembler) {
		a.codecs = r
	}
}

// WithAssemblerClock sets the clock used for assembled_at.
func WithAssemblerClock(c clock.Clock) AssemblerOption {
	return func(a *Assembler) {
		a.clock = c
	}
}

// WithAssemblerLogger sets the logger.
func WithAssemblerLogger(l *slog.Logger) AssemblerOption {
	return func(a *Assembler) {
		a.logger = l
	}
}

// NewAssembler creates an Assembler that consumes sessions from store.
func NewAssembler(store session.Store, opts ...AssemblerOption) *Assembler {
	a := &Assembler{
		store:  store,
		codecs: codec.Default(),
		clock:  clock.Real(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Complete takes the session and reconstructs its payload.
//
// The session is consumed by the take even when a later step fails; a
// client that gets MissingChunks must restart with a new session id.
func (a *Assembler) Complete(ctx context.Context, req CompleteRequest) (*AssembledPayload, error) {
	start := time.Now()
	method := codec.ParseMethod(req.Compression)

	ctx, span := observability.StartSpan(ctx, "transfer.complete", map[string]any{
		"session.id":  req.SessionID,
		"compression": method.String(),
	})
	defer span.End()

	out, err := a.complete(ctx, req, method, start)
	if err != nil {
		span.SetError(err)
		a.logger.Warn("assembly failed",
			"session_id", req.SessionID,
			"compression", method,
			"error", err)
		return nil, err
	}

	span.SetAttribute("chunks", out.TransferInfo.ChunksProcessed)
	span.SetAttribute("bytes.final", out.TransferInfo.FinalDataSize)
	a.logger.Info("payload assembled",
		"session_id", req.SessionID,
		"operation", out.Operation,
		"chunks", out.TransferInfo.ChunksProcessed,
		"encoded_bytes", out.TransferInfo.OriginalEncodedSize,
		"final_bytes", out.TransferInfo.FinalDataSize)
	return out, nil
}

func (a *Assembler) complete(ctx context.Context, req CompleteRequest, method codec.Method, start time.Time) (*AssembledPayload, error) {
	if req.SessionID == "" {
		e := newError(CategoryInvalidChunkParameters, "", "invalid chunk data", nil)
		e.MissingParams = []string{"session_id"}
		return nil, e
	}

	sess, err := a.store.Take(ctx, req.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			e := newError(CategorySessionNotFound, req.SessionID, "session not found", err)
			e.Debug.CompressionMethod = method.String()
			return nil, e
		}
		return nil, fmt.Errorf("take session %s: %w", req.SessionID, err)
	}

	debug := DebugInfo{
		ChunksReceived:    sess.Received(),
		ExpectedChunks:    sess.TotalChunks,
		CompressionMethod: method.String(),
	}
	fail := func(cat Category, msg string, cause error) error {
		e := newError(cat, req.SessionID, msg, cause)
		e.Debug = debug
		return e
	}

	if !sess.IsComplete() {
		return nil, fail(CategoryMissingChunks,
			fmt.Sprintf("missing chunks: received %d of %d", sess.Received(), sess.TotalChunks), nil)
	}

	encoded := sess.Concat()
	plain, err := a.codecs.Decode(method, encoded)
	if err != nil {
		return nil, fail(CategoryCompressionFailure, "decompression failed", err)
	}

	data, err := parseJSON(plain)
	if err != nil {
		return nil, fail(CategoryPayloadParseFailure, "failed to parse payload", err)
	}

	metadata, err := decodeMetadata(req.Metadata)
	if err != nil {
		return nil, fail(CategoryPayloadParseFailure, "failed to parse metadata", err)
	}

	operation := req.Operation
	if operation == "" {
		operation = sess.Operation
	}

	sum := blake3.Sum256(plain)
	return &AssembledPayload{
		Operation: operation,
		Data:      data,
		Metadata:  metadata,
		TransferInfo: TransferInfo{
			SessionID:           sess.ID,
			CompressionMethod:   method.String(),
			CompressionRatio:    compressionRatio(method, len(encoded), len(plain)),
			ChunksProcessed:     sess.Received(),
			OriginalEncodedSize: len(encoded),
			FinalDataSize:       len(plain),
			ProcessingTime:      fmt.Sprintf("%dms", time.Since(start).Milliseconds()),
			AssembledAt:         a.clock.Now().UTC(),
			Checksum:            hex.EncodeToString(sum[:]),
		},
	}, nil
}

// compressionRatio reports (final - encoded) / final as a percentage,
// rounded to two decimals. It is negative when the encoded form is larger
// than the payload. Uncompressed transfers report 0.
func compressionRatio(m codec.Method, encoded, final int) float64 {
	if m == codec.MethodNone || final == 0 {
		return 0
	}
	ratio := float64(final-encoded) / float64(final) * 100
	return math.Round(ratio*100) / 100
}

// parseJSON decodes exactly one JSON value. Numbers are kept as
// json.Number so large integers survive the round trip.
func parseJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("json: unexpected data after top-level value")
	}
	return v, nil
}

func decodeMetadata(encoded string) (map[string]any, error) {
	if encoded == "" {
		return map[string]any{}, nil
	}

	raw, err := codec.DecodeTransport(encoded)
	if err != nil {
		return nil, err
	}
	v, err := parseJSON(raw)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("json: metadata must be an object, got %T", v)
	}
	return obj, nil
}
