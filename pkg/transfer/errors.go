package transfer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aixgo-dev/chunkrelay/pkg/codec"
	"github.com/aixgo-dev/chunkrelay/pkg/session"
)

// Category is the failure taxonomy reported to callers.
type Category string

const (
	CategorySessionNotFound        Category = "session_not_found"
	CategoryMissingChunks          Category = "missing_chunks"
	CategoryInvalidChunkParameters Category = "invalid_chunk_parameters"
	CategoryCompressionFailure     Category = "compression_failure"
	CategoryPayloadParseFailure    Category = "payload_parse_failure"
	CategoryUnknown                Category = "unknown"
)

// Retryable reports whether a client may retry after a failure of this
// category.
func (c Category) Retryable() bool {
	switch c {
	case CategorySessionNotFound, CategoryMissingChunks, CategoryCompressionFailure:
		return true
	default:
		return false
	}
}

// Resolution is a human-readable hint for recovering from c.
func (c Category) Resolution() string {
	switch c {
	case CategorySessionNotFound:
		return "Session expired or already completed. Restart the transfer with a new session id."
	case CategoryMissingChunks:
		return "Not all chunks arrived. Retry completion, or restart the transfer with a new session id."
	case CategoryInvalidChunkParameters:
		return "Fix the chunk request: session_id, chunk_index, total_chunks and data are required."
	case CategoryCompressionFailure:
		return "Retry with a different compression method or with compression=none."
	case CategoryPayloadParseFailure:
		return "Check that the payload is valid JSON before encoding."
	default:
		return "Unexpected failure. Contact support with the session id."
	}
}

// DebugInfo is attached to assembly failures.
type DebugInfo struct {
	ChunksReceived    int    `json:"chunks_received"`
	ExpectedChunks    int    `json:"expected_chunks"`
	CompressionMethod string `json:"compression_method"`
}

// Error is a categorized transfer failure.
type Error struct {
	Category  Category
	Message   string
	SessionID string
	Debug     DebugInfo

	// MissingParams and InvalidParams name the offending request fields
	// for CategoryInvalidChunkParameters.
	MissingParams []string
	InvalidParams []string

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Details returns the underlying cause as text, or the message when there
// is none.
func (e *Error) Details() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func newError(cat Category, sessionID, msg string, cause error) *Error {
	return &Error{Category: cat, Message: msg, SessionID: sessionID, Err: cause}
}

// Classification is the outcome of Classify.
type Classification struct {
	Category   Category `json:"category"`
	Retryable  bool     `json:"retryable"`
	Resolution string   `json:"resolution"`
}

func classification(c Category) Classification {
	return Classification{Category: c, Retryable: c.Retryable(), Resolution: c.Resolution()}
}

// messagePatterns map raw error text onto categories, checked in order.
var messagePatterns = []struct {
	category Category
	needles  []string
}{
	{CategorySessionNotFound, []string{"session not found"}},
	{CategoryMissingChunks, []string{"missing chunks"}},
	{CategoryInvalidChunkParameters, []string{"invalid chunk"}},
	{CategoryCompressionFailure, []string{"decompress", "compression"}},
	{CategoryPayloadParseFailure, []string{"parse", "json", "unmarshal"}},
}

// Classify maps err onto the failure taxonomy. Typed errors are matched
// first; anything else falls back to matching its message.
func Classify(err error) Classification {
	if err == nil {
		return classification(CategoryUnknown)
	}

	var te *Error
	if errors.As(err, &te) {
		return classification(te.Category)
	}

	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return classification(CategorySessionNotFound)
	case errors.Is(err, session.ErrSessionConflict),
		errors.Is(err, session.ErrIndexOutOfRange),
		errors.Is(err, session.ErrInvalidWrite):
		return classification(CategoryInvalidChunkParameters)
	case errors.Is(err, codec.ErrUnsupportedMethod),
		errors.Is(err, codec.ErrCorruptInput),
		errors.Is(err, codec.ErrTooLarge):
		return classification(CategoryCompressionFailure)
	}

	msg := strings.ToLower(err.Error())
	for _, p := range messagePatterns {
		for _, needle := range p.needles {
			if strings.Contains(msg, needle) {
				return classification(p.category)
			}
		}
	}
	return classification(CategoryUnknown)
}
