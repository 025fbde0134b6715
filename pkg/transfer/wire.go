package transfer

import (
	"errors"
	"time"
)

// SupportInfo is included in every error envelope.
const SupportInfo = "Include the session_id and timestamp when reporting this error."

// ChunkResponse is the transport body for an accepted chunk.
type ChunkResponse struct {
	Success bool `json:"success"`
	ChunkReceipt
}

// CompleteResponse is the transport body for a successful assembly.
type CompleteResponse struct {
	Success      bool           `json:"success"`
	Operation    string         `json:"operation"`
	Data         any            `json:"data"`
	TransferInfo TransferInfo   `json:"transfer_info"`
	Metadata     map[string]any `json:"metadata"`
	Routing      Routing        `json:"routing"`
}

// Routing reports which downstream handler a payload was routed to.
type Routing struct {
	Handler string         `json:"handler"`
	Config  map[string]any `json:"config"`
}

// ValidationErrorResponse is the transport body for a rejected chunk call.
type ValidationErrorResponse struct {
	Error         string   `json:"error"`
	MissingParams []string `json:"missing_params"`
	InvalidParams []string `json:"invalid_params"`
}

// ErrorResponse is the classified error envelope.
type ErrorResponse struct {
	Success bool      `json:"success"`
	Error   ErrorBody `json:"error"`
}

// ErrorBody describes one classified failure.
type ErrorBody struct {
	Category    Category  `json:"category"`
	Message     string    `json:"message"`
	Details     string    `json:"details"`
	Retryable   bool      `json:"retryable"`
	Resolution  string    `json:"resolution"`
	SessionID   string    `json:"session_id"`
	DebugInfo   DebugInfo `json:"debug_info"`
	Timestamp   time.Time `json:"timestamp"`
	SupportInfo string    `json:"support_info"`
}

// NewErrorResponse classifies err into an envelope. sessionID and method
// fill in fields the error itself does not carry.
func NewErrorResponse(err error, sessionID, method string, now time.Time) ErrorResponse {
	c := Classify(err)
	body := ErrorBody{
		Category:    c.Category,
		Message:     "transfer failed",
		Retryable:   c.Retryable,
		Resolution:  c.Resolution,
		SessionID:   sessionID,
		DebugInfo:   DebugInfo{CompressionMethod: method},
		Timestamp:   now.UTC(),
		SupportInfo: SupportInfo,
	}
	if err != nil {
		body.Details = err.Error()
	}

	var te *Error
	if errors.As(err, &te) {
		body.Message = te.Message
		body.Details = te.Details()
		if te.SessionID != "" {
			body.SessionID = te.SessionID
		}
		if te.Debug != (DebugInfo{}) {
			body.DebugInfo = te.Debug
		}
	}
	return ErrorResponse{Success: false, Error: body}
}

// NewValidationErrorResponse builds the body for a rejected chunk call.
func NewValidationErrorResponse(e *Error) ValidationErrorResponse {
	missing, invalid := e.MissingParams, e.InvalidParams
	if missing == nil {
		missing = []string{}
	}
	if invalid == nil {
		invalid = []string{}
	}
	return ValidationErrorResponse{
		Error:         "Invalid chunk data",
		MissingParams: missing,
		InvalidParams: invalid,
	}
}
