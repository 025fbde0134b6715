// Package httpapi exposes the transfer protocol over a single HTTP
// webhook endpoint.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/aixgo-dev/chunkrelay/internal/clock"
	tracing "github.com/aixgo-dev/chunkrelay/internal/observability"
	"github.com/aixgo-dev/chunkrelay/pkg/codec"
	"github.com/aixgo-dev/chunkrelay/pkg/observability"
	"github.com/aixgo-dev/chunkrelay/pkg/security"
	"github.com/aixgo-dev/chunkrelay/pkg/transfer"
)

// CategoryRateLimited is reported when a client exceeds its request rate.
const CategoryRateLimited transfer.Category = "rate_limited"

// ActionComplete selects complete mode.
const ActionComplete = "complete"

// Options configures a Handler.
type Options struct {
	// Path is the webhook path. Defaults to /webhook.
	Path string
	// MaxBodyBytes caps request bodies. Zero disables the cap.
	MaxBodyBytes int64
	// Limiter rate limits clients when set.
	Limiter *security.RateLimiter
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Handler serves the webhook and capabilities endpoints.
type Handler struct {
	svc     *transfer.Service
	path    string
	maxBody int64
	limiter *security.RateLimiter
	clock   clock.Clock
	logger  *slog.Logger
}

// New creates a Handler for svc.
func New(svc *transfer.Service, opts Options) *Handler {
	if opts.Path == "" {
		opts.Path = "/webhook"
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		svc:     svc,
		path:    opts.Path,
		maxBody: opts.MaxBodyBytes,
		limiter: opts.Limiter,
		clock:   opts.Clock,
		logger:  opts.Logger,
	}
}

// Routes returns the endpoint mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(h.path, h.instrument(h.path, http.HandlerFunc(h.serveWebhook)))
	mux.Handle("/capabilities", h.instrument("/capabilities", http.HandlerFunc(h.serveCapabilities)))
	return mux
}

func (h *Handler) serveWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.limiter != nil && !h.limiter.Allow(security.ClientID(r)) {
		observability.RecordRateLimited()
		h.writeRateLimited(w, r)
		return
	}

	p, err := readParams(w, r, h.maxBody)
	if err != nil {
		h.writeBadRequest(w, err)
		return
	}

	if p.get("action") == ActionComplete {
		h.complete(w, r, p)
		return
	}
	h.chunk(w, r, p)
}

func (h *Handler) chunk(w http.ResponseWriter, r *http.Request, p params) {
	receipt, err := h.svc.Receive(r.Context(), transfer.ChunkRequest{
		SessionID:   p.get("session_id"),
		ChunkIndex:  p.get("chunk_index"),
		TotalChunks: p.get("total_chunks"),
		Data:        p.get("data"),
		Operation:   p.get("operation"),
	})
	if err != nil {
		observability.RecordChunk(string(transfer.Classify(err).Category))

		var te *transfer.Error
		if errors.As(err, &te) && (len(te.MissingParams) > 0 || len(te.InvalidParams) > 0) {
			writeJSON(w, http.StatusBadRequest, transfer.NewValidationErrorResponse(te))
			return
		}
		h.writeClassified(w, err, p.get("session_id"), "")
		return
	}

	observability.RecordChunk("stored")
	writeJSON(w, http.StatusOK, transfer.ChunkResponse{Success: true, ChunkReceipt: *receipt})
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request, p params) {
	start := time.Now()
	method := codec.ParseMethod(p.get("compression")).String()
	label := h.compressionLabel(p.get("compression"))

	resp, err := h.svc.Complete(r.Context(), transfer.CompleteRequest{
		SessionID:   p.get("session_id"),
		Operation:   p.get("operation"),
		Compression: p.get("compression"),
		Metadata:    p.get("metadata"),
	})
	if err != nil {
		observability.RecordCompletion(string(transfer.Classify(err).Category), label, time.Since(start))
		h.writeClassified(w, err, p.get("session_id"), method)
		return
	}

	observability.RecordCompletion("success", label, time.Since(start))
	observability.RecordAssembledBytes(resp.Routing.Handler, resp.TransferInfo.FinalDataSize)
	writeJSON(w, http.StatusOK, resp)
}

// compressionLabel bounds the metric label to registered methods.
func (h *Handler) compressionLabel(raw string) string {
	m := codec.ParseMethod(raw)
	if !h.svc.Supports(m) {
		return "unsupported"
	}
	return m.String()
}

// methodLabel bounds the metric label to the methods the routes serve.
func methodLabel(method string) string {
	switch method {
	case http.MethodGet, http.MethodPost:
		return method
	default:
		return "other"
	}
}

func (h *Handler) serveCapabilities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.svc.Capabilities())
}

// writeClassified writes the error envelope: 422 when retryable, else 400.
func (h *Handler) writeClassified(w http.ResponseWriter, err error, sessionID, method string) {
	env := transfer.NewErrorResponse(err, sessionID, method, h.clock.Now())
	status := http.StatusBadRequest
	if env.Error.Retryable {
		status = http.StatusUnprocessableEntity
	}
	if env.Error.Category == transfer.CategoryUnknown {
		h.logger.Error("unclassified transfer failure", "session_id", sessionID, "error", err)
	}
	writeJSON(w, status, env)
}

func (h *Handler) writeBadRequest(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	if errors.Is(err, errBodyTooLarge) {
		status = http.StatusRequestEntityTooLarge
	}
	cause := &transfer.Error{
		Category: transfer.CategoryInvalidChunkParameters,
		Message:  "unreadable request",
		Err:      err,
	}
	writeJSON(w, status, transfer.NewErrorResponse(cause, "", "", h.clock.Now()))
}

// writeRateLimited echoes only a query session_id. The body is not read
// before limiting.
func (h *Handler) writeRateLimited(w http.ResponseWriter, r *http.Request) {
	env := transfer.ErrorResponse{
		Success: false,
		Error: transfer.ErrorBody{
			Category:    CategoryRateLimited,
			Message:     "rate limit exceeded",
			Details:     "too many requests from " + security.ClientID(r),
			Retryable:   true,
			Resolution:  "Slow down and retry after the Retry-After interval.",
			SessionID:   r.URL.Query().Get("session_id"),
			Timestamp:   h.clock.Now().UTC(),
			SupportInfo: transfer.SupportInfo,
		},
	}
	w.Header().Set("Retry-After", "1")
	writeJSON(w, http.StatusTooManyRequests, env)
}

// instrument records metrics and a request id for every request.
func (h *Handler) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)

		ctx, span := tracing.StartSpan(r.Context(), "http "+route, map[string]any{
			"http.method": r.Method,
			"request.id":  reqID,
		})
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		duration := time.Since(start)
		span.SetAttribute("http.status_code", rec.status)
		observability.RecordHTTPRequest(methodLabel(r.Method), route, strconv.Itoa(rec.status), duration)
		h.logger.Debug("request served",
			"request_id", reqID,
			"method", r.Method,
			"route", route,
			"status", rec.status,
			"duration", duration)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
