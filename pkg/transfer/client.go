package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/chunkrelay/pkg/codec"
)

// Default client tuning.
const (
	DefaultChunkSize   = 4096
	DefaultThreshold   = 1024
	DefaultConcurrency = 4
)

// Splitter turns a payload into transport-ready chunks.
type Splitter struct {
	// ChunkSize is the maximum length of one chunk's encoded data.
	ChunkSize int
	// Method is the compression used for payloads at or above Threshold.
	Method codec.Method
	// Threshold is the serialized size below which the payload is sent
	// uncompressed as a single chunk.
	Threshold int
	// Codecs defaults to codec.Default().
	Codecs *codec.Registry
}

// Plan is a payload prepared for sending.
type Plan struct {
	// Chunked is false when the payload was small enough to bypass
	// chunking.
	Chunked bool
	Method  codec.Method
	Encoded string
	Chunks  []string
}

// Plan serializes payload as JSON, encodes it and splits the result.
func (s Splitter) Plan(payload any) (*Plan, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	codecs := s.Codecs
	if codecs == nil {
		codecs = codec.Default()
	}
	size := s.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}

	if len(raw) < s.Threshold {
		enc, err := codecs.Encode(codec.MethodNone, raw)
		if err != nil {
			return nil, err
		}
		return &Plan{Chunked: false, Method: codec.MethodNone, Encoded: enc, Chunks: []string{enc}}, nil
	}

	method := s.Method
	if method == "" {
		method = codec.MethodNone
	}
	enc, err := codecs.Encode(method, raw)
	if err != nil {
		return nil, err
	}
	return &Plan{Chunked: true, Method: method, Encoded: enc, Chunks: SplitString(enc, size)}, nil
}

// SplitString cuts s into pieces of at most size bytes. An empty s yields
// one empty piece.
func SplitString(s string, size int) []string {
	if size <= 0 || len(s) <= size {
		return []string{s}
	}
	pieces := make([]string, 0, (len(s)+size-1)/size)
	for len(s) > size {
		pieces = append(pieces, s[:size])
		s = s[size:]
	}
	return append(pieces, s)
}

// RemoteError is a failure reported by the receiving service.
type RemoteError struct {
	StatusCode int
	Envelope   *ErrorResponse
	Validation *ValidationErrorResponse
	Body       string
}

func (e *RemoteError) Error() string {
	switch {
	case e.Envelope != nil:
		return fmt.Sprintf("remote %d: %s: %s", e.StatusCode, e.Envelope.Error.Category, e.Envelope.Error.Details)
	case e.Validation != nil:
		return fmt.Sprintf("remote %d: %s (missing %v, invalid %v)", e.StatusCode,
			e.Validation.Error, e.Validation.MissingParams, e.Validation.InvalidParams)
	default:
		return fmt.Sprintf("remote %d: %s", e.StatusCode, e.Body)
	}
}

// Retryable reports whether the service marked the failure retryable.
func (e *RemoteError) Retryable() bool {
	return e.Envelope != nil && e.Envelope.Error.Retryable
}

// Client sends payloads to a chunkrelay endpoint.
type Client struct {
	endpoint    string
	httpClient  *http.Client
	splitter    Splitter
	concurrency int
	newID       func() string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithSplitter sets the chunking policy.
func WithSplitter(s Splitter) ClientOption {
	return func(c *Client) {
		c.splitter = s
	}
}

// WithConcurrency bounds how many chunks are in flight at once.
func WithConcurrency(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithSessionIDs overrides session id generation.
func WithSessionIDs(fn func() string) ClientOption {
	return func(c *Client) {
		c.newID = fn
	}
}

// NewClient creates a client posting to endpoint.
func NewClient(endpoint string, opts ...ClientOption) *Client {
	c := &Client{
		endpoint:    endpoint,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		splitter:    Splitter{ChunkSize: DefaultChunkSize, Threshold: DefaultThreshold, Method: codec.MethodGzip},
		concurrency: DefaultConcurrency,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send transfers payload under a fresh session and completes it. Chunks
// are posted concurrently; the service reorders them by index.
func (c *Client) Send(ctx context.Context, operation string, payload any, metadata map[string]any) (*CompleteResponse, error) {
	plan, err := c.splitter.Plan(payload)
	if err != nil {
		return nil, err
	}

	sessionID := c.newID()
	total := strconv.Itoa(len(plan.Chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, chunk := range plan.Chunks {
		form := url.Values{
			"session_id":   {sessionID},
			"chunk_index":  {strconv.Itoa(i)},
			"total_chunks": {total},
			"operation":    {operation},
			"data":         {chunk},
		}
		g.Go(func() error {
			var receipt ChunkResponse
			if err := c.post(gctx, form, &receipt); err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	meta := ""
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		meta = codec.EncodeTransport(raw)
	}

	form := url.Values{
		"action":      {"complete"},
		"session_id":  {sessionID},
		"operation":   {operation},
		"compression": {plan.Method.String()},
		"metadata":    {meta},
	}
	var resp CompleteResponse
	if err := c.post(ctx, form, &resp); err != nil {
		return nil, fmt.Errorf("complete session %s: %w", sessionID, err)
	}
	return &resp, nil
}

// Capabilities asks the service what it supports.
func (c *Client) Capabilities(ctx context.Context) (*Capabilities, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	u.Path = "/capabilities"
	u.RawQuery = ""

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	var caps Capabilities
	if err := c.do(req, &caps); err != nil {
		return nil, err
	}
	return &caps, nil
}

func (c *Client) post(ctx context.Context, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return decodeRemoteError(resp.StatusCode, body)
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeRemoteError(status int, body []byte) error {
	re := &RemoteError{StatusCode: status, Body: strings.TrimSpace(string(body))}

	var probe struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || len(probe.Error) == 0 {
		return re
	}

	if probe.Error[0] == '{' {
		var env ErrorResponse
		if err := json.Unmarshal(body, &env); err == nil {
			re.Envelope = &env
		}
		return re
	}

	var v ValidationErrorResponse
	if err := json.Unmarshal(body, &v); err == nil {
		re.Validation = &v
	}
	return re
}

// IsRemoteCategory reports whether err is a RemoteError of category cat.
func IsRemoteCategory(err error, cat Category) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Envelope != nil && re.Envelope.Error.Category == cat
}
