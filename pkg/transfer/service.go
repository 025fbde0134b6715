// Package transfer implements the chunked transfer protocol: chunk
// receipt, session assembly, operation routing and failure
// classification, plus a client that speaks it.
package transfer

import (
	"context"
	"log/slog"

	"github.com/aixgo-dev/chunkrelay/internal/clock"
	"github.com/aixgo-dev/chunkrelay/pkg/codec"
	"github.com/aixgo-dev/chunkrelay/pkg/session"
)

// Service bundles the receiver, assembler and router behind the two
// protocol calls.
type Service struct {
	receiver  *Receiver
	assembler *Assembler
	router    *Router
	codecs    *codec.Registry
}

// Options configures a Service.
type Options struct {
	Codecs        *codec.Registry
	Router        *Router
	Clock         clock.Clock
	Logger        *slog.Logger
	MaxChunkBytes int
}

// NewService creates a Service over store.
func NewService(store session.Store, opts Options) *Service {
	if opts.Codecs == nil {
		opts.Codecs = codec.Default()
	}
	if opts.Router == nil {
		opts.Router = NewRouter()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Service{
		receiver: NewReceiver(store,
			WithMaxChunkBytes(opts.MaxChunkBytes),
			WithReceiverLogger(opts.Logger)),
		assembler: NewAssembler(store,
			WithCodecs(opts.Codecs),
			WithAssemblerClock(opts.Clock),
			WithAssemblerLogger(opts.Logger)),
		router: opts.Router,
		codecs: opts.Codecs,
	}
}

// Receive stores one chunk.
func (s *Service) Receive(ctx context.Context, req ChunkRequest) (*ChunkReceipt, error) {
	return s.receiver.Receive(ctx, req)
}

// Complete assembles the session and routes the payload.
func (s *Service) Complete(ctx context.Context, req CompleteRequest) (*CompleteResponse, error) {
	payload, err := s.assembler.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	routed := s.router.Route(payload.Operation, payload.Data, payload.TransferInfo, payload.Metadata)
	return &CompleteResponse{
		Success:      true,
		Operation:    payload.Operation,
		Data:         payload.Data,
		TransferInfo: payload.TransferInfo,
		Metadata:     payload.Metadata,
		Routing:      Routing{Handler: routed.Handler, Config: routed.Config},
	}, nil
}

// Capabilities lists what this service can receive.
type Capabilities struct {
	Compression []string `json:"compression"`
	Operations  []string `json:"operations"`
}

// Capabilities reports the supported compression methods and the
// operations with dedicated routes.
func (s *Service) Capabilities() Capabilities {
	methods := s.codecs.Supported()
	names := make([]string, len(methods))
	for i, m := range methods {
		names[i] = m.String()
	}
	return Capabilities{Compression: names, Operations: s.router.Operations()}
}

// Supports reports whether m is a registered compression method.
func (s *Service) Supports(m codec.Method) bool {
	return s.codecs.Has(m)
}
