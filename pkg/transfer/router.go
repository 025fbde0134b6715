package transfer

import (
	"sort"
	"sync"
)

// GenericHandler receives operations no route is registered for.
const GenericHandler = "generic"

// Built-in operations.
const (
	OpLargeDataset = "large_dataset"
	OpAnalysis     = "analysis"
	OpSync         = "sync"
	OpBulkImport   = "bulk_import"
)

// ConfigFunc builds the downstream processing configuration for one
// assembled payload.
type ConfigFunc func(payload any, info TransferInfo, metadata map[string]any) map[string]any

// RoutedRequest is an assembled payload tagged for a downstream handler.
type RoutedRequest struct {
	Operation    string         `json:"operation"`
	Handler      string         `json:"handler"`
	Config       map[string]any `json:"config"`
	Payload      any            `json:"-"`
	TransferInfo TransferInfo   `json:"-"`
	Metadata     map[string]any `json:"-"`
}

// Router dispatches assembled payloads by operation.
type Router struct {
	mu     sync.RWMutex
	routes map[string]ConfigFunc
}

// NewRouter returns a Router with the built-in operations registered.
func NewRouter() *Router {
	r := &Router{routes: make(map[string]ConfigFunc)}
	r.Register(OpLargeDataset, largeDatasetConfig)
	r.Register(OpAnalysis, analysisConfig)
	r.Register(OpSync, syncConfig)
	r.Register(OpBulkImport, bulkImportConfig)
	return r
}

// Register adds or replaces the route for op.
func (r *Router) Register(op string, fn ConfigFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[op] = fn
}

// Operations lists the registered operations in sorted order.
func (r *Router) Operations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ops := make([]string, 0, len(r.routes))
	for op := range r.routes {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// Route tags the payload for its handler. Unknown operations go to the
// generic handler; they are never an error.
func (r *Router) Route(op string, payload any, info TransferInfo, metadata map[string]any) RoutedRequest {
	r.mu.RLock()
	fn, ok := r.routes[op]
	r.mu.RUnlock()

	req := RoutedRequest{
		Operation:    op,
		Payload:      payload,
		TransferInfo: info,
		Metadata:     metadata,
	}
	if !ok {
		req.Handler = GenericHandler
		req.Config = map[string]any{"optimized": false}
		return req
	}
	req.Handler = op
	req.Config = fn(payload, info, metadata)
	return req
}

const mib = 1 << 20

func largeDatasetConfig(payload any, info TransferInfo, _ map[string]any) map[string]any {
	batchSize := 100
	switch {
	case info.FinalDataSize <= mib:
		batchSize = 1000
	case info.FinalDataSize <= 10*mib:
		batchSize = 500
	}

	batchCount := 1
	if items, ok := payload.([]any); ok && len(items) > 0 {
		batchCount = (len(items) + batchSize - 1) / batchSize
	}

	return map[string]any{
		"batch_size":  batchSize,
		"batch_count": batchCount,
		"parallel":    batchCount > 1,
	}
}

func analysisConfig(_ any, _ TransferInfo, metadata map[string]any) map[string]any {
	contentType := "application/json"
	if ct, ok := metadata["content_type"].(string); ok && ct != "" {
		contentType = ct
	}
	return map[string]any{
		"content_type":   contentType,
		"analysis_depth": "standard",
		"include_raw":    false,
	}
}

func syncConfig(any, TransferInfo, map[string]any) map[string]any {
	return map[string]any{
		"conflict_resolution": "last_write_wins",
		"dry_run":             false,
		"batch_writes":        true,
	}
}

func bulkImportConfig(any, TransferInfo, map[string]any) map[string]any {
	return map[string]any{
		"validate": true,
		"upsert":   true,
		"chunked":  true,
	}
}
