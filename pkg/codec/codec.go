// Package codec provides the compression methods a sender may apply to a
// payload before chunking it, and the transport encoding that makes the
// compressed bytes safe to carry inside a URL or form field.
//
// The set of methods is an explicit capability list. Selecting a method
// that is not registered is an error, never a silent pass-through.
package codec

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Method names a registered compression transform.
type Method string

const (
	// MethodNone leaves the payload untouched.
	MethodNone Method = "none"
	// MethodGzip is RFC 1952 gzip.
	MethodGzip Method = "gzip"
	// MethodZstd is Zstandard at the default level.
	MethodZstd Method = "zstd"
	// MethodLZ4 is the LZ4 frame format.
	MethodLZ4 Method = "lz4"
	// MethodS2 is the S2 block format (Snappy compatible decoding).
	MethodS2 Method = "s2"
)

// String returns the wire name of the method.
func (m Method) String() string { return string(m) }

// ParseMethod normalizes a method name. An empty name means MethodNone.
// ParseMethod does not check registration; use Registry.Lookup for that.
func ParseMethod(name string) Method {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return MethodNone
	}
	return Method(name)
}

var (
	// ErrUnsupportedMethod is returned when a method is not registered.
	ErrUnsupportedMethod = errors.New("unsupported compression method")
	// ErrCorruptInput is returned when an inverse transform rejects its input.
	ErrCorruptInput = errors.New("corrupt compressed input")
	// ErrTooLarge is returned when decompressed output exceeds the limit.
	ErrTooLarge = errors.New("decompressed payload exceeds size limit")
)

// DefaultMaxDecodedSize bounds the output of any single decompression.
const DefaultMaxDecodedSize = 64 << 20

// Codec is a reversible byte transform.
// Implementations must be safe for concurrent use.
type Codec interface {
	Method() Method
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// Registry holds the codecs a deployment supports.
type Registry struct {
	codecs map[Method]Codec
	mu     sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		codecs: make(map[Method]Codec),
	}
}

// Register adds or replaces the codec for its method.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[c.Method()] = c
}

// Lookup returns the codec for m or an error wrapping ErrUnsupportedMethod.
func (r *Registry) Lookup(m Method) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.codecs[m]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, string(m))
	}
	return c, nil
}

// Has reports whether m is registered.
func (r *Registry) Has(m Method) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.codecs[m]
	return ok
}

// Supported returns the registered methods in sorted order.
func (r *Registry) Supported() []Method {
	r.mu.RLock()
	defer r.mu.RUnlock()

	methods := make([]Method, 0, len(r.codecs))
	for m := range r.codecs {
		methods = append(methods, m)
	}
	sort.Slice(methods, func(i, j int) bool { return methods[i] < methods[j] })
	return methods
}

// Compress applies method m to data.
func (r *Registry) Compress(m Method, data []byte) ([]byte, error) {
	c, err := r.Lookup(m)
	if err != nil {
		return nil, err
	}
	out, err := c.Compress(data)
	if err != nil {
		return nil, fmt.Errorf("%s compress: %w", m, err)
	}
	return out, nil
}

// Decompress reverses method m. Failures of the transform itself wrap
// ErrCorruptInput (or ErrTooLarge) together with the underlying cause.
func (r *Registry) Decompress(m Method, data []byte) ([]byte, error) {
	c, err := r.Lookup(m)
	if err != nil {
		return nil, err
	}
	out, err := c.Decompress(data)
	if err != nil {
		if errors.Is(err, ErrTooLarge) {
			return nil, fmt.Errorf("%s decompress: %w", m, err)
		}
		return nil, fmt.Errorf("%s decompress: %w: %w", m, ErrCorruptInput, err)
	}
	return out, nil
}

// NewDefaultRegistry returns a registry with every built-in codec, each
// limited to maxDecoded output bytes (DefaultMaxDecodedSize when <= 0).
func NewDefaultRegistry(maxDecoded int) *Registry {
	if maxDecoded <= 0 {
		maxDecoded = DefaultMaxDecodedSize
	}

	r := NewRegistry()
	r.Register(noneCodec{})
	r.Register(gzipCodec{maxDecoded: maxDecoded})
	r.Register(newZstdCodec(maxDecoded))
	r.Register(lz4Codec{maxDecoded: maxDecoded})
	r.Register(s2Codec{maxDecoded: maxDecoded})
	return r
}

var defaultRegistry = NewDefaultRegistry(0)

// Default returns the process-wide registry of built-in codecs.
func Default() *Registry {
	return defaultRegistry
}
