package codec

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

// EncodeTransport makes raw bytes safe for a query string or form field:
// standard base64, then percent-escaped.
func EncodeTransport(raw []byte) string {
	return url.QueryEscape(base64.StdEncoding.EncodeToString(raw))
}

// DecodeTransport reverses EncodeTransport. Input that the HTTP layer has
// already unescaped is accepted as well, since base64 never contains '%'.
// A '+' is kept literally rather than read as a space.
func DecodeTransport(encoded string) ([]byte, error) {
	unescaped, err := url.PathUnescape(encoded)
	if err != nil {
		return nil, fmt.Errorf("url decode: %w", err)
	}
	unescaped = strings.TrimSpace(unescaped)

	raw, err := base64.StdEncoding.DecodeString(unescaped)
	if err != nil {
		// Some senders strip padding.
		if rawNoPad, err2 := base64.RawStdEncoding.DecodeString(strings.TrimRight(unescaped, "=")); err2 == nil {
			return rawNoPad, nil
		}
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	return raw, nil
}

// Encode compresses plain with m and transport-encodes the result.
func (r *Registry) Encode(m Method, plain []byte) (string, error) {
	compressed, err := r.Compress(m, plain)
	if err != nil {
		return "", err
	}
	return EncodeTransport(compressed), nil
}

// Decode reverses Encode. Transport decoding errors wrap ErrCorruptInput.
func (r *Registry) Decode(m Method, encoded string) ([]byte, error) {
	if !r.Has(m) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, string(m))
	}
	raw, err := DecodeTransport(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptInput, err)
	}
	return r.Decompress(m, raw)
}
