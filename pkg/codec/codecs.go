package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

type noneCodec struct{}

func (noneCodec) Method() Method                         { return MethodNone }
func (noneCodec) Compress(data []byte) ([]byte, error)   { return data, nil }
func (noneCodec) Decompress(data []byte) ([]byte, error) { return data, nil }

type gzipCodec struct {
	maxDecoded int
}

func (gzipCodec) Method() Method { return MethodGzip }

func (gzipCodec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c gzipCodec) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return readAllLimited(r, c.maxDecoded)
}

// zstdCodec reuses one encoder and one decoder; both are safe for
// concurrent EncodeAll/DecodeAll calls.
type zstdCodec struct {
	encoder    *zstd.Encoder
	decoder    *zstd.Decoder
	maxDecoded int
}

func newZstdCodec(maxDecoded int) *zstdCodec {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("codec: zstd encoder initialization failed: " + err.Error())
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(maxDecoded)))
	if err != nil {
		panic("codec: zstd decoder initialization failed: " + err.Error())
	}
	return &zstdCodec{encoder: encoder, decoder: decoder, maxDecoded: maxDecoded}
}

func (*zstdCodec) Method() Method { return MethodZstd }

func (c *zstdCodec) Compress(data []byte) ([]byte, error) {
	return c.encoder.EncodeAll(data, nil), nil
}

func (c *zstdCodec) Decompress(data []byte) ([]byte, error) {
	out, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) || errors.Is(err, zstd.ErrWindowSizeExceeded) {
			return nil, ErrTooLarge
		}
		return nil, err
	}
	if len(out) > c.maxDecoded {
		return nil, ErrTooLarge
	}
	return out, nil
}

type lz4Codec struct {
	maxDecoded int
}

func (lz4Codec) Method() Method { return MethodLZ4 }

func (lz4Codec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c lz4Codec) Decompress(data []byte) ([]byte, error) {
	return readAllLimited(lz4.NewReader(bytes.NewReader(data)), c.maxDecoded)
}

type s2Codec struct {
	maxDecoded int
}

func (s2Codec) Method() Method { return MethodS2 }

func (s2Codec) Compress(data []byte) ([]byte, error) {
	return s2.Encode(nil, data), nil
}

func (c s2Codec) Decompress(data []byte) ([]byte, error) {
	n, err := s2.DecodedLen(data)
	if err != nil {
		return nil, err
	}
	if n > c.maxDecoded {
		return nil, ErrTooLarge
	}
	return s2.Decode(nil, data)
}

func readAllLimited(r io.Reader, limit int) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if len(out) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
	}
	return out, nil
}
