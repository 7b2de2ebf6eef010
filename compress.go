package fragbench

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects how stores compress record values.
type Compression string

const (
	CompressionNone   Compression = "none"
	CompressionGzip   Compression = "gzip"
	CompressionSnappy Compression = "snappy"
	CompressionZstd   Compression = "zstd"
	CompressionLZ4    Compression = "lz4"
)

type codecID uint8

const (
	codecNone codecID = iota
	codecGzip
	codecSnappy
	codecZstd
	codecLZ4
)

func (c Compression) id() codecID {
	switch c {
	case CompressionGzip:
		return codecGzip
	case CompressionSnappy:
		return codecSnappy
	case CompressionZstd:
		return codecZstd
	case CompressionLZ4:
		return codecLZ4
	default:
		return codecNone
	}
}

func (c Compression) Validate() error {
	switch c {
	case "", CompressionNone, CompressionGzip, CompressionSnappy, CompressionZstd, CompressionLZ4:
		return nil
	default:
		return fmt.Errorf("unknown compression %q (expected none, gzip, snappy, zstd or lz4)", string(c))
	}
}

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

// EncodeAll and DecodeAll are safe for concurrent use, so one shared
// encoder and decoder serve all stores.
func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil)
	})
	return zstdEnc, zstdDec, zstdErr
}

// compressBody returns nil if data is incompressible.
func compressBody(id codecID, data []byte) ([]byte, error) {
	switch id {
	case codecNone:
		return nil, nil
	case codecGzip:
		var buf bytes.Buffer
		w, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case codecSnappy:
		return snappy.Encode(nil, data), nil
	case codecZstd:
		enc, _, err := zstdCodec()
		if err != nil {
			return nil, err
		}
		return enc.EncodeAll(data, nil), nil
	case codecLZ4:
		compressed := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, compressed, nil)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		return compressed[:n], nil
	default:
		return nil, fmt.Errorf("unknown codec %d", id)
	}
}

func decompressBody(id codecID, data []byte, rawSize int) ([]byte, error) {
	switch id {
	case codecGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		out := make([]byte, 0, rawSize)
		buf := bytes.NewBuffer(out)
		if _, err := io.Copy(buf, r); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case codecSnappy:
		return snappy.Decode(nil, data)
	case codecZstd:
		_, dec, err := zstdCodec()
		if err != nil {
			return nil, err
		}
		return dec.DecodeAll(data, make([]byte, 0, rawSize))
	case codecLZ4:
		out := make([]byte, rawSize)
		n, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, err
		}
		if n != rawSize {
			return nil, errors.New("decompressed size mismatch")
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown codec %d", id)
	}
}
