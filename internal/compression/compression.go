// Package compression provides the block codecs used by SSTable data
// blocks. Each block is stored with a 1-byte codec tag so files written with
// one setting remain readable under another.
package compression

import (
	"encoding/binary"
	"fmt"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type identifies a block codec.
type Type uint8

const (
	// None stores blocks uncompressed.
	None Type = 0
	// Snappy is the default codec.
	Snappy Type = 1
	// LZ4 block compression. Blocks carry a 4-byte uncompressed-length
	// prefix because LZ4 blocks do not self-describe.
	LZ4 Type = 2
	// Zstd compression at the default level.
	Zstd Type = 3
)

// String returns the codec name.
func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// IsValid reports whether t names a supported codec.
func (t Type) IsValid() bool { return t <= Zstd }

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	// EncodeAll/DecodeAll on shared instances are safe for concurrent use.
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
}

// Compress encodes data with the given codec.
func Compress(t Type, data []byte) ([]byte, error) {
	switch t {
	case None:
		return data, nil

	case Snappy:
		return snappy.Encode(nil, data), nil

	case LZ4:
		// Prefix: [4 bytes uncompressed length][1 byte compressed flag].
		var c lz4.Compressor
		dst := make([]byte, 5+lz4.CompressBlockBound(len(data)))
		binary.BigEndian.PutUint32(dst, uint32(len(data)))
		n, err := c.CompressBlock(data, dst[5:])
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 {
			// Incompressible input; CompressBlock signals this with n == 0.
			dst[4] = 0
			dst = append(dst[:5], data...)
			return dst, nil
		}
		dst[4] = 1
		return dst[:5+n], nil

	case Zstd:
		return zstdEncoder.EncodeAll(data, nil), nil

	default:
		return nil, fmt.Errorf("unsupported compression type %s", t)
	}
}

// Decompress decodes a block written by Compress with the same codec.
func Decompress(t Type, data []byte) ([]byte, error) {
	switch t {
	case None:
		return data, nil

	case Snappy:
		out, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("snappy decompress: %w", err)
		}
		return out, nil

	case LZ4:
		if len(data) < 5 {
			return nil, fmt.Errorf("lz4 decompress: block too short")
		}
		size := binary.BigEndian.Uint32(data)
		src := data[5:]
		if data[4] == 0 {
			// Stored uncompressed (incompressible input).
			if uint32(len(src)) != size {
				return nil, fmt.Errorf("lz4 decompress: stored length mismatch")
			}
			return src, nil
		}
		dst := make([]byte, size)
		n, err := lz4.UncompressBlock(src, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		return dst[:n], nil

	case Zstd:
		out, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unsupported compression type %s", t)
	}
}
