package compression_test

import (
	"bytes"
	"testing"

	"github.com/emberdb/emberdb/internal/compression"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var codecs = []compression.Type{
	compression.None,
	compression.Snappy,
	compression.LZ4,
	compression.Zstd,
}

func TestRoundTrip(t *testing.T) {
	inputs := [][]byte{
		[]byte(""),
		[]byte("x"),
		[]byte("hello world"),
		bytes.Repeat([]byte("abcdefgh"), 1000),
	}
	for _, codec := range codecs {
		for _, in := range inputs {
			compressed, err := compression.Compress(codec, in)
			require.NoError(t, err, "%s compress %d bytes", codec, len(in))

			out, err := compression.Decompress(codec, compressed)
			require.NoError(t, err, "%s decompress %d bytes", codec, len(in))
			assert.Equal(t, in, out, "%s round trip %d bytes", codec, len(in))
		}
	}
}

func TestCompressibleInputShrinks(t *testing.T) {
	in := bytes.Repeat([]byte("abcdefgh"), 1000)
	for _, codec := range []compression.Type{compression.Snappy, compression.LZ4, compression.Zstd} {
		compressed, err := compression.Compress(codec, in)
		require.NoError(t, err)
		assert.Less(t, len(compressed), len(in), "%s should shrink repetitive input", codec)
	}
}

func TestUnknownType(t *testing.T) {
	bad := compression.Type(200)
	assert.False(t, bad.IsValid())

	_, err := compression.Compress(bad, []byte("data"))
	assert.Error(t, err)
	_, err = compression.Decompress(bad, []byte("data"))
	assert.Error(t, err)
}

func TestCorruptBlock(t *testing.T) {
	in := bytes.Repeat([]byte("payload"), 100)
	for _, codec := range []compression.Type{compression.Snappy, compression.Zstd} {
		compressed, err := compression.Compress(codec, in)
		require.NoError(t, err)

		corrupt := append([]byte(nil), compressed...)
		corrupt[len(corrupt)/2] ^= 0xff
		corrupt = corrupt[:len(corrupt)-3]
		_, err = compression.Decompress(codec, corrupt)
		assert.Error(t, err, "%s should reject corrupt block", codec)
	}
}
