package decoder

import (
	"bytes"
	"errors"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const payload = `{"baseData":{"baseType":"reportEditArc"},"diffSize":42}`

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func zlibBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func flateBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func brotliBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func zstdBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()
	return enc.EncodeAll(data, nil)
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		body     func(t *testing.T) []byte
		encoding string
		want     string
	}{
		{name: "nil body", body: func(*testing.T) []byte { return nil }, encoding: "gzip", want: ""},
		{name: "empty body", body: func(*testing.T) []byte { return []byte{} }, want: ""},
		{name: "identity", body: func(*testing.T) []byte { return []byte(payload) }, encoding: "identity", want: payload},
		{name: "no encoding", body: func(*testing.T) []byte { return []byte(payload) }, want: payload},
		{name: "unknown encoding passes through", body: func(*testing.T) []byte { return []byte("opaque") }, encoding: "compress", want: "opaque"},
		{name: "gzip", body: func(t *testing.T) []byte { return gzipBytes(t, []byte(payload)) }, encoding: "gzip", want: payload},
		{name: "x-gzip uppercase", body: func(t *testing.T) []byte { return gzipBytes(t, []byte(payload)) }, encoding: "X-GZIP", want: payload},
		{name: "deflate zlib", body: func(t *testing.T) []byte { return zlibBytes(t, []byte(payload)) }, encoding: "deflate", want: payload},
		{name: "deflate raw", body: func(t *testing.T) []byte { return flateBytes(t, []byte(payload)) }, encoding: "deflate", want: payload},
		{name: "brotli", body: func(t *testing.T) []byte { return brotliBytes(t, []byte(payload)) }, encoding: "br", want: payload},
		{name: "zstd", body: func(t *testing.T) []byte { return zstdBytes(t, []byte(payload)) }, encoding: "zstd", want: payload},
		{name: "stacked codings", body: func(t *testing.T) []byte {
			return brotliBytes(t, gzipBytes(t, []byte(payload)))
		}, encoding: "gzip, br", want: payload},
		{name: "undeclared gzip is sniffed", body: func(t *testing.T) []byte { return gzipBytes(t, []byte(payload)) }, want: payload},
		{name: "gzip magic with garbage passes through", body: func(*testing.T) []byte { return []byte{0x1f, 0x8b, 0x00} }, want: "\x1f\x8b\x00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Decode(tt.body(t), tt.encoding)
			require.NoError(t, err)
			require.NotNil(t, out)
			assert.Equal(t, tt.want, string(out))
		})
	}
}

func TestDecode_CorruptGzip(t *testing.T) {
	good := gzipBytes(t, []byte(payload))
	corrupt := append([]byte{}, good[:len(good)/2]...)

	out, err := Decode(corrupt, "gzip")
	assert.Nil(t, out)
	require.Error(t, err)

	var decErr *DecodeError
	require.True(t, errors.As(err, &decErr))
	assert.Equal(t, "gzip", decErr.Encoding)
	assert.Equal(t, ReasonCorrupt, decErr.Reason)
	assert.Contains(t, decErr.Error(), "corrupt")
}

func TestDecode_NotGzipAtAll(t *testing.T) {
	_, err := Decode([]byte("plain text"), "gzip")

	var decErr *DecodeError
	require.ErrorAs(t, err, &decErr)
	assert.Equal(t, ReasonCorrupt, decErr.Reason)
}

func TestDecoder_MaxBytes(t *testing.T) {
	big := bytes.Repeat([]byte("a"), 4096)
	body := gzipBytes(t, big)

	_, err := New(1024).Decode(body, "gzip")
	var decErr *DecodeError
	require.ErrorAs(t, err, &decErr)
	assert.ErrorIs(t, err, errTooLarge)

	out, err := New(4096).Decode(body, "gzip")
	require.NoError(t, err)
	assert.Len(t, out, 4096)
}
