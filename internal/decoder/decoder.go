// Package decoder recovers plain bytes from captured HTTP bodies.
package decoder

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// DefaultMaxBytes bounds the decoded size when no limit is configured.
const DefaultMaxBytes int64 = 16 << 20

const (
	ReasonCorrupt     = "corrupt"
	ReasonUnsupported = "unsupported"
)

var gzipMagic = []byte{0x1f, 0x8b}

// errTooLarge is wrapped into a corrupt DecodeError when the decoded body
// exceeds the configured limit.
var errTooLarge = errors.New("decoded body exceeds limit")

// DecodeError reports a body that declared an encoding it does not honor.
type DecodeError struct {
	Encoding string
	Reason   string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s body: %s: %v", e.Encoding, e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decoder undoes Content-Encoding. It holds no mutable state and is safe
// for concurrent use.
type Decoder struct {
	maxBytes int64
}

// New returns a Decoder that refuses to inflate beyond maxBytes.
// maxBytes <= 0 selects DefaultMaxBytes.
func New(maxBytes int64) *Decoder {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Decoder{maxBytes: maxBytes}
}

var defaultDecoder = New(DefaultMaxBytes)

// Decode uses a Decoder with the default size limit.
func Decode(body []byte, encoding string) ([]byte, error) {
	return defaultDecoder.Decode(body, encoding)
}

// Decode returns the plain bytes of body. Codings listed in encoding are
// undone right-to-left. Unknown codings pass the bytes through unchanged.
func (d *Decoder) Decode(body []byte, encoding string) ([]byte, error) {
	if len(body) == 0 {
		return []byte{}, nil
	}

	codings := splitCodings(encoding)
	if len(codings) == 0 {
		return d.sniff(body), nil
	}

	out := body
	for i := len(codings) - 1; i >= 0; i-- {
		next, err := d.decodeOne(out, codings[i])
		if err != nil {
			return nil, err
		}
		out = next
	}
	return out, nil
}

// sniff inflates undeclared gzip bodies. Anything that fails to inflate is
// returned as-is.
func (d *Decoder) sniff(body []byte) []byte {
	if !bytes.HasPrefix(body, gzipMagic) {
		return body
	}
	out, err := d.gunzip(body)
	if err != nil {
		return body
	}
	return out
}

func (d *Decoder) decodeOne(body []byte, coding string) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch coding {
	case "gzip", "x-gzip":
		out, err = d.gunzip(body)
	case "deflate":
		out, err = d.inflate(body)
	case "br":
		out, err = d.readAll(brotli.NewReader(bytes.NewReader(body)))
	case "zstd":
		out, err = d.unzstd(body)
	default:
		return body, nil
	}
	if err != nil {
		return nil, &DecodeError{Encoding: coding, Reason: ReasonCorrupt, Err: err}
	}
	return out, nil
}

func (d *Decoder) gunzip(body []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return d.readAll(zr)
}

// inflate accepts zlib-wrapped deflate and falls back to raw deflate, which
// some clients send despite the RFC.
func (d *Decoder) inflate(body []byte) ([]byte, error) {
	if zr, err := zlib.NewReader(bytes.NewReader(body)); err == nil {
		out, rerr := d.readAll(zr)
		zr.Close()
		if rerr == nil || errors.Is(rerr, errTooLarge) {
			return out, rerr
		}
	}
	fr := flate.NewReader(bytes.NewReader(body))
	defer fr.Close()
	return d.readAll(fr)
}

func (d *Decoder) unzstd(body []byte) ([]byte, error) {
	zr, err := zstd.NewReader(bytes.NewReader(body), zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return d.readAll(zr)
}

func (d *Decoder) readAll(r io.Reader) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, d.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > d.maxBytes {
		return nil, errTooLarge
	}
	return out, nil
}

func splitCodings(encoding string) []string {
	var codings []string
	for _, part := range strings.Split(encoding, ",") {
		c := strings.ToLower(strings.TrimSpace(part))
		if c == "" || c == "identity" {
			continue
		}
		codings = append(codings, c)
	}
	return codings
}
