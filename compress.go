package harcap

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Content-Encoding tokens understood by DecodeBody.
const (
	EncodingGzip     = "gzip"
	EncodingZstd     = "zstd"
	EncodingBrotli   = "br"
	EncodingDeflate  = "deflate"
	EncodingIdentity = "identity"
)

// DecodeBody removes the Content-Encoding named by header from body.
// Stacked encodings ("gzip, br") are undone in reverse order. At most
// limit decoded bytes are returned when limit > 0. An unknown encoding is
// an error; callers keep the raw bytes in that case.
func DecodeBody(body []byte, header string, limit int64) ([]byte, error) {
	encodings := parseContentEncoding(header)
	if len(encodings) == 0 || len(body) == 0 {
		return body, nil
	}

	out := body
	for i := len(encodings) - 1; i >= 0; i-- {
		decoded, err := decodeOne(out, encodings[i], limit)
		if err != nil {
			return body, err
		}
		out = decoded
	}
	return out, nil
}

func decodeOne(body []byte, encoding string, limit int64) ([]byte, error) {
	var r io.Reader
	src := bytes.NewReader(body)

	switch encoding {
	case EncodingGzip, "x-gzip":
		gr, gerr := gzip.NewReader(src)
		if gerr != nil {
			return nil, fmt.Errorf("gzip: %w", gerr)
		}
		defer func() { _ = gr.Close() }()
		r = gr
	case EncodingDeflate:
		// Servers usually send zlib-wrapped deflate; fall back to raw.
		if zr, zerr := zlib.NewReader(src); zerr == nil {
			defer func() { _ = zr.Close() }()
			r = zr
		} else {
			fr := flate.NewReader(bytes.NewReader(body))
			defer func() { _ = fr.Close() }()
			r = fr
		}
	case EncodingBrotli:
		r = brotli.NewReader(src)
	case EncodingZstd:
		zr, zerr := zstd.NewReader(src)
		if zerr != nil {
			return nil, fmt.Errorf("zstd: %w", zerr)
		}
		defer zr.Close()
		r = zr
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}

	if limit > 0 {
		r = io.LimitReader(r, limit)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", encoding, err)
	}
	return out, nil
}

// parseContentEncoding splits a Content-Encoding header into its tokens,
// dropping identity.
func parseContentEncoding(header string) []string {
	var out []string
	for part := range strings.SplitSeq(header, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" && part != EncodingIdentity {
			out = append(out, part)
		}
	}
	return out
}

// EncodeBody compresses data with the given encoding. It exists for tests
// and for replaying captured bodies.
func EncodeBody(data []byte, encoding string) ([]byte, error) {
	var buf bytes.Buffer
	switch encoding {
	case EncodingGzip:
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case EncodingDeflate:
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case EncodingBrotli:
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case EncodingZstd:
		w, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer func() { _ = w.Close() }()
		return w.EncodeAll(data, nil), nil
	default:
		return data, nil
	}
	return buf.Bytes(), nil
}
