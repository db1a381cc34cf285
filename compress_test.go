package harcap

import (
	"bytes"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
)

func TestDecodeBody(t *testing.T) {
	payload := []byte(strings.Repeat(`{"message":"hello world"}`, 20))

	for _, enc := range []string{EncodingGzip, EncodingDeflate, EncodingBrotli, EncodingZstd} {
		t.Run(enc, func(t *testing.T) {
			encoded, err := EncodeBody(payload, enc)
			if err != nil {
				t.Fatalf("EncodeBody: %v", err)
			}
			if bytes.Equal(encoded, payload) {
				t.Fatal("EncodeBody did not compress")
			}

			got, err := DecodeBody(encoded, enc, 0)
			if err != nil {
				t.Fatalf("DecodeBody: %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Errorf("decoded %d bytes, want %d", len(got), len(payload))
			}
		})
	}
}

func TestDecodeBody_Stacked(t *testing.T) {
	payload := []byte("stacked encodings are undone in reverse")
	inner, _ := EncodeBody(payload, EncodingGzip)
	outer, _ := EncodeBody(inner, EncodingBrotli)

	got, err := DecodeBody(outer, "gzip, br", 0)
	if err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("got %q", got)
	}
}

func TestDecodeBody_Passthrough(t *testing.T) {
	body := []byte("plain")
	for _, header := range []string{"", "identity", " Identity "} {
		got, err := DecodeBody(body, header, 0)
		if err != nil || !bytes.Equal(got, body) {
			t.Errorf("DecodeBody(%q) = %q, %v", header, got, err)
		}
	}
}

func TestDecodeBody_Limit(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), 4096)
	encoded, _ := EncodeBody(payload, EncodingGzip)

	got, err := DecodeBody(encoded, "gzip", 100)
	if err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if len(got) != 100 {
		t.Errorf("len = %d, want 100", len(got))
	}
}

func TestDecodeBody_Errors(t *testing.T) {
	body := []byte("not compressed")

	tests := []struct {
		name   string
		header string
	}{
		{"unknown encoding", "compress"},
		{"bad gzip", "gzip"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeBody(body, tt.header, 0)
			if err == nil {
				t.Fatal("expected error")
			}
			if !bytes.Equal(got, body) {
				t.Errorf("raw body not returned on error: %q", got)
			}
		})
	}
}

func TestDecodeBody_RawDeflate(t *testing.T) {
	payload := []byte("raw deflate without zlib framing")
	var buf bytes.Buffer
	fw, _ := flate.NewWriter(&buf, flate.DefaultCompression)
	_, _ = fw.Write(payload)
	_ = fw.Close()

	got, err := DecodeBody(buf.Bytes(), "deflate", 0)
	if err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("got %q", got)
	}
}

func TestDecodeBody_BrotliInterop(t *testing.T) {
	payload := []byte("written by the brotli package directly")
	var buf bytes.Buffer
	bw := brotli.NewWriterLevel(&buf, brotli.BestCompression)
	_, _ = bw.Write(payload)
	_ = bw.Close()

	got, err := DecodeBody(buf.Bytes(), "BR", 0)
	if err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("got %q", got)
	}
}
