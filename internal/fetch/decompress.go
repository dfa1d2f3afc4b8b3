package fetch

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	"github.com/tidwall/gjson"
)

// decompressBody inflates resp's body according to its Content-Encoding
// header. Upstream rate-limit headers (consumed by the snapshot store) sit
// alongside a body that may be brotli/gzip/zstd-encoded, and the snapshot
// parser only ever sees headers -- but a caller that needs the body text
// (modelFamilyOf, below) must decode it first.
func decompressBody(resp *http.Response, body []byte) ([]byte, error) {
	if len(body) == 0 {
		return body, nil
	}
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("fetch: gzip reader: %w", err)
		}
		defer func() { _ = r.Close() }()
		return io.ReadAll(r)
	case "deflate":
		r := flate.NewReader(bytes.NewReader(body))
		defer func() { _ = r.Close() }()
		return io.ReadAll(r)
	case "br":
		return io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
	case "zstd":
		r, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("fetch: zstd reader: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	default:
		return body, nil
	}
}

// modelFamilyOf reads resp's body to recover the "model" field a vendor
// response echoes back, decoding it first since the body may be
// brotli/gzip/zstd-encoded -- the snapshot store's rate-limit parser only
// ever looks at headers, but the model family it tags a snapshot with has
// to come from the body. resp.Body is replaced with a fresh reader over the
// original (still-encoded) bytes so the caller forwarding resp downstream is
// unaffected.
func modelFamilyOf(resp *http.Response) string {
	if resp == nil || resp.Body == nil {
		return ""
	}
	raw, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil {
		return ""
	}
	decoded, err := decompressBody(resp, raw)
	if err != nil {
		return ""
	}
	return gjson.GetBytes(decoded, "model").String()
}
