package common

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/net/html/charset"
)

type bodyText struct {
	done bool
	text string
	ok   bool
}

func decodeText(h http.Header, body []byte, limit int64) bodyText {
	if len(body) == 0 {
		return bodyText{done: true}
	}
	raw, err := decodeContent(h.Values("Content-Encoding"), body, limit)
	if err != nil {
		return bodyText{done: true}
	}
	if limit > 0 && int64(len(raw)) > limit {
		raw = raw[:limit]
	}
	return bodyText{done: true, text: decodeCharset(h.Get("Content-Type"), raw), ok: true}
}

// decodeContent undoes the listed content codings, last applied first.
// Unknown codings leave the bytes untouched.
func decodeContent(values []string, body []byte, limit int64) ([]byte, error) {
	var codings []string
	for _, v := range values {
		for _, c := range strings.Split(v, ",") {
			if c = strings.ToLower(strings.TrimSpace(c)); c != "" && c != "identity" {
				codings = append(codings, c)
			}
		}
	}
	out := body
	for i := len(codings) - 1; i >= 0; i-- {
		// Intermediate layers are inflated whole; only the final one is capped.
		layerLimit := int64(0)
		if i == 0 {
			layerLimit = limit
		}
		var err error
		out, err = decodeCoding(codings[i], out, layerLimit)
		if err != nil {
			return nil, fmt.Errorf("content-encoding %s: %w", codings[i], err)
		}
	}
	return out, nil
}

func decodeCoding(coding string, b []byte, limit int64) ([]byte, error) {
	var r io.Reader
	switch coding {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	case "deflate":
		// zlib-wrapped is what servers send; some send raw deflate.
		if zr, err := zlib.NewReader(bytes.NewReader(b)); err == nil {
			defer zr.Close()
			r = zr
		} else {
			fr := flate.NewReader(bytes.NewReader(b))
			defer fr.Close()
			r = fr
		}
	case "br":
		r = brotli.NewReader(bytes.NewReader(b))
	case "zstd":
		zr, err := zstd.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	default:
		return b, nil
	}
	if limit > 0 {
		r = io.LimitReader(r, limit)
	}
	return io.ReadAll(r)
}

// decodeCharset honours an explicit charset parameter and otherwise treats
// the bytes as UTF-8. Invalid sequences become U+FFFD.
func decodeCharset(contentType string, raw []byte) string {
	if contentType != "" {
		if _, params, err := mime.ParseMediaType(contentType); err == nil {
			if label := params["charset"]; label != "" {
				if enc, name := charset.Lookup(label); enc != nil && name != "utf-8" {
					if decoded, err := enc.NewDecoder().Bytes(raw); err == nil {
						raw = decoded
					}
				}
			}
		}
	}
	return strings.ToValidUTF8(string(raw), "\uFFFD")
}
