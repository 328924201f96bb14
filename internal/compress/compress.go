// Package compress wraps raw DEFLATE (RFC 1951, no zlib/gzip header) for the
// "zip":"DEF" payload compression used by both the SHC JWS and the SHL JWE.
package compress

import (
	"bytes"
	"compress/flate"
	"io"

	"github.com/amitkgupta/go-smarthealth/shcerr"
)

// DeflateRaw compresses data with raw DEFLATE at best-compression level.
func DeflateRaw(data []byte) ([]byte, error) {
	buf := new(bytes.Buffer)
	zw, err := flate.NewWriter(buf, flate.BestCompression)
	if err != nil {
		return nil, shcerr.Wrap(shcerr.KindCompression, "create deflate writer", err)
	}
	if _, err := zw.Write(data); err != nil {
		return nil, shcerr.Wrap(shcerr.KindCompression, "write deflate stream", err)
	}
	if err := zw.Close(); err != nil {
		return nil, shcerr.Wrap(shcerr.KindCompression, "close deflate stream", err)
	}
	return buf.Bytes(), nil
}

// InflateRaw decompresses a raw-DEFLATE buffer produced by DeflateRaw.
func InflateRaw(data []byte) ([]byte, error) {
	zr := flate.NewReader(bytes.NewReader(data))
	defer zr.Close()

	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, shcerr.Wrap(shcerr.KindCompression, "inflate stream", err)
	}
	return out, nil
}
