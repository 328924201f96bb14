// Package qrcode renders a SMART Health Card compact JWS as one or more QR
// codes, chunking it when it exceeds a single QR code's numeric-mode
// capacity, and reassembles a set of scanned chunks back into the original
// JWS. See https://spec.smarthealth.cards/#chunking and
// https://spec.smarthealth.cards/#encoding-chunks-as-qr-codes.
package qrcode

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	goqrcode "github.com/skip2/go-qrcode"

	"github.com/amitkgupta/go-smarthealth/internal/numeric"
	"github.com/amitkgupta/go-smarthealth/shcerr"
)

const (
	uriScheme   = "shc:/"
	qrVersion   = 22
	qrPixelSize = 512
)

// ErrorCorrectionLevel aliases the underlying QR library's recovery level
// so callers don't need to import it directly.
type ErrorCorrectionLevel = goqrcode.RecoveryLevel

const (
	Low      = goqrcode.Low
	Medium   = goqrcode.Medium
	High     = goqrcode.High
	Highest  = goqrcode.Highest
)

// maxSingleQRSize is the maximum JWS-character length a single SMART
// Health Card QR code can hold at each error correction level (derived
// from version-22 capacity at that level). This threshold is applied
// directly against len(jws); it is not a digit count. See
// https://spec.smarthealth.cards/#chunking.
var maxSingleQRSize = map[ErrorCorrectionLevel]int{
	Low:     1195,
	Medium:  927,
	High:    670,
	Highest: 519,
}

// Chunk is one numeric-mode QR payload's worth of a (possibly chunked)
// SMART Health Card, ready for rendering or already rendered to a PNG.
type Chunk struct {
	Index int // 1-based
	Total int
	Data  string // raw "shc:/..." content
}

// Encode splits jwsCompact into one or more QR code payloads for the given
// error correction level, each satisfying the spec's balanced-chunking
// rule: let max be the per-chunk character budget; chunkCount =
// ceil(len/max); every chunk has length ceil(len/chunkCount) except the
// last, which is shorter by at most chunkCount-1 characters (in practice,
// at most 2, since SMART Health Card payloads are generated to fit within
// a small number of chunks).
func Encode(jwsCompact string, ec ErrorCorrectionLevel) ([]Chunk, error) {
	max, ok := maxSingleQRSize[ec]
	if !ok {
		return nil, shcerr.New(shcerr.KindQrCode, "unsupported error correction level")
	}

	length := len(jwsCompact)
	if length <= max {
		numericPart, err := numeric.EncodeToNumeric(jwsCompact)
		if err != nil {
			return nil, err
		}
		return []Chunk{{Index: 1, Total: 1, Data: uriScheme + numericPart}}, nil
	}

	chunkCount := ceilDiv(length, max)
	balanced := ceilDiv(length, chunkCount)

	chunks := make([]Chunk, 0, chunkCount)
	for i := 0; i < chunkCount; i++ {
		start := i * balanced
		if start >= length {
			break
		}
		end := start + balanced
		if end > length {
			end = length
		}

		numericPart, err := numeric.EncodeToNumeric(jwsCompact[start:end])
		if err != nil {
			return nil, err
		}

		chunks = append(chunks, Chunk{
			Index: i + 1,
			Total: chunkCount,
			Data:  fmt.Sprintf("%s%d/%d/%s", uriScheme, i+1, chunkCount, numericPart),
		})
	}

	return chunks, nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// RenderPNG rasterizes c as a QR code PNG image at the spec-mandated QR
// version (forcing a large enough symbol to hold the densest supported
// payload regardless of actual content length).
func RenderPNG(c Chunk) ([]byte, error) {
	q, err := goqrcode.NewWithForcedVersion(c.Data, qrVersion, Medium)
	if err != nil {
		return nil, shcerr.Wrap(shcerr.KindQrCode, "construct QR code", err)
	}
	png, err := q.PNG(qrPixelSize)
	if err != nil {
		return nil, shcerr.Wrap(shcerr.KindQrCode, "render QR PNG", err)
	}
	return png, nil
}

// EncodePNGs is a convenience wrapper combining Encode and RenderPNG,
// returning one PNG image per chunk in index order.
func EncodePNGs(jwsCompact string, ec ErrorCorrectionLevel) ([][]byte, error) {
	chunks, err := Encode(jwsCompact, ec)
	if err != nil {
		return nil, err
	}
	pngs := make([][]byte, len(chunks))
	for i, c := range chunks {
		png, err := RenderPNG(c)
		if err != nil {
			return nil, err
		}
		pngs[i] = png
	}
	return pngs, nil
}

// ParseChunk parses a single scanned "shc:/..." QR payload.
func ParseChunk(raw string) (Chunk, error) {
	if !strings.HasPrefix(raw, uriScheme) {
		return Chunk{}, shcerr.New(shcerr.KindQrCode, fmt.Sprintf("content must start with %q", uriScheme))
	}
	rest := raw[len(uriScheme):]

	parts := strings.SplitN(rest, "/", 3)
	if len(parts) == 3 {
		i, err1 := strconv.Atoi(parts[0])
		n, err2 := strconv.Atoi(parts[1])
		if err1 == nil && err2 == nil {
			if i < 1 || i > n {
				return Chunk{}, shcerr.New(shcerr.KindQrCode, fmt.Sprintf("chunk index %d out of range 1..%d", i, n))
			}
			return Chunk{Index: i, Total: n, Data: parts[2]}, nil
		}
	}

	return Chunk{Index: 1, Total: 1, Data: rest}, nil
}

// Decode reassembles a complete set of scanned "shc:/..." chunk contents
// (in any order) back into the original compact JWS, validating that every
// chunk agrees on the total chunk count and that indices 1..n are all
// present exactly once.
func Decode(rawChunks []string) (string, error) {
	if len(rawChunks) == 0 {
		return "", shcerr.New(shcerr.KindQrCode, "no chunks provided")
	}

	parsed := make([]Chunk, len(rawChunks))
	for i, raw := range rawChunks {
		c, err := ParseChunk(raw)
		if err != nil {
			return "", err
		}
		parsed[i] = c
	}

	total := parsed[0].Total
	seen := make(map[int]bool, total)
	for _, c := range parsed {
		if c.Total != total {
			return "", shcerr.New(shcerr.KindQrCode, "chunks disagree on total chunk count")
		}
		if seen[c.Index] {
			return "", shcerr.New(shcerr.KindQrCode, fmt.Sprintf("duplicate chunk index %d", c.Index))
		}
		seen[c.Index] = true
	}
	if len(parsed) != total {
		return "", shcerr.New(shcerr.KindQrCode, fmt.Sprintf("expected %d chunks, got %d", total, len(parsed)))
	}
	for i := 1; i <= total; i++ {
		if !seen[i] {
			return "", shcerr.New(shcerr.KindQrCode, fmt.Sprintf("missing chunk index %d", i))
		}
	}

	sort.Slice(parsed, func(i, j int) bool { return parsed[i].Index < parsed[j].Index })

	var numericBuf strings.Builder
	for _, c := range parsed {
		numericBuf.WriteString(c.Data)
	}

	return numeric.DecodeFromNumeric(numericBuf.String())
}
