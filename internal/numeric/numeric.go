// Package numeric implements the base64url codec (RFC 4648 §5, unpadded)
// together with the SMART Health Card numeric-mode alphabet mapping used to
// represent a JWS as a QR-friendly string of decimal digit pairs.
//
// Every base64url character c maps to the two-digit decimal ord(c) - 45
// ('-' is 45, the lowest-valued base64url character), in range 00..77.
package numeric

import (
	"encoding/base64"
	"fmt"

	"github.com/amitkgupta/go-smarthealth/shcerr"
)

const offset = '-' // 45

// Base64URLEncode encodes data as unpadded base64url text.
func Base64URLEncode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// Base64URLDecode decodes unpadded base64url text.
func Base64URLDecode(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, shcerr.Wrap(shcerr.KindJWS, "invalid base64url", err)
	}
	return b, nil
}

// EncodeToNumeric maps a base64url string (typically a compact JWS) to its
// SMART Health Card numeric-mode representation: each character becomes a
// zero-padded two-digit decimal.
func EncodeToNumeric(s string) (string, error) {
	out := make([]byte, 0, len(s)*2)
	for _, r := range s {
		d := int(r) - offset
		if d < 0 || d > 77 {
			return "", shcerr.New(shcerr.KindQrCode, fmt.Sprintf("character %q out of numeric range", r))
		}
		out = append(out, byte('0'+d/10), byte('0'+d%10))
	}
	return string(out), nil
}

// DecodeFromNumeric maps a numeric-mode string of digit pairs back to the
// base64url string it encodes.
func DecodeFromNumeric(numeric string) (string, error) {
	if len(numeric)%2 != 0 {
		return "", shcerr.New(shcerr.KindQrCode, "numeric string has odd length")
	}

	out := make([]byte, 0, len(numeric)/2)
	for i := 0; i < len(numeric); i += 2 {
		hi, lo := numeric[i], numeric[i+1]
		if hi < '0' || hi > '9' || lo < '0' || lo > '9' {
			return "", shcerr.New(shcerr.KindQrCode, "numeric string contains non-digit characters")
		}
		d := int(hi-'0')*10 + int(lo-'0')
		if d > 77 {
			return "", shcerr.New(shcerr.KindQrCode, fmt.Sprintf("numeric pair %02d exceeds base64url offset range", d))
		}
		out = append(out, byte(d+offset))
	}
	return string(out), nil
}
