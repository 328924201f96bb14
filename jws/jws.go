// Package jws creates and verifies a compact-serialization JSON Web
// Signature using the ECDSA P-256 SHA-256 (ES256) algorithm, with optional
// raw-DEFLATE compression of the payload, as required for SMART Health
// Cards. See
// https://spec.smarthealth.cards/#health-cards-are-encoded-as-compact-serialization-json-web-signatures-jws,
// https://spec.smarthealth.cards/#health-cards-are-small, and
// https://spec.smarthealth.cards/#determining-keys-associated-with-an-issuer.
//
// Per the spec's resolution of a source ambiguity: the payload is
// compressed *before* the compact form (and therefore the signature) is
// built, never after signing.
package jws

import (
	stdecdsa "crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/amitkgupta/go-smarthealth/ecdsa"
	"github.com/amitkgupta/go-smarthealth/internal/compress"
	"github.com/amitkgupta/go-smarthealth/internal/numeric"
	"github.com/amitkgupta/go-smarthealth/shcerr"
)

const algorithm = "ES256"

// Header is the JWS protected header this package emits and understands.
type Header struct {
	Algorithm string `json:"alg"`
	KeyID     string `json:"kid"`
	Zip       string `json:"zip,omitempty"`
}

// Verified is the result of a successful Verify call: the decompressed
// payload bytes and the protected header that validated them.
type Verified struct {
	Header  Header
	Payload []byte
}

// SignOptions configures Sign.
type SignOptions struct {
	// EnableCompression raw-deflates the payload before signing, setting
	// zip:"DEF" in the protected header.
	EnableCompression bool
}

// SignAndSerialize compresses the given JSON payload, signs it with key
// using ES256, and returns the compact JWS. It is equivalent to
// Sign(payload, key, SignOptions{EnableCompression: true}).
func SignAndSerialize(payload []byte, key *stdecdsa.PrivateKey) (string, error) {
	return Sign(payload, key, SignOptions{EnableCompression: true})
}

// Sign compresses (if enabled) the given JSON payload, signs it with key
// using ES256, and returns the compact JWS. The protected header's kid is
// the RFC 7638 thumbprint of key's public half.
func Sign(payload []byte, key *stdecdsa.PrivateKey, opts SignOptions) (string, error) {
	h := Header{
		Algorithm: algorithm,
		KeyID:     ecdsa.Thumbprint(&key.PublicKey),
	}

	body := payload
	if opts.EnableCompression {
		h.Zip = "DEF"
		compressed, err := compress.DeflateRaw(payload)
		if err != nil {
			return "", err
		}
		body = compressed
	}

	hBytes, err := json.Marshal(&h)
	if err != nil {
		return "", shcerr.Wrap(shcerr.KindJWS, "marshal protected header", err)
	}

	hB64 := numeric.Base64URLEncode(hBytes)
	pB64 := numeric.Base64URLEncode(body)

	signingInput := []byte(hB64 + "." + pB64)

	r, s, err := sign(key, signingInput)
	if err != nil {
		return "", shcerr.Wrap(shcerr.KindJWS, "sign JWS", err)
	}

	sigB64 := numeric.Base64URLEncode(
		append(r.FillBytes(make([]byte, 32)), s.FillBytes(make([]byte, 32))...),
	)

	return hB64 + "." + pB64 + "." + sigB64, nil
}

func sign(key *stdecdsa.PrivateKey, signingInput []byte) (*big.Int, *big.Int, error) {
	digest := sha256.Sum256(signingInput)
	return stdecdsa.Sign(rand.Reader, key, digest[:])
}

// VerifyOptions configures Verify.
type VerifyOptions struct {
	// VerifyExpiration, when true (the default via the zero value is
	// false, so callers should set it explicitly; shc.Reader defaults it
	// to true per spec), rejects a payload carrying an "exp" field whose
	// value is in the past. A missing exp never fails.
	VerifyExpiration bool
}

type expPeek struct {
	Exp *int64 `json:"exp"`
}

// Verify checks the ES256 signature of jwsCompact against pub, decompresses
// the payload (inflating if the header declares zip:"DEF"), and enforces
// expiration if requested. It does not validate the payload's SMART Health
// Card shape; callers do that with the vc and fhirbundle packages against
// the returned Payload bytes.
func Verify(jwsCompact string, pub *stdecdsa.PublicKey, opts VerifyOptions) (*Verified, error) {
	parts := strings.Split(jwsCompact, ".")
	if len(parts) != 3 {
		return nil, shcerr.New(shcerr.KindJWS, "compact JWS must have exactly three segments")
	}

	hBytes, err := numeric.Base64URLDecode(parts[0])
	if err != nil {
		return nil, shcerr.Wrap(shcerr.KindJWS, "decode protected header", err)
	}

	var h Header
	if err := json.Unmarshal(hBytes, &h); err != nil {
		return nil, shcerr.Wrap(shcerr.KindJWS, "parse protected header", err)
	}
	if h.Algorithm != algorithm {
		return nil, shcerr.New(shcerr.KindJWS, fmt.Sprintf("unsupported alg %q, only ES256 is supported", h.Algorithm))
	}

	sigBytes, err := numeric.Base64URLDecode(parts[2])
	if err != nil {
		return nil, shcerr.Wrap(shcerr.KindJWS, "decode signature", err)
	}
	if len(sigBytes) != 64 {
		return nil, shcerr.New(shcerr.KindJWS, "signature must be 64 bytes (r||s)")
	}
	r := new(big.Int).SetBytes(sigBytes[:32])
	s := new(big.Int).SetBytes(sigBytes[32:])

	signingInput := []byte(parts[0] + "." + parts[1])
	digest := sha256.Sum256(signingInput)
	if !stdecdsa.Verify(pub, digest[:], r, s) {
		return nil, shcerr.New(shcerr.KindSignatureVerification, "signature verification failed")
	}

	payloadBytes, err := numeric.Base64URLDecode(parts[1])
	if err != nil {
		return nil, shcerr.Wrap(shcerr.KindJWS, "decode payload", err)
	}

	switch h.Zip {
	case "DEF":
		payloadBytes, err = compress.InflateRaw(payloadBytes)
		if err != nil {
			return nil, shcerr.Wrap(shcerr.KindJWS, "inflate payload", err)
		}
	case "":
	default:
		return nil, shcerr.New(shcerr.KindJWS, fmt.Sprintf("unsupported zip %q", h.Zip))
	}

	if opts.VerifyExpiration {
		var peek expPeek
		if err := json.Unmarshal(payloadBytes, &peek); err == nil && peek.Exp != nil {
			if *peek.Exp < time.Now().Unix() {
				return nil, shcerr.New(shcerr.KindExpired, "JWS payload has expired")
			}
		}
	}

	return &Verified{Header: h, Payload: payloadBytes}, nil
}

// UnverifiedHeaderAndPayload decodes the header and (decompressed) payload of
// jwsCompact without checking the signature. Callers MUST NOT treat the
// result as trusted; its only legitimate use is discovering the kid so a
// caller can fetch the corresponding public key before calling Verify.
func UnverifiedHeaderAndPayload(jwsCompact string) (Header, []byte, error) {
	parts := strings.Split(jwsCompact, ".")
	if len(parts) != 3 {
		return Header{}, nil, shcerr.New(shcerr.KindJWS, "compact JWS must have exactly three segments")
	}

	hBytes, err := numeric.Base64URLDecode(parts[0])
	if err != nil {
		return Header{}, nil, shcerr.Wrap(shcerr.KindJWS, "decode protected header", err)
	}
	var h Header
	if err := json.Unmarshal(hBytes, &h); err != nil {
		return Header{}, nil, shcerr.Wrap(shcerr.KindJWS, "parse protected header", err)
	}

	payloadBytes, err := numeric.Base64URLDecode(parts[1])
	if err != nil {
		return Header{}, nil, shcerr.Wrap(shcerr.KindJWS, "decode payload", err)
	}
	if h.Zip == "DEF" {
		payloadBytes, err = compress.InflateRaw(payloadBytes)
		if err != nil {
			return Header{}, nil, shcerr.Wrap(shcerr.KindJWS, "inflate payload", err)
		}
	}

	return h, payloadBytes, nil
}

// JWKSJSON returns the JSON serialization of the JSON Web Key Set
// representing the public identifying information of key.
func JWKSJSON(key *stdecdsa.PrivateKey) ([]byte, error) {
	return ecdsa.JWKSJSON(key)
}
