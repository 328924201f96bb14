// Package jwe implements JWE compact serialization with direct key
// agreement ("alg":"dir") and AES-256-GCM content encryption
// ("enc":"A256GCM"), the scheme SMART Health Links use to protect manifest
// files. A mandatory "cty" protected-header field identifies the plaintext
// MIME type, and an optional "zip":"DEF" raw-deflates the plaintext before
// encryption.
//
// This mirrors the hand-rolled, stdlib-only style of the jws package rather
// than pulling in a general-purpose JOSE library: the exact AAD (the
// protected header segment, nothing else) and the "deflate before encrypt"
// ordering are simplest to guarantee against a small, auditable
// implementation built directly on crypto/aes and crypto/cipher.
package jwe

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/amitkgupta/go-smarthealth/internal/compress"
	"github.com/amitkgupta/go-smarthealth/internal/numeric"
	"github.com/amitkgupta/go-smarthealth/shcerr"
)

const (
	algorithm = "dir"
	encoding  = "A256GCM"
	keySize   = 32 // 256 bits
	ivSize    = 12 // 96 bits, required by GCM
)

// Header is the JWE protected header this package emits and understands.
type Header struct {
	Algorithm   string `json:"alg"`
	Encoding    string `json:"enc"`
	ContentType string `json:"cty"`
	Zip         string `json:"zip,omitempty"`
}

// EncryptOptions configures Encrypt.
type EncryptOptions struct {
	// ContentType is mandatory: it becomes the protected header's "cty"
	// and is returned verbatim on Decrypt so callers can dispatch on it.
	ContentType string
	// EnableCompression raw-deflates the plaintext before encryption,
	// setting zip:"DEF" in the protected header.
	EnableCompression bool
}

// Decrypted is the result of a successful Decrypt call.
type Decrypted struct {
	Plaintext   []byte
	ContentType string
}

// Encrypt performs JWE direct encryption of plaintext under the given
// 32-byte key (as used directly as the AES-256-GCM key, no key wrapping),
// returning the 5-segment compact JWE
// header.""  .iv.ciphertext.tag (the encrypted-key segment is always empty
// for "alg":"dir").
func Encrypt(plaintext []byte, key []byte, opts EncryptOptions) (string, error) {
	if len(key) != keySize {
		return "", shcerr.New(shcerr.KindShlEncryption, fmt.Sprintf("key must be %d bytes, got %d", keySize, len(key)))
	}
	if opts.ContentType == "" {
		return "", shcerr.New(shcerr.KindShlEncryption, "ContentType is required")
	}

	h := Header{
		Algorithm:   algorithm,
		Encoding:    encoding,
		ContentType: opts.ContentType,
	}

	body := plaintext
	if opts.EnableCompression {
		h.Zip = "DEF"
		compressed, err := compress.DeflateRaw(plaintext)
		if err != nil {
			return "", err
		}
		body = compressed
	}

	hBytes, err := json.Marshal(&h)
	if err != nil {
		return "", shcerr.Wrap(shcerr.KindShlEncryption, "marshal protected header", err)
	}
	hB64 := numeric.Base64URLEncode(hBytes)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", shcerr.Wrap(shcerr.KindShlEncryption, "create AES cipher", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return "", shcerr.Wrap(shcerr.KindShlEncryption, "create GCM mode", err)
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", shcerr.Wrap(shcerr.KindShlEncryption, "generate IV", err)
	}

	// AAD is exactly the base64url-encoded protected header segment.
	aad := []byte(hB64)
	sealed := gcm.Seal(nil, iv, body, aad)
	ciphertext, tag := sealed[:len(sealed)-gcm.Overhead()], sealed[len(sealed)-gcm.Overhead():]

	return strings.Join([]string{
		hB64,
		"",
		numeric.Base64URLEncode(iv),
		numeric.Base64URLEncode(ciphertext),
		numeric.Base64URLEncode(tag),
	}, "."), nil
}

// Decrypt parses a compact JWE produced by Encrypt and decrypts it under
// key, returning the (decompressed, if zip:"DEF" was set) plaintext and the
// declared content type. A missing "cty" header is rejected.
func Decrypt(compactJWE string, key []byte) (*Decrypted, error) {
	if len(key) != keySize {
		return nil, shcerr.New(shcerr.KindShlDecryption, fmt.Sprintf("key must be %d bytes, got %d", keySize, len(key)))
	}

	parts := strings.Split(compactJWE, ".")
	if len(parts) != 5 {
		return nil, shcerr.New(shcerr.KindShlDecryption, "compact JWE must have exactly five segments")
	}
	hB64, ekB64, ivB64, ctB64, tagB64 := parts[0], parts[1], parts[2], parts[3], parts[4]

	if ekB64 != "" {
		return nil, shcerr.New(shcerr.KindShlDecryption, `encrypted-key segment must be empty for "dir"`)
	}

	hBytes, err := numeric.Base64URLDecode(hB64)
	if err != nil {
		return nil, shcerr.Wrap(shcerr.KindShlDecryption, "decode protected header", err)
	}
	var h Header
	if err := json.Unmarshal(hBytes, &h); err != nil {
		return nil, shcerr.Wrap(shcerr.KindShlDecryption, "parse protected header", err)
	}
	if h.Algorithm != algorithm {
		return nil, shcerr.New(shcerr.KindShlDecryption, fmt.Sprintf("unsupported alg %q, only %q is supported", h.Algorithm, algorithm))
	}
	if h.Encoding != encoding {
		return nil, shcerr.New(shcerr.KindShlDecryption, fmt.Sprintf("unsupported enc %q, only %q is supported", h.Encoding, encoding))
	}
	if h.ContentType == "" {
		return nil, shcerr.New(shcerr.KindShlDecryption, "missing cty in protected header")
	}

	iv, err := numeric.Base64URLDecode(ivB64)
	if err != nil {
		return nil, shcerr.Wrap(shcerr.KindShlDecryption, "decode iv", err)
	}
	ciphertext, err := numeric.Base64URLDecode(ctB64)
	if err != nil {
		return nil, shcerr.Wrap(shcerr.KindShlDecryption, "decode ciphertext", err)
	}
	tag, err := numeric.Base64URLDecode(tagB64)
	if err != nil {
		return nil, shcerr.Wrap(shcerr.KindShlDecryption, "decode tag", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, shcerr.Wrap(shcerr.KindShlDecryption, "create AES cipher", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, shcerr.Wrap(shcerr.KindShlDecryption, "create GCM mode", err)
	}

	aad := []byte(hB64)
	sealed := append(ciphertext, tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, aad)
	if err != nil {
		return nil, shcerr.Wrap(shcerr.KindShlDecryption, "authenticated decryption failed", err)
	}

	if h.Zip == "DEF" {
		plaintext, err = compress.InflateRaw(plaintext)
		if err != nil {
			return nil, shcerr.Wrap(shcerr.KindShlDecryption, "inflate plaintext", err)
		}
	} else if h.Zip != "" {
		return nil, shcerr.New(shcerr.KindShlDecryption, fmt.Sprintf("unsupported zip %q", h.Zip))
	}

	return &Decrypted{Plaintext: plaintext, ContentType: h.ContentType}, nil
}

// GenerateKey returns 32 bytes of cryptographically random key material,
// suitable for use as an SHL symmetric key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, shcerr.Wrap(shcerr.KindShlEncryption, "generate key", err)
	}
	return key, nil
}
