// Package ecdsa loads, generates, and derives JWK material from ECDSA P-256
// keys, the only curve the SMART Health Cards/Links specs use (ES256 for
// JWS). See https://spec.smarthealth.cards/#generating-and-resolving-cryptographic-keys.
package ecdsa

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"math/big"

	"github.com/amitkgupta/go-smarthealth/internal/numeric"
	"github.com/amitkgupta/go-smarthealth/shcerr"
)

const (
	curveName = "P-256"
	keyType   = "EC"
)

// LoadKey takes string representations of the d, x, and y
// paramters of an ECDSA key, and loads them as *math/big.Int
// objects using the (*math/big.Int).UnmarshalText method.
// Then it return an ECDSA private key of type
// *crypto/ecdsa.PrivateKey.
func LoadKey(d, x, y string) (*ecdsa.PrivateKey, error) {
	dInt := new(big.Int)
	if err := dInt.UnmarshalText([]byte(d)); err != nil {
		return nil, shcerr.Wrap(shcerr.KindReaderConfig, "parse key parameter d", err)
	}

	xInt := new(big.Int)
	if err := xInt.UnmarshalText([]byte(x)); err != nil {
		return nil, shcerr.Wrap(shcerr.KindReaderConfig, "parse key parameter x", err)
	}

	yInt := new(big.Int)
	if err := yInt.UnmarshalText([]byte(y)); err != nil {
		return nil, shcerr.Wrap(shcerr.KindReaderConfig, "parse key parameter y", err)
	}

	pkey := ecdsa.PrivateKey{
		D: dInt,
		PublicKey: ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     xInt,
			Y:     yInt,
		},
	}

	return &pkey, nil
}

// GenerateKey generates a fresh ECDSA P-256 private key suitable for signing
// SMART Health Cards.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	pkey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, shcerr.Wrap(shcerr.KindReaderConfig, "generate ECDSA key", err)
	}
	return pkey, nil
}

// Params returns the string representations of a private key's d, x, and y
// parameters, the inverse of LoadKey.
func Params(key *ecdsa.PrivateKey) (d, x, y string, err error) {
	dBytes, err := key.D.MarshalText()
	if err != nil {
		return "", "", "", shcerr.Wrap(shcerr.KindReaderConfig, "marshal key parameter d", err)
	}
	xBytes, err := key.PublicKey.X.MarshalText()
	if err != nil {
		return "", "", "", shcerr.Wrap(shcerr.KindReaderConfig, "marshal key parameter x", err)
	}
	yBytes, err := key.PublicKey.Y.MarshalText()
	if err != nil {
		return "", "", "", shcerr.Wrap(shcerr.KindReaderConfig, "marshal key parameter y", err)
	}
	return string(dBytes), string(xBytes), string(yBytes), nil
}

// JWK is the minimal EC public-key JSON Web Key representation this module
// round-trips: {crv, kty, x, y} plus the optional use/alg/kid fields.
type JWK struct {
	KeyType   string `json:"kty"`
	KeyID     string `json:"kid,omitempty"`
	Use       string `json:"use,omitempty"`
	Algorithm string `json:"alg,omitempty"`
	Curve     string `json:"crv"`
	X         string `json:"x"`
	Y         string `json:"y"`
}

// JWKSet is the JSON Web Key Set envelope served at
// /.well-known/jwks.json.
type JWKSet struct {
	Keys []JWK `json:"keys"`
}

func xString(pub *ecdsa.PublicKey) string {
	return numeric.Base64URLEncode(pub.X.FillBytes(make([]byte, 32)))
}

func yString(pub *ecdsa.PublicKey) string {
	return numeric.Base64URLEncode(pub.Y.FillBytes(make([]byte, 32)))
}

// Thumbprint derives the RFC 7638 JWK thumbprint (kid) of an EC public key:
// the base64url encoding of the SHA-256 hash of the canonical JSON object
// {"crv":...,"kty":...,"x":...,"y":...} with members in that fixed
// alphabetical order (RFC 7638 mandates exactly this member set and order
// for EC keys; there is no general-purpose JSON canonicalization involved).
func Thumbprint(pub *ecdsa.PublicKey) string {
	canonical := `{"crv":"` + curveName + `","kty":"` + keyType + `","x":"` + xString(pub) + `","y":"` + yString(pub) + `"}`
	sum := sha256.Sum256([]byte(canonical))
	return numeric.Base64URLEncode(sum[:])
}

// PublicJWK returns the public JWK representation of key, with kid set to
// its RFC 7638 thumbprint.
func PublicJWK(key *ecdsa.PrivateKey) JWK {
	return JWK{
		KeyType:   keyType,
		KeyID:     Thumbprint(&key.PublicKey),
		Use:       "sig",
		Algorithm: "ES256",
		Curve:     curveName,
		X:         xString(&key.PublicKey),
		Y:         yString(&key.PublicKey),
	}
}

// JWKSJSON serializes the JSON Web Key Set representing the public
// information of key.
func JWKSJSON(key *ecdsa.PrivateKey) ([]byte, error) {
	b, err := json.Marshal(JWKSet{Keys: []JWK{PublicJWK(key)}})
	if err != nil {
		return nil, shcerr.Wrap(shcerr.KindReaderConfig, "marshal JWKS", err)
	}
	return b, nil
}

// PublicKeyFromJWK reconstructs a public key from its JWK representation, as
// needed when resolving a key fetched from an issuer's
// /.well-known/jwks.json document.
func PublicKeyFromJWK(jwk JWK) (*ecdsa.PublicKey, error) {
	if jwk.KeyType != keyType || jwk.Curve != curveName {
		return nil, shcerr.New(shcerr.KindReaderConfig, "unsupported JWK kty/crv, only EC P-256 is supported")
	}
	xBytes, err := numeric.Base64URLDecode(jwk.X)
	if err != nil {
		return nil, shcerr.Wrap(shcerr.KindReaderConfig, "decode JWK x", err)
	}
	yBytes, err := numeric.Base64URLDecode(jwk.Y)
	if err != nil {
		return nil, shcerr.Wrap(shcerr.KindReaderConfig, "decode JWK y", err)
	}
	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}
