// Package shc is the high-level SMART Health Card façade: Issuer signs a
// FHIR Bundle into a Shc, Reader verifies and parses one back from a JWS,
// file blob, or QR numeric form, and Shc projects itself into every wire
// representation the spec defines. See
// https://spec.smarthealth.cards/#every-health-card-is-a-set-of-verifiable-credentials.
package shc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	stdecdsa "crypto/ecdsa"

	"github.com/amitkgupta/go-smarthealth/ecdsa"
	"github.com/amitkgupta/go-smarthealth/fhirbundle"
	"github.com/amitkgupta/go-smarthealth/jws"
	"github.com/amitkgupta/go-smarthealth/qrcode"
	"github.com/amitkgupta/go-smarthealth/shcerr"
	"github.com/amitkgupta/go-smarthealth/vc"
)

// FileMIMEType is the MIME type of a SMART Health Card file blob.
const FileMIMEType = "application/smart-health-card"

// Directory resolves an issuer's public key by kid without a network
// round trip, e.g. a directory.Directory snapshot. Readers without one
// fall back to live JWKS discovery.
type Directory interface {
	PublicKeyFor(iss, kid string) (*stdecdsa.PublicKey, bool)
}

// Issuer signs FHIR Bundles into SMART Health Cards.
type Issuer struct {
	// Issuer is the iss URL identifying the signing entity.
	Issuer string
	// PrivateKey signs the JWS; its public half's thumbprint becomes kid.
	PrivateKey *stdecdsa.PrivateKey
	// ExpirationTime, if non-zero, sets the payload's exp field.
	ExpirationTime time.Time
	// EnableQROptimization runs the Bundle through the QR-optimised
	// transform before embedding it. Defaults to true.
	EnableQROptimization bool
	// StrictReferences fails Issue when a reference can't be rewritten
	// during QR optimisation instead of leaving it untouched. Defaults
	// to true; has no effect when EnableQROptimization is false.
	StrictReferences bool
}

// NewIssuer returns an Issuer with the spec's default flags
// (EnableQROptimization and StrictReferences both true).
func NewIssuer(issuer string, key *stdecdsa.PrivateKey) *Issuer {
	return &Issuer{
		Issuer:               issuer,
		PrivateKey:           key,
		EnableQROptimization: true,
		StrictReferences:     true,
	}
}

// Issue runs the Bundle through C5's standard or QR-optimised transform,
// builds and validates the vc claim (C6), assembles the JWS payload, and
// signs it (C3, with compression enabled), returning a Shc wrapping the
// signed JWS and the original (untransformed) bundle.
func (i *Issuer) Issue(bundle fhirbundle.Bundle, opts vc.Options) (*Shc, error) {
	var processed fhirbundle.Bundle
	var err error
	if i.EnableQROptimization {
		processed, err = fhirbundle.OptimizeForQR(bundle, i.StrictReferences)
	} else {
		processed, err = fhirbundle.Standard(bundle)
	}
	if err != nil {
		return nil, err
	}

	if opts.ExpirationTime.IsZero() {
		opts.ExpirationTime = i.ExpirationTime
	}

	payload, err := vc.New(i.Issuer, processed, opts)
	if err != nil {
		return nil, err
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, shcerr.Wrap(shcerr.KindPayloadValidation, "marshal JWS payload", err)
	}

	jwsCompact, err := jws.Sign(payloadJSON, i.PrivateKey, jws.SignOptions{EnableCompression: true})
	if err != nil {
		return nil, err
	}

	return &Shc{jws: jwsCompact, originalBundle: bundle}, nil
}

// Reader verifies and parses SMART Health Cards.
type Reader struct {
	// PublicKey, if set, is used directly instead of issuer JWKS
	// discovery.
	PublicKey *stdecdsa.PublicKey
	// EnableQROptimization and StrictReferences are not used by FromJWS,
	// FromFileContent or FromQRNumeric and are not carried onto the
	// resulting Shc; AsBundle takes its own BundleOptions.
	EnableQROptimization bool
	StrictReferences     bool
	// VerifyExpiration rejects an expired JWS. Defaults to true.
	VerifyExpiration bool
	// Directory, if set, is consulted for key resolution before falling
	// back to live JWKS discovery.
	Directory Directory
	// HTTPClient is used for JWKS discovery; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// NewReader returns a Reader with VerifyExpiration defaulted to true.
func NewReader() *Reader {
	return &Reader{VerifyExpiration: true}
}

func (r *Reader) httpClient() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return http.DefaultClient
}

type issuerPeek struct {
	Issuer string `json:"iss"`
}

// FromJWS verifies jwsCompact (resolving the signing key via PublicKey,
// Directory, or live issuer JWKS discovery, in that order) and parses the
// resulting payload into a Shc.
func (r *Reader) FromJWS(ctx context.Context, jwsCompact string) (*Shc, error) {
	pub := r.PublicKey

	if pub == nil {
		header, unverifiedPayload, err := jws.UnverifiedHeaderAndPayload(jwsCompact)
		if err != nil {
			return nil, err
		}

		var peek issuerPeek
		if err := json.Unmarshal(unverifiedPayload, &peek); err != nil {
			return nil, shcerr.Wrap(shcerr.KindPayloadValidation, "parse iss from payload", err)
		}
		if peek.Issuer == "" {
			return nil, shcerr.New(shcerr.KindPayloadValidation, "payload missing iss")
		}

		if r.Directory != nil {
			if found, ok := r.Directory.PublicKeyFor(peek.Issuer, header.KeyID); ok {
				pub = found
			}
		}

		if pub == nil {
			resolved, err := r.fetchKeyFromJWKS(ctx, peek.Issuer, header.KeyID)
			if err != nil {
				return nil, err
			}
			pub = resolved
		}
	}

	verified, err := jws.Verify(jwsCompact, pub, jws.VerifyOptions{VerifyExpiration: r.VerifyExpiration})
	if err != nil {
		return nil, err
	}

	payload, err := vc.Validate(verified.Payload)
	if err != nil {
		return nil, err
	}

	return &Shc{jws: jwsCompact, originalBundle: payload.VerifiableCredentials.CredentialSubject.FHIRBundle}, nil
}

func (r *Reader) fetchKeyFromJWKS(ctx context.Context, iss, kid string) (*stdecdsa.PublicKey, error) {
	url := iss + "/.well-known/jwks.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, shcerr.Wrap(shcerr.KindReaderConfig, "build JWKS request", err)
	}

	resp, err := r.httpClient().Do(req)
	if err != nil {
		return nil, shcerr.Wrap(shcerr.KindReaderConfig, "fetch issuer JWKS", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, shcerr.New(shcerr.KindReaderConfig, fmt.Sprintf("issuer JWKS fetch returned status %d", resp.StatusCode))
	}

	var set ecdsa.JWKSet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, shcerr.Wrap(shcerr.KindReaderConfig, "parse issuer JWKS", err)
	}

	for _, jwk := range set.Keys {
		if jwk.KeyID == kid {
			return ecdsa.PublicKeyFromJWK(jwk)
		}
	}

	return nil, shcerr.New(shcerr.KindReaderConfig, fmt.Sprintf("no JWKS key found for kid %q", kid))
}

type fileContent struct {
	VerifiableCredential []string `json:"verifiableCredential"`
}

// FromFileContent parses a SMART Health Card file (JSON or raw bytes of
// the same), taking its first verifiableCredential entry.
func (r *Reader) FromFileContent(ctx context.Context, data []byte) (*Shc, error) {
	var fc fileContent
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, shcerr.Wrap(shcerr.KindFileFormat, "parse SMART Health Card file", err)
	}
	if len(fc.VerifiableCredential) == 0 {
		return nil, shcerr.New(shcerr.KindFileFormat, "verifiableCredential array is empty")
	}
	return r.FromJWS(ctx, fc.VerifiableCredential[0])
}

// FromQRNumeric reassembles one or more scanned "shc:/..." QR payloads
// (C7) and parses the resulting JWS.
func (r *Reader) FromQRNumeric(ctx context.Context, chunks ...string) (*Shc, error) {
	jwsCompact, err := qrcode.Decode(chunks)
	if err != nil {
		return nil, err
	}
	return r.FromJWS(ctx, jwsCompact)
}

// Shc is a signed SMART Health Card: a compact JWS plus the original,
// untransformed FHIR Bundle it was issued from (or read back from
// payload).
type Shc struct {
	jws            string
	originalBundle fhirbundle.Bundle
}

// AsJWS returns the compact JWS.
func (s *Shc) AsJWS() string {
	return s.jws
}

// BundleOptions configures AsBundle.
type BundleOptions struct {
	OptimizeForQR    bool
	StrictReferences bool
}

// AsBundle returns the original bundle, optionally re-run through the
// QR-optimised transform.
func (s *Shc) AsBundle(opts BundleOptions) (fhirbundle.Bundle, error) {
	if opts.OptimizeForQR {
		return fhirbundle.OptimizeForQR(s.originalBundle, opts.StrictReferences)
	}
	return fhirbundle.Standard(s.originalBundle)
}

// AsQRNumeric chunks the JWS per C7, returning the raw "shc:/..." content
// string for each chunk in ascending index order.
func (s *Shc) AsQRNumeric(ec qrcode.ErrorCorrectionLevel) ([]string, error) {
	chunks, err := qrcode.Encode(s.jws, ec)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Data
	}
	return out, nil
}

// AsQR renders the JWS as one or more QR code PNG images in ascending
// chunk order.
func (s *Shc) AsQR(ec qrcode.ErrorCorrectionLevel) ([][]byte, error) {
	return qrcode.EncodePNGs(s.jws, ec)
}

// AsFileContent returns the SMART Health Card file JSON:
// {"verifiableCredential":[<jws>]}.
func (s *Shc) AsFileContent() (string, error) {
	b, err := json.Marshal(fileContent{VerifiableCredential: []string{s.jws}})
	if err != nil {
		return "", shcerr.Wrap(shcerr.KindFileFormat, "marshal SMART Health Card file", err)
	}
	return string(b), nil
}

// AsFileBlob returns the SMART Health Card file content and its MIME
// type, ready to be served or written as a .smart-health-card file.
func (s *Shc) AsFileBlob() ([]byte, string, error) {
	content, err := s.AsFileContent()
	if err != nil {
		return nil, "", err
	}
	return []byte(content), FileMIMEType, nil
}
