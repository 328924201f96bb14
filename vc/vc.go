// Package vc constructs and validates the SMART Health Card Verifiable
// Credential JWS payload: {iss, nbf, vc:{type, credentialSubject:{fhirVersion,
// fhirBundle}}}. See
// https://spec.smarthealth.cards/#health-cards-are-encoded-as-compact-serialization-json-web-signatures-jws.
package vc

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/amitkgupta/go-smarthealth/fhirbundle"
	"github.com/amitkgupta/go-smarthealth/shcerr"
)

// fhirVersionPattern is the exact format spec §4.6 requires for
// credentialSubject.fhirVersion: three dot-separated numeric groups, no
// pre-release or build metadata. Masterminds/semver's own parser is more
// lenient than this (it accepts "4.0", "v4.0.1", "4.0.1-rc1", etc.), so
// the pattern is checked first and semver.NewVersion only afterward, as
// a secondary well-formedness parse.
var fhirVersionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

func validateFHIRVersion(v string) error {
	if !fhirVersionPattern.MatchString(v) {
		return shcerr.New(shcerr.KindCredentialValidation, fmt.Sprintf("fhirVersion %q must match ^\\d+\\.\\d+\\.\\d+$", v))
	}
	if _, err := semver.NewVersion(v); err != nil {
		return shcerr.Wrap(shcerr.KindCredentialValidation, fmt.Sprintf("fhirVersion %q is not a valid semantic version", v), err)
	}
	return nil
}

// CanonicalType is the type every SMART Health Card Verifiable Credential
// must declare, per https://spec.smarthealth.cards/#every-health-card-must-have-a-credentialsubjecttype.
const CanonicalType = "https://smarthealth.cards#health-card"

// DefaultFHIRVersion is the fhirVersion this module targets absent an
// explicit override.
const DefaultFHIRVersion = "4.0.1"

// CredentialSubject is the vc.credentialSubject object: the FHIR version
// the embedded bundle conforms to, and the bundle itself.
type CredentialSubject struct {
	FHIRVersion string            `json:"fhirVersion"`
	FHIRBundle  fhirbundle.Bundle `json:"fhirBundle"`
}

// VerifiableCredential is the vc object nested inside the JWS payload.
type VerifiableCredential struct {
	Type              []string          `json:"type"`
	CredentialSubject CredentialSubject `json:"credentialSubject"`
}

// Payload is the full JWS payload: {iss, nbf, exp?, vc}. New sets exp
// only when Options.ExpirationTime is non-zero.
type Payload struct {
	Issuer                string                `json:"iss"`
	NotBefore             int64                 `json:"nbf"`
	Expiration            *int64                `json:"exp,omitempty"`
	VerifiableCredentials VerifiableCredential `json:"vc"`
}

// Options configures New.
type Options struct {
	// FHIRVersion defaults to DefaultFHIRVersion when empty.
	FHIRVersion string
	// AdditionalTypes are appended after CanonicalType in vc.type, e.g.
	// "https://smarthealth.cards#immunization".
	AdditionalTypes []string
	// ExpirationTime, if non-zero, sets the payload's exp field.
	ExpirationTime time.Time
}

// New builds the JWS payload for a health card issued by issuer over
// bundle, setting nbf to the current time.
func New(issuer string, bundle fhirbundle.Bundle, opts Options) (*Payload, error) {
	fhirVersion := opts.FHIRVersion
	if fhirVersion == "" {
		fhirVersion = DefaultFHIRVersion
	}
	if err := validateFHIRVersion(fhirVersion); err != nil {
		return nil, err
	}

	if err := fhirbundle.Validate(bundle); err != nil {
		return nil, err
	}

	types := append([]string{CanonicalType}, opts.AdditionalTypes...)

	p := &Payload{
		Issuer:    issuer,
		NotBefore: time.Now().Unix(),
		VerifiableCredentials: VerifiableCredential{
			Type: types,
			CredentialSubject: CredentialSubject{
				FHIRVersion: fhirVersion,
				FHIRBundle:  bundle,
			},
		},
	}
	if !opts.ExpirationTime.IsZero() {
		exp := opts.ExpirationTime.Unix()
		p.Expiration = &exp
	}

	return p, nil
}

// Validate checks that raw decodes to a well-formed health card payload:
// iss and vc are present, vc.type is non-empty and contains CanonicalType,
// credentialSubject.fhirVersion is a valid semantic version, and
// credentialSubject.fhirBundle is a valid Bundle. It returns the decoded
// Payload on success.
func Validate(raw []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, shcerr.Wrap(shcerr.KindCredentialValidation, "parse JWS payload", err)
	}

	if p.Issuer == "" {
		return nil, shcerr.New(shcerr.KindCredentialValidation, "payload missing iss")
	}

	types := p.VerifiableCredentials.Type
	if len(types) == 0 {
		return nil, shcerr.New(shcerr.KindCredentialValidation, "vc.type must be non-empty")
	}
	hasCanonical := false
	for _, t := range types {
		if t == CanonicalType {
			hasCanonical = true
			break
		}
	}
	if !hasCanonical {
		return nil, shcerr.New(shcerr.KindCredentialValidation, fmt.Sprintf("vc.type must include %q", CanonicalType))
	}

	fhirVersion := p.VerifiableCredentials.CredentialSubject.FHIRVersion
	if fhirVersion == "" {
		return nil, shcerr.New(shcerr.KindCredentialValidation, "credentialSubject.fhirVersion is required")
	}
	if err := validateFHIRVersion(fhirVersion); err != nil {
		return nil, err
	}

	if err := fhirbundle.Validate(p.VerifiableCredentials.CredentialSubject.FHIRBundle); err != nil {
		return nil, err
	}

	return &p, nil
}
