package shl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/amitkgupta/go-smarthealth/internal/numeric"
	"github.com/amitkgupta/go-smarthealth/jwe"
	"github.com/amitkgupta/go-smarthealth/shc"
	"github.com/amitkgupta/go-smarthealth/shcerr"
)

// manifestSchemaJSON is the structural JSON Schema (Draft 2020-12) every
// fetched manifest is validated against before being unmarshalled: each
// file descriptor must declare a supported contentType and exactly one of
// embedded/location. See https://json-schema.org/draft/2020-12 and
// https://docs.smarthealthit.org/smart-health-links/spec#fetch-a-shl-manifest.
const manifestSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "status": {"enum": ["finalized", "can-change", "no-longer-valid"]},
    "files": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "contentType": {"enum": ["application/smart-health-card", "application/fhir+json"]},
          "embedded": {"type": "string"},
          "location": {"type": "string"},
          "lastUpdated": {"type": "string"}
        },
        "required": ["contentType"],
        "oneOf": [
          {"required": ["embedded"], "not": {"required": ["location"]}},
          {"required": ["location"], "not": {"required": ["embedded"]}}
        ]
      }
    },
    "list": {"type": "object"}
  },
  "required": ["files"]
}`

var (
	manifestSchemaOnce sync.Once
	manifestSchema     *jsonschema.Schema
	manifestSchemaErr  error
)

func compiledManifestSchema() (*jsonschema.Schema, error) {
	manifestSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("manifest.json", strings.NewReader(manifestSchemaJSON)); err != nil {
			manifestSchemaErr = err
			return
		}
		manifestSchema, manifestSchemaErr = c.Compile("manifest.json")
	})
	return manifestSchema, manifestSchemaErr
}

func validateManifestShape(raw []byte) error {
	schema, err := compiledManifestSchema()
	if err != nil {
		return shcerr.Wrap(shcerr.KindShlManifest, "compile manifest schema", err)
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return shcerr.Wrap(shcerr.KindShlManifest, "parse manifest JSON", err)
	}
	if err := schema.Validate(v); err != nil {
		return shcerr.Wrap(shcerr.KindShlManifest, "manifest failed schema validation", err)
	}
	return nil
}

// HTTPDoer is the subset of *http.Client the viewer depends on, so tests
// can substitute a fake without standing up a server.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Viewer resolves an SHL URI: fetching its manifest (or direct file),
// decrypting every file, and classifying each as a SMART Health Card or a
// bare FHIR resource. See
// https://docs.smarthealthit.org/smart-health-links/spec#viewer-resolution-flow.
type Viewer struct {
	payload *Payload
	key     []byte
	Fetch   HTTPDoer
}

// New parses shlinkURI (C9) and returns a Viewer ready to Resolve it.
// fetch defaults to http.DefaultClient when nil.
func New(shlinkURI string, fetch HTTPDoer) (*Viewer, error) {
	payload, err := Parse(shlinkURI)
	if err != nil {
		return nil, err
	}

	key, err := numeric.Base64URLDecode(payload.Key)
	if err != nil {
		return nil, shcerr.Wrap(shcerr.KindShlFormat, "decode SHL key", err)
	}

	if fetch == nil {
		fetch = http.DefaultClient
	}

	return &Viewer{payload: payload, key: key, Fetch: fetch}, nil
}

// FHIRResource is a bare FHIR resource (not wrapped in a Bundle) resolved
// from an SHL manifest file.
type FHIRResource map[string]any

// ResolveOptions configures Resolve.
type ResolveOptions struct {
	Recipient         string
	Passcode          string
	EmbeddedLengthMax int
	// ShcReader, if set, is used (with VerifyExpiration/PublicKey/etc as
	// configured) to parse any embedded SMART Health Cards. If nil, a
	// default reader resolving keys via live JWKS discovery is used.
	ShcReader *shc.Reader
}

// ResolveResult is the outcome of a successful Resolve: the decrypted,
// classified contents of every manifest file (or the single direct
// file).
type ResolveResult struct {
	HasManifest      bool
	SmartHealthCards []*shc.Shc
	FHIRResources    []FHIRResource
}

// Resolve runs the full SHL resolution pipeline: recipient validation,
// expiration and passcode gating (both before any network call), the
// direct-file GET or manifest POST, manifest shape validation, per-file
// decryption, and content classification.
func (v *Viewer) Resolve(ctx context.Context, opts ResolveOptions) (*ResolveResult, error) {
	recipient := strings.TrimSpace(opts.Recipient)
	if recipient == "" {
		return nil, shcerr.New(shcerr.KindShlViewer, "recipient is required")
	}

	if v.payload.Exp != nil && *v.payload.Exp < time.Now().Unix() {
		return nil, shcerr.New(shcerr.KindShlExpired, "SHL has expired")
	}
	if v.payload.RequiresPasscode() && opts.Passcode == "" {
		return nil, shcerr.New(shcerr.KindShlInvalidPasscode, "passcode is required")
	}

	if v.payload.IsDirectFile() {
		return v.resolveDirectFile(ctx, recipient, opts)
	}
	return v.resolveManifest(ctx, recipient, opts)
}

func (v *Viewer) resolveDirectFile(ctx context.Context, recipient string, opts ResolveOptions) (*ResolveResult, error) {
	u, err := url.Parse(v.payload.URL)
	if err != nil {
		return nil, shcerr.Wrap(shcerr.KindShlFormat, "parse direct file url", err)
	}
	q := u.Query()
	q.Set("recipient", recipient)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, shcerr.Wrap(shcerr.KindShlNetwork, "build direct file request", err)
	}

	body, err := v.doAndMapStatus(req)
	if err != nil {
		return nil, err
	}

	decrypted, err := jwe.Decrypt(string(body), v.key)
	if err != nil {
		return nil, err
	}

	result := &ResolveResult{HasManifest: false}
	if err := v.classify(ctx, decrypted, "", opts, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (v *Viewer) resolveManifest(ctx context.Context, recipient string, opts ResolveOptions) (*ResolveResult, error) {
	reqBody := map[string]any{"recipient": recipient}
	if opts.Passcode != "" {
		reqBody["passcode"] = opts.Passcode
	}
	if opts.EmbeddedLengthMax != 0 {
		reqBody["embeddedLengthMax"] = opts.EmbeddedLengthMax
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, shcerr.Wrap(shcerr.KindShlNetwork, "marshal manifest request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.payload.URL, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, shcerr.Wrap(shcerr.KindShlNetwork, "build manifest request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := v.doAndMapStatus(req)
	if err != nil {
		return nil, err
	}

	if err := validateManifestShape(body); err != nil {
		return nil, err
	}

	var manifest Manifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		return nil, shcerr.Wrap(shcerr.KindShlManifest, "parse manifest JSON", err)
	}

	for _, f := range manifest.Files {
		if f.Location != "" {
			if _, err := url.ParseRequestURI(f.Location); err != nil {
				return nil, shcerr.New(shcerr.KindShlManifest, "file location is not a parseable URL")
			}
		}
	}

	result := &ResolveResult{HasManifest: true}
	for _, f := range manifest.Files {
		ciphertext, err := v.fetchDescriptorCiphertext(ctx, f)
		if err != nil {
			return nil, err
		}

		decrypted, err := jwe.Decrypt(string(ciphertext), v.key)
		if err != nil {
			return nil, err
		}
		if ContentType(decrypted.ContentType) != f.ContentType {
			return nil, shcerr.New(shcerr.KindShlManifest, fmt.Sprintf("descriptor contentType %q does not match decrypted cty %q", f.ContentType, decrypted.ContentType))
		}

		if err := v.classify(ctx, decrypted, f.ContentType, opts, result); err != nil {
			return nil, err
		}
	}

	return result, nil
}

func (v *Viewer) fetchDescriptorCiphertext(ctx context.Context, f ManifestFileDescriptor) ([]byte, error) {
	if f.Embedded != "" {
		return []byte(f.Embedded), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.Location, nil)
	if err != nil {
		return nil, shcerr.Wrap(shcerr.KindShlNetwork, "build located file request", err)
	}
	resp, err := v.Fetch.Do(req)
	if err != nil {
		return nil, shcerr.Wrap(shcerr.KindShlNetwork, "fetch located file", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, shcerr.New(shcerr.KindShlNetwork, fmt.Sprintf("located file fetch returned status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, shcerr.Wrap(shcerr.KindShlNetwork, "read located file response", err)
	}
	return data, nil
}

func (v *Viewer) doAndMapStatus(req *http.Request) ([]byte, error) {
	resp, err := v.Fetch.Do(req)
	if err != nil {
		return nil, shcerr.Wrap(shcerr.KindShlNetwork, "perform request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, shcerr.Wrap(shcerr.KindShlNetwork, "read response body", err)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return nil, shcerr.New(shcerr.KindShlInvalidPasscode, "invalid passcode")
	case http.StatusNotFound:
		return nil, shcerr.New(shcerr.KindShlManifestNotFound, "manifest not found")
	case http.StatusTooManyRequests:
		return nil, shcerr.New(shcerr.KindShlManifestRateLimit, "rate limited")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, shcerr.New(shcerr.KindShlNetwork, fmt.Sprintf("request returned status %d", resp.StatusCode))
	}

	return body, nil
}

type fileContentPeek struct {
	VerifiableCredential []string `json:"verifiableCredential"`
	ResourceType         string   `json:"resourceType"`
}

func (v *Viewer) classify(ctx context.Context, decrypted *jwe.Decrypted, declaredType ContentType, opts ResolveOptions, result *ResolveResult) error {
	cty := declaredType
	if cty == "" {
		var peek fileContentPeek
		if err := json.Unmarshal(decrypted.Plaintext, &peek); err == nil {
			switch {
			case len(peek.VerifiableCredential) > 0:
				cty = ContentTypeHealthCard
			case peek.ResourceType != "":
				cty = ContentTypeFHIRResource
			}
		}
		if cty == "" {
			return shcerr.New(shcerr.KindShlInvalidContent, "cannot classify file: no contentType declared and content shape is unrecognised")
		}
	}

	switch cty {
	case ContentTypeHealthCard:
		var fc fileContentPeek
		if err := json.Unmarshal(decrypted.Plaintext, &fc); err != nil {
			return shcerr.Wrap(shcerr.KindShlInvalidContent, "parse SMART Health Card file", err)
		}
		if len(fc.VerifiableCredential) == 0 {
			return shcerr.New(shcerr.KindShlInvalidContent, "verifiableCredential array is empty")
		}

		reader := opts.ShcReader
		if reader == nil {
			reader = shc.NewReader()
		}
		for _, jwsCompact := range fc.VerifiableCredential {
			card, err := reader.FromJWS(ctx, jwsCompact)
			if err != nil {
				return err
			}
			result.SmartHealthCards = append(result.SmartHealthCards, card)
		}

	case ContentTypeFHIRResource:
		var resource FHIRResource
		if err := json.Unmarshal(decrypted.Plaintext, &resource); err != nil {
			return shcerr.Wrap(shcerr.KindShlInvalidContent, "parse FHIR resource file", err)
		}
		if _, ok := resource["resourceType"].(string); !ok {
			return shcerr.New(shcerr.KindShlInvalidContent, "FHIR resource file missing resourceType")
		}
		result.FHIRResources = append(result.FHIRResources, resource)

	default:
		return shcerr.New(shcerr.KindShlInvalidContent, fmt.Sprintf("unsupported contentType %q", cty))
	}

	return nil
}
