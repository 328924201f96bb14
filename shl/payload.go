// Package shl implements SMART Health Links: URI encode/decode (this
// file), manifest building, and manifest resolution. See
// https://docs.smarthealthit.org/smart-health-links/spec.
package shl

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/amitkgupta/go-smarthealth/internal/numeric"
	"github.com/amitkgupta/go-smarthealth/shcerr"
)

const (
	uriScheme      = "shlink:/"
	fragmentMarker = "#" + uriScheme
	entropyBytes   = 32 // 43 base64url chars
	keyBytes       = 32
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{43}$`)

// Flag is one of the SMART Health Link flag letters.
type Flag byte

const (
	// FlagLongTerm ('L') marks a link as reusable/long-lived.
	FlagLongTerm Flag = 'L'
	// FlagPasscode ('P') marks a link as passcode-protected.
	FlagPasscode Flag = 'P'
	// FlagDirectFile ('U') marks a link as referencing a single encrypted
	// file directly, rather than a manifest.
	FlagDirectFile Flag = 'U'
)

// flagOrder is the canonical ordering (L, then P, then U) the flag field
// must preserve regardless of the order callers request.
var flagOrder = []Flag{FlagLongTerm, FlagPasscode, FlagDirectFile}

// Payload is the decoded SHL payload: {url, key, exp?, flag?, label?, v?}.
type Payload struct {
	URL   string `json:"url"`
	Key   string `json:"key"`
	Exp   *int64 `json:"exp,omitempty"`
	Flag  string `json:"flag,omitempty"`
	Label string `json:"label,omitempty"`
	V     *int   `json:"v,omitempty"`
}

// GenerateOptions configures Generate.
type GenerateOptions struct {
	// BaseManifestURL is the scheme+host (and optional path prefix) the
	// manifest is served from, e.g. "https://shl.example.org".
	BaseManifestURL string
	// ManifestPath is appended after the entropy segment, e.g.
	// "manifest.json". May be empty, in which case url ends with "/"
	// right after the entropy segment.
	ManifestPath string
	// Flags are included in any order; Generate canonicalises them to
	// L, P, U order.
	Flags []Flag
	// Label is an optional human-readable description, at most 80 chars.
	Label string
	// Exp is an optional expiration, epoch seconds.
	Exp *int64
	// V, if set, is the payload version field.
	V *int
}

// Generate builds a fresh ShlPayload: 32 bytes of entropy (43 base64url
// chars) forming the second-to-last path segment of the manifest URL, and
// a freshly generated 32-byte encryption key.
func Generate(opts GenerateOptions) (*Payload, error) {
	entropy, err := randomBase64URL(entropyBytes)
	if err != nil {
		return nil, err
	}
	key, err := randomBase64URL(keyBytes)
	if err != nil {
		return nil, err
	}

	url := joinManifestURL(opts.BaseManifestURL, entropy, opts.ManifestPath)

	p := &Payload{
		URL:   url,
		Key:   key,
		Flag:  canonicalFlags(opts.Flags),
		Label: opts.Label,
		Exp:   opts.Exp,
		V:     opts.V,
	}

	if err := Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

func joinManifestURL(base, entropy, manifestPath string) string {
	base = strings.TrimRight(base, "/")
	manifestPath = strings.TrimLeft(manifestPath, "/")

	if manifestPath == "" {
		return base + "/" + entropy + "/"
	}
	return base + "/" + entropy + "/" + manifestPath
}

func canonicalFlags(flags []Flag) string {
	present := map[Flag]bool{}
	for _, f := range flags {
		present[f] = true
	}
	var sb strings.Builder
	for _, f := range flagOrder {
		if present[f] {
			sb.WriteByte(byte(f))
		}
	}
	return sb.String()
}

func randomBase64URL(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", shcerr.Wrap(shcerr.KindShlEncryption, "generate random bytes", err)
	}
	return numeric.Base64URLEncode(b), nil
}

// Validate checks the §3 constraints on a decoded/constructed payload.
func Validate(p *Payload) error {
	if p.URL == "" {
		return shcerr.New(shcerr.KindShlFormat, "url is required")
	}
	if !keyPattern.MatchString(p.Key) {
		return shcerr.New(shcerr.KindShlFormat, "key must be 43 base64url characters")
	}
	if len(p.Label) > 80 {
		return shcerr.New(shcerr.KindShlFormat, "label must be at most 80 characters")
	}
	for _, c := range p.Flag {
		switch Flag(c) {
		case FlagLongTerm, FlagPasscode, FlagDirectFile:
		default:
			return shcerr.New(shcerr.KindShlFormat, fmt.Sprintf("unrecognised flag %q", c))
		}
	}
	return nil
}

// ToURI serialises p as "shlink:/<base64url(minified JSON)>".
func (p *Payload) ToURI() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", shcerr.Wrap(shcerr.KindShlFormat, "marshal SHL payload", err)
	}
	return uriScheme + numeric.Base64URLEncode(data), nil
}

// Parse decodes an SHL URI, stripping a leading "...#shlink:/" fragment
// marker if present, and validates the result.
func Parse(uri string) (*Payload, error) {
	if idx := strings.Index(uri, fragmentMarker); idx >= 0 {
		uri = uri[idx+1:] // keep from "shlink:/" onward
	}

	if !strings.HasPrefix(uri, uriScheme) {
		return nil, shcerr.New(shcerr.KindShlFormat, fmt.Sprintf("uri must start with %q (optionally after a %q fragment marker)", uriScheme, fragmentMarker))
	}

	data, err := numeric.Base64URLDecode(uri[len(uriScheme):])
	if err != nil {
		return nil, shcerr.Wrap(shcerr.KindShlFormat, "decode SHL payload", err)
	}

	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, shcerr.Wrap(shcerr.KindShlFormat, "parse SHL payload JSON", err)
	}

	if err := Validate(&p); err != nil {
		return nil, err
	}

	return &p, nil
}

// RequiresPasscode reports whether p's flag field includes 'P'.
func (p *Payload) RequiresPasscode() bool {
	return strings.ContainsRune(p.Flag, rune(FlagPasscode))
}

// IsLongTerm reports whether p's flag field includes 'L'.
func (p *Payload) IsLongTerm() bool {
	return strings.ContainsRune(p.Flag, rune(FlagLongTerm))
}

// IsDirectFile reports whether p's flag field includes 'U': resolution is
// a GET of url rather than a manifest POST.
func (p *Payload) IsDirectFile() bool {
	return strings.ContainsRune(p.Flag, rune(FlagDirectFile))
}

// ManifestID is the 43-char base64url entropy segment identifying this
// SHL: the parent (second-to-last) path segment of url, per Generate's
// URL construction.
func (p *Payload) ManifestID() (string, error) {
	segments := strings.Split(p.URL, "/")
	if len(segments) < 2 {
		return "", shcerr.New(shcerr.KindShlFormat, "url has no parent path segment")
	}

	id := segments[len(segments)-2]
	if !keyPattern.MatchString(id) {
		return "", shcerr.New(shcerr.KindShlFormat, "url's parent path segment is not a 43-character base64url entropy value")
	}
	return id, nil
}
