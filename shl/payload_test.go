package shl

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateProducesValidPayload(t *testing.T) {
	assert := assert.New(t)

	exp := int64(1700000000)
	p, err := Generate(GenerateOptions{
		BaseManifestURL: "https://shl.example.org",
		ManifestPath:    "manifest.json",
		Flags:           []Flag{FlagPasscode, FlagLongTerm},
		Label:           "COVID-19 immunization record",
		Exp:             &exp,
	})
	assert.NoError(err)
	assert.NoError(Validate(p))

	assert.Equal("LP", p.Flag) // canonical L-then-P order regardless of input order
	assert.True(p.IsLongTerm())
	assert.True(p.RequiresPasscode())
	assert.False(p.IsDirectFile())
	assert.Contains(p.URL, "https://shl.example.org/")
	assert.Contains(p.URL, "/manifest.json")
}

func TestGenerateWithoutManifestPath(t *testing.T) {
	p, err := Generate(GenerateOptions{BaseManifestURL: "https://shl.example.org"})
	assert.NoError(t, err)

	id, err := p.ManifestID()
	assert.NoError(t, err)
	assert.True(t, keyPattern.MatchString(id))
}

func TestGenerateRejectsOverlongLabel(t *testing.T) {
	_, err := Generate(GenerateOptions{
		BaseManifestURL: "https://shl.example.org",
		Label:           string(make([]byte, 81)),
	})
	assert.Error(t, err)
}

func TestToURIAndParseRoundTrip(t *testing.T) {
	assert := assert.New(t)

	p, err := Generate(GenerateOptions{BaseManifestURL: "https://shl.example.org", Flags: []Flag{FlagDirectFile}})
	assert.NoError(err)

	uri, err := p.ToURI()
	assert.NoError(err)
	assert.True(len(uri) > len(uriScheme))

	parsed, err := Parse(uri)
	assert.NoError(err)
	assert.Equal(p.URL, parsed.URL)
	assert.Equal(p.Key, parsed.Key)
	assert.True(parsed.IsDirectFile())
}

func TestParseStripsFragmentMarker(t *testing.T) {
	assert := assert.New(t)

	p, err := Generate(GenerateOptions{BaseManifestURL: "https://shl.example.org"})
	assert.NoError(err)
	uri, err := p.ToURI()
	assert.NoError(err)

	wrapped := "https://viewer.example.org/launch#" + uri

	parsed, err := Parse(wrapped)
	assert.NoError(err)
	assert.Equal(p.URL, parsed.URL)
}

func TestParseRejectsMissingScheme(t *testing.T) {
	_, err := Parse("not-a-shlink")
	assert.Error(t, err)
}

func TestParseRejectsMalformedPayload(t *testing.T) {
	_, err := Parse(uriScheme + "not-base64url!!!")
	assert.Error(t, err)
}

func TestValidateRejectsEmptyURL(t *testing.T) {
	err := Validate(&Payload{Key: "A"})
	assert.Error(t, err)
}

func TestValidateRejectsMalformedKey(t *testing.T) {
	err := Validate(&Payload{URL: "https://shl.example.org/abc", Key: "too-short"})
	assert.Error(t, err)
}

func TestValidateRejectsUnrecognisedFlag(t *testing.T) {
	p, err := Generate(GenerateOptions{BaseManifestURL: "https://shl.example.org"})
	assert.NoError(t, err)
	p.Flag = "Z"
	assert.Error(t, Validate(p))
}

func TestManifestIDMatchesURLSegment(t *testing.T) {
	assert := assert.New(t)

	p, err := Generate(GenerateOptions{BaseManifestURL: "https://shl.example.org", ManifestPath: "manifest.json"})
	assert.NoError(err)

	id, err := p.ManifestID()
	assert.NoError(err)

	segments := len(p.URL)
	assert.Greater(segments, 0)
	assert.Contains(p.URL, "/"+id+"/manifest.json")
}

func TestManifestIDRejectsMalformedURL(t *testing.T) {
	p := &Payload{URL: "https://shl.example.org", Key: "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"}
	_, err := p.ManifestID()
	assert.Error(t, err)
}

func TestFlagPredicatesDefaultFalse(t *testing.T) {
	assert := assert.New(t)

	p, err := Generate(GenerateOptions{BaseManifestURL: "https://shl.example.org"})
	assert.NoError(err)
	assert.False(p.IsLongTerm())
	assert.False(p.RequiresPasscode())
	assert.False(p.IsDirectFile())
}
