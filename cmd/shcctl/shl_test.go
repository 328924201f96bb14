package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/amitkgupta/go-smarthealth/shl"
)

func TestDoShlBuildRequiresBaseURL(t *testing.T) {
	err := doShlBuild(shlBuildCmdParams{cardFiles: []string{writeTestBundleFile(t)}})
	assert.Error(t, err)
}

func TestDoShlBuildRequiresAtLeastOneFile(t *testing.T) {
	err := doShlBuild(shlBuildCmdParams{baseURL: "https://shl.example.org"})
	assert.Error(t, err)
}

func TestDoShlBuildWritesURIAndManifest(t *testing.T) {
	assert := assert.New(t)

	cardFile, _ := issueTestCardFile(t)
	dir := t.TempDir()
	uriOut := filepath.Join(dir, "uri.txt")
	manifestOut := filepath.Join(dir, "manifest.json")

	err := doShlBuild(shlBuildCmdParams{
		baseURL:     "https://shl.example.org",
		storageDir:  filepath.Join(dir, "storage"),
		cardFiles:   []string{cardFile},
		compress:    true,
		uriOut:      uriOut,
		manifestOut: manifestOut,
	})
	assert.NoError(err)

	uriData, err := os.ReadFile(uriOut)
	assert.NoError(err)
	assert.Contains(string(uriData), "shlink:/")

	manifestData, err := os.ReadFile(manifestOut)
	assert.NoError(err)
	var manifest shl.Manifest
	assert.NoError(json.Unmarshal(manifestData, &manifest))
	assert.Len(manifest.Files, 1)
}

func TestDoShlBuildWithFHIRResourceFile(t *testing.T) {
	assert := assert.New(t)

	resourceFile := filepath.Join(t.TempDir(), "resource.json")
	assert.NoError(os.WriteFile(resourceFile, []byte(`{"resourceType":"Patient"}`), 0o644))

	dir := t.TempDir()
	err := doShlBuild(shlBuildCmdParams{
		baseURL:    "https://shl.example.org",
		storageDir: filepath.Join(dir, "storage"),
		fhirFiles:  []string{resourceFile},
		compress:   true,
		uriOut:     filepath.Join(dir, "uri.txt"),
	})
	assert.NoError(err)
}

func TestDoShlBuildRejectsMissingCardFile(t *testing.T) {
	dir := t.TempDir()
	err := doShlBuild(shlBuildCmdParams{
		baseURL:    "https://shl.example.org",
		storageDir: filepath.Join(dir, "storage"),
		cardFiles:  []string{filepath.Join(dir, "does-not-exist.smart-health-card")},
		uriOut:     filepath.Join(dir, "uri.txt"),
	})
	assert.Error(t, err)
}

func TestDoShlResolveRequiresURI(t *testing.T) {
	err := doShlResolve(shlResolveCmdParams{recipient: "Dr. Smith"})
	assert.Error(t, err)
}

func TestDoShlResolveRequiresRecipient(t *testing.T) {
	err := doShlResolve(shlResolveCmdParams{uri: "shlink:/x"})
	assert.Error(t, err)
}

func TestDoShlBuildThenResolveRoundTrip(t *testing.T) {
	assert := assert.New(t)

	var manifestJSON []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(manifestJSON)
	}))
	defer srv.Close()

	dir := t.TempDir()
	resourceFile := filepath.Join(dir, "resource.json")
	assert.NoError(os.WriteFile(resourceFile, []byte(`{"resourceType":"Patient"}`), 0o644))

	uriOut := filepath.Join(dir, "uri.txt")
	manifestOut := filepath.Join(dir, "manifest.json")

	assert.NoError(doShlBuild(shlBuildCmdParams{
		baseURL:     srv.URL,
		storageDir:  filepath.Join(dir, "storage"),
		fhirFiles:   []string{resourceFile},
		compress:    true,
		uriOut:      uriOut,
		manifestOut: manifestOut,
	}))

	var err error
	manifestJSON, err = os.ReadFile(manifestOut)
	assert.NoError(err)

	uriData, err := os.ReadFile(uriOut)
	assert.NoError(err)

	outDir := filepath.Join(dir, "resolved")
	assert.NoError(doShlResolve(shlResolveCmdParams{
		uri:       string(uriData[:len(uriData)-1]),
		recipient: "Dr. Smith",
		outDir:    outDir,
	}))

	assert.FileExists(filepath.Join(outDir, "resource-0.json"))
}
