package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func writeTestBundleFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bundle.json")
	bundle := []byte(`{
		"resourceType": "Bundle",
		"type": "collection",
		"entry": [
			{"resource": {"resourceType": "Patient"}}
		]
	}`)
	assert.NoError(t, os.WriteFile(path, bundle, 0o644))
	return path
}

func writeTestKeyFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "key.json")
	assert.NoError(t, doKeygen(keygenCmdParams{outFile: path}))
	return path
}

func TestLoadIssuerKeyFromKeyFile(t *testing.T) {
	assert := assert.New(t)

	keyFile := writeTestKeyFile(t)
	key, err := loadIssuerKey(issueCmdParams{keyFile: keyFile})
	assert.NoError(err)
	assert.NotNil(key)
}

func TestLoadIssuerKeyFromRawParams(t *testing.T) {
	assert := assert.New(t)

	data, err := os.ReadFile(writeTestKeyFile(t))
	assert.NoError(err)
	var out keygenOutput
	assert.NoError(json.Unmarshal(data, &out))

	key, err := loadIssuerKey(issueCmdParams{keyD: out.D, keyX: out.X, keyY: out.Y})
	assert.NoError(err)
	assert.NotNil(key)
}

func TestLoadIssuerKeyRequiresKeySource(t *testing.T) {
	_, err := loadIssuerKey(issueCmdParams{})
	assert.Error(t, err)
}

func TestLoadIssuerKeyRejectsPartialRawParams(t *testing.T) {
	_, err := loadIssuerKey(issueCmdParams{keyD: "x"})
	assert.Error(t, err)
}

func TestDoIssueRequiresIssuer(t *testing.T) {
	err := doIssue(issueCmdParams{bundleFile: writeTestBundleFile(t)})
	assert.Error(t, err)
}

func TestDoIssueRequiresBundle(t *testing.T) {
	err := doIssue(issueCmdParams{issuer: "https://issuer.example.org"})
	assert.Error(t, err)
}

func TestDoIssueWritesFileBlob(t *testing.T) {
	assert := assert.New(t)

	outFile := filepath.Join(t.TempDir(), "card.smart-health-card")
	err := doIssue(issueCmdParams{
		issuer:     "https://issuer.example.org",
		bundleFile: writeTestBundleFile(t),
		keyFile:    writeTestKeyFile(t),
		outFile:    outFile,
	})
	assert.NoError(err)

	data, err := os.ReadFile(outFile)
	assert.NoError(err)

	var fc struct {
		VerifiableCredential []string `json:"verifiableCredential"`
	}
	assert.NoError(json.Unmarshal(data, &fc))
	assert.Len(fc.VerifiableCredential, 1)
}

func TestDoIssueWithExampleBundle(t *testing.T) {
	assert := assert.New(t)

	outFile := filepath.Join(t.TempDir(), "card.smart-health-card")
	err := doIssue(issueCmdParams{
		issuer:     "https://issuer.example.org",
		useExample: true,
		keyFile:    writeTestKeyFile(t),
		outFile:    outFile,
	})
	assert.NoError(err)

	data, err := os.ReadFile(outFile)
	assert.NoError(err)

	var fc struct {
		VerifiableCredential []string `json:"verifiableCredential"`
	}
	assert.NoError(json.Unmarshal(data, &fc))
	assert.Len(fc.VerifiableCredential, 1)
}

func TestDoIssueRejectsMalformedBundle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle.json")
	assert.NoError(t, os.WriteFile(path, []byte(`{"resourceType":"Patient"}`), 0o644))

	err := doIssue(issueCmdParams{
		issuer:     "https://issuer.example.org",
		bundleFile: path,
		keyFile:    writeTestKeyFile(t),
	})
	assert.Error(t, err)
}

func TestDoIssueHonorsDisableQROptimize(t *testing.T) {
	assert := assert.New(t)

	outFile := filepath.Join(t.TempDir(), "card.smart-health-card")
	err := doIssue(issueCmdParams{
		issuer:            "https://issuer.example.org",
		bundleFile:        writeTestBundleFile(t),
		keyFile:           writeTestKeyFile(t),
		outFile:           outFile,
		disableQROptimize: true,
	})
	assert.NoError(err)
	assert.FileExists(outFile)
}
