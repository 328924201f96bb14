package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDoKeygenWritesJSONToStdout(t *testing.T) {
	assert := assert.New(t)

	err := doKeygen(keygenCmdParams{})
	assert.NoError(err)
}

func TestDoKeygenWritesJSONToFile(t *testing.T) {
	assert := assert.New(t)

	outFile := filepath.Join(t.TempDir(), "key.json")
	err := doKeygen(keygenCmdParams{outFile: outFile})
	assert.NoError(err)

	data, err := os.ReadFile(outFile)
	assert.NoError(err)

	var out keygenOutput
	assert.NoError(json.Unmarshal(data, &out))
	assert.NotEmpty(out.D)
	assert.NotEmpty(out.X)
	assert.NotEmpty(out.Y)
	assert.NotEmpty(out.PublicJWK.Kid)
	assert.Len(out.JWKS.Keys, 1)
	assert.Equal(out.PublicJWK.Kid, out.JWKS.Keys[0].Kid)
}

func TestDoKeygenFilePermissionsAreRestrictive(t *testing.T) {
	assert := assert.New(t)

	outFile := filepath.Join(t.TempDir(), "key.json")
	assert.NoError(doKeygen(keygenCmdParams{outFile: outFile}))

	info, err := os.Stat(outFile)
	assert.NoError(err)
	assert.Equal(os.FileMode(0o600), info.Mode().Perm())
}
