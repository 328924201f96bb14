package ecdsa

import (
	"encoding/json"
	"testing"

	"github.com/go-test/deep"
	"github.com/stretchr/testify/assert"
)

func TestGenerateKeyLoadKeyRoundTrip(t *testing.T) {
	assert := assert.New(t)

	key, err := GenerateKey()
	assert.NoError(err)

	d, x, y, err := Params(key)
	assert.NoError(err)

	reloaded, err := LoadKey(d, x, y)
	assert.NoError(err)

	assert.Equal(0, key.D.Cmp(reloaded.D))
	assert.Equal(0, key.X.Cmp(reloaded.X))
	assert.Equal(0, key.Y.Cmp(reloaded.Y))
}

func TestLoadKeyRejectsMalformedParams(t *testing.T) {
	_, err := LoadKey("not-a-number", "0", "0")
	assert.Error(t, err)
}

func TestPublicJWKAndThumbprintAreStable(t *testing.T) {
	assert := assert.New(t)

	key, err := GenerateKey()
	assert.NoError(err)

	jwk1 := PublicJWK(key)
	jwk2 := PublicJWK(key)

	if diff := deep.Equal(jwk1, jwk2); diff != nil {
		t.Error(diff)
	}
	assert.Equal("EC", jwk1.KeyType)
	assert.Equal("P-256", jwk1.Curve)
	assert.Equal("ES256", jwk1.Algorithm)
	assert.NotEmpty(jwk1.KeyID)
}

func TestThumbprintDiffersAcrossKeys(t *testing.T) {
	assert := assert.New(t)

	key1, err := GenerateKey()
	assert.NoError(err)
	key2, err := GenerateKey()
	assert.NoError(err)

	assert.NotEqual(Thumbprint(&key1.PublicKey), Thumbprint(&key2.PublicKey))
}

func TestPublicKeyFromJWKRoundTrip(t *testing.T) {
	assert := assert.New(t)

	key, err := GenerateKey()
	assert.NoError(err)

	jwk := PublicJWK(key)
	pub, err := PublicKeyFromJWK(jwk)
	assert.NoError(err)

	assert.Equal(0, key.X.Cmp(pub.X))
	assert.Equal(0, key.Y.Cmp(pub.Y))
}

func TestPublicKeyFromJWKRejectsWrongCurve(t *testing.T) {
	_, err := PublicKeyFromJWK(JWK{KeyType: "EC", Curve: "P-384", X: "AA", Y: "AA"})
	assert.Error(t, err)
}

func TestJWKSJSONContainsPublicKey(t *testing.T) {
	assert := assert.New(t)

	key, err := GenerateKey()
	assert.NoError(err)

	data, err := JWKSJSON(key)
	assert.NoError(err)

	var set JWKSet
	assert.NoError(json.Unmarshal(data, &set))
	assert.Len(set.Keys, 1)
	assert.Equal(Thumbprint(&key.PublicKey), set.Keys[0].KeyID)
}
