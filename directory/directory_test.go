package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	myecdsa "github.com/amitkgupta/go-smarthealth/ecdsa"
)

func mustGenerateJWK(t *testing.T) myecdsa.JWK {
	t.Helper()
	key, err := myecdsa.GenerateKey()
	assert.NoError(t, err)
	return myecdsa.PublicJWK(key)
}

func snapshotJSON(t *testing.T, entries ...snapshotIssuer) []byte {
	t.Helper()
	data, err := json.Marshal(snapshotDoc{IssuerInfo: entries})
	assert.NoError(t, err)
	return data
}

func TestFromSnapshotBasic(t *testing.T) {
	assert := assert.New(t)

	jwk := mustGenerateJWK(t)
	doc := snapshotJSON(t, snapshotIssuer{
		Issuer: struct {
			Iss string `json:"iss"`
		}{Iss: "https://issuer.example.org"},
		Keys: []snapshotKey{{JWK: jwk, CrlVersion: 1}},
		Crls: []snapshotCrl{{Kid: jwk.KeyID, Ctr: 2, Rids: []string{"rid1.2021-01-01", "rid2"}}},
	})

	d, err := FromSnapshot(doc)
	assert.NoError(err)

	entry, ok := d.ByIss("https://issuer.example.org")
	assert.True(ok)
	assert.Len(entry.Keys, 1)
	assert.Equal(1, entry.Keys[jwk.KeyID].CrlVersion)

	crl := entry.Crls[jwk.KeyID]
	assert.Equal(2, crl.Ctr)
	assert.True(crl.Rids["rid1"])
	assert.Equal("2021-01-01", crl.RidsTimestamps["rid1"])
	assert.True(crl.Rids["rid2"])
	assert.Empty(crl.RidsTimestamps["rid2"])
}

func TestFromSnapshotMergesDuplicateIssuerEntries(t *testing.T) {
	assert := assert.New(t)

	jwk := mustGenerateJWK(t)
	issuerField := struct {
		Iss string `json:"iss"`
	}{Iss: "https://issuer.example.org"}

	doc := snapshotJSON(t,
		snapshotIssuer{Issuer: issuerField, Keys: []snapshotKey{{JWK: jwk, CrlVersion: 1}}},
		snapshotIssuer{Issuer: issuerField, Crls: []snapshotCrl{{Kid: jwk.KeyID, Ctr: 5, Rids: nil}}},
	)

	d, err := FromSnapshot(doc)
	assert.NoError(err)

	entry, ok := d.ByIss("https://issuer.example.org")
	assert.True(ok)
	assert.Len(entry.Keys, 1)
	assert.Equal(5, entry.Crls[jwk.KeyID].Ctr)
}

func TestFromSnapshotKeepsHighestCrlVersionOnKeyCollision(t *testing.T) {
	assert := assert.New(t)

	jwk := mustGenerateJWK(t)
	issuerField := struct {
		Iss string `json:"iss"`
	}{Iss: "https://issuer.example.org"}

	doc := snapshotJSON(t,
		snapshotIssuer{Issuer: issuerField, Keys: []snapshotKey{{JWK: jwk, CrlVersion: 1}}},
		snapshotIssuer{Issuer: issuerField, Keys: []snapshotKey{{JWK: jwk, CrlVersion: 7}}},
	)

	d, err := FromSnapshot(doc)
	assert.NoError(err)

	entry, _ := d.ByIss("https://issuer.example.org")
	assert.Equal(7, entry.Keys[jwk.KeyID].CrlVersion)
}

func TestFromSnapshotKeepsHighestCtrOnCrlCollision(t *testing.T) {
	assert := assert.New(t)

	jwk := mustGenerateJWK(t)
	issuerField := struct {
		Iss string `json:"iss"`
	}{Iss: "https://issuer.example.org"}

	doc := snapshotJSON(t,
		snapshotIssuer{Issuer: issuerField, Crls: []snapshotCrl{{Kid: jwk.KeyID, Ctr: 3}}},
		snapshotIssuer{Issuer: issuerField, Crls: []snapshotCrl{{Kid: jwk.KeyID, Ctr: 1}}},
	)

	d, err := FromSnapshot(doc)
	assert.NoError(err)

	entry, _ := d.ByIss("https://issuer.example.org")
	assert.Equal(3, entry.Crls[jwk.KeyID].Ctr)
}

func TestFromSnapshotRejectsMalformedJSON(t *testing.T) {
	_, err := FromSnapshot([]byte(`not json`))
	assert.Error(t, err)
}

func TestPublicKeyForResolvesIssuerAndKid(t *testing.T) {
	assert := assert.New(t)

	jwk := mustGenerateJWK(t)
	doc := snapshotJSON(t, snapshotIssuer{
		Issuer: struct {
			Iss string `json:"iss"`
		}{Iss: "https://issuer.example.org"},
		Keys: []snapshotKey{{JWK: jwk}},
	})
	d, err := FromSnapshot(doc)
	assert.NoError(err)

	pub, ok := d.PublicKeyFor("https://issuer.example.org", jwk.KeyID)
	assert.True(ok)
	assert.NotNil(pub)
}

func TestPublicKeyForUnknownIssuerOrKid(t *testing.T) {
	assert := assert.New(t)

	d := FromIssuerEntries(map[string]IssuerEntry{})
	_, ok := d.PublicKeyFor("https://unknown.example.org", "kid")
	assert.False(ok)
}

func TestFromIssuerEntriesAndIssuerEntriesRoundTrip(t *testing.T) {
	assert := assert.New(t)

	entries := map[string]IssuerEntry{
		"https://issuer.example.org": {Keys: map[string]IssuerKey{}, Crls: map[string]IssuerCrl{}},
	}
	d := FromIssuerEntries(entries)
	assert.Equal(entries, d.IssuerEntries())
}

func TestFetchSkipsFailingIssuersAndKeepsGoodOnes(t *testing.T) {
	assert := assert.New(t)

	jwk := mustGenerateJWK(t)

	goodServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/.well-known/jwks.json":
			data, _ := json.Marshal(myecdsa.JWKSet{Keys: []myecdsa.JWK{jwk}})
			w.Write(data)
		case "/.well-known/crl/" + jwk.KeyID + ".json":
			data, _ := json.Marshal(map[string]any{"kid": jwk.KeyID, "ctr": 1, "rids": []string{"rid1"}})
			w.Write(data)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer goodServer.Close()

	badServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer badServer.Close()

	d, err := Fetch(context.Background(), []string{goodServer.URL, badServer.URL}, FetchOptions{})
	assert.NoError(err)

	goodEntry, ok := d.ByIss(goodServer.URL)
	assert.True(ok)
	assert.Len(goodEntry.Keys, 1)
	assert.Equal(1, goodEntry.Crls[jwk.KeyID].Ctr)

	badEntry, ok := d.ByIss(badServer.URL)
	assert.False(ok)
	assert.Empty(badEntry.Keys)
}

func TestFetchSkipsCrlFailureButKeepsKey(t *testing.T) {
	assert := assert.New(t)

	jwk := mustGenerateJWK(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/.well-known/jwks.json":
			data, _ := json.Marshal(myecdsa.JWKSet{Keys: []myecdsa.JWK{jwk}})
			w.Write(data)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	d, err := Fetch(context.Background(), []string{server.URL}, FetchOptions{})
	assert.NoError(err)

	entry, ok := d.ByIss(server.URL)
	assert.True(ok)
	assert.Len(entry.Keys, 1)
	assert.Empty(entry.Crls)
}
