// Package directory maintains an immutable in-memory snapshot of issuer
// signing keys and certificate revocation lists, built either from a
// published snapshot document or by fetching a list of issuer URLs. See
// https://spec.smarthealth.cards/#determining-keys-associated-with-an-issuer
// and https://spec.smarthealth.cards/#new-in-version-1-revocation.
package directory

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	myecdsa "github.com/amitkgupta/go-smarthealth/ecdsa"
	"github.com/amitkgupta/go-smarthealth/shcerr"
)

// IssuerKey is a JWK belonging to an issuer, with an optional crlVersion
// used to de-duplicate across merged snapshot entries.
type IssuerKey struct {
	JWK        myecdsa.JWK
	CrlVersion int
}

// IssuerCrl is an issuer key's certificate revocation list: a counter
// used for de-duplication, the set of revoked credential ids, and an
// optional per-id revocation timestamp parsed from "rid.timestamp"
// entries.
type IssuerCrl struct {
	Kid            string
	Ctr            int
	Rids           map[string]bool
	RidsTimestamps map[string]string
}

// IssuerEntry is one issuer's resolved keys and CRLs.
type IssuerEntry struct {
	Keys map[string]IssuerKey // by kid
	Crls map[string]IssuerCrl // by kid
}

// Directory is an immutable map of issuer URL to its keys and CRLs.
type Directory struct {
	issuers map[string]IssuerEntry
}

// FromIssuerEntries wraps an already-resolved issuer map as a Directory,
// e.g. when reconstructing one from a cache.
func FromIssuerEntries(issuers map[string]IssuerEntry) *Directory {
	return &Directory{issuers: issuers}
}

// IssuerEntries exposes the underlying issuer map for serialisation by
// callers such as dircache.
func (d *Directory) IssuerEntries() map[string]IssuerEntry {
	return d.issuers
}

// ByIss looks up an issuer's entry.
func (d *Directory) ByIss(iss string) (IssuerEntry, bool) {
	e, ok := d.issuers[iss]
	return e, ok
}

// PublicKeyFor implements shc.Directory: resolving an issuer+kid pair to
// a public key without a network round trip.
func (d *Directory) PublicKeyFor(iss, kid string) (*ecdsa.PublicKey, bool) {
	entry, ok := d.ByIss(iss)
	if !ok {
		return nil, false
	}
	key, ok := entry.Keys[kid]
	if !ok {
		return nil, false
	}
	pub, err := myecdsa.PublicKeyFromJWK(key.JWK)
	if err != nil {
		return nil, false
	}
	return pub, true
}

// snapshotDoc mirrors the published directory snapshot document shape:
// {"issuerInfo": [{"issuer": {"iss": "..."}, "keys": [...], "crls": [...]}]}.
type snapshotDoc struct {
	IssuerInfo []snapshotIssuer `json:"issuerInfo"`
}

type snapshotIssuer struct {
	Issuer struct {
		Iss string `json:"iss"`
	} `json:"issuer"`
	Keys []snapshotKey `json:"keys"`
	Crls []snapshotCrl `json:"crls"`
}

type snapshotKey struct {
	myecdsa.JWK
	CrlVersion int `json:"crlVersion,omitempty"`
}

type snapshotCrl struct {
	Kid  string   `json:"kid"`
	Ctr  int      `json:"ctr"`
	Rids []string `json:"rids"`
}

// FromSnapshot builds a Directory from a published snapshot document,
// merging duplicate iss entries and de-duplicating keys (by kid, keeping
// the maximum crlVersion) and CRLs (by kid, keeping the maximum ctr).
func FromSnapshot(data []byte) (*Directory, error) {
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, shcerr.Wrap(shcerr.KindReaderConfig, "parse directory snapshot", err)
	}

	d := &Directory{issuers: map[string]IssuerEntry{}}

	for _, si := range doc.IssuerInfo {
		entry, ok := d.issuers[si.Issuer.Iss]
		if !ok {
			entry = IssuerEntry{Keys: map[string]IssuerKey{}, Crls: map[string]IssuerCrl{}}
		}

		for _, k := range si.Keys {
			mergeKey(entry.Keys, IssuerKey{JWK: k.JWK, CrlVersion: k.CrlVersion})
		}
		for _, c := range si.Crls {
			mergeCrl(entry.Crls, parseCrl(c))
		}

		d.issuers[si.Issuer.Iss] = entry
	}

	return d, nil
}

func mergeKey(keys map[string]IssuerKey, k IssuerKey) {
	existing, ok := keys[k.JWK.KeyID]
	if !ok || k.CrlVersion > existing.CrlVersion {
		keys[k.JWK.KeyID] = k
	}
}

func mergeCrl(crls map[string]IssuerCrl, c IssuerCrl) {
	existing, ok := crls[c.Kid]
	if !ok || c.Ctr > existing.Ctr {
		crls[c.Kid] = c
	}
}

func parseCrl(c snapshotCrl) IssuerCrl {
	rids := map[string]bool{}
	timestamps := map[string]string{}

	for _, entry := range c.Rids {
		parts := strings.SplitN(entry, ".", 2)
		rid := parts[0]
		rids[rid] = true
		if len(parts) == 2 {
			timestamps[rid] = parts[1]
		}
	}

	return IssuerCrl{Kid: c.Kid, Ctr: c.Ctr, Rids: rids, RidsTimestamps: timestamps}
}

// FetchOptions configures Fetch.
type FetchOptions struct {
	HTTPClient *http.Client
}

// Fetch builds a Directory by querying each issuer URL's JWKS and, per
// key, its CRL. A failure fetching or parsing any single issuer, key, or
// CRL is skipped rather than aborting the whole build.
func Fetch(ctx context.Context, issuerURLs []string, opts FetchOptions) (*Directory, error) {
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	d := &Directory{issuers: map[string]IssuerEntry{}}

	for _, iss := range issuerURLs {
		entry := IssuerEntry{Keys: map[string]IssuerKey{}, Crls: map[string]IssuerCrl{}}

		jwkSet, err := fetchJWKS(ctx, client, iss)
		if err != nil {
			continue
		}

		for _, jwk := range jwkSet.Keys {
			entry.Keys[jwk.KeyID] = IssuerKey{JWK: jwk}

			crl, err := fetchCrl(ctx, client, iss, jwk.KeyID)
			if err != nil {
				continue
			}
			entry.Crls[jwk.KeyID] = *crl
		}

		d.issuers[iss] = entry
	}

	return d, nil
}

func fetchJWKS(ctx context.Context, client *http.Client, iss string) (*myecdsa.JWKSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, iss+"/.well-known/jwks.json", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, shcerr.New(shcerr.KindReaderConfig, fmt.Sprintf("jwks fetch returned status %d", resp.StatusCode))
	}

	var set myecdsa.JWKSet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, err
	}
	return &set, nil
}

func fetchCrl(ctx context.Context, client *http.Client, iss, kid string) (*IssuerCrl, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, iss+"/.well-known/crl/"+kid+".json", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, shcerr.New(shcerr.KindReaderConfig, fmt.Sprintf("crl fetch returned status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var c snapshotCrl
	if err := json.Unmarshal(body, &c); err != nil {
		return nil, err
	}
	c.Kid = kid

	crl := parseCrl(c)
	return &crl, nil
}
