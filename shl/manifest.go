package shl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/amitkgupta/go-smarthealth/jwe"
	"github.com/amitkgupta/go-smarthealth/shc"
	"github.com/amitkgupta/go-smarthealth/shcerr"
)

// ContentType is the JWE "cty" value a manifest file descriptor declares.
type ContentType string

const (
	ContentTypeHealthCard   ContentType = "application/smart-health-card"
	ContentTypeFHIRResource ContentType = "application/fhir+json"
)

const defaultMaxParallelism = 5
const defaultEmbeddedLengthMax = 16384

// UploadFunc persists ciphertext and returns a storage path the builder
// will later pass back to GetURLFunc/LoadFunc/RemoveFunc/UpdateFunc.
type UploadFunc func(ctx context.Context, contentType ContentType, ciphertext []byte) (storagePath string, err error)

// GetURLFunc returns a fresh, short-lived URL from which storagePath's
// ciphertext can be fetched.
type GetURLFunc func(ctx context.Context, storagePath string) (url string, err error)

// LoadFunc fetches storagePath's ciphertext directly. If unset, the
// builder's default implementation calls GetURLFunc and performs an HTTP
// GET.
type LoadFunc func(ctx context.Context, storagePath string) ([]byte, error)

// RemoveFunc deletes storagePath's ciphertext.
type RemoveFunc func(ctx context.Context, storagePath string) error

// UpdateFunc overwrites storagePath's ciphertext in place.
type UpdateFunc func(ctx context.Context, storagePath string, ciphertext []byte) error

type fileState struct {
	ContentType      ContentType `json:"contentType"`
	StoragePath      string      `json:"storagePath"`
	CiphertextLength int         `json:"ciphertextLength"`
	LastUpdated      *time.Time  `json:"lastUpdated,omitempty"`
}

// BuilderState is the persistable shape of a Builder's files, round-
// tripped by ToDBAttrs/FromDBAttrs. The associated Payload is persisted
// separately by the caller.
type BuilderState struct {
	Files []fileState `json:"files"`
}

// Builder is the stateful SHL manifest builder: it owns the ordered list
// of encrypted files added so far plus the storage capability callbacks
// used to persist and retrieve them. See
// https://docs.smarthealthit.org/smart-health-links/spec#create-a-shl-manifest.
type Builder struct {
	files []fileState

	Upload UploadFunc
	GetURL GetURLFunc
	Load   LoadFunc
	Remove RemoveFunc
	Update UpdateFunc

	// MaxParallelism bounds how many descriptors BuildManifest processes
	// concurrently. Defaults to 5.
	MaxParallelism int
	// HTTPClient is used by the default Load implementation. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client

	key []byte
}

// NewBuilder returns a Builder for encrypting files under key (the SHL's
// symmetric key), with MaxParallelism defaulted to 5.
func NewBuilder(key []byte, upload UploadFunc, getURL GetURLFunc) *Builder {
	return &Builder{
		key:            key,
		Upload:         upload,
		GetURL:         getURL,
		MaxParallelism: defaultMaxParallelism,
	}
}

func (b *Builder) httpClient() *http.Client {
	if b.HTTPClient != nil {
		return b.HTTPClient
	}
	return http.DefaultClient
}

func (b *Builder) loadFile(ctx context.Context, path string) ([]byte, error) {
	if b.Load != nil {
		return b.Load(ctx, path)
	}

	url, err := b.GetURL(ctx, path)
	if err != nil {
		return nil, shcerr.Wrap(shcerr.KindShlNetwork, "get file url", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, shcerr.Wrap(shcerr.KindShlNetwork, "build default load request", err)
	}
	resp, err := b.httpClient().Do(req)
	if err != nil {
		return nil, shcerr.Wrap(shcerr.KindShlNetwork, "fetch file for default load", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, shcerr.New(shcerr.KindShlNetwork, fmt.Sprintf("default load request returned status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, shcerr.Wrap(shcerr.KindShlNetwork, "read default load response", err)
	}
	return data, nil
}

// AddHealthCard encrypts shcCard's file content and uploads it as a new
// manifest file.
func (b *Builder) AddHealthCard(ctx context.Context, shcCard *shc.Shc, enableCompression bool) error {
	content, err := shcCard.AsFileContent()
	if err != nil {
		return err
	}
	return b.addFile(ctx, ContentTypeHealthCard, []byte(content), enableCompression)
}

// AddFHIRResource encrypts content (a FHIR resource JSON document) and
// uploads it as a new manifest file. enableCompression raw-deflates the
// content before encryption.
func (b *Builder) AddFHIRResource(ctx context.Context, content []byte, enableCompression bool) error {
	return b.addFile(ctx, ContentTypeFHIRResource, content, enableCompression)
}

func (b *Builder) addFile(ctx context.Context, cty ContentType, plaintext []byte, enableCompression bool) error {
	compactJWE, err := jwe.Encrypt(plaintext, b.key, jwe.EncryptOptions{
		ContentType:       string(cty),
		EnableCompression: enableCompression,
	})
	if err != nil {
		return err
	}

	storagePath, err := b.Upload(ctx, cty, []byte(compactJWE))
	if err != nil {
		return shcerr.Wrap(shcerr.KindShlNetwork, "upload encrypted file", err)
	}

	now := time.Now().UTC()
	b.files = append(b.files, fileState{
		ContentType:      cty,
		StoragePath:      storagePath,
		CiphertextLength: len(compactJWE),
		LastUpdated:      &now,
	})
	return nil
}

func (b *Builder) indexOf(path string) int {
	for i, f := range b.files {
		if f.StoragePath == path {
			return i
		}
	}
	return -1
}

// RemoveFile deletes the file at path from storage and drops it from the
// manifest state. Requires Remove to be set.
func (b *Builder) RemoveFile(ctx context.Context, path string) error {
	if b.Remove == nil {
		return shcerr.New(shcerr.KindShlManifest, "builder has no remove capability")
	}
	idx := b.indexOf(path)
	if idx < 0 {
		return shcerr.New(shcerr.KindShlManifest, fmt.Sprintf("no file at path %q", path))
	}

	if err := b.Remove(ctx, path); err != nil {
		return shcerr.Wrap(shcerr.KindShlNetwork, "remove file", err)
	}

	b.files = append(b.files[:idx], b.files[idx+1:]...)
	return nil
}

func (b *Builder) updateFile(ctx context.Context, path string, cty ContentType, plaintext []byte, enableCompression bool, lastUpdated *time.Time) error {
	if b.Update == nil {
		return shcerr.New(shcerr.KindShlManifest, "builder has no update capability")
	}
	idx := b.indexOf(path)
	if idx < 0 {
		return shcerr.New(shcerr.KindShlManifest, fmt.Sprintf("no file at path %q", path))
	}
	if b.files[idx].ContentType != cty {
		return shcerr.New(shcerr.KindShlManifest, fmt.Sprintf("file at path %q has contentType %q, not %q", path, b.files[idx].ContentType, cty))
	}

	compactJWE, err := jwe.Encrypt(plaintext, b.key, jwe.EncryptOptions{
		ContentType:       string(cty),
		EnableCompression: enableCompression,
	})
	if err != nil {
		return err
	}

	if err := b.Update(ctx, path, []byte(compactJWE)); err != nil {
		return shcerr.Wrap(shcerr.KindShlNetwork, "update file", err)
	}

	if lastUpdated == nil {
		now := time.Now().UTC()
		lastUpdated = &now
	}
	b.files[idx].CiphertextLength = len(compactJWE)
	b.files[idx].LastUpdated = lastUpdated
	return nil
}

// UpdateHealthCard re-encrypts and overwrites the health card file at
// path. Requires Update to be set.
func (b *Builder) UpdateHealthCard(ctx context.Context, path string, shcCard *shc.Shc, enableCompression bool, lastUpdated *time.Time) error {
	content, err := shcCard.AsFileContent()
	if err != nil {
		return err
	}
	return b.updateFile(ctx, path, ContentTypeHealthCard, []byte(content), enableCompression, lastUpdated)
}

// UpdateFHIRResource re-encrypts and overwrites the FHIR resource file at
// path. Requires Update to be set.
func (b *Builder) UpdateFHIRResource(ctx context.Context, path string, content []byte, enableCompression bool, lastUpdated *time.Time) error {
	return b.updateFile(ctx, path, ContentTypeFHIRResource, content, enableCompression, lastUpdated)
}

// ManifestFileDescriptor is a single entry in the manifest's files array:
// either an embedded JWE or a location URL, never both.
type ManifestFileDescriptor struct {
	ContentType ContentType `json:"contentType"`
	Embedded    string      `json:"embedded,omitempty"`
	Location    string      `json:"location,omitempty"`
	LastUpdated string      `json:"lastUpdated,omitempty"`
}

// Manifest is the JSON document served in response to an SHL manifest
// POST request.
type Manifest struct {
	Status string                    `json:"status,omitempty"`
	Files  []ManifestFileDescriptor  `json:"files"`
	List   json.RawMessage           `json:"list,omitempty"`
}

// BuildOptions configures BuildManifest.
type BuildOptions struct {
	// EmbeddedLengthMax is the ciphertext-length threshold below (or at)
	// which a file is embedded rather than located. Defaults to 16384.
	EmbeddedLengthMax int
	Status            string
	List              json.RawMessage
	// Exp, if set, is the associated SHL payload's expiration, re-checked
	// at build time.
	Exp *int64
}

// BuildManifest produces a fresh Manifest, invoking Load (or its default
// HTTP-fetch implementation) for files at or under EmbeddedLengthMax and
// GetURL for the rest, in bounded batches of MaxParallelism.
func (b *Builder) BuildManifest(ctx context.Context, opts BuildOptions) (*Manifest, error) {
	if opts.Exp != nil && *opts.Exp < time.Now().Unix() {
		return nil, shcerr.New(shcerr.KindExpired, "SHL has expired")
	}

	embeddedLengthMax := opts.EmbeddedLengthMax
	if embeddedLengthMax == 0 {
		embeddedLengthMax = defaultEmbeddedLengthMax
	}
	maxParallelism := b.MaxParallelism
	if maxParallelism <= 0 {
		maxParallelism = defaultMaxParallelism
	}

	descriptors := make([]ManifestFileDescriptor, len(b.files))

	for batchStart := 0; batchStart < len(b.files); batchStart += maxParallelism {
		batchEnd := batchStart + maxParallelism
		if batchEnd > len(b.files) {
			batchEnd = len(b.files)
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		var firstErr error

		for i := batchStart; i < batchEnd; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				d, err := b.buildDescriptor(ctx, b.files[i], embeddedLengthMax)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					if firstErr == nil {
						firstErr = err
					}
					return
				}
				descriptors[i] = d
			}()
		}
		wg.Wait()

		if firstErr != nil {
			return nil, firstErr
		}
	}

	return &Manifest{Status: opts.Status, Files: descriptors, List: opts.List}, nil
}

func (b *Builder) buildDescriptor(ctx context.Context, f fileState, embeddedLengthMax int) (ManifestFileDescriptor, error) {
	d := ManifestFileDescriptor{ContentType: f.ContentType}
	if f.LastUpdated != nil {
		d.LastUpdated = f.LastUpdated.Format(time.RFC3339)
	}

	if f.CiphertextLength <= embeddedLengthMax {
		data, err := b.loadFile(ctx, f.StoragePath)
		if err != nil {
			return ManifestFileDescriptor{}, err
		}
		d.Embedded = string(data)
		return d, nil
	}

	url, err := b.GetURL(ctx, f.StoragePath)
	if err != nil {
		return ManifestFileDescriptor{}, shcerr.Wrap(shcerr.KindShlNetwork, "get file url", err)
	}
	d.Location = url
	return d, nil
}

// ToDBAttrs serialises the builder's file state (not its callbacks) for
// persistence.
func (b *Builder) ToDBAttrs() ([]byte, error) {
	data, err := json.Marshal(BuilderState{Files: b.files})
	if err != nil {
		return nil, shcerr.Wrap(shcerr.KindShlManifest, "marshal builder state", err)
	}
	return data, nil
}

// FromDBAttrs reconstructs a Builder from persisted state, the SHL's key,
// and fresh storage callbacks (a persisted ShlPayload is not itself part
// of the builder state; callers look it up separately).
func FromDBAttrs(data []byte, key []byte, upload UploadFunc, getURL GetURLFunc) (*Builder, error) {
	var state BuilderState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, shcerr.Wrap(shcerr.KindShlManifest, "parse builder state", err)
	}

	b := NewBuilder(key, upload, getURL)
	b.files = state.Files
	return b, nil
}
