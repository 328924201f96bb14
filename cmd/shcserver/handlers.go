package main

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	myecdsa "github.com/amitkgupta/go-smarthealth/ecdsa"
	"github.com/amitkgupta/go-smarthealth/fhirbundle"
	"github.com/amitkgupta/go-smarthealth/internal/numeric"
	"github.com/amitkgupta/go-smarthealth/shc"
	"github.com/amitkgupta/go-smarthealth/shl"
	"github.com/amitkgupta/go-smarthealth/shl/storage/fsstore"
	"github.com/amitkgupta/go-smarthealth/vc"
)

type server struct {
	cfg    config
	key    *ecdsa.PrivateKey
	logger *slog.Logger
	store  *fsstore.Store

	mu       sync.Mutex
	builders map[string]*shlEntry
	mux      *http.ServeMux
}

type shlEntry struct {
	payload *shl.Payload
	builder *shl.Builder
}

func newServer(cfg config, key *ecdsa.PrivateKey, logger *slog.Logger) *server {
	store, err := fsstore.New(cfg.StorageDir)
	if err != nil {
		logger.Error("failed to initialize storage", "error", err)
		store = nil
	}

	s := &server{
		cfg:      cfg,
		key:      key,
		logger:   logger,
		store:    store,
		builders: map[string]*shlEntry{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/jwks.json", s.handleJWKS)
	mux.HandleFunc("POST /issue", s.handleIssue)
	mux.HandleFunc("POST /shl", s.handleCreateSHL)
	mux.HandleFunc("POST /shl/{id}/manifest", s.handleManifest)
	s.mux = withRequestLogging(logger, mux)

	return s
}

func withRequestLogging(logger *slog.Logger, next http.Handler) *http.ServeMux {
	wrapped := http.NewServeMux()
	wrapped.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Info("request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	}))
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, logger *slog.Logger, status int, err error) {
	logger.Error("request failed", "error", err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	data, err := myecdsa.JWKSJSON(s.key)
	if err != nil {
		writeError(w, s.logger, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

type issueRequest struct {
	FHIRBundle        json.RawMessage `json:"fhirBundle"`
	AdditionalTypes   []string        `json:"additionalTypes,omitempty"`
	FHIRVersion       string          `json:"fhirVersion,omitempty"`
	ExpirationSeconds int64           `json:"expirationSeconds,omitempty"`
}

func (s *server) handleIssue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.logger, http.StatusBadRequest, err)
		return
	}

	bundle, err := fhirbundle.Parse(req.FHIRBundle)
	if err != nil {
		writeError(w, s.logger, http.StatusBadRequest, err)
		return
	}

	issuer := shc.NewIssuer(s.cfg.Issuer, s.key)

	card, err := issuer.Issue(bundle, vc.Options{
		FHIRVersion:     req.FHIRVersion,
		AdditionalTypes: req.AdditionalTypes,
	})
	if err != nil {
		writeError(w, s.logger, http.StatusUnprocessableEntity, err)
		return
	}

	content, mimeType, err := card.AsFileBlob()
	if err != nil {
		writeError(w, s.logger, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", mimeType)
	_, _ = w.Write(content)
}

type createSHLRequest struct {
	Label string `json:"label,omitempty"`
	Flags string `json:"flags,omitempty"` // subset of "LPU"
}

func (s *server) handleCreateSHL(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, s.logger, http.StatusInternalServerError, fmt.Errorf("storage not initialized"))
		return
	}

	var req createSHLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
		writeError(w, s.logger, http.StatusBadRequest, err)
		return
	}

	var flags []shl.Flag
	for _, c := range req.Flags {
		flags = append(flags, shl.Flag(c))
	}

	payload, err := shl.Generate(shl.GenerateOptions{
		BaseManifestURL: s.cfg.Issuer + "/shl",
		ManifestPath:    "manifest",
		Flags:           flags,
		Label:           req.Label,
	})
	if err != nil {
		writeError(w, s.logger, http.StatusUnprocessableEntity, err)
		return
	}

	manifestID, err := payload.ManifestID()
	if err != nil {
		writeError(w, s.logger, http.StatusInternalServerError, err)
		return
	}

	keyBytes, err := decodeKey(payload.Key)
	if err != nil {
		writeError(w, s.logger, http.StatusInternalServerError, err)
		return
	}

	builder := shl.NewBuilder(keyBytes, s.store.Upload, s.store.GetURL)
	builder.Load = s.store.Load
	builder.Remove = s.store.Remove
	builder.Update = s.store.Update

	s.mu.Lock()
	s.builders[manifestID] = &shlEntry{payload: payload, builder: builder}
	s.mu.Unlock()

	uri, err := payload.ToURI()
	if err != nil {
		writeError(w, s.logger, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"shlinkUri": uri})
}

type manifestRequest struct {
	Recipient         string `json:"recipient"`
	Passcode          string `json:"passcode,omitempty"`
	EmbeddedLengthMax int    `json:"embeddedLengthMax,omitempty"`
}

func (s *server) handleManifest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	s.mu.Lock()
	entry, ok := s.builders[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, s.logger, http.StatusNotFound, fmt.Errorf("no such SHL manifest"))
		return
	}

	var req manifestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.logger, http.StatusBadRequest, err)
		return
	}
	if entry.payload.RequiresPasscode() && req.Passcode == "" {
		writeError(w, s.logger, http.StatusUnauthorized, fmt.Errorf("passcode required"))
		return
	}

	manifest, err := entry.builder.BuildManifest(r.Context(), shl.BuildOptions{
		EmbeddedLengthMax: req.EmbeddedLengthMax,
		Exp:               entry.payload.Exp,
	})
	if err != nil {
		writeError(w, s.logger, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, manifest)
}

func decodeKey(s string) ([]byte, error) {
	return numeric.Base64URLDecode(s)
}
