// Copyright 2026 The Blobpool Authors
// SPDX-License-Identifier: Apache-2.0

// Package rivet implements the pull-based ingestion protocol: an
// authenticated tenant asks the server to fetch a remote URL and
// store the result as if the tenant had uploaded it directly, or
// pushes bytes under a hash it has pre-computed.
//
// Every request carries an HMAC-SHA-512 signature in the Rivet-Auth
// header. Outbound fetches are guarded against being used as a proxy
// into internal networks, serialized per URL through a short-lived
// single-flight cache, and short-circuited entirely when the URL
// turns out to name content this server already holds.
package rivet

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/blobpool/blobpool/lib/blob"
	"github.com/blobpool/blobpool/lib/clock"
	"github.com/blobpool/blobpool/lib/config"
	"github.com/blobpool/blobpool/pool"
)

// maxPayload bounds the body of signed JSON requests. Retrieval
// requests are tiny; anything larger is abuse.
const maxPayload = 8192

// Config holds the dependencies for a Handler.
type Config struct {
	Pool     *pool.Store
	Settings *config.Store
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Handler serves the protocol endpoints: POST /retrieve and
// POST /upload/{name}?{hash}.
type Handler struct {
	pool     *pool.Store
	settings *config.Store
	clk      clock.Clock
	logger   *slog.Logger
	cache    *urlCache
	client   *http.Client
}

// New creates a Handler.
func New(cfg Config) *Handler {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		pool:     cfg.Pool,
		settings: cfg.Settings,
		clk:      clk,
		logger:   logger,
		cache:    newURLCache(clk),
		client:   fetchClient(false),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.settings.Snapshot().Rivet.Enabled {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	switch {
	case r.URL.Path == "/retrieve":
		h.dispatch(w, r, h.retrieve)
	case strings.HasPrefix(r.URL.Path, "/upload/"):
		h.dispatch(w, r, h.upload)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request, post func(http.ResponseWriter, *http.Request)) {
	switch r.Method {
	case http.MethodOptions:
		w.Header().Set("Allow", "POST, OPTIONS")
		w.WriteHeader(http.StatusNoContent)
	case http.MethodPost:
		post(w, r)
	default:
		w.Header().Set("Allow", "POST, OPTIONS")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// retrieveRequest is the signed body of POST /retrieve.
type retrieveRequest struct {
	SourceURL       string `json:"sourceUrl"`
	DestinationPath string `json:"destinationPath"`
}

type resultBody struct {
	Name        Outcome     `json:"name"`
	Temperature Temperature `json:"temperature"`
}

func (h *Handler) retrieve(w http.ResponseWriter, r *http.Request) {
	cfg := h.settings.Snapshot()
	if cfg.ReadOnly {
		writeError(w, http.StatusServiceUnavailable, "read-only maintenance mode")
		return
	}
	if !contentTypeIs(r.Header.Get("Content-Type"), "application/json") {
		writeError(w, http.StatusBadRequest, "Content-Type must be application/json")
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayload+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading request body failed")
		return
	}
	if len(payload) > maxPayload {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	identity, err := authenticate(r.Header.Get(AuthHeader), r.URL, payload, cfg, h.clk.Now())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var req retrieveRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.SourceURL == "" || req.DestinationPath == "" {
		writeError(w, http.StatusBadRequest, "sourceUrl and destinationPath are required")
		return
	}

	hash, outcome, temp, err := h.cache.do(r.Context(), req.SourceURL, func() (blob.Hash, Outcome, error) {
		return h.fetch(cfg, req.SourceURL)
	})
	if err != nil {
		switch {
		case errors.Is(err, errIllegalHost):
			writeError(w, http.StatusBadRequest, errIllegalHost.Error())
		case errors.Is(err, errUpstreamTimeout):
			writeError(w, http.StatusGatewayTimeout, err.Error())
		case errors.Is(err, errUpstream):
			writeError(w, http.StatusBadGateway, err.Error())
		case errors.Is(err, pool.ErrReadOnly):
			writeError(w, http.StatusServiceUnavailable, "read-only maintenance mode")
		default:
			h.internalError(w, "retrieve", err)
		}
		return
	}

	if err := h.pool.MapName(r.Context(), identity, req.DestinationPath, hash); err != nil {
		if errors.Is(err, pool.ErrReadOnly) {
			writeError(w, http.StatusServiceUnavailable, "read-only maintenance mode")
			return
		}
		h.internalError(w, "retrieve mapping", err)
		return
	}

	h.logger.Info("retrieval finished",
		"identity", identity,
		"url", req.SourceURL,
		"outcome", string(outcome),
		"temperature", string(temp))
	writeJSON(w, http.StatusOK, map[string]any{
		"result": resultBody{Name: outcome, Temperature: temp},
		"hash":   hash.String(),
	})
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	cfg := h.settings.Snapshot()
	if cfg.ReadOnly {
		writeError(w, http.StatusServiceUnavailable, "read-only maintenance mode")
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/upload/")
	if name == "" {
		writeError(w, http.StatusBadRequest, "missing destination path")
		return
	}
	expected, err := blob.ParseHash(r.URL.RawQuery)
	if err != nil {
		writeError(w, http.StatusBadRequest, "query must be the expected SHA-512 in hex")
		return
	}

	// The handshake lets a doomed request fail before the client
	// ships its payload.
	if !strings.EqualFold(r.Header.Get("Expect"), "100-continue") {
		writeError(w, http.StatusBadRequest, "Expect: 100-continue is required")
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		writeError(w, http.StatusBadRequest, "Content-Type is required")
		return
	}

	// The MAC covers the target and query only; the body is bound by
	// the hash in the query string instead.
	identity, err := authenticate(r.Header.Get(AuthHeader), r.URL, nil, cfg, h.clk.Now())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	// A hash some name already references needs no bytes at all: map
	// the new name and answer before the handshake releases the body.
	mapped, err := h.pool.Mapped(r.Context(), expected)
	if err != nil {
		h.internalError(w, "upload", err)
		return
	}
	if mapped {
		if err := h.pool.MapName(r.Context(), identity, name, expected); err != nil {
			if errors.Is(err, pool.ErrReadOnly) {
				writeError(w, http.StatusServiceUnavailable, "read-only maintenance mode")
				return
			}
			h.internalError(w, "upload mapping", err)
			return
		}
		h.logger.Info("direct upload finished",
			"identity", identity,
			"hash", expected.String(),
			"outcome", string(OutcomeFound))
		writeJSON(w, http.StatusOK, map[string]any{
			"result": resultBody{Name: OutcomeFound, Temperature: TempHot},
		})
		return
	}

	_, stored, err := h.pool.PutRawExpect(r.Context(), identity, name, r.Body, contentType, expected)
	if err != nil {
		switch {
		case errors.Is(err, pool.ErrHashMismatch):
			writeError(w, http.StatusBadRequest, "content does not match declared hash")
		case errors.Is(err, pool.ErrReadOnly):
			writeError(w, http.StatusServiceUnavailable, "read-only maintenance mode")
		default:
			h.internalError(w, "upload", err)
		}
		return
	}

	outcome := OutcomePresent
	if stored {
		outcome = OutcomeAdded
	}
	h.logger.Info("direct upload finished",
		"identity", identity,
		"hash", expected.String(),
		"outcome", string(outcome))
	writeJSON(w, http.StatusOK, map[string]any{
		"result": resultBody{Name: outcome, Temperature: outcome.temperature(false)},
	})
}

// internalError hides detail behind a random correlation token; the
// full error goes to the log with the same token.
func (h *Handler) internalError(w http.ResponseWriter, context string, err error) {
	var raw [8]byte
	rand.Read(raw[:])
	token := hex.EncodeToString(raw[:])
	h.logger.Error("internal error", "token", token, "context", context, "error", err)
	writeError(w, http.StatusInternalServerError, "Internal error "+token)
}

func contentTypeIs(header, want string) bool {
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return false
	}
	return mediaType == want
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
