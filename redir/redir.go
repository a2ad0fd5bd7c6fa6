// Copyright 2026 The Blobpool Authors
// SPDX-License-Identifier: Apache-2.0

// Package redir serves the public redirect endpoint. A request for
// GET /{identity}/{name} resolves the name mapping and answers with a
// 301 to the hash-addressed URL on the public host, so clients fetch
// object bytes from the backing store directly and this service never
// proxies blob data. Dumps-namespace objects are the one exception:
// they have no hash address and are streamed straight through.
package redir

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/blobpool/blobpool/lib/config"
	"github.com/blobpool/blobpool/pool"
)

// WaitedHeader is set on responses that had to wait for an in-flight
// write of the requested name before resolving it.
const WaitedHeader = "Blobpool-Waited"

// Config carries the handler's dependencies.
type Config struct {
	Pool     *pool.Store
	Settings *config.Store
	Logger   *slog.Logger
}

// Handler answers name-lookup requests with redirects to
// hash-addressed public URLs.
type Handler struct {
	pool     *pool.Store
	settings *config.Store
	logger   *slog.Logger
}

// New returns a Handler using the given dependencies.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{pool: cfg.Pool, settings: cfg.Settings, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	identity, name, ok := splitTarget(r.URL.Path)
	if !ok {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if dump := strings.TrimPrefix(name, "/"); pool.IsDump(dump) {
		h.serveDump(w, r, dump)
		return
	}

	ctx := r.Context()
	waited, err := h.pool.WaitFor(ctx, identity, name)
	if err != nil {
		// Client went away while we waited on the write.
		return
	}
	if waited {
		w.Header().Set(WaitedHeader, "true")
	}
	hash, err := h.pool.Resolve(ctx, identity, name)
	if errors.Is(err, pool.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("resolving name mapping",
			"identity", identity, "name", name, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	cfg := h.settings.Snapshot()
	target := cfg.PublicHost + "/" + hash.Path()
	if cfg.UseNewUrls {
		target = cfg.PublicHost + "/" + hash.PathV2(extensionFor(name))
	}
	w.Header().Set("Cache-Control", "public")
	w.Header().Set("Location", target)
	w.WriteHeader(http.StatusMovedPermanently)
}

// serveDump streams a dumps-namespace object directly. Dumps bypass
// content addressing entirely, so there is no hash URL to redirect to.
func (h *Handler) serveDump(w http.ResponseWriter, r *http.Request, name string) {
	body, info, err := h.pool.OpenDump(r.Context(), name)
	if errors.Is(err, pool.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("opening dump", "name", name, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer body.Close()
	w.Header().Set("Cache-Control", "private, no-cache")
	if info.ContentType != "" {
		w.Header().Set("Content-Type", info.ContentType)
	}
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, body); err != nil {
		h.logger.Warn("streaming dump", "name", name, "error", err)
	}
}

// splitTarget splits a request path into identity and name. The name
// may itself contain slashes; only the first separator splits.
func splitTarget(path string) (identity, name string, ok bool) {
	path = strings.TrimPrefix(path, "/")
	identity, name, found := strings.Cut(path, "/")
	if !found || identity == "" || name == "" {
		return "", "", false
	}
	return identity, name, true
}

// validExtension matches the extensions the CDN accepts on new-style
// URLs. The same pattern is enforced on the CDN side.
var validExtension = regexp.MustCompile(`^(\.[a-zA-Z0-9.]{2,8})?$`)

// extensionFor extracts a CDN-safe extension from an object name for
// use on new-style URLs. Compound extensions are reduced from the
// left until they match; a name with no usable extension yields "".
func extensionFor(name string) string {
	base := name[strings.LastIndexByte(name, '/')+1:]
	dot := strings.IndexByte(base, '.')
	if dot < 0 {
		return ""
	}
	ext := base[dot:]
	for ext != "" && !validExtension.MatchString(ext) {
		next := strings.IndexByte(ext[1:], '.')
		if next < 0 {
			return ""
		}
		ext = ext[next+1:]
	}
	return ext
}
