// Copyright 2026 The Blobpool Authors
// SPDX-License-Identifier: Apache-2.0

package rivet

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/blobpool/blobpool/lib/blob"
	"github.com/blobpool/blobpool/lib/config"
)

var (
	errUpstream        = fmt.Errorf("upstream fetch failed")
	errUpstreamTimeout = fmt.Errorf("%w: timed out", errUpstream)
)

// upstreamError wraps a transport failure, distinguishing timeouts
// (the upstream exists but did not answer in time) from outright
// connection failures.
func upstreamError(err error) error {
	var nerr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
		return fmt.Errorf("%w: %v", errUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %v", errUpstream, err)
}

// shortCircuit aborts a redirect chain that leads back to this
// server's own content.
type shortCircuit struct {
	hash blob.Hash
}

func (s shortCircuit) Error() string {
	return "target is this server's own blob " + s.hash.String()
}

// selfHash recognizes URLs that point at this server's own
// hash-addressed namespace and extracts the hash.
func selfHash(cfg *config.Config, u *url.URL) (blob.Hash, bool) {
	if !strings.EqualFold(u.Hostname(), cfg.PublicHostname()) {
		return blob.Hash{}, false
	}
	rest, ok := strings.CutPrefix(strings.TrimPrefix(u.Path, "/"), "blobs/")
	if !ok {
		return blob.Hash{}, false
	}
	segments := strings.Split(rest, "/")
	hash, err := blob.ParseHash(segments[len(segments)-1])
	if err != nil {
		return blob.Hash{}, false
	}
	return hash, true
}

// fetch downloads rawURL and stores the result in the pool without
// mapping a name. It is always invoked as a cache leader, so exactly
// one fetch per URL runs at a time. The outbound request carries its
// own context: a caller that disconnects does not abort a fetch that
// is already populating the cache.
func (h *Handler) fetch(cfg *config.Config, rawURL string) (blob.Hash, Outcome, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return blob.Hash{}, "", errIllegalHost
	}
	if err := checkURL(u); err != nil {
		return blob.Hash{}, "", err
	}

	// A URL naming our own blob namespace needs no download when the
	// hash is already on hand.
	if hash, ok := selfHash(cfg, u); ok {
		exists, err := h.pool.Exists(context.Background(), hash)
		if err != nil {
			return blob.Hash{}, "", err
		}
		if exists {
			return hash, OutcomeFound, nil
		}
	}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, u.String(), nil)
	if err != nil {
		return blob.Hash{}, "", fmt.Errorf("%w: %v", errUpstream, err)
	}
	req.Header.Set("Accept-Encoding", "zstd, gzip")

	client := *h.client
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= 10 {
			return fmt.Errorf("too many redirects")
		}
		if err := checkURL(req.URL); err != nil {
			return err
		}
		if hash, ok := selfHash(cfg, req.URL); ok {
			exists, err := h.pool.Exists(context.Background(), hash)
			if err != nil {
				return err
			}
			if exists {
				return shortCircuit{hash: hash}
			}
		}
		return nil
	}

	resp, err := client.Do(req)
	if err != nil {
		var sc shortCircuit
		if errors.As(err, &sc) {
			return sc.hash, OutcomeFound, nil
		}
		if errors.Is(err, errIllegalHost) {
			return blob.Hash{}, "", errIllegalHost
		}
		return blob.Hash{}, "", upstreamError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return blob.Hash{}, "", fmt.Errorf("%w: upstream returned %s", errUpstream, resp.Status)
	}

	body, err := decodeBody(resp)
	if err != nil {
		return blob.Hash{}, "", fmt.Errorf("%w: %v", errUpstream, err)
	}
	defer body.Close()

	contentType := resp.Header.Get("Content-Type")
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	hash, _, stored, err := h.pool.PutContent(context.Background(), body, contentType)
	if err != nil {
		return blob.Hash{}, "", err
	}
	if stored {
		return hash, OutcomeAdded, nil
	}
	return hash, OutcomePresent, nil
}

// decodeBody unwraps the response's Content-Encoding. The transport's
// automatic gzip handling is defeated by our explicit Accept-Encoding
// header, so both codings are handled here. The returned closer
// releases only the decompressor; the caller still owns resp.Body.
func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "", "identity":
		return io.NopCloser(resp.Body), nil
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("decoding gzip response: %w", err)
		}
		return zr, nil
	case "zstd":
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("decoding zstd response: %w", err)
		}
		return zr.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", resp.Header.Get("Content-Encoding"))
	}
}
