// Copyright 2026 The Blobpool Authors
// SPDX-License-Identifier: Apache-2.0

package rivet

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/blobpool/blobpool/lib/config"
)

// AuthHeader carries the request MAC: "identity:base64(mac):isoDate".
const AuthHeader = "Rivet-Auth"

// Replay window around the server clock. A request older than the
// past bound or further ahead than the future bound is rejected even
// with a valid MAC.
const (
	maxAgePast   = 5 * time.Minute
	maxAgeFuture = 2 * time.Minute
)

var (
	errMalformedAuth   = fmt.Errorf("malformed %s header", AuthHeader)
	errUnknownIdentity = fmt.Errorf("unknown identity")
	errBadMAC          = fmt.Errorf("bad request signature")
	errStaleDate       = fmt.Errorf("request timestamp outside the accepted window")
)

// signingString builds the canonical string the MAC covers: the
// request target (path, plus "?query" when a query is present), the
// identity, the RFC 3339 date, and the payload body, joined by
// colons.
func signingString(u *url.URL, identity, date string, payload []byte) string {
	target := u.Path
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}
	return target + ":" + identity + ":" + date + ":" + string(payload)
}

// Sign computes the header value a client would send for the given
// request target and payload.
func Sign(u *url.URL, identity, secret string, date time.Time, payload []byte) string {
	isoDate := date.UTC().Format(time.RFC3339)
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(signingString(u, identity, isoDate, payload)))
	return identity + ":" + base64.StdEncoding.EncodeToString(mac.Sum(nil)) + ":" + isoDate
}

// authenticate verifies the auth header against the request target
// and payload, returning the authenticated identity.
func authenticate(header string, u *url.URL, payload []byte, cfg *config.Config, now time.Time) (string, error) {
	if header == "" {
		return "", errMalformedAuth
	}
	// The date field contains colons, so split only around the
	// first two separators.
	fields := strings.SplitN(header, ":", 3)
	if len(fields) != 3 {
		return "", errMalformedAuth
	}
	identity, macB64, isoDate := fields[0], fields[1], fields[2]

	sent, err := time.Parse(time.RFC3339, isoDate)
	if err != nil {
		return "", errMalformedAuth
	}
	claimed, err := base64.StdEncoding.DecodeString(macB64)
	if err != nil {
		return "", errMalformedAuth
	}

	age := now.Sub(sent)
	if age > maxAgePast || age < -maxAgeFuture {
		return "", errStaleDate
	}

	secret, ok := cfg.Secret(identity)
	if !ok {
		return "", errUnknownIdentity
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(signingString(u, identity, isoDate, payload)))
	if !hmac.Equal(claimed, mac.Sum(nil)) {
		return "", errBadMAC
	}
	return identity, nil
}
