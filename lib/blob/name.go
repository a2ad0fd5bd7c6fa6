// Copyright 2026 The Blobpool Authors
// SPDX-License-Identifier: Apache-2.0

package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// MaxNameLength is the longest object name stored verbatim as an
// index key. Longer names are shortened by [ShortName] before being
// used on any read or write path.
const MaxNameLength = 255

// ShortName converts an over-long object name into a fixed-width
// surrogate key: a truncated prefix, a SHA-256 hash of the full name,
// and the length of the truncated remainder. Names at or under
// MaxNameLength bytes are returned unchanged.
//
// The derivation is pure, so the same name always maps to the same
// surrogate, and it leans on SHA-256 collision resistance to keep
// distinct names distinct. Every component that touches the name map
// must apply it consistently; the namedb package does so for all its
// callers.
func ShortName(name string) string {
	if len(name) <= MaxNameLength {
		return name
	}
	remainder := strconv.Itoa(len(name) - MaxNameLength)
	sum := sha256.Sum256([]byte(name))
	// prefix + "~" + 64 hex chars + "$" + remainder == MaxNameLength
	prefix := name[:MaxNameLength-1-2*sha256.Size-1-len(remainder)]
	return prefix + "~" + hex.EncodeToString(sum[:]) + "$" + remainder
}
