// Copyright 2026 The Blobpool Authors
// SPDX-License-Identifier: Apache-2.0

package blob

import (
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Hash is a 64-byte SHA-512 digest of canonicalized object bytes. It
// is the sole key for an object's physical storage location: a given
// hash identifies exactly one stored blob, and the backend path is
// derived deterministically from it by [Hash.Path].
type Hash [64]byte

// ParseHash parses a 128-character lowercase hex string into a Hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != 128 {
		return h, fmt.Errorf("hash must be 128 hex characters, got %d", len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, fmt.Errorf("parsing hash: %w", err)
	}
	return h, nil
}

// Sum returns the content hash of data.
func Sum(data []byte) Hash {
	return Hash(sha512.Sum512(data))
}

// HashFromBytes converts a raw 64-byte digest into a Hash.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != len(h) {
		return h, fmt.Errorf("hash must be %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

// String returns the lowercase hex form of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Path returns the hash-sharded backend path for this hash:
// blobs/{hex0}/{hex1-3}/{fullhex}. Sharding by the first and next
// three hex characters bounds directory fan-out. This layout is part
// of the public contract (other systems construct these URLs) and
// must not change without a migration.
func (h Hash) Path() string {
	s := h.String()
	return "blobs/" + s[:1] + "/" + s[1:4] + "/" + s
}

// PathV2 returns the "new style" public path for this hash:
// blob2/{16}/{mid}/{8}{ext}, built from the unpadded base64url
// encoding of the raw digest. ext must be empty or a validated
// extension including the leading dot.
func (h Hash) PathV2(ext string) string {
	b64 := base64.RawURLEncoding.EncodeToString(h[:])
	return "blob2/" + b64[:16] + "/" + b64[16:len(b64)-8] + "/" + b64[len(b64)-8:] + ext
}
