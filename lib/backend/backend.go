// Copyright 2026 The Blobpool Authors
// SPDX-License-Identifier: Apache-2.0

// Package backend abstracts the object store the pool writes blobs
// into. The interface is deliberately narrow: flat string keys,
// streaming reads and writes, server-side copy, and the multipart
// upload lifecycle. The filesystem implementation in this package is
// the production default; the interface exists so tests can substitute
// a failing or recording store.
package backend

import (
	"context"
	"fmt"
	"io"
	"time"
)

// ErrNotExist is returned when the named object is absent.
var ErrNotExist = fmt.Errorf("backend: object does not exist")

// PutOptions carries the metadata stored alongside an object.
type PutOptions struct {
	// ContentType is the MIME type served with the object. Empty
	// means unknown.
	ContentType string

	// PublicRead marks the object as world-readable when the store
	// distinguishes access levels.
	PublicRead bool
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Size        int64
	ContentType string
	ETag        string
	ModTime     time.Time
	PublicRead  bool
}

// Part identifies one uploaded piece of a multipart session.
type Part struct {
	Number int
	Size   int64
	ETag   string
}

// Store is an object store keyed by slash-separated names.
//
// All methods are safe for concurrent use. Multipart sessions are
// keyed by the opaque ID returned from Initiate; parts may arrive in
// any order and Complete assembles them in part-number order.
type Store interface {
	// Put streams body into the named object, replacing any existing
	// object of that name.
	Put(ctx context.Context, name string, body io.Reader, opts PutOptions) error

	// Get opens the named object for reading. The caller must close
	// the returned reader.
	Get(ctx context.Context, name string) (io.ReadCloser, ObjectInfo, error)

	// Exists reports whether the named object is present.
	Exists(ctx context.Context, name string) (bool, error)

	// Stat returns the object's metadata without opening it.
	Stat(ctx context.Context, name string) (ObjectInfo, error)

	// Remove deletes the named object. Removing an absent object
	// returns ErrNotExist.
	Remove(ctx context.Context, name string) error

	// Copy duplicates src into dst within the store, metadata
	// included.
	Copy(ctx context.Context, src, dst string) error

	// SetAccess updates the access level of an existing object.
	SetAccess(ctx context.Context, name string, publicRead bool) error

	// Initiate starts a multipart session targeting name and returns
	// the session ID.
	Initiate(ctx context.Context, name string, opts PutOptions) (string, error)

	// UploadPart stores one part of the session. Re-uploading a part
	// number replaces it.
	UploadPart(ctx context.Context, uploadID string, number int, body io.Reader) (Part, error)

	// ListParts returns the parts uploaded so far, ordered by part
	// number.
	ListParts(ctx context.Context, uploadID string) ([]Part, error)

	// Complete assembles the listed parts into the target object and
	// ends the session.
	Complete(ctx context.Context, uploadID string, parts []Part) error

	// Abort discards the session and any uploaded parts.
	Abort(ctx context.Context, uploadID string) error
}
