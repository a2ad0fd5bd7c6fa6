// Copyright 2026 The Blobpool Authors
// SPDX-License-Identifier: Apache-2.0

// Package pool implements the deduplicating content store. Every
// object a user uploads is hashed with SHA-512 and stored once under
// its content address; the mapping from the user's name to the hash
// lives in the name database. Uploading bytes the pool already holds
// costs one mapping row, not a second copy.
//
// PNG uploads are canonicalized before hashing: volatile metadata
// chunks (modification times, creation timestamps) are stripped so
// that two exports of the same image dedup to one blob.
package pool

import (
	"context"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/blobpool/blobpool/lib/backend"
	"github.com/blobpool/blobpool/lib/blob"
	"github.com/blobpool/blobpool/lib/clock"
	"github.com/blobpool/blobpool/lib/config"
	"github.com/blobpool/blobpool/lib/namedb"
	"github.com/blobpool/blobpool/lib/pngstrip"
)

// ErrReadOnly is returned by every mutating operation while the pool
// is in maintenance mode.
var ErrReadOnly = fmt.Errorf("pool: read-only maintenance mode")

// ErrNotFound is returned when a name has no mapping or a hash has no
// blob.
var ErrNotFound = fmt.Errorf("pool: not found")

// ErrHashMismatch is returned when a caller pre-commits to a content
// hash and the uploaded bytes hash to something else.
var ErrHashMismatch = fmt.Errorf("pool: content does not match declared hash")

// DumpPrefix is the namespace that bypasses deduplication entirely.
// Objects under it are stored by name, never hashed or refcounted.
const DumpPrefix = "backups/dumps"

// multipartTempPrefix is where in-progress multipart uploads
// assemble before their content hash is known.
const multipartTempPrefix = "multitmp/"

// Config holds the dependencies for a Store.
type Config struct {
	DB      *namedb.DB
	Backend backend.Store

	// Backup receives a copy of every blob via RunBackup. Nil
	// disables replication.
	Backup backend.Store

	// Dumps stores the pass-through namespace of DumpPrefix.
	Dumps backend.Store

	Settings *config.Store
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Store is the deduplicating pool. Safe for concurrent use.
type Store struct {
	db       *namedb.DB
	backend  backend.Store
	backup   backend.Store
	dumps    backend.Store
	settings *config.Store
	clk      clock.Clock
	logger   *slog.Logger
	writes   *coalescer
}

// New creates a Store from its dependencies.
func New(cfg Config) *Store {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:       cfg.DB,
		backend:  cfg.Backend,
		backup:   cfg.Backup,
		dumps:    cfg.Dumps,
		settings: cfg.Settings,
		clk:      clk,
		logger:   logger,
		writes:   newCoalescer(),
	}
}

// IsDump reports whether name belongs to the pass-through namespace.
func IsDump(name string) bool {
	return name == DumpPrefix || strings.HasPrefix(name, DumpPrefix+"/")
}

// IsMultipartTemp reports whether name is an in-progress multipart
// assembly object.
func IsMultipartTemp(name string) bool {
	return strings.HasPrefix(name, multipartTempPrefix)
}

func (s *Store) readOnly() bool {
	return s.settings != nil && s.settings.Snapshot().ReadOnly
}

// Put stores body under identity+name, deduplicating against every
// blob already in the pool. The body is canonicalized before
// hashing; the canonicalizer recognizes PNG streams by signature, so
// the declared content type never affects the hash. Returns the
// content hash and the stored size.
func (s *Store) Put(ctx context.Context, identity, name string, body io.Reader, contentType string) (blob.Hash, int64, error) {
	return s.put(ctx, identity, name, body, contentType, false)
}

// PutRaw is Put without canonicalization: the hash is computed over
// the body bytes exactly as received.
func (s *Store) PutRaw(ctx context.Context, identity, name string, body io.Reader, contentType string) (blob.Hash, int64, error) {
	return s.put(ctx, identity, name, body, contentType, true)
}

// writeKey is the coalescer key for an in-flight write to
// identity+name.
func writeKey(identity, name string) string {
	return identity + "\x00" + name
}

func (s *Store) put(ctx context.Context, identity, name string, body io.Reader, contentType string, raw bool) (blob.Hash, int64, error) {
	if s.readOnly() {
		return blob.Hash{}, 0, ErrReadOnly
	}

	release, err := s.writes.begin(ctx, writeKey(identity, name))
	if err != nil {
		return blob.Hash{}, 0, err
	}
	defer release()

	hash, size, stored, err := s.putContent(ctx, body, contentType, raw, nil)
	if err != nil {
		return blob.Hash{}, 0, err
	}

	// The mapping is written last: a name never points at a blob
	// that is not fully stored.
	if err := s.db.PutMap(ctx, identity, name, hash); err != nil {
		return blob.Hash{}, 0, fmt.Errorf("mapping %s:%s: %w", identity, name, err)
	}

	s.logger.Debug("blob stored",
		"identity", identity,
		"hash", hash.String(),
		"size", size,
		"deduplicated", !stored)
	return hash, size, nil
}

// PutContent stores body in the pool without creating any name
// mapping. The body is canonicalized before hashing. The returned
// bool reports whether the bytes were new to the pool.
func (s *Store) PutContent(ctx context.Context, body io.Reader, contentType string) (blob.Hash, int64, bool, error) {
	if s.readOnly() {
		return blob.Hash{}, 0, false, ErrReadOnly
	}
	return s.putContent(ctx, body, contentType, false, nil)
}

// MapName points identity+name at an already-stored blob.
func (s *Store) MapName(ctx context.Context, identity, name string, hash blob.Hash) error {
	if s.readOnly() {
		return ErrReadOnly
	}
	release, err := s.writes.begin(ctx, writeKey(identity, name))
	if err != nil {
		return err
	}
	defer release()
	return s.db.PutMap(ctx, identity, name, hash)
}

// PutRawExpect stores body under identity+name only if its raw
// SHA-512 equals want; otherwise nothing is stored or mapped and
// ErrHashMismatch is returned. The bool reports whether the bytes
// were new to the pool.
func (s *Store) PutRawExpect(ctx context.Context, identity, name string, body io.Reader, contentType string, want blob.Hash) (int64, bool, error) {
	if s.readOnly() {
		return 0, false, ErrReadOnly
	}
	release, err := s.writes.begin(ctx, writeKey(identity, name))
	if err != nil {
		return 0, false, err
	}
	defer release()

	_, size, stored, err := s.putContent(ctx, body, contentType, true, &want)
	if err != nil {
		return 0, false, err
	}
	if err := s.db.PutMap(ctx, identity, name, want); err != nil {
		return 0, false, fmt.Errorf("mapping %s:%s: %w", identity, name, err)
	}
	return size, stored, nil
}

// putContent spools body to a local temp file while hashing, then
// stores the blob at its content address if it is new. Unless raw is
// set the body passes through the canonicalizer first. When want is
// non-nil the computed hash must equal *want or nothing is written.
func (s *Store) putContent(ctx context.Context, body io.Reader, contentType string, raw bool, want *blob.Hash) (blob.Hash, int64, bool, error) {
	// Spool to a local temp file while hashing: the content address
	// is not known until the whole body has been read.
	tmp, err := os.CreateTemp("", "blobpool-put-*")
	if err != nil {
		return blob.Hash{}, 0, false, fmt.Errorf("spooling upload: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	digest := sha512.New()
	spool := io.MultiWriter(tmp, digest)
	if raw {
		_, err = io.Copy(spool, body)
	} else {
		err = pngstrip.Rewrite(spool, body)
	}
	if err != nil {
		return blob.Hash{}, 0, false, fmt.Errorf("spooling upload: %w", err)
	}
	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return blob.Hash{}, 0, false, fmt.Errorf("spooling upload: %w", err)
	}

	var hash blob.Hash
	digest.Sum(hash[:0])
	if want != nil && hash != *want {
		return blob.Hash{}, 0, false, ErrHashMismatch
	}

	exists, err := s.backend.Exists(ctx, hash.Path())
	if err != nil {
		return blob.Hash{}, 0, false, fmt.Errorf("storing %s: %w", hash, err)
	}
	if !exists {
		if _, err := tmp.Seek(0, io.SeekStart); err != nil {
			return blob.Hash{}, 0, false, fmt.Errorf("storing %s: %w", hash, err)
		}
		err = s.backend.Put(ctx, hash.Path(), tmp, backend.PutOptions{
			ContentType: contentType,
			PublicRead:  true,
		})
		if err != nil {
			return blob.Hash{}, 0, false, fmt.Errorf("storing %s: %w", hash, err)
		}
		if err := s.db.PutPendingBackup(ctx, hash); err != nil {
			return blob.Hash{}, 0, false, fmt.Errorf("storing %s: %w", hash, err)
		}
		if err := s.db.PutFileSize(ctx, hash, size); err != nil {
			return blob.Hash{}, 0, false, fmt.Errorf("storing %s: %w", hash, err)
		}
	}
	return hash, size, !exists, nil
}

// Resolve returns the hash mapped to identity+name.
func (s *Store) Resolve(ctx context.Context, identity, name string) (blob.Hash, error) {
	hash, err := s.db.GetMap(ctx, identity, name)
	if errors.Is(err, namedb.ErrNotFound) {
		return blob.Hash{}, ErrNotFound
	}
	return hash, err
}

// WaitFor blocks until no write for identity+name is in flight,
// reporting whether it had to wait. Readers call it before resolving
// so a name mid-write is observed after the write, not as missing.
func (s *Store) WaitFor(ctx context.Context, identity, name string) (bool, error) {
	return s.writes.await(ctx, writeKey(identity, name))
}

// Open returns a reader over the blob mapped to identity+name. If the
// name is mid-write, Open waits for the write to land first.
func (s *Store) Open(ctx context.Context, identity, name string) (io.ReadCloser, backend.ObjectInfo, error) {
	if _, err := s.WaitFor(ctx, identity, name); err != nil {
		return nil, backend.ObjectInfo{}, err
	}
	hash, err := s.Resolve(ctx, identity, name)
	if err != nil {
		return nil, backend.ObjectInfo{}, err
	}
	body, info, err := s.backend.Get(ctx, hash.Path())
	if errors.Is(err, backend.ErrNotExist) {
		return nil, backend.ObjectInfo{}, ErrNotFound
	}
	return body, info, err
}

// Stat returns the stored metadata for the blob mapped to
// identity+name.
func (s *Store) Stat(ctx context.Context, identity, name string) (blob.Hash, backend.ObjectInfo, error) {
	hash, err := s.Resolve(ctx, identity, name)
	if err != nil {
		return blob.Hash{}, backend.ObjectInfo{}, err
	}
	info, err := s.backend.Stat(ctx, hash.Path())
	if errors.Is(err, backend.ErrNotExist) {
		return blob.Hash{}, backend.ObjectInfo{}, ErrNotFound
	}
	return hash, info, err
}

// Exists reports whether the pool holds a blob with the given hash.
func (s *Store) Exists(ctx context.Context, hash blob.Hash) (bool, error) {
	return s.backend.Exists(ctx, hash.Path())
}

// Mapped reports whether any name in any namespace references the
// given hash.
func (s *Store) Mapped(ctx context.Context, hash blob.Hash) (bool, error) {
	return s.db.Mapped(ctx, hash)
}

// Copy gives toName its own mapping to the blob behind fromName. No
// bytes move; both names afterwards reference the same hash.
func (s *Store) Copy(ctx context.Context, identity, fromName, toName string) error {
	if s.readOnly() {
		return ErrReadOnly
	}
	hash, err := s.Resolve(ctx, identity, fromName)
	if err != nil {
		return err
	}
	release, err := s.writes.begin(ctx, writeKey(identity, toName))
	if err != nil {
		return err
	}
	defer release()
	return s.db.PutMap(ctx, identity, toName, hash)
}

// Delete removes the identity+name mapping. When the last reference
// to a blob disappears, the blob itself is deleted from the primary
// and backup stores.
func (s *Store) Delete(ctx context.Context, identity, name string) error {
	if s.readOnly() {
		return ErrReadOnly
	}
	hash, err := s.Resolve(ctx, identity, name)
	if err != nil {
		return err
	}
	if err := s.db.RemoveMap(ctx, identity, name); err != nil {
		return err
	}
	mapped, err := s.db.Mapped(ctx, hash)
	if err != nil {
		return err
	}
	if mapped {
		return nil
	}

	// Last reference gone: reclaim the blob everywhere.
	if err := s.db.RemovePendingBackup(ctx, hash); err != nil {
		return err
	}
	if err := s.db.RemoveFileSize(ctx, hash); err != nil {
		return err
	}
	if err := s.backend.Remove(ctx, hash.Path()); err != nil && !errors.Is(err, backend.ErrNotExist) {
		return fmt.Errorf("deleting %s: %w", hash, err)
	}
	if s.backup != nil {
		if err := s.backup.Remove(ctx, hash.Path()); err != nil && !errors.Is(err, backend.ErrNotExist) {
			return fmt.Errorf("deleting backup of %s: %w", hash, err)
		}
	}
	s.logger.Info("blob reclaimed", "hash", hash.String())
	return nil
}

// Size returns the recorded byte size of hash.
func (s *Store) Size(ctx context.Context, hash blob.Hash) (int64, error) {
	size, err := s.db.GetFileSize(ctx, hash)
	if errors.Is(err, namedb.ErrNotFound) {
		return 0, ErrNotFound
	}
	return size, err
}

// InitiateMultipart starts a multipart upload for identity+name. The
// parts assemble into a uniquely named temporary object; the content
// hash is computed at completion.
func (s *Store) InitiateMultipart(ctx context.Context, identity, name, contentType string) error {
	if s.readOnly() {
		return ErrReadOnly
	}
	now := s.clk.Now()
	tempName := fmt.Sprintf("%s%s-%d-%d", multipartTempPrefix, identity, now.UnixMilli(), now.Nanosecond())
	uploadID, err := s.backend.Initiate(ctx, tempName, backend.PutOptions{
		ContentType: contentType,
		PublicRead:  true,
	})
	if err != nil {
		return fmt.Errorf("initiating multipart for %s:%s: %w", identity, name, err)
	}
	err = s.db.PutMultipart(ctx, identity, name, namedb.MultipartSession{
		TempName: tempName,
		UploadID: uploadID,
	})
	if err != nil {
		return fmt.Errorf("initiating multipart for %s:%s: %w", identity, name, err)
	}
	return nil
}

func (s *Store) multipartSession(ctx context.Context, identity, name string) (namedb.MultipartSession, error) {
	session, err := s.db.GetMultipart(ctx, identity, name)
	if errors.Is(err, namedb.ErrNotFound) {
		return namedb.MultipartSession{}, ErrNotFound
	}
	return session, err
}

// UploadMultipartPart stores one part of the session for
// identity+name.
func (s *Store) UploadMultipartPart(ctx context.Context, identity, name string, number int, body io.Reader) (backend.Part, error) {
	if s.readOnly() {
		return backend.Part{}, ErrReadOnly
	}
	session, err := s.multipartSession(ctx, identity, name)
	if err != nil {
		return backend.Part{}, err
	}
	return s.backend.UploadPart(ctx, session.UploadID, number, body)
}

// ListMultipartParts returns the parts uploaded so far.
func (s *Store) ListMultipartParts(ctx context.Context, identity, name string) ([]backend.Part, error) {
	session, err := s.multipartSession(ctx, identity, name)
	if err != nil {
		return nil, err
	}
	return s.backend.ListParts(ctx, session.UploadID)
}

// AbortMultipart discards the session and its parts.
func (s *Store) AbortMultipart(ctx context.Context, identity, name string) error {
	if s.readOnly() {
		return ErrReadOnly
	}
	session, err := s.multipartSession(ctx, identity, name)
	if err != nil {
		return err
	}
	if err := s.backend.Abort(ctx, session.UploadID); err != nil && !errors.Is(err, backend.ErrNotExist) {
		return err
	}
	return s.db.RemoveMultipart(ctx, identity, name)
}

// CompleteMultipart assembles the parts, hashes the result, and folds
// it into the pool like any other upload. This is the one path where
// hashing happens after the backend already holds the bytes, so the
// assembled object is read back through the canonicalizer. Short
// pauses between the assembly steps keep the backend call rate down.
func (s *Store) CompleteMultipart(ctx context.Context, identity, name string, parts []backend.Part) (blob.Hash, int64, error) {
	if s.readOnly() {
		return blob.Hash{}, 0, ErrReadOnly
	}
	session, err := s.multipartSession(ctx, identity, name)
	if err != nil {
		return blob.Hash{}, 0, err
	}

	release, err := s.writes.begin(ctx, writeKey(identity, name))
	if err != nil {
		return blob.Hash{}, 0, err
	}
	defer release()

	if err := s.backend.Complete(ctx, session.UploadID, parts); err != nil {
		return blob.Hash{}, 0, fmt.Errorf("completing multipart for %s:%s: %w", identity, name, err)
	}
	// Past this point a failure strands the assembled temp object
	// with no mapping, so every error is logged in full before it
	// propagates.
	fail := func(err error) (blob.Hash, int64, error) {
		s.logger.Error("multipart completion failed",
			"identity", identity,
			"name", name,
			"tempname", session.TempName,
			"error", err)
		return blob.Hash{}, 0, err
	}
	s.clk.Sleep(100 * time.Millisecond)

	assembled, info, err := s.backend.Get(ctx, session.TempName)
	if err != nil {
		return fail(fmt.Errorf("reading assembled upload %s: %w", session.TempName, err))
	}
	digest := sha512.New()
	err = pngstrip.Rewrite(digest, assembled)
	size := info.Size
	assembled.Close()
	if err != nil {
		return fail(fmt.Errorf("hashing assembled upload %s: %w", session.TempName, err))
	}
	var hash blob.Hash
	digest.Sum(hash[:0])

	exists, err := s.backend.Exists(ctx, hash.Path())
	if err != nil {
		return fail(fmt.Errorf("storing %s: %w", hash, err))
	}
	if !exists {
		if err := s.backend.Copy(ctx, session.TempName, hash.Path()); err != nil {
			return fail(fmt.Errorf("storing %s: %w", hash, err))
		}
		if err := s.db.PutPendingBackup(ctx, hash); err != nil {
			return fail(fmt.Errorf("storing %s: %w", hash, err))
		}
		if err := s.db.PutFileSize(ctx, hash, size); err != nil {
			return fail(fmt.Errorf("storing %s: %w", hash, err))
		}
	}
	s.clk.Sleep(100 * time.Millisecond)

	if err := s.backend.Remove(ctx, session.TempName); err != nil && !errors.Is(err, backend.ErrNotExist) {
		return fail(fmt.Errorf("removing assembled upload %s: %w", session.TempName, err))
	}
	if err := s.db.PutMap(ctx, identity, name, hash); err != nil {
		return fail(fmt.Errorf("mapping %s:%s: %w", identity, name, err))
	}
	if err := s.db.RemoveMultipart(ctx, identity, name); err != nil {
		return fail(err)
	}

	s.logger.Debug("multipart upload folded",
		"identity", identity,
		"hash", hash.String(),
		"size", size,
		"deduplicated", exists)
	return hash, size, nil
}

// PutDump stores body under its literal name in the dumps namespace.
func (s *Store) PutDump(ctx context.Context, name string, body io.Reader, contentType string) error {
	if s.readOnly() {
		return ErrReadOnly
	}
	if !IsDump(name) {
		return fmt.Errorf("pool: %q is not in the dumps namespace", name)
	}
	return s.dumps.Put(ctx, name, body, backend.PutOptions{ContentType: contentType})
}

// OpenDump opens a dumps-namespace object by its literal name.
func (s *Store) OpenDump(ctx context.Context, name string) (io.ReadCloser, backend.ObjectInfo, error) {
	if !IsDump(name) {
		return nil, backend.ObjectInfo{}, fmt.Errorf("pool: %q is not in the dumps namespace", name)
	}
	body, info, err := s.dumps.Get(ctx, name)
	if errors.Is(err, backend.ErrNotExist) {
		return nil, backend.ObjectInfo{}, ErrNotFound
	}
	return body, info, err
}

// DeleteDump removes a dumps-namespace object.
func (s *Store) DeleteDump(ctx context.Context, name string) error {
	if s.readOnly() {
		return ErrReadOnly
	}
	if !IsDump(name) {
		return fmt.Errorf("pool: %q is not in the dumps namespace", name)
	}
	err := s.dumps.Remove(ctx, name)
	if errors.Is(err, backend.ErrNotExist) {
		return ErrNotFound
	}
	return err
}
