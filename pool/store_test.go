// Copyright 2026 The Blobpool Authors
// SPDX-License-Identifier: Apache-2.0

package pool_test

import (
	"bytes"
	"context"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/blobpool/blobpool/lib/backend"
	"github.com/blobpool/blobpool/lib/blob"
	"github.com/blobpool/blobpool/lib/clock"
	"github.com/blobpool/blobpool/lib/config"
	"github.com/blobpool/blobpool/lib/namedb"
	"github.com/blobpool/blobpool/pool"
)

type testPool struct {
	store   *pool.Store
	db      *namedb.DB
	primary *backend.FS
	backup  *backend.FS
	clk     *clock.Fake
}

func newTestPool(t *testing.T, cfg *config.Config) *testPool {
	t.Helper()
	db, err := namedb.Open(t.TempDir() + "/names.db")
	if err != nil {
		t.Fatalf("namedb.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	primary, err := backend.OpenFS(t.TempDir())
	if err != nil {
		t.Fatalf("OpenFS primary: %v", err)
	}
	backup, err := backend.OpenFS(t.TempDir())
	if err != nil {
		t.Fatalf("OpenFS backup: %v", err)
	}
	dumps, err := backend.OpenFS(t.TempDir())
	if err != nil {
		t.Fatalf("OpenFS dumps: %v", err)
	}

	if cfg == nil {
		cfg = &config.Config{}
	}
	clk := clock.NewFake()
	store := pool.New(pool.Config{
		DB:       db,
		Backend:  primary,
		Backup:   backup,
		Dumps:    dumps,
		Settings: config.NewStatic(cfg),
		Clock:    clk,
	})
	return &testPool{store: store, db: db, primary: primary, backup: backup, clk: clk}
}

func TestPutAndOpen(t *testing.T) {
	tp := newTestPool(t, nil)
	ctx := context.Background()

	content := "the quick brown fox"
	hash, size, err := tp.store.Put(ctx, "alice", "docs/fox.txt", strings.NewReader(content), "text/plain")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if size != int64(len(content)) {
		t.Errorf("size = %d, want %d", size, len(content))
	}
	want := blob.Sum([]byte(content))
	if hash != want {
		t.Errorf("hash = %s, want %s", hash, want)
	}

	body, info, err := tp.store.Open(ctx, "alice", "docs/fox.txt")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("reading: %v", err)
	}
	if string(data) != content {
		t.Errorf("data = %q, want %q", data, content)
	}
	if info.ContentType != "text/plain" {
		t.Errorf("ContentType = %q, want text/plain", info.ContentType)
	}

	recorded, err := tp.store.Size(ctx, hash)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if recorded != size {
		t.Errorf("recorded size = %d, want %d", recorded, size)
	}
}

func TestOpenUnmappedName(t *testing.T) {
	tp := newTestPool(t, nil)
	if _, _, err := tp.store.Open(context.Background(), "alice", "ghost"); !errors.Is(err, pool.ErrNotFound) {
		t.Fatalf("Open unmapped: got %v, want ErrNotFound", err)
	}
}

func TestDeduplication(t *testing.T) {
	tp := newTestPool(t, nil)
	ctx := context.Background()
	content := strings.Repeat("payload", 100)

	hashA, _, err := tp.store.Put(ctx, "alice", "a.bin", strings.NewReader(content), "application/octet-stream")
	if err != nil {
		t.Fatalf("Put alice: %v", err)
	}
	hashB, _, err := tp.store.Put(ctx, "bob", "totally/different/name", strings.NewReader(content), "application/octet-stream")
	if err != nil {
		t.Fatalf("Put bob: %v", err)
	}
	if hashA != hashB {
		t.Fatalf("identical content hashed differently: %s vs %s", hashA, hashB)
	}

	// Deleting one reference keeps the blob for the other.
	if err := tp.store.Delete(ctx, "alice", "a.bin"); err != nil {
		t.Fatalf("Delete alice: %v", err)
	}
	exists, err := tp.store.Exists(ctx, hashA)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !exists {
		t.Fatal("blob deleted while still referenced")
	}
	if _, _, err := tp.store.Open(ctx, "bob", "totally/different/name"); err != nil {
		t.Fatalf("Open surviving reference: %v", err)
	}

	// Deleting the last reference reclaims the blob.
	if err := tp.store.Delete(ctx, "bob", "totally/different/name"); err != nil {
		t.Fatalf("Delete bob: %v", err)
	}
	exists, err = tp.store.Exists(ctx, hashA)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if exists {
		t.Error("blob survived deletion of its last reference")
	}
	if _, err := tp.store.Size(ctx, hashA); !errors.Is(err, pool.ErrNotFound) {
		t.Errorf("Size after reclaim: got %v, want ErrNotFound", err)
	}
}

func TestRemapReleasesOldBlob(t *testing.T) {
	tp := newTestPool(t, nil)
	ctx := context.Background()

	oldHash, _, err := tp.store.Put(ctx, "alice", "avatar", strings.NewReader("v1"), "text/plain")
	if err != nil {
		t.Fatalf("Put v1: %v", err)
	}
	if _, _, err := tp.store.Put(ctx, "alice", "avatar", strings.NewReader("v2"), "text/plain"); err != nil {
		t.Fatalf("Put v2: %v", err)
	}

	// The old blob is unreferenced but not reclaimed until an
	// explicit delete; its mapping row is simply gone.
	got, err := tp.store.Resolve(ctx, "alice", "avatar")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got == oldHash {
		t.Error("name still resolves to the replaced blob")
	}
}

func TestCopySharesBlob(t *testing.T) {
	tp := newTestPool(t, nil)
	ctx := context.Background()

	hash, _, err := tp.store.Put(ctx, "alice", "orig", strings.NewReader("shared bytes"), "")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tp.store.Copy(ctx, "alice", "orig", "dup"); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	got, err := tp.store.Resolve(ctx, "alice", "dup")
	if err != nil {
		t.Fatalf("Resolve copy: %v", err)
	}
	if got != hash {
		t.Errorf("copy resolves to %s, want %s", got, hash)
	}

	// Deleting the original keeps the blob alive through the copy.
	if err := tp.store.Delete(ctx, "alice", "orig"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	exists, err := tp.store.Exists(ctx, hash)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !exists {
		t.Error("blob reclaimed while the copied name still references it")
	}

	if err := tp.store.Copy(ctx, "alice", "nonexistent", "x"); !errors.Is(err, pool.ErrNotFound) {
		t.Errorf("Copy of unmapped name: got %v, want ErrNotFound", err)
	}
}

func TestReadBlocksOnWrite(t *testing.T) {
	tp := newTestPool(t, nil)
	ctx := context.Background()

	pr, pw := io.Pipe()
	putDone := make(chan error, 1)
	go func() {
		_, _, err := tp.store.Put(ctx, "alice", "contended", pr, "text/plain")
		putDone <- err
	}()
	// Let the write register itself before the reader arrives.
	time.Sleep(50 * time.Millisecond)

	openDone := make(chan error, 1)
	go func() {
		body, _, err := tp.store.Open(ctx, "alice", "contended")
		if err == nil {
			body.Close()
		}
		openDone <- err
	}()

	select {
	case err := <-openDone:
		t.Fatalf("Open returned (%v) while the write was still in flight", err)
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := pw.Write([]byte("payload")); err != nil {
		t.Fatalf("feeding upload: %v", err)
	}
	pw.Close()
	if err := <-putDone; err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := <-openDone; err != nil {
		t.Fatalf("Open after write landed: %v", err)
	}
}

func TestReadOnlyMode(t *testing.T) {
	tp := newTestPool(t, &config.Config{ReadOnly: true})
	ctx := context.Background()

	if _, _, err := tp.store.Put(ctx, "alice", "x", strings.NewReader("x"), ""); !errors.Is(err, pool.ErrReadOnly) {
		t.Errorf("Put: got %v, want ErrReadOnly", err)
	}
	if err := tp.store.Delete(ctx, "alice", "x"); !errors.Is(err, pool.ErrReadOnly) {
		t.Errorf("Delete: got %v, want ErrReadOnly", err)
	}
	if err := tp.store.InitiateMultipart(ctx, "alice", "x", ""); !errors.Is(err, pool.ErrReadOnly) {
		t.Errorf("InitiateMultipart: got %v, want ErrReadOnly", err)
	}
	if _, err := tp.store.UploadMultipartPart(ctx, "alice", "x", 1, strings.NewReader("x")); !errors.Is(err, pool.ErrReadOnly) {
		t.Errorf("UploadMultipartPart: got %v, want ErrReadOnly", err)
	}
	if _, _, err := tp.store.CompleteMultipart(ctx, "alice", "x", nil); !errors.Is(err, pool.ErrReadOnly) {
		t.Errorf("CompleteMultipart: got %v, want ErrReadOnly", err)
	}
	if err := tp.store.AbortMultipart(ctx, "alice", "x"); !errors.Is(err, pool.ErrReadOnly) {
		t.Errorf("AbortMultipart: got %v, want ErrReadOnly", err)
	}
	if err := tp.store.PutDump(ctx, pool.DumpPrefix+"/d", strings.NewReader("x"), ""); !errors.Is(err, pool.ErrReadOnly) {
		t.Errorf("PutDump: got %v, want ErrReadOnly", err)
	}
}

func pngChunk(typ string, payload []byte) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(len(payload)))
	buf.WriteString(typ)
	buf.Write(payload)
	crc := crc32.NewIEEE()
	crc.Write([]byte(typ))
	crc.Write(payload)
	binary.Write(&buf, binary.BigEndian, crc.Sum32())
	return buf.Bytes()
}

func pngFile(chunks ...[]byte) []byte {
	out := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

func TestPNGUploadsCanonicalize(t *testing.T) {
	tp := newTestPool(t, nil)
	ctx := context.Background()

	ihdr := pngChunk("IHDR", make([]byte, 13))
	idat := pngChunk("IDAT", []byte{0x78, 0x9c, 0x03, 0x00})
	iend := pngChunk("IEND", nil)

	exportA := pngFile(ihdr, pngChunk("tIME", []byte{7, 0xe8, 1, 1, 0, 0, 0}), idat, iend)
	exportB := pngFile(ihdr, pngChunk("tIME", []byte{7, 0xe9, 6, 30, 12, 0, 0}), idat, iend)

	hashA, _, err := tp.store.Put(ctx, "alice", "img-a.png", bytes.NewReader(exportA), "image/png")
	if err != nil {
		t.Fatalf("Put exportA: %v", err)
	}
	hashB, _, err := tp.store.Put(ctx, "alice", "img-b.png", bytes.NewReader(exportB), "image/png")
	if err != nil {
		t.Fatalf("Put exportB: %v", err)
	}
	if hashA != hashB {
		t.Error("timestamp-only PNG variants did not dedup")
	}

	// The canonicalizer recognizes PNGs by signature, so the
	// declared content type never changes the address.
	hashOctet, _, err := tp.store.Put(ctx, "alice", "img-c.bin", bytes.NewReader(exportA), "application/octet-stream")
	if err != nil {
		t.Fatalf("Put octet-stream: %v", err)
	}
	if hashOctet != hashA {
		t.Errorf("same PNG bytes hashed differently by declared content type: %s vs %s", hashOctet, hashA)
	}

	// Only the raw path hashes the bytes exactly as received, so
	// they land under a different address.
	hashRaw, _, err := tp.store.PutRaw(ctx, "alice", "img-raw", bytes.NewReader(exportA), "application/octet-stream")
	if err != nil {
		t.Fatalf("PutRaw: %v", err)
	}
	if hashRaw == hashA {
		t.Error("raw upload unexpectedly matched the canonicalized hash")
	}
	if want := blob.Sum(exportA); hashRaw != want {
		t.Errorf("raw hash = %s, want %s", hashRaw, want)
	}
}

func TestMultipartLifecycle(t *testing.T) {
	tp := newTestPool(t, nil)
	ctx := context.Background()

	if err := tp.store.InitiateMultipart(ctx, "alice", "big.bin", "application/octet-stream"); err != nil {
		t.Fatalf("InitiateMultipart: %v", err)
	}

	part2, err := tp.store.UploadMultipartPart(ctx, "alice", "big.bin", 2, strings.NewReader("-second"))
	if err != nil {
		t.Fatalf("UploadMultipartPart 2: %v", err)
	}
	part1, err := tp.store.UploadMultipartPart(ctx, "alice", "big.bin", 1, strings.NewReader("first"))
	if err != nil {
		t.Fatalf("UploadMultipartPart 1: %v", err)
	}

	parts, err := tp.store.ListMultipartParts(ctx, "alice", "big.bin")
	if err != nil {
		t.Fatalf("ListMultipartParts: %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("parts = %d, want 2", len(parts))
	}

	hash, size, err := tp.store.CompleteMultipart(ctx, "alice", "big.bin", []backend.Part{part1, part2})
	if err != nil {
		t.Fatalf("CompleteMultipart: %v", err)
	}
	content := "first-second"
	if size != int64(len(content)) {
		t.Errorf("size = %d, want %d", size, len(content))
	}
	if want := blob.Sum([]byte(content)); hash != want {
		t.Errorf("hash = %s, want %s", hash, want)
	}

	body, _, err := tp.store.Open(ctx, "alice", "big.bin")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("reading: %v", err)
	}
	if string(data) != content {
		t.Errorf("data = %q, want %q", data, content)
	}

	// The session and its temporary object are gone.
	if _, err := tp.store.ListMultipartParts(ctx, "alice", "big.bin"); !errors.Is(err, pool.ErrNotFound) {
		t.Errorf("ListMultipartParts after complete: got %v, want ErrNotFound", err)
	}

	// Completion paces its assembly steps.
	if slept := tp.clk.Slept(); slept < 200*time.Millisecond {
		t.Errorf("slept %v during completion, want at least 200ms", slept)
	}
}

func TestMultipartAbort(t *testing.T) {
	tp := newTestPool(t, nil)
	ctx := context.Background()

	if err := tp.store.InitiateMultipart(ctx, "alice", "junk", ""); err != nil {
		t.Fatalf("InitiateMultipart: %v", err)
	}
	if _, err := tp.store.UploadMultipartPart(ctx, "alice", "junk", 1, strings.NewReader("x")); err != nil {
		t.Fatalf("UploadMultipartPart: %v", err)
	}
	if err := tp.store.AbortMultipart(ctx, "alice", "junk"); err != nil {
		t.Fatalf("AbortMultipart: %v", err)
	}
	if _, err := tp.store.ListMultipartParts(ctx, "alice", "junk"); !errors.Is(err, pool.ErrNotFound) {
		t.Errorf("ListMultipartParts after abort: got %v, want ErrNotFound", err)
	}
	if _, err := tp.store.Resolve(ctx, "alice", "junk"); !errors.Is(err, pool.ErrNotFound) {
		t.Errorf("aborted upload produced a mapping: %v", err)
	}
}

// faultStore passes through to the wrapped store until failReads is
// set, then fails every Get of a matching name.
type faultStore struct {
	backend.Store
	failReads string
}

func (f *faultStore) Get(ctx context.Context, name string) (io.ReadCloser, backend.ObjectInfo, error) {
	if f.failReads != "" && strings.HasPrefix(name, f.failReads) {
		return nil, backend.ObjectInfo{}, errors.New("read failed")
	}
	return f.Store.Get(ctx, name)
}

func TestCompleteMultipartFailureLogged(t *testing.T) {
	db, err := namedb.Open(t.TempDir() + "/names.db")
	if err != nil {
		t.Fatalf("namedb.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	primary, err := backend.OpenFS(t.TempDir())
	if err != nil {
		t.Fatalf("OpenFS: %v", err)
	}
	faulty := &faultStore{Store: primary}
	var logs bytes.Buffer
	store := pool.New(pool.Config{
		DB:       db,
		Backend:  faulty,
		Settings: config.NewStatic(&config.Config{}),
		Clock:    clock.NewFake(),
		Logger:   slog.New(slog.NewTextHandler(&logs, nil)),
	})
	ctx := context.Background()

	if err := store.InitiateMultipart(ctx, "alice", "big.bin", "application/octet-stream"); err != nil {
		t.Fatalf("InitiateMultipart: %v", err)
	}
	if _, err := store.UploadMultipartPart(ctx, "alice", "big.bin", 1, strings.NewReader("part one")); err != nil {
		t.Fatalf("UploadMultipartPart: %v", err)
	}
	parts, err := store.ListMultipartParts(ctx, "alice", "big.bin")
	if err != nil {
		t.Fatalf("ListMultipartParts: %v", err)
	}

	faulty.failReads = "multitmp/"
	if _, _, err := store.CompleteMultipart(ctx, "alice", "big.bin", parts); err == nil {
		t.Fatal("CompleteMultipart succeeded against a failing backend")
	}
	if !strings.Contains(logs.String(), "multipart completion failed") {
		t.Errorf("failure after assembly was not logged: %q", logs.String())
	}

	// The session row and the assembled object both survive, so the
	// completion can be retried or the session aborted.
	session, err := db.GetMultipart(ctx, "alice", "big.bin")
	if err != nil {
		t.Fatalf("session row gone after failed completion: %v", err)
	}
	exists, err := primary.Exists(ctx, session.TempName)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !exists {
		t.Error("assembled object gone after failed completion")
	}
	if _, err := store.Resolve(ctx, "alice", "big.bin"); !errors.Is(err, pool.ErrNotFound) {
		t.Errorf("failed completion produced a mapping: %v", err)
	}
}

func TestBackupSweep(t *testing.T) {
	tp := newTestPool(t, nil)
	ctx := context.Background()

	hash, _, err := tp.store.Put(ctx, "alice", "keep.bin", strings.NewReader("replicate me"), "")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	exists, err := tp.backup.Exists(ctx, hash.Path())
	if err != nil {
		t.Fatalf("backup Exists: %v", err)
	}
	if exists {
		t.Fatal("blob replicated before sweep")
	}

	if err := tp.store.RunBackup(ctx); err != nil {
		t.Fatalf("RunBackup: %v", err)
	}
	exists, err = tp.backup.Exists(ctx, hash.Path())
	if err != nil {
		t.Fatalf("backup Exists: %v", err)
	}
	if !exists {
		t.Fatal("sweep did not replicate the blob")
	}

	pending, err := tp.db.ListPendingBackups(ctx)
	if err != nil {
		t.Fatalf("ListPendingBackups: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending after sweep = %d, want 0", len(pending))
	}

	// Re-running the sweep with nothing queued is a no-op.
	if err := tp.store.RunBackup(ctx); err != nil {
		t.Fatalf("RunBackup again: %v", err)
	}

	// Deleting the last reference reclaims the backup copy too.
	if err := tp.store.Delete(ctx, "alice", "keep.bin"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	exists, err = tp.backup.Exists(ctx, hash.Path())
	if err != nil {
		t.Fatalf("backup Exists: %v", err)
	}
	if exists {
		t.Error("backup copy survived reclamation")
	}
}

func TestBackupSweepIdempotent(t *testing.T) {
	tp := newTestPool(t, nil)
	ctx := context.Background()

	hash, _, err := tp.store.Put(ctx, "alice", "x", strings.NewReader("data"), "")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	// Simulate a sweep that copied the blob but crashed before
	// clearing the queue entry.
	if err := tp.store.RunBackup(ctx); err != nil {
		t.Fatalf("RunBackup: %v", err)
	}
	if err := tp.db.PutPendingBackup(ctx, hash); err != nil {
		t.Fatalf("PutPendingBackup: %v", err)
	}
	if err := tp.store.RunBackup(ctx); err != nil {
		t.Fatalf("RunBackup after requeue: %v", err)
	}
	pending, err := tp.db.ListPendingBackups(ctx)
	if err != nil {
		t.Fatalf("ListPendingBackups: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending = %d, want 0", len(pending))
	}
}

func TestBackupSweepRestoresPrimary(t *testing.T) {
	tp := newTestPool(t, nil)
	ctx := context.Background()

	hash, _, err := tp.store.Put(ctx, "alice", "orphan.bin", strings.NewReader("only in backup"), "text/plain")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tp.store.RunBackup(ctx); err != nil {
		t.Fatalf("RunBackup: %v", err)
	}
	// Lose the primary copy, then requeue the blob as if a write
	// had raced the loss.
	if err := tp.primary.Remove(ctx, hash.Path()); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := tp.db.PutPendingBackup(ctx, hash); err != nil {
		t.Fatalf("PutPendingBackup: %v", err)
	}

	if err := tp.store.RunBackup(ctx); err != nil {
		t.Fatalf("RunBackup after loss: %v", err)
	}
	body, info, err := tp.primary.Get(ctx, hash.Path())
	if err != nil {
		t.Fatalf("primary Get after restore: %v", err)
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("reading restored blob: %v", err)
	}
	if string(data) != "only in backup" {
		t.Errorf("restored content = %q", data)
	}
	if info.ContentType != "text/plain" {
		t.Errorf("restored content type = %q, want text/plain", info.ContentType)
	}
	if !info.PublicRead {
		t.Error("restored blob is not public")
	}
	pending, err := tp.db.ListPendingBackups(ctx)
	if err != nil {
		t.Fatalf("ListPendingBackups: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending after restore = %d, want 0", len(pending))
	}
}

func TestDumpsNamespace(t *testing.T) {
	tp := newTestPool(t, nil)
	ctx := context.Background()

	name := pool.DumpPrefix + "/2026-09-01.sql.gz"
	if err := tp.store.PutDump(ctx, name, strings.NewReader("dump bytes"), "application/gzip"); err != nil {
		t.Fatalf("PutDump: %v", err)
	}

	body, info, err := tp.store.OpenDump(ctx, name)
	if err != nil {
		t.Fatalf("OpenDump: %v", err)
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("reading dump: %v", err)
	}
	if string(data) != "dump bytes" {
		t.Errorf("data = %q, want %q", data, "dump bytes")
	}
	if info.ContentType != "application/gzip" {
		t.Errorf("ContentType = %q, want application/gzip", info.ContentType)
	}

	// Dump content is never content-addressed.
	want := blob.Sum([]byte("dump bytes"))
	exists, err := tp.store.Exists(ctx, want)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if exists {
		t.Error("dump object leaked into the content-addressed namespace")
	}

	if err := tp.store.DeleteDump(ctx, name); err != nil {
		t.Fatalf("DeleteDump: %v", err)
	}
	if _, _, err := tp.store.OpenDump(ctx, name); !errors.Is(err, pool.ErrNotFound) {
		t.Errorf("OpenDump after delete: got %v, want ErrNotFound", err)
	}

	if err := tp.store.PutDump(ctx, "outside/name", strings.NewReader("x"), ""); err == nil {
		t.Error("PutDump outside the namespace: want error, got nil")
	}
}

func TestIsDump(t *testing.T) {
	cases := []struct {
		name string
		want bool
	}{
		{"backups/dumps", true},
		{"backups/dumps/file.sql", true},
		{"backups/dumpster", false},
		{"blobs/a/abc/x", false},
		{"", false},
	}
	for _, c := range cases {
		if got := pool.IsDump(c.name); got != c.want {
			t.Errorf("IsDump(%q) = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestPutRawExpect(t *testing.T) {
	tp := newTestPool(t, nil)
	ctx := context.Background()
	content := []byte("precommitted bytes")

	// A wrong declared hash stores and maps nothing.
	wrong := blob.Sum([]byte("something else"))
	if _, _, err := tp.store.PutRawExpect(ctx, "alice", "f.bin", bytes.NewReader(content), "", wrong); !errors.Is(err, pool.ErrHashMismatch) {
		t.Fatalf("PutRawExpect wrong hash: got %v, want ErrHashMismatch", err)
	}
	if _, err := tp.store.Resolve(ctx, "alice", "f.bin"); !errors.Is(err, pool.ErrNotFound) {
		t.Fatalf("mismatch created a mapping: %v", err)
	}
	exists, err := tp.store.Exists(ctx, blob.Sum(content))
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if exists {
		t.Fatal("mismatch stored the blob anyway")
	}

	size, stored, err := tp.store.PutRawExpect(ctx, "alice", "f.bin", bytes.NewReader(content), "application/octet-stream", blob.Sum(content))
	if err != nil {
		t.Fatalf("PutRawExpect: %v", err)
	}
	if !stored {
		t.Error("stored = false for new content")
	}
	if size != int64(len(content)) {
		t.Errorf("size = %d, want %d", size, len(content))
	}
	got, err := tp.store.Resolve(ctx, "alice", "f.bin")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != blob.Sum(content) {
		t.Errorf("mapping = %s, want %s", got, blob.Sum(content))
	}
}

func TestPutContentAndMapName(t *testing.T) {
	tp := newTestPool(t, nil)
	ctx := context.Background()

	hash, _, stored, err := tp.store.PutContent(ctx, strings.NewReader("unowned bytes"), "text/plain")
	if err != nil {
		t.Fatalf("PutContent: %v", err)
	}
	if !stored {
		t.Error("stored = false for new content")
	}

	// No mapping exists until one is made explicitly.
	if _, err := tp.store.Resolve(ctx, "alice", "claimed"); !errors.Is(err, pool.ErrNotFound) {
		t.Fatalf("Resolve before MapName: %v", err)
	}
	if err := tp.store.MapName(ctx, "alice", "claimed", hash); err != nil {
		t.Fatalf("MapName: %v", err)
	}
	got, err := tp.store.Resolve(ctx, "alice", "claimed")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != hash {
		t.Errorf("mapping = %s, want %s", got, hash)
	}

	// Restoring the same content reports it as already present.
	_, _, stored, err = tp.store.PutContent(ctx, strings.NewReader("unowned bytes"), "text/plain")
	if err != nil {
		t.Fatalf("PutContent again: %v", err)
	}
	if stored {
		t.Error("stored = true for duplicate content")
	}
}

func TestHashStability(t *testing.T) {
	// The content address is plain SHA-512 of the stored bytes.
	content := []byte("stable")
	sum := sha512.Sum512(content)
	if got := blob.Sum(content); !bytes.Equal(got[:], sum[:]) {
		t.Error("blob.Sum disagrees with sha512.Sum512")
	}
}
