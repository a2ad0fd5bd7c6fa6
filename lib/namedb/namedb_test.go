// Copyright 2026 The Blobpool Authors
// SPDX-License-Identifier: Apache-2.0

package namedb_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/blobpool/blobpool/lib/blob"
	"github.com/blobpool/blobpool/lib/namedb"
)

func openTestDB(t *testing.T) *namedb.DB {
	t.Helper()
	db, err := namedb.Open(filepath.Join(t.TempDir(), "names.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testHash(seed byte) blob.Hash {
	var h blob.Hash
	for i := range h {
		h[i] = seed
	}
	return h
}

func TestMapRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	hash := testHash(1)

	if _, err := db.GetMap(ctx, "alice", "photos/cat.png"); !errors.Is(err, namedb.ErrNotFound) {
		t.Fatalf("GetMap before put: got %v, want ErrNotFound", err)
	}

	if err := db.PutMap(ctx, "alice", "photos/cat.png", hash); err != nil {
		t.Fatalf("PutMap: %v", err)
	}
	got, err := db.GetMap(ctx, "alice", "photos/cat.png")
	if err != nil {
		t.Fatalf("GetMap: %v", err)
	}
	if got != hash {
		t.Errorf("GetMap = %s, want %s", got, hash)
	}

	// Same name under a different identity is a distinct mapping.
	if _, err := db.GetMap(ctx, "bob", "photos/cat.png"); !errors.Is(err, namedb.ErrNotFound) {
		t.Errorf("GetMap other identity: got %v, want ErrNotFound", err)
	}
}

func TestMapReplace(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.PutMap(ctx, "alice", "doc", testHash(1)); err != nil {
		t.Fatalf("PutMap: %v", err)
	}
	if err := db.PutMap(ctx, "alice", "doc", testHash(2)); err != nil {
		t.Fatalf("PutMap replace: %v", err)
	}
	got, err := db.GetMap(ctx, "alice", "doc")
	if err != nil {
		t.Fatalf("GetMap: %v", err)
	}
	if got != testHash(2) {
		t.Errorf("GetMap after replace = %s, want %s", got, testHash(2))
	}
}

func TestReferenceCount(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	hash := testHash(3)

	count, err := db.ReferenceCount(ctx, hash)
	if err != nil {
		t.Fatalf("ReferenceCount: %v", err)
	}
	if count != 0 {
		t.Errorf("initial count = %d, want 0", count)
	}

	if err := db.PutMap(ctx, "alice", "a", hash); err != nil {
		t.Fatalf("PutMap: %v", err)
	}
	if err := db.PutMap(ctx, "bob", "b", hash); err != nil {
		t.Fatalf("PutMap: %v", err)
	}
	count, err = db.ReferenceCount(ctx, hash)
	if err != nil {
		t.Fatalf("ReferenceCount: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}

	mapped, err := db.Mapped(ctx, hash)
	if err != nil {
		t.Fatalf("Mapped: %v", err)
	}
	if !mapped {
		t.Error("Mapped = false, want true")
	}

	if err := db.RemoveMap(ctx, "alice", "a"); err != nil {
		t.Fatalf("RemoveMap: %v", err)
	}
	if err := db.RemoveMap(ctx, "bob", "b"); err != nil {
		t.Fatalf("RemoveMap: %v", err)
	}
	mapped, err = db.Mapped(ctx, hash)
	if err != nil {
		t.Fatalf("Mapped: %v", err)
	}
	if mapped {
		t.Error("Mapped after removals = true, want false")
	}
}

func TestLongNamesFold(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	hash := testHash(4)

	// Two names that agree on the first 300 bytes but differ past
	// them must stay distinct after folding.
	base := strings.Repeat("d/", 150)
	nameA := base + "alpha"
	nameB := base + "bravo"

	if err := db.PutMap(ctx, "alice", nameA, hash); err != nil {
		t.Fatalf("PutMap long name: %v", err)
	}
	if _, err := db.GetMap(ctx, "alice", nameB); !errors.Is(err, namedb.ErrNotFound) {
		t.Errorf("GetMap sibling long name: got %v, want ErrNotFound", err)
	}
	got, err := db.GetMap(ctx, "alice", nameA)
	if err != nil {
		t.Fatalf("GetMap long name: %v", err)
	}
	if got != hash {
		t.Errorf("GetMap long name = %s, want %s", got, hash)
	}
	if err := db.RemoveMap(ctx, "alice", nameA); err != nil {
		t.Fatalf("RemoveMap long name: %v", err)
	}
	if _, err := db.GetMap(ctx, "alice", nameA); !errors.Is(err, namedb.ErrNotFound) {
		t.Errorf("GetMap after remove: got %v, want ErrNotFound", err)
	}
}

func TestFileSizes(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	hash := testHash(5)

	if _, err := db.GetFileSize(ctx, hash); !errors.Is(err, namedb.ErrNotFound) {
		t.Fatalf("GetFileSize before put: got %v, want ErrNotFound", err)
	}
	if err := db.PutFileSize(ctx, hash, 4096); err != nil {
		t.Fatalf("PutFileSize: %v", err)
	}
	size, err := db.GetFileSize(ctx, hash)
	if err != nil {
		t.Fatalf("GetFileSize: %v", err)
	}
	if size != 4096 {
		t.Errorf("size = %d, want 4096", size)
	}
	if err := db.RemoveFileSize(ctx, hash); err != nil {
		t.Fatalf("RemoveFileSize: %v", err)
	}
	if _, err := db.GetFileSize(ctx, hash); !errors.Is(err, namedb.ErrNotFound) {
		t.Errorf("GetFileSize after remove: got %v, want ErrNotFound", err)
	}
}

func TestPendingBackups(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	list, err := db.ListPendingBackups(ctx)
	if err != nil {
		t.Fatalf("ListPendingBackups: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("initial pending = %d entries, want 0", len(list))
	}

	if err := db.PutPendingBackup(ctx, testHash(6)); err != nil {
		t.Fatalf("PutPendingBackup: %v", err)
	}
	// Re-marking is idempotent.
	if err := db.PutPendingBackup(ctx, testHash(6)); err != nil {
		t.Fatalf("PutPendingBackup again: %v", err)
	}
	if err := db.PutPendingBackup(ctx, testHash(7)); err != nil {
		t.Fatalf("PutPendingBackup: %v", err)
	}

	list, err = db.ListPendingBackups(ctx)
	if err != nil {
		t.Fatalf("ListPendingBackups: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("pending = %d entries, want 2", len(list))
	}

	if err := db.RemovePendingBackup(ctx, testHash(6)); err != nil {
		t.Fatalf("RemovePendingBackup: %v", err)
	}
	list, err = db.ListPendingBackups(ctx)
	if err != nil {
		t.Fatalf("ListPendingBackups: %v", err)
	}
	if len(list) != 1 || list[0] != testHash(7) {
		t.Errorf("pending after remove = %v, want [%s]", list, testHash(7))
	}
}

func TestMultipartSessions(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.GetMultipart(ctx, "alice", "big.iso"); !errors.Is(err, namedb.ErrNotFound) {
		t.Fatalf("GetMultipart before put: got %v, want ErrNotFound", err)
	}

	first := namedb.MultipartSession{TempName: "multitmp/alice-1-2", UploadID: "upload-a"}
	if err := db.PutMultipart(ctx, "alice", "big.iso", first); err != nil {
		t.Fatalf("PutMultipart: %v", err)
	}
	session, err := db.GetMultipart(ctx, "alice", "big.iso")
	if err != nil {
		t.Fatalf("GetMultipart: %v", err)
	}
	if session != first {
		t.Errorf("session = %+v, want %+v", session, first)
	}

	identity, name, err := db.GetMultipartByTemp(ctx, "multitmp/alice-1-2")
	if err != nil {
		t.Fatalf("GetMultipartByTemp: %v", err)
	}
	if identity != "alice" || name != "big.iso" {
		t.Errorf("reverse lookup = %s:%s, want alice:big.iso", identity, name)
	}

	// Restarting the upload replaces the session.
	second := namedb.MultipartSession{TempName: "multitmp/alice-3-4", UploadID: "upload-b"}
	if err := db.PutMultipart(ctx, "alice", "big.iso", second); err != nil {
		t.Fatalf("PutMultipart restart: %v", err)
	}
	session, err = db.GetMultipart(ctx, "alice", "big.iso")
	if err != nil {
		t.Fatalf("GetMultipart: %v", err)
	}
	if session != second {
		t.Errorf("session after restart = %+v, want %+v", session, second)
	}
	if _, _, err := db.GetMultipartByTemp(ctx, "multitmp/alice-1-2"); !errors.Is(err, namedb.ErrNotFound) {
		t.Errorf("stale temp lookup: got %v, want ErrNotFound", err)
	}

	if err := db.RemoveMultipart(ctx, "alice", "big.iso"); err != nil {
		t.Fatalf("RemoveMultipart: %v", err)
	}
	if _, err := db.GetMultipart(ctx, "alice", "big.iso"); !errors.Is(err, namedb.ErrNotFound) {
		t.Errorf("GetMultipart after remove: got %v, want ErrNotFound", err)
	}
}
