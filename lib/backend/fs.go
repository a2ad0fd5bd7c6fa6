// Copyright 2026 The Blobpool Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/blobpool/blobpool/lib/codec"
)

// FS is a Store backed by a directory tree. Object bytes live under
// <root>/objects/ mirroring the object name, metadata lives as a CBOR
// sidecar under <root>/meta/, and in-progress multipart sessions live
// under <root>/uploads/<id>/. Writes go through a temporary file in
// the destination directory followed by a rename, so a crash never
// leaves a half-written object visible.
type FS struct {
	root string
}

// objectMeta is the CBOR sidecar stored for every object.
type objectMeta struct {
	ContentType string `cbor:"content_type,omitempty"`
	PublicRead  bool   `cbor:"public_read,omitempty"`
	ETag        string `cbor:"etag"`
}

// OpenFS opens (creating if needed) a filesystem store rooted at dir.
func OpenFS(dir string) (*FS, error) {
	for _, sub := range []string{"objects", "meta", "uploads"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}
	return &FS{root: dir}, nil
}

func (s *FS) objectPath(name string) string {
	return filepath.Join(s.root, "objects", filepath.FromSlash(name))
}

func (s *FS) metaPath(name string) string {
	return filepath.Join(s.root, "meta", filepath.FromSlash(name))
}

func (s *FS) uploadDir(uploadID string) string {
	return filepath.Join(s.root, "uploads", uploadID)
}

// validName rejects names that would escape the store root.
func validName(name string) error {
	if name == "" {
		return fmt.Errorf("backend: empty object name")
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("backend: invalid object name %q", name)
		}
	}
	return nil
}

// writeFile streams body into path via a temporary sibling and
// returns the byte count and hex MD5 of what was written.
func writeFile(path string, body io.Reader) (int64, string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, "", fmt.Errorf("creating parent directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return 0, "", fmt.Errorf("creating temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	digest := md5.New()
	size, err := io.Copy(io.MultiWriter(tmp, digest), body)
	if err != nil {
		tmp.Close()
		return 0, "", fmt.Errorf("writing object data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, "", fmt.Errorf("closing temporary file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, "", fmt.Errorf("publishing object: %w", err)
	}
	return size, hex.EncodeToString(digest.Sum(nil)), nil
}

func (s *FS) writeMeta(name string, meta objectMeta) error {
	encoded, err := codec.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	path := s.metaPath(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating metadata directory: %w", err)
	}
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}
	return nil
}

func (s *FS) readMeta(name string) (objectMeta, error) {
	encoded, err := os.ReadFile(s.metaPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			// Sidecar missing is tolerated: objects written by
			// earlier versions carry no metadata.
			return objectMeta{}, nil
		}
		return objectMeta{}, fmt.Errorf("reading metadata: %w", err)
	}
	var meta objectMeta
	if err := codec.Unmarshal(encoded, &meta); err != nil {
		return objectMeta{}, fmt.Errorf("decoding metadata: %w", err)
	}
	return meta, nil
}

func (s *FS) Put(ctx context.Context, name string, body io.Reader, opts PutOptions) error {
	if err := validName(name); err != nil {
		return err
	}
	_, etag, err := writeFile(s.objectPath(name), body)
	if err != nil {
		return fmt.Errorf("storing %s: %w", name, err)
	}
	meta := objectMeta{
		ContentType: opts.ContentType,
		PublicRead:  opts.PublicRead,
		ETag:        etag,
	}
	if err := s.writeMeta(name, meta); err != nil {
		return fmt.Errorf("storing %s: %w", name, err)
	}
	return nil
}

func (s *FS) Get(ctx context.Context, name string) (io.ReadCloser, ObjectInfo, error) {
	if err := validName(name); err != nil {
		return nil, ObjectInfo{}, err
	}
	info, err := s.Stat(ctx, name)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	file, err := os.Open(s.objectPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ObjectInfo{}, fmt.Errorf("opening %s: %w", name, ErrNotExist)
		}
		return nil, ObjectInfo{}, fmt.Errorf("opening %s: %w", name, err)
	}
	return file, info, nil
}

func (s *FS) Exists(ctx context.Context, name string) (bool, error) {
	if err := validName(name); err != nil {
		return false, err
	}
	_, err := os.Stat(s.objectPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking %s: %w", name, err)
	}
	return true, nil
}

func (s *FS) Stat(ctx context.Context, name string) (ObjectInfo, error) {
	if err := validName(name); err != nil {
		return ObjectInfo{}, err
	}
	fi, err := os.Stat(s.objectPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return ObjectInfo{}, fmt.Errorf("statting %s: %w", name, ErrNotExist)
		}
		return ObjectInfo{}, fmt.Errorf("statting %s: %w", name, err)
	}
	meta, err := s.readMeta(name)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("statting %s: %w", name, err)
	}
	return ObjectInfo{
		Size:        fi.Size(),
		ContentType: meta.ContentType,
		ETag:        meta.ETag,
		ModTime:     fi.ModTime(),
		PublicRead:  meta.PublicRead,
	}, nil
}

func (s *FS) Remove(ctx context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	err := os.Remove(s.objectPath(name))
	if os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", name, ErrNotExist)
	}
	if err != nil {
		return fmt.Errorf("removing %s: %w", name, err)
	}
	// Sidecar removal failures are non-fatal; an orphaned sidecar is
	// invisible because reads stat the object first.
	os.Remove(s.metaPath(name))
	return nil
}

func (s *FS) Copy(ctx context.Context, src, dst string) error {
	if err := validName(src); err != nil {
		return err
	}
	if err := validName(dst); err != nil {
		return err
	}
	in, err := os.Open(s.objectPath(src))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("copying %s: %w", src, ErrNotExist)
		}
		return fmt.Errorf("copying %s: %w", src, err)
	}
	defer in.Close()
	if _, _, err := writeFile(s.objectPath(dst), in); err != nil {
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	meta, err := s.readMeta(src)
	if err != nil {
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	if err := s.writeMeta(dst, meta); err != nil {
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	return nil
}

func (s *FS) SetAccess(ctx context.Context, name string, publicRead bool) error {
	if err := validName(name); err != nil {
		return err
	}
	if _, err := os.Stat(s.objectPath(name)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("setting access on %s: %w", name, ErrNotExist)
		}
		return fmt.Errorf("setting access on %s: %w", name, err)
	}
	meta, err := s.readMeta(name)
	if err != nil {
		return fmt.Errorf("setting access on %s: %w", name, err)
	}
	meta.PublicRead = publicRead
	if err := s.writeMeta(name, meta); err != nil {
		return fmt.Errorf("setting access on %s: %w", name, err)
	}
	return nil
}

// uploadManifest records the target of a multipart session.
type uploadManifest struct {
	Name        string `cbor:"name"`
	ContentType string `cbor:"content_type,omitempty"`
	PublicRead  bool   `cbor:"public_read,omitempty"`
}

func (s *FS) Initiate(ctx context.Context, name string, opts PutOptions) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	idBytes := make([]byte, 16)
	if _, err := rand.Read(idBytes); err != nil {
		return "", fmt.Errorf("generating upload ID: %w", err)
	}
	uploadID := hex.EncodeToString(idBytes)
	dir := s.uploadDir(uploadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating upload session: %w", err)
	}
	manifest, err := codec.Marshal(uploadManifest{
		Name:        name,
		ContentType: opts.ContentType,
		PublicRead:  opts.PublicRead,
	})
	if err != nil {
		return "", fmt.Errorf("encoding upload manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest"), manifest, 0o644); err != nil {
		return "", fmt.Errorf("writing upload manifest: %w", err)
	}
	return uploadID, nil
}

func (s *FS) readManifest(uploadID string) (uploadManifest, error) {
	encoded, err := os.ReadFile(filepath.Join(s.uploadDir(uploadID), "manifest"))
	if err != nil {
		if os.IsNotExist(err) {
			return uploadManifest{}, fmt.Errorf("upload session %s: %w", uploadID, ErrNotExist)
		}
		return uploadManifest{}, fmt.Errorf("reading upload manifest: %w", err)
	}
	var manifest uploadManifest
	if err := codec.Unmarshal(encoded, &manifest); err != nil {
		return uploadManifest{}, fmt.Errorf("decoding upload manifest: %w", err)
	}
	return manifest, nil
}

func (s *FS) UploadPart(ctx context.Context, uploadID string, number int, body io.Reader) (Part, error) {
	if number < 1 {
		return Part{}, fmt.Errorf("backend: part number %d out of range", number)
	}
	if _, err := s.readManifest(uploadID); err != nil {
		return Part{}, err
	}
	path := filepath.Join(s.uploadDir(uploadID), "part-"+strconv.Itoa(number))
	size, etag, err := writeFile(path, body)
	if err != nil {
		return Part{}, fmt.Errorf("storing part %d of %s: %w", number, uploadID, err)
	}
	return Part{Number: number, Size: size, ETag: etag}, nil
}

func (s *FS) ListParts(ctx context.Context, uploadID string) ([]Part, error) {
	if _, err := s.readManifest(uploadID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.uploadDir(uploadID))
	if err != nil {
		return nil, fmt.Errorf("listing parts of %s: %w", uploadID, err)
	}
	var parts []Part
	for _, entry := range entries {
		numberStr, ok := strings.CutPrefix(entry.Name(), "part-")
		if !ok {
			continue
		}
		number, err := strconv.Atoi(numberStr)
		if err != nil {
			continue
		}
		path := filepath.Join(s.uploadDir(uploadID), entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading part %d of %s: %w", number, uploadID, err)
		}
		sum := md5.Sum(data)
		parts = append(parts, Part{
			Number: number,
			Size:   int64(len(data)),
			ETag:   hex.EncodeToString(sum[:]),
		})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Number < parts[j].Number })
	return parts, nil
}

func (s *FS) Complete(ctx context.Context, uploadID string, parts []Part) error {
	manifest, err := s.readManifest(uploadID)
	if err != nil {
		return err
	}
	sorted := make([]Part, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })

	readers := make([]io.Reader, 0, len(sorted))
	var files []*os.File
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	for _, part := range sorted {
		path := filepath.Join(s.uploadDir(uploadID), "part-"+strconv.Itoa(part.Number))
		file, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("completing %s: part %d: %w", uploadID, part.Number, ErrNotExist)
			}
			return fmt.Errorf("completing %s: part %d: %w", uploadID, part.Number, err)
		}
		files = append(files, file)
		readers = append(readers, file)
	}

	_, etag, err := writeFile(s.objectPath(manifest.Name), io.MultiReader(readers...))
	if err != nil {
		return fmt.Errorf("completing %s: %w", uploadID, err)
	}
	meta := objectMeta{
		ContentType: manifest.ContentType,
		PublicRead:  manifest.PublicRead,
		ETag:        etag,
	}
	if err := s.writeMeta(manifest.Name, meta); err != nil {
		return fmt.Errorf("completing %s: %w", uploadID, err)
	}
	if err := os.RemoveAll(s.uploadDir(uploadID)); err != nil {
		return fmt.Errorf("cleaning up session %s: %w", uploadID, err)
	}
	return nil
}

func (s *FS) Abort(ctx context.Context, uploadID string) error {
	if _, err := s.readManifest(uploadID); err != nil {
		return err
	}
	if err := os.RemoveAll(s.uploadDir(uploadID)); err != nil {
		return fmt.Errorf("aborting session %s: %w", uploadID, err)
	}
	return nil
}

var _ Store = (*FS)(nil)
