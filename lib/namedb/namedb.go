// Copyright 2026 The Blobpool Authors
// SPDX-License-Identifier: Apache-2.0

// Package namedb is the SQLite mapping layer between user-visible
// object names and content hashes. It holds four tables: the name map
// itself (one row per identity+name, pointing at a hash), the size of
// each stored blob, the set of hashes awaiting replication to the
// backup backend, and in-progress multipart upload sessions.
//
// Names longer than the key limit are folded through blob.ShortName
// before every read and write, so callers always pass the original
// name and never see the surrogate form.
package namedb

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/blobpool/blobpool/lib/blob"
	"github.com/blobpool/blobpool/lib/sqlitepool"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = fmt.Errorf("namedb: not found")

const schema = `
CREATE TABLE IF NOT EXISTS name_map (
	identity TEXT NOT NULL,
	name     TEXT NOT NULL,
	hash     BLOB NOT NULL,
	PRIMARY KEY (identity, name)
);
CREATE INDEX IF NOT EXISTS name_map_hash ON name_map (hash);

CREATE TABLE IF NOT EXISTS filesizes (
	hash BLOB PRIMARY KEY,
	size INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_backup (
	hash BLOB PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS multipart_uploads (
	identity TEXT NOT NULL,
	name     TEXT NOT NULL,
	tempname TEXT NOT NULL,
	uploadid TEXT NOT NULL,
	PRIMARY KEY (identity, name),
	UNIQUE (tempname)
);
`

// DB wraps a connection pool with the name-mapping schema and its
// operations. Safe for concurrent use.
type DB struct {
	pool *sqlitepool.Pool
}

// Open creates or opens the database at path.
func Open(path string) (*DB, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path: path,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("opening name database: %w", err)
	}
	return &DB{pool: pool}, nil
}

// Close releases all connections.
func (db *DB) Close() error {
	return db.pool.Close()
}

// GetMap returns the hash mapped to identity+name, or ErrNotFound.
func (db *DB) GetMap(ctx context.Context, identity, name string) (blob.Hash, error) {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return blob.Hash{}, err
	}
	defer db.pool.Put(conn)

	var hash blob.Hash
	found := false
	err = sqlitex.Execute(conn,
		"SELECT hash FROM name_map WHERE identity = ? AND name = ?",
		&sqlitex.ExecOptions{
			Args: []any{identity, blob.ShortName(name)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stmt.ColumnBytes(0, hash[:])
				found = true
				return nil
			},
		})
	if err != nil {
		return blob.Hash{}, fmt.Errorf("looking up %s:%s: %w", identity, name, err)
	}
	if !found {
		return blob.Hash{}, ErrNotFound
	}
	return hash, nil
}

// PutMap records identity+name → hash, replacing any existing mapping
// for the same name.
func (db *DB) PutMap(ctx context.Context, identity, name string, hash blob.Hash) error {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer db.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO name_map (identity, name, hash) VALUES (?, ?, ?)
		 ON CONFLICT (identity, name) DO UPDATE SET hash = excluded.hash`,
		&sqlitex.ExecOptions{Args: []any{identity, blob.ShortName(name), hash[:]}})
	if err != nil {
		return fmt.Errorf("mapping %s:%s: %w", identity, name, err)
	}
	return nil
}

// RemoveMap deletes the mapping for identity+name. Removing a name
// that is not mapped is not an error.
func (db *DB) RemoveMap(ctx context.Context, identity, name string) error {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer db.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM name_map WHERE identity = ? AND name = ?",
		&sqlitex.ExecOptions{Args: []any{identity, blob.ShortName(name)}})
	if err != nil {
		return fmt.Errorf("unmapping %s:%s: %w", identity, name, err)
	}
	return nil
}

// ReferenceCount returns how many names, across all identities, map
// to hash.
func (db *DB) ReferenceCount(ctx context.Context, hash blob.Hash) (int64, error) {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer db.pool.Put(conn)

	var count int64
	err = sqlitex.Execute(conn,
		"SELECT COUNT(*) FROM name_map WHERE hash = ?",
		&sqlitex.ExecOptions{
			Args: []any{hash[:]},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("counting references to %s: %w", hash, err)
	}
	return count, nil
}

// Mapped reports whether any name currently maps to hash.
func (db *DB) Mapped(ctx context.Context, hash blob.Hash) (bool, error) {
	count, err := db.ReferenceCount(ctx, hash)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// PutFileSize records the byte size of the blob with the given hash.
// The record is write-once: a size already on file is never updated.
func (db *DB) PutFileSize(ctx context.Context, hash blob.Hash, size int64) error {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer db.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT OR IGNORE INTO filesizes (hash, size) VALUES (?, ?)",
		&sqlitex.ExecOptions{Args: []any{hash[:], size}})
	if err != nil {
		return fmt.Errorf("recording size of %s: %w", hash, err)
	}
	return nil
}

// GetFileSize returns the recorded size of hash, or ErrNotFound.
func (db *DB) GetFileSize(ctx context.Context, hash blob.Hash) (int64, error) {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer db.pool.Put(conn)

	var size int64
	found := false
	err = sqlitex.Execute(conn,
		"SELECT size FROM filesizes WHERE hash = ?",
		&sqlitex.ExecOptions{
			Args: []any{hash[:]},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				size = stmt.ColumnInt64(0)
				found = true
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("looking up size of %s: %w", hash, err)
	}
	if !found {
		return 0, ErrNotFound
	}
	return size, nil
}

// RemoveFileSize deletes the size record for hash.
func (db *DB) RemoveFileSize(ctx context.Context, hash blob.Hash) error {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer db.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM filesizes WHERE hash = ?",
		&sqlitex.ExecOptions{Args: []any{hash[:]}})
	if err != nil {
		return fmt.Errorf("removing size of %s: %w", hash, err)
	}
	return nil
}

// PutPendingBackup marks hash as awaiting replication. Marking a hash
// twice is a no-op.
func (db *DB) PutPendingBackup(ctx context.Context, hash blob.Hash) error {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer db.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT OR IGNORE INTO pending_backup (hash) VALUES (?)",
		&sqlitex.ExecOptions{Args: []any{hash[:]}})
	if err != nil {
		return fmt.Errorf("queueing backup of %s: %w", hash, err)
	}
	return nil
}

// RemovePendingBackup clears the replication mark for hash.
func (db *DB) RemovePendingBackup(ctx context.Context, hash blob.Hash) error {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer db.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM pending_backup WHERE hash = ?",
		&sqlitex.ExecOptions{Args: []any{hash[:]}})
	if err != nil {
		return fmt.Errorf("dequeueing backup of %s: %w", hash, err)
	}
	return nil
}

// ListPendingBackups returns every hash awaiting replication.
func (db *DB) ListPendingBackups(ctx context.Context) ([]blob.Hash, error) {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer db.pool.Put(conn)

	var hashes []blob.Hash
	err = sqlitex.Execute(conn,
		"SELECT hash FROM pending_backup",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var hash blob.Hash
				stmt.ColumnBytes(0, hash[:])
				hashes = append(hashes, hash)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("listing pending backups: %w", err)
	}
	return hashes, nil
}

// DistinctHashes returns every hash referenced by at least one name
// mapping, each exactly once.
func (db *DB) DistinctHashes(ctx context.Context) ([]blob.Hash, error) {
	return db.listHashes(ctx, "SELECT DISTINCT hash FROM name_map")
}

// FileSizeHashes returns every hash with a recorded size.
func (db *DB) FileSizeHashes(ctx context.Context) ([]blob.Hash, error) {
	return db.listHashes(ctx, "SELECT hash FROM filesizes")
}

func (db *DB) listHashes(ctx context.Context, query string) ([]blob.Hash, error) {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer db.pool.Put(conn)

	var hashes []blob.Hash
	err = sqlitex.Execute(conn, query,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var hash blob.Hash
				stmt.ColumnBytes(0, hash[:])
				hashes = append(hashes, hash)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("listing hashes: %w", err)
	}
	return hashes, nil
}

// MultipartSession describes an in-progress multipart upload: the
// temporary object the parts assemble into and the store session that
// accepts them.
type MultipartSession struct {
	TempName string
	UploadID string
}

// PutMultipart records an in-progress multipart session for
// identity+name. Restarting an upload for the same name replaces the
// session.
func (db *DB) PutMultipart(ctx context.Context, identity, name string, session MultipartSession) error {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer db.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO multipart_uploads (identity, name, tempname, uploadid) VALUES (?, ?, ?, ?)
		 ON CONFLICT (identity, name) DO UPDATE SET
			tempname = excluded.tempname, uploadid = excluded.uploadid`,
		&sqlitex.ExecOptions{Args: []any{identity, blob.ShortName(name), session.TempName, session.UploadID}})
	if err != nil {
		return fmt.Errorf("recording multipart session for %s:%s: %w", identity, name, err)
	}
	return nil
}

// GetMultipart returns the session keyed by identity+name, or
// ErrNotFound.
func (db *DB) GetMultipart(ctx context.Context, identity, name string) (MultipartSession, error) {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return MultipartSession{}, err
	}
	defer db.pool.Put(conn)

	var session MultipartSession
	found := false
	err = sqlitex.Execute(conn,
		"SELECT tempname, uploadid FROM multipart_uploads WHERE identity = ? AND name = ?",
		&sqlitex.ExecOptions{
			Args: []any{identity, blob.ShortName(name)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				session.TempName = stmt.ColumnText(0)
				session.UploadID = stmt.ColumnText(1)
				found = true
				return nil
			},
		})
	if err != nil {
		return MultipartSession{}, fmt.Errorf("looking up multipart session for %s:%s: %w", identity, name, err)
	}
	if !found {
		return MultipartSession{}, ErrNotFound
	}
	return session, nil
}

// GetMultipartByTemp is the reverse lookup: given a temporary object
// name, it returns the identity and original (possibly folded) name of
// the session, or ErrNotFound.
func (db *DB) GetMultipartByTemp(ctx context.Context, tempName string) (identity, name string, err error) {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return "", "", err
	}
	defer db.pool.Put(conn)

	found := false
	err = sqlitex.Execute(conn,
		"SELECT identity, name FROM multipart_uploads WHERE tempname = ?",
		&sqlitex.ExecOptions{
			Args: []any{tempName},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				identity = stmt.ColumnText(0)
				name = stmt.ColumnText(1)
				found = true
				return nil
			},
		})
	if err != nil {
		return "", "", fmt.Errorf("looking up multipart session for %s: %w", tempName, err)
	}
	if !found {
		return "", "", ErrNotFound
	}
	return identity, name, nil
}

// RemoveMultipart deletes the session keyed by identity+name.
func (db *DB) RemoveMultipart(ctx context.Context, identity, name string) error {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer db.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM multipart_uploads WHERE identity = ? AND name = ?",
		&sqlitex.ExecOptions{Args: []any{identity, blob.ShortName(name)}})
	if err != nil {
		return fmt.Errorf("removing multipart session for %s:%s: %w", identity, name, err)
	}
	return nil
}
