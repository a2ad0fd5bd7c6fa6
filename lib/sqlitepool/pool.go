// Copyright 2026 The Blobpool Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides a fixed-size SQLite connection pool
// with the pragmas every database in this project runs with: WAL
// journaling for concurrent readers during writes, NORMAL synchronous
// (durability at checkpoint granularity, fine for re-derivable name
// mappings), foreign keys on, and a busy timeout so writers queue
// instead of failing.
package sqlitepool

import (
	"context"
	"fmt"
	"runtime"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Config holds the parameters for opening a pool. Path is required.
type Config struct {
	// Path is the database file, created if absent. ":memory:" gives
	// an in-memory database; use PoolSize 1 with it, since each
	// in-memory connection is independent.
	Path string

	// PoolSize is the number of connections. Zero means
	// max(NumCPU, 4). SQLite serializes writes regardless, so extra
	// connections only help concurrent readers.
	PoolSize int

	// OnConnect runs once per connection after the standard pragmas,
	// typically to create the schema.
	OnConnect func(conn *sqlite.Conn) error
}

// Pool is a fixed-size pool of SQLite connections. Safe for
// concurrent use; individual connections are not. Take one per
// goroutine and Put it back.
type Pool struct {
	inner *sqlitex.Pool
	path  string
}

// Open creates the pool. Connections are initialized lazily on first
// Take.
func Open(config Config) (*Pool, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("sqlitepool: path is required")
	}
	size := config.PoolSize
	if size <= 0 {
		size = max(runtime.NumCPU(), 4)
	}

	inner, err := sqlitex.NewPool(config.Path, sqlitex.PoolOptions{
		PoolSize: size,
		PrepareConn: func(conn *sqlite.Conn) error {
			pragmas := []string{
				"PRAGMA journal_mode = WAL;",
				"PRAGMA synchronous = NORMAL;",
				"PRAGMA foreign_keys = ON;",
				"PRAGMA busy_timeout = 5000;",
			}
			for _, pragma := range pragmas {
				if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
					return fmt.Errorf("applying %q: %w", pragma, err)
				}
			}
			if config.OnConnect != nil {
				return config.OnConnect(conn)
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", config.Path, err)
	}
	return &Pool{inner: inner, path: config.Path}, nil
}

// Take checks out a connection. The caller must Put it back.
func (p *Pool) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("taking connection for %s: %w", p.path, err)
	}
	return conn, nil
}

// Put returns a connection obtained from Take.
func (p *Pool) Put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

// Close closes all connections. Outstanding Takes fail.
func (p *Pool) Close() error {
	return p.inner.Close()
}
