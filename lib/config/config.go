// Copyright 2026 The Blobpool Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the pool manager's configuration file and
// holds it behind an atomically swapped snapshot.
//
// The file is JSONC (JSON extended with // line comments, block
// comments, and trailing commas), located by the --config flag or the
// BLOBPOOL_CONFIG environment variable. There is no search path and
// no fallback: deterministic, auditable configuration with no hidden
// overrides.
//
// Readers call Snapshot and see either the old or the new
// configuration in full, never a mix. A failed reload leaves behavior
// unchanged.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/tidwall/jsonc"
)

// Config is one immutable configuration snapshot. Do not mutate a
// Config obtained from Store.Snapshot; reload instead.
type Config struct {
	// PublicHost is the public base URL of the backing store's
	// hash-addressed objects, e.g. "https://pool.example.org".
	// Redirect responses and Rivet short-circuit detection use it.
	PublicHost string `json:"publicHost"`

	// PublicSite is where requests for the server root are sent.
	PublicSite string `json:"publicSite"`

	// ReadOnly puts the pool in maintenance mode: every mutating
	// operation fails fast before any side effect.
	ReadOnly bool `json:"readOnly"`

	// UseNewUrls switches redirect responses to the shorter
	// base64url "blob2" path layout.
	UseNewUrls bool `json:"useNewUrls"`

	// DB is the path of the SQLite name-map database.
	DB string `json:"db"`

	// Backend is the primary object store.
	Backend BackendConfig `json:"backend"`

	// BackupBackend, when present, receives asynchronous replicas of
	// every newly stored blob.
	BackupBackend *BackendConfig `json:"backupBackend"`

	// Dumps is the pass-through store for the backups/dumps
	// namespace, which is excluded from all content addressing.
	Dumps BackendConfig `json:"dumps"`

	Listen ListenConfig `json:"listen"`
	Rivet  RivetConfig  `json:"rivet"`

	// Users maps tenant identity to shared secret.
	Users map[string]string `json:"users"`
}

// BackendConfig locates one object store.
type BackendConfig struct {
	Dir string `json:"dir"`
}

// ListenConfig holds the listen addresses of the HTTP servers.
type ListenConfig struct {
	Redirect string `json:"redirect"`
	Rivet    string `json:"rivet"`
}

// RivetConfig controls the Rivet retrieval protocol server.
type RivetConfig struct {
	Enabled bool `json:"enabled"`
}

// PublicHostname returns PublicHost without its scheme prefix, the
// form compared against fetched URLs for short-circuit detection.
func (c *Config) PublicHostname() string {
	host := strings.TrimPrefix(c.PublicHost, "https://")
	return strings.TrimPrefix(host, "http://")
}

// Secret returns the shared secret for an identity, or false if the
// identity is unknown.
func (c *Config) Secret(identity string) (string, bool) {
	s, ok := c.Users[identity]
	return s, ok
}

// Parse strips JSONC comments and trailing commas from data and
// unmarshals the result.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := json.Unmarshal(jsonc.ToJSON(data), &c); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	if c.PublicHost == "" {
		return fmt.Errorf("config: publicHost is required")
	}
	if c.DB == "" {
		return fmt.Errorf("config: db is required")
	}
	if c.Backend.Dir == "" {
		return fmt.Errorf("config: backend.dir is required")
	}
	if c.Dumps.Dir == "" {
		return fmt.Errorf("config: dumps.dir is required")
	}
	return nil
}

// Store holds the current configuration snapshot and knows how to
// reload it from disk.
type Store struct {
	path    string
	current atomic.Pointer[Config]
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewStatic returns a Store pinned to a fixed snapshot, for tests.
func NewStatic(c *Config) *Store {
	s := &Store{}
	s.current.Store(c)
	return s
}

// Snapshot returns the current configuration. The returned value is
// shared and must not be mutated.
func (s *Store) Snapshot() *Config {
	return s.current.Load()
}

// Reload re-reads the configuration file and swaps the snapshot in
// one atomic step. On error the previous snapshot stays in effect.
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", s.path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return err
	}
	s.current.Store(c)
	return nil
}
