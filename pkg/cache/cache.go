package cache

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// ErrMiss is returned by Lookup when no entry exists for a key.
// Backend unavailability is reported the same way so callers always
// fall back to a fresh fetch.
var ErrMiss = errors.New("cache miss")

// Entry describes a published cache record. Entries are immutable once
// written: a new artifact version must use a new key.
type Entry struct {
	Key       string    `json:"key"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Backend is a keyed artifact store with lookup/publish semantics.
// Publish must only make an entry visible after the artifact is fully
// materialized; a partial write is never a hit on a later lookup.
type Backend interface {
	// Lookup returns the entry for key, or ErrMiss.
	Lookup(ctx context.Context, key string) (Entry, error)

	// Publish records dir as the artifact for key and returns the
	// resulting entry. Publishing an already-populated key returns the
	// existing entry untouched.
	Publish(ctx context.Context, key, dir string) (Entry, error)
}

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateKey rejects keys that cannot be used as filesystem or object
// names.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("cache key is required")
	}
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("invalid cache key: %q", key)
	}
	return nil
}

// Disabled is a Backend that never hits and never stores. It exists so
// the pipeline runs unchanged with caching turned off, only slower.
type Disabled struct{}

// Lookup always misses.
func (Disabled) Lookup(_ context.Context, _ string) (Entry, error) {
	return Entry{}, ErrMiss
}

// Publish accepts the artifact without storing it.
func (Disabled) Publish(_ context.Context, key, dir string) (Entry, error) {
	return Entry{Key: key, Path: dir, CreatedAt: time.Now().UTC()}, nil
}
