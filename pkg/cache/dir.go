package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// DirBackend stores artifacts under <root>/<key>/data with a
// manifest.json written last. An entry without a manifest is a miss,
// which gives publish its write-then-publish-atomically semantics: an
// aborted fetch leaves a data directory at worst, never a hit.
type DirBackend struct {
	root string
}

// NewDirBackend creates (if needed) and opens a directory cache rooted
// at root.
func NewDirBackend(root string) (*DirBackend, error) {
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		root = filepath.Join(home, ".mergegate", "cache")
	}
	for _, d := range []string{root, filepath.Join(root, ".staging")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, err
		}
	}
	return &DirBackend{root: root}, nil
}

// Root returns the cache root directory.
func (b *DirBackend) Root() string {
	return b.root
}

// Lookup returns the entry for key if its manifest exists and its data
// directory is intact.
func (b *DirBackend) Lookup(_ context.Context, key string) (Entry, error) {
	if err := ValidateKey(key); err != nil {
		return Entry{}, err
	}

	data, err := os.ReadFile(b.manifestPath(key))
	if err != nil {
		return Entry{}, ErrMiss
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, ErrMiss
	}
	if _, err := os.Stat(entry.Path); err != nil {
		return Entry{}, ErrMiss
	}
	return entry, nil
}

// Publish moves dir into the cache under key and writes the manifest
// last. A key that is already populated is left untouched and its
// existing entry returned.
func (b *DirBackend) Publish(ctx context.Context, key, dir string) (Entry, error) {
	if err := ValidateKey(key); err != nil {
		return Entry{}, err
	}

	if entry, err := b.Lookup(ctx, key); err == nil {
		return entry, nil
	}

	dataDir := filepath.Join(b.root, key, "data")
	if err := os.RemoveAll(filepath.Dir(dataDir)); err != nil {
		return Entry{}, err
	}
	if err := os.MkdirAll(filepath.Dir(dataDir), 0o755); err != nil {
		return Entry{}, err
	}
	if err := os.Rename(dir, dataDir); err != nil {
		// Staging dir may be on another filesystem.
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return Entry{}, err
		}
		if err := copyTree(dir, dataDir); err != nil {
			return Entry{}, err
		}
	}

	size, err := dirSize(dataDir)
	if err != nil {
		return Entry{}, err
	}
	entry := Entry{
		Key:       key,
		Path:      dataDir,
		Size:      size,
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, err
	}
	if err := os.WriteFile(b.manifestPath(key), data, 0o644); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// StagingDir allocates a fresh directory on the cache filesystem so
// Publish can rename it into place atomically.
func (b *DirBackend) StagingDir(key string) (string, error) {
	return os.MkdirTemp(filepath.Join(b.root, ".staging"), key+"-")
}

func (b *DirBackend) manifestPath(key string) string {
	return filepath.Join(b.root, key, "manifest.json")
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

func copyTree(src, dest string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		switch {
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			return fmt.Errorf("unsupported file type: %s", path)
		}
	})
}

func copyFile(src, dest string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
