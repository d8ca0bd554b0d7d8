package provision

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zen-systems/mergegate/pkg/archive"
	"github.com/zen-systems/mergegate/pkg/cache"
)

// Provisioner materializes artifacts through a cache backend. Ensure is
// idempotent within a run: concurrent and repeated calls for the same
// cache key perform at most one fetch and return the same path.
type Provisioner struct {
	backend cache.Backend
	client  *http.Client
	logger  *slog.Logger

	mu       sync.Mutex
	inflight map[string]*ensureCall
}

type ensureCall struct {
	done chan struct{}
	path string
	err  error
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithHTTPClient overrides the fetch client.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Provisioner) { p.client = client }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provisioner) { p.logger = logger }
}

// New creates a Provisioner over backend. A nil backend disables
// caching entirely.
func New(backend cache.Backend, opts ...Option) *Provisioner {
	p := &Provisioner{
		backend:  backend,
		client:   &http.Client{Timeout: 10 * time.Minute},
		logger:   slog.Default(),
		inflight: make(map[string]*ensureCall),
	}
	if p.backend == nil {
		p.backend = cache.Disabled{}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ensure makes the artifact available locally and returns its root
// path. On a cache hit no network I/O happens. On a miss the artifact
// is fetched, verified, unpacked and published under its cache key, and
// the artifact's bin directory is prepended to PATH either way.
func (p *Provisioner) Ensure(ctx context.Context, spec Spec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	key := spec.CacheKey()

	p.mu.Lock()
	if call, ok := p.inflight[key]; ok {
		p.mu.Unlock()
		select {
		case <-call.done:
			return call.path, call.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	call := &ensureCall{done: make(chan struct{})}
	p.inflight[key] = call
	p.mu.Unlock()

	call.path, call.err = p.ensure(ctx, spec, key)
	close(call.done)
	if call.err != nil {
		// Let a later caller retry rather than memoize the failure.
		p.mu.Lock()
		delete(p.inflight, key)
		p.mu.Unlock()
	}
	return call.path, call.err
}

func (p *Provisioner) ensure(ctx context.Context, spec Spec, key string) (string, error) {
	if entry, err := p.backend.Lookup(ctx, key); err == nil {
		p.logger.Debug("cache hit", "key", key, "path", entry.Path)
		if err := p.exposePath(spec, entry.Path); err != nil {
			return "", err
		}
		return entry.Path, nil
	} else if !errors.Is(err, cache.ErrMiss) {
		return "", err
	}

	p.logger.Info("cache miss, fetching artifact", "key", key)

	staging, err := p.stagingDir(key)
	if err != nil {
		return "", err
	}
	cleanup := true
	defer func() {
		if cleanup {
			os.RemoveAll(staging)
		}
	}()

	if len(spec.Installer) > 0 {
		if err := p.runInstaller(ctx, spec, staging); err != nil {
			return "", fmt.Errorf("provision %s: %w", key, err)
		}
	} else {
		if err := p.fetch(ctx, spec, staging); err != nil {
			return "", fmt.Errorf("provision %s: %w", key, err)
		}
	}

	if err := markExecutables(staging, spec.Executables); err != nil {
		return "", fmt.Errorf("provision %s: %w", key, err)
	}

	entry, err := p.backend.Publish(ctx, key, staging)
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", key, err)
	}
	if entry.Path == staging {
		// Pass-through backend: the staging dir is the artifact.
		cleanup = false
	}
	if err := p.exposePath(spec, entry.Path); err != nil {
		return "", err
	}
	return entry.Path, nil
}

func (p *Provisioner) stagingDir(key string) (string, error) {
	if b, ok := p.backend.(interface{ StagingDir(string) (string, error) }); ok {
		return b.StagingDir(key)
	}
	return os.MkdirTemp("", key+"-")
}

func (p *Provisioner) fetch(ctx context.Context, spec Spec, staging string) error {
	url := spec.ResolvedURL()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("fetch %s: unexpected status %s", url, resp.Status)
	}

	blob, err := os.CreateTemp(staging, ".download-")
	if err != nil {
		return err
	}
	defer os.Remove(blob.Name())

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(blob, hasher), resp.Body)
	if cerr := blob.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	if size == 0 {
		return fmt.Errorf("download %s: empty artifact", url)
	}
	if spec.SHA256 != "" {
		sum := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(sum, spec.SHA256) {
			return fmt.Errorf("download %s: sha256 mismatch: got %s want %s", url, sum, spec.SHA256)
		}
	}

	switch spec.Archive {
	case archive.FormatTarGz:
		f, err := os.Open(blob.Name())
		if err != nil {
			return err
		}
		defer f.Close()
		if err := archive.Untar(f, staging); err != nil {
			return fmt.Errorf("unpack %s: %w", url, err)
		}
	case archive.FormatZip:
		if err := archive.Unzip(blob.Name(), staging); err != nil {
			return fmt.Errorf("unpack %s: %w", url, err)
		}
	default:
		name := spec.Name
		if base := path.Base(url); base != "" && base != "." && base != "/" {
			name = base
		}
		if err := os.Rename(blob.Name(), filepath.Join(staging, name)); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provisioner) runInstaller(ctx context.Context, spec Spec, staging string) error {
	argv := append(append([]string{}, spec.Installer...), staging)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("installer %q: %w: %s", spec.Installer[0], err, truncate(string(out), 512))
	}
	empty, err := isEmptyDir(staging)
	if err != nil {
		return err
	}
	if empty {
		return fmt.Errorf("installer %q produced no files", spec.Installer[0])
	}
	return nil
}

// exposePath prepends the artifact's bin directory to PATH so
// subsequent gate commands resolve its executables directly.
func (p *Provisioner) exposePath(spec Spec, root string) error {
	binDir := root
	if spec.BinDir != "" {
		binDir = filepath.Join(root, spec.BinDir)
	}
	current := os.Getenv("PATH")
	for _, elem := range filepath.SplitList(current) {
		if elem == binDir {
			return nil
		}
	}
	return os.Setenv("PATH", binDir+string(os.PathListSeparator)+current)
}

func markExecutables(root string, names []string) error {
	if len(names) == 0 {
		return nil
	}
	want := make(map[string]struct{}, len(names))
	for _, n := range names {
		want[n] = struct{}{}
	}
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || !info.Mode().IsRegular() {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		_, byRel := want[filepath.ToSlash(rel)]
		_, byBase := want[info.Name()]
		if byRel || byBase {
			return os.Chmod(path, info.Mode().Perm()|0o755)
		}
		return nil
	})
}

func isEmptyDir(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
