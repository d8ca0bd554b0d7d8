package provision

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/zen-systems/mergegate/pkg/archive"
	"github.com/zen-systems/mergegate/pkg/cache"
)

func tarball(t *testing.T, files map[string]string) []byte {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	var buf bytes.Buffer
	if err := archive.Pack(dir, &buf); err != nil {
		t.Fatalf("pack: %v", err)
	}
	return buf.Bytes()
}

func newBackend(t *testing.T) *cache.DirBackend {
	t.Helper()
	backend, err := cache.NewDirBackend(t.TempDir())
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	return backend
}

func TestEnsureFetchesOnceAndCaches(t *testing.T) {
	blob := tarball(t, map[string]string{"bin/tool": "#!/bin/sh\n"})
	var fetches atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches.Add(1)
		w.Write(blob)
	}))
	defer srv.Close()

	prov := New(newBackend(t))
	spec := Spec{
		Name:        "tool",
		Version:     "1.2.3",
		URL:         srv.URL + "/tool-{version}.tar.gz",
		Archive:     archive.FormatTarGz,
		Executables: []string{"tool"},
		BinDir:      "bin",
	}

	first, err := prov.Ensure(context.Background(), spec)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	second, err := prov.Ensure(context.Background(), spec)
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if first != second {
		t.Fatalf("paths differ: %s vs %s", first, second)
	}
	if n := fetches.Load(); n != 1 {
		t.Fatalf("expected exactly one fetch, got %d", n)
	}

	info, err := os.Stat(filepath.Join(first, "bin", "tool"))
	if err != nil {
		t.Fatalf("stat tool: %v", err)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o111 == 0 {
		t.Fatalf("expected executable bit, got %o", info.Mode().Perm())
	}
	if !strings.Contains(os.Getenv("PATH"), filepath.Join(first, "bin")) {
		t.Fatalf("expected bin dir on PATH")
	}
}

func TestEnsureWarmCacheSkipsNetwork(t *testing.T) {
	blob := tarball(t, map[string]string{"tool": "x"})
	var fetches atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches.Add(1)
		w.Write(blob)
	}))
	defer srv.Close()

	backend := newBackend(t)
	spec := Spec{Name: "tool", Version: "2.0.0", URL: srv.URL, Archive: archive.FormatTarGz}

	if _, err := New(backend).Ensure(context.Background(), spec); err != nil {
		t.Fatalf("cold ensure: %v", err)
	}
	// A fresh Provisioner over the same backend models a subsequent run.
	if _, err := New(backend).Ensure(context.Background(), spec); err != nil {
		t.Fatalf("warm ensure: %v", err)
	}
	if n := fetches.Load(); n != 1 {
		t.Fatalf("expected warm run to skip the network, got %d fetches", n)
	}
}

func TestEnsureNewKeyForcesFetch(t *testing.T) {
	blob := tarball(t, map[string]string{"tool": "same bytes"})
	var fetches atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches.Add(1)
		w.Write(blob)
	}))
	defer srv.Close()

	prov := New(newBackend(t))
	for _, version := range []string{"1.0.0", "1.0.1"} {
		spec := Spec{Name: "tool", Version: version, URL: srv.URL, Archive: archive.FormatTarGz}
		if _, err := prov.Ensure(context.Background(), spec); err != nil {
			t.Fatalf("ensure %s: %v", version, err)
		}
	}
	if n := fetches.Load(); n != 2 {
		t.Fatalf("expected a fetch per key, got %d", n)
	}
}

func TestEnsureRejectsEmptyArtifact(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {}))
	defer srv.Close()

	prov := New(newBackend(t))
	spec := Spec{Name: "tool", Version: "1.0.0", URL: srv.URL}
	if _, err := prov.Ensure(context.Background(), spec); err == nil {
		t.Fatalf("expected error for empty artifact")
	}
}

func TestEnsureVerifiesDigest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	prov := New(newBackend(t))
	spec := Spec{
		Name:    "tool",
		Version: "1.0.0",
		URL:     srv.URL,
		SHA256:  strings.Repeat("0", 64),
	}
	_, err := prov.Ensure(context.Background(), spec)
	if err == nil || !strings.Contains(err.Error(), "sha256 mismatch") {
		t.Fatalf("expected digest mismatch, got %v", err)
	}
}

func TestAbortedFetchLeavesNoHit(t *testing.T) {
	blob := tarball(t, map[string]string{"tool": "x"})
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(blob[:len(blob)/2])
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		cancel()
		<-ctx.Done()
	}))
	defer srv.Close()

	backend := newBackend(t)
	spec := Spec{Name: "tool", Version: "3.0.0", URL: srv.URL, Archive: archive.FormatTarGz}

	if _, err := New(backend).Ensure(ctx, spec); err == nil {
		t.Fatalf("expected aborted fetch to fail")
	}
	if _, err := backend.Lookup(context.Background(), spec.CacheKey()); !errors.Is(err, cache.ErrMiss) {
		t.Fatalf("aborted fetch must not be hit-eligible, got %v", err)
	}
}

func TestEnsureCacheUnavailableFallsBackToFetch(t *testing.T) {
	blob := tarball(t, map[string]string{"tool": "x"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(blob)
	}))
	defer srv.Close()

	prov := New(cache.Disabled{})
	spec := Spec{Name: "tool", Version: "1.0.0", URL: srv.URL, Archive: archive.FormatTarGz}
	path, err := prov.Ensure(context.Background(), spec)
	if err != nil {
		t.Fatalf("ensure without cache: %v", err)
	}
	if _, err := os.Stat(filepath.Join(path, "tool")); err != nil {
		t.Fatalf("artifact not materialized: %v", err)
	}
}

func TestEnsureInstaller(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("sh not available")
	}

	prov := New(newBackend(t))
	spec := Spec{
		Name:      "scripted",
		Version:   "0.1.0",
		Installer: []string{"sh", "-c", `echo installed > "$0/out.txt"`},
	}
	path, err := prov.Ensure(context.Background(), spec)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := os.Stat(filepath.Join(path, "out.txt")); err != nil {
		t.Fatalf("installer output missing: %v", err)
	}
}

func TestSpecCacheKeyAndURL(t *testing.T) {
	spec := Spec{Name: "rzup", Version: "1.0.5", Platform: "linux-x64", URL: "https://example.org/rzup-{version}-{platform}.tar.gz"}
	if got := spec.CacheKey(); got != "rzup-1.0.5-linux-x64" {
		t.Fatalf("cache key: %s", got)
	}
	if got := spec.ResolvedURL(); got != "https://example.org/rzup-1.0.5-linux-x64.tar.gz" {
		t.Fatalf("resolved url: %s", got)
	}
}

func TestSpecValidate(t *testing.T) {
	if err := (Spec{Name: "a", Version: "1"}).Validate(); err == nil {
		t.Fatalf("expected error without url or installer")
	}
	both := Spec{Name: "a", Version: "1", URL: "http://x", Installer: []string{"sh"}}
	if err := both.Validate(); err == nil {
		t.Fatalf("expected error for url and installer together")
	}
}
