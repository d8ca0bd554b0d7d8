package provision

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/zen-systems/mergegate/pkg/archive"
	"github.com/zen-systems/mergegate/pkg/cache"
)

// Spec declares an external artifact the pipeline needs: a toolchain
// installer, a prebuilt binary blob, or a third-party binary. The cache
// key derived from it is the sole hit/miss discriminant, so anything
// that can change the artifact's bytes must be part of Name, Version or
// Platform.
type Spec struct {
	Name     string `yaml:"name"`
	Version  string `yaml:"version"`
	Platform string `yaml:"platform,omitempty"`

	// URL is the HTTP(S) source. {version} and {platform} expand.
	URL string `yaml:"url,omitempty"`

	// Installer is an alternative to URL: a command run with the
	// staging directory appended as its final argument. It must exit 0
	// and leave the staging directory non-empty.
	Installer []string `yaml:"installer,omitempty"`

	// SHA256, when set, pins the fetched bytes.
	SHA256 string `yaml:"sha256,omitempty"`

	Archive archive.Format `yaml:"archive,omitempty"`

	// Executables are file names (relative to the artifact root, or
	// bare basenames matched anywhere) that receive the executable bit.
	Executables []string `yaml:"executables,omitempty"`

	// BinDir is the subdirectory prepended to PATH. Empty means the
	// artifact root.
	BinDir string `yaml:"bin_dir,omitempty"`
}

// CacheKey returns <name>-<version>-<platform>.
func (s Spec) CacheKey() string {
	return fmt.Sprintf("%s-%s-%s", s.Name, s.Version, s.platform())
}

// Validate checks the spec is complete enough to provision.
func (s Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("artifact name is required")
	}
	if s.Version == "" {
		return fmt.Errorf("artifact %s: version is required", s.Name)
	}
	if s.URL == "" && len(s.Installer) == 0 {
		return fmt.Errorf("artifact %s: url or installer is required", s.Name)
	}
	if s.URL != "" && len(s.Installer) > 0 {
		return fmt.Errorf("artifact %s: url and installer are mutually exclusive", s.Name)
	}
	if err := s.Archive.Validate(); err != nil {
		return fmt.Errorf("artifact %s: %w", s.Name, err)
	}
	return cache.ValidateKey(s.CacheKey())
}

// ResolvedURL expands the {version} and {platform} placeholders.
func (s Spec) ResolvedURL() string {
	r := strings.NewReplacer("{version}", s.Version, "{platform}", s.platform())
	return r.Replace(s.URL)
}

func (s Spec) platform() string {
	if s.Platform != "" {
		return s.Platform
	}
	return runtime.GOOS + "-" + runtime.GOARCH
}
