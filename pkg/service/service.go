package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "20s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// ErrTimedOut is returned by AwaitReady when the readiness probe never
// succeeded within the start timeout.
var ErrTimedOut = errors.New("service never became ready")

// Defaults for readiness polling: roughly ten attempts two seconds
// apart.
const (
	DefaultProbeInterval = 2 * time.Second
	DefaultStartTimeout  = 20 * time.Second
)

// Spec declares a long-running service dependency. Image, command,
// environment, ports, volumes and restart policy are opaque
// pass-through container configuration; only the readiness contract is
// interpreted here.
type Spec struct {
	Name          string            `yaml:"name"`
	Image         string            `yaml:"image"`
	Command       []string          `yaml:"command,omitempty"`
	Env           map[string]string `yaml:"env,omitempty"`
	Ports         []string          `yaml:"ports,omitempty"`
	Volumes       []string          `yaml:"volumes,omitempty"`
	RestartPolicy string            `yaml:"restart_policy,omitempty"`
	Probe         ProbeSpec         `yaml:"probe"`
	StartTimeout  Duration          `yaml:"start_timeout,omitempty"`
	ProbeInterval Duration          `yaml:"probe_interval,omitempty"`

	// Exclusive marks a service that cannot serve two gates at once,
	// e.g. a single database instance without per-gate schemas. Gates
	// that need it serialize.
	Exclusive bool `yaml:"exclusive,omitempty"`
}

// Validate checks the spec.
func (s Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if s.Image == "" {
		return fmt.Errorf("service %s: image is required", s.Name)
	}
	return s.Probe.Validate()
}

func (s Spec) startTimeout() time.Duration {
	if s.StartTimeout > 0 {
		return time.Duration(s.StartTimeout)
	}
	return DefaultStartTimeout
}

func (s Spec) probeInterval() time.Duration {
	if s.ProbeInterval > 0 {
		return time.Duration(s.ProbeInterval)
	}
	return DefaultProbeInterval
}

// Manager starts and releases service containers through the container
// runtime CLI.
type Manager struct {
	runtime string
	logger  *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRuntime overrides the container runtime binary (default docker).
func WithRuntime(runtime string) ManagerOption {
	return func(m *Manager) { m.runtime = runtime }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a Manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{runtime: "docker", logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Handle is a started service. AwaitReady may be called by any number
// of gates; the probe loop runs once and the verdict is shared.
type Handle struct {
	Spec Spec

	id      string
	manager *Manager

	readyOnce sync.Once
	readyErr  error

	// ExclusiveMu serializes gates over an Exclusive service.
	ExclusiveMu sync.Mutex
}

// Start launches the container for spec detached and returns its
// handle. The handle is not yet ready; callers must AwaitReady before
// using the service.
func (m *Manager) Start(ctx context.Context, spec Spec) (*Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	args := []string{"run", "-d", "--label", "mergegate.service=" + spec.Name}
	for k, v := range spec.Env {
		args = append(args, "-e", k+"="+v)
	}
	for _, p := range spec.Ports {
		args = append(args, "-p", p)
	}
	for _, v := range spec.Volumes {
		args = append(args, "-v", v)
	}
	if spec.RestartPolicy != "" {
		args = append(args, "--restart", spec.RestartPolicy)
	}
	args = append(args, spec.Image)
	args = append(args, spec.Command...)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, m.runtime, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("start service %s: %w: %s", spec.Name, err, strings.TrimSpace(stderr.String()))
	}

	id := strings.TrimSpace(stdout.String())
	m.logger.Info("service started", "service", spec.Name, "image", spec.Image, "container", id)
	return &Handle{Spec: spec, id: id, manager: m}, nil
}

// AwaitReady polls the readiness probe at the configured interval until
// it succeeds, the start timeout elapses, or ctx is cancelled. Every
// probe attempt runs under the same deadline, so a hung probe cannot
// stall past the timeout. A timeout wraps ErrTimedOut with the service
// name.
func (h *Handle) AwaitReady(ctx context.Context) error {
	h.readyOnce.Do(func() {
		h.readyErr = h.await(ctx)
	})
	return h.readyErr
}

func (h *Handle) await(ctx context.Context) error {
	spec := h.Spec
	waitCtx, cancel := context.WithTimeout(ctx, spec.startTimeout())
	defer cancel()
	ticker := time.NewTicker(spec.probeInterval())
	defer ticker.Stop()

	var lastErr error
	for {
		err := spec.Probe.run(waitCtx)
		if err == nil && waitCtx.Err() == nil {
			h.manager.logger.Info("service ready", "service", spec.Name)
			return nil
		}
		if err != nil {
			lastErr = err
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if lastErr != nil {
				return fmt.Errorf("service %s: %w: last probe: %v", spec.Name, ErrTimedOut, lastErr)
			}
			return fmt.Errorf("service %s: %w", spec.Name, ErrTimedOut)
		case <-ticker.C:
		}
	}
}

// Stop force-removes the container. Safe to call for handles whose
// container never started.
func (h *Handle) Stop(ctx context.Context) error {
	if h.id == "" {
		return nil
	}
	cmd := exec.CommandContext(ctx, h.manager.runtime, "rm", "-f", h.id)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("stop service %s: %w: %s", h.Spec.Name, err, strings.TrimSpace(string(out)))
	}
	h.manager.logger.Info("service stopped", "service", h.Spec.Name)
	return nil
}

// NewHandle wraps a spec without starting a container, for services
// that are already running on the host. Probes run as usual.
func NewHandle(m *Manager, spec Spec) *Handle {
	return &Handle{Spec: spec, manager: m}
}
