package service

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os/exec"

	"github.com/jackc/pgx/v5"
)

// Probe kinds.
const (
	ProbeExec     = "exec"
	ProbePostgres = "postgres"
	ProbeHTTP     = "http"
)

// ProbeSpec declares a repeatable readiness check. Exec probes run a
// host command against the service's published ports; postgres probes
// open a connection and ping; http probes expect a 2xx response.
type ProbeSpec struct {
	Kind    string   `yaml:"kind"`
	Command []string `yaml:"command,omitempty"`
	DSN     string   `yaml:"dsn,omitempty"`
	URL     string   `yaml:"url,omitempty"`
}

// Validate checks the probe declaration.
func (p ProbeSpec) Validate() error {
	switch p.Kind {
	case ProbeExec:
		if len(p.Command) == 0 {
			return fmt.Errorf("exec probe requires a command")
		}
	case ProbePostgres:
		if p.DSN == "" {
			return fmt.Errorf("postgres probe requires a dsn")
		}
	case ProbeHTTP:
		if p.URL == "" {
			return fmt.Errorf("http probe requires a url")
		}
	default:
		return fmt.Errorf("unknown probe kind: %q", p.Kind)
	}
	return nil
}

func (p ProbeSpec) run(ctx context.Context) error {
	switch p.Kind {
	case ProbeExec:
		return p.runExec(ctx)
	case ProbePostgres:
		return p.runPostgres(ctx)
	case ProbeHTTP:
		return p.runHTTP(ctx)
	default:
		return fmt.Errorf("unknown probe kind: %q", p.Kind)
	}
}

func (p ProbeSpec) runExec(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, p.Command[0], p.Command[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("probe %q: %w", p.Command[0], err)
	}
	return nil
}

func (p ProbeSpec) runPostgres(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, p.DSN)
	if err != nil {
		return fmt.Errorf("probe postgres: %w", err)
	}
	defer conn.Close(ctx)
	return conn.Ping(ctx)
}

func (p ProbeSpec) runHTTP(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", p.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("probe %s: unexpected status %s", p.URL, resp.Status)
	}
	return nil
}
