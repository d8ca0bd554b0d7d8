package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zen-systems/mergegate/pkg/cache"
	"github.com/zen-systems/mergegate/pkg/coverage"
	"github.com/zen-systems/mergegate/pkg/gate"
	"github.com/zen-systems/mergegate/pkg/provision"
	"github.com/zen-systems/mergegate/pkg/report"
	"github.com/zen-systems/mergegate/pkg/service"
)

// RunOptions configures pipeline execution.
type RunOptions struct {
	// Workdir is the checkout the gates run against. Empty means the
	// current directory.
	Workdir string

	// ReportDir, when set, receives the per-run report bundle.
	ReportDir string

	// ManifestPath is recorded in the run report.
	ManifestPath string

	// Backend is the artifact cache. Nil disables caching.
	Backend cache.Backend

	// Registry resolves builtin gate references. Nil uses the default.
	Registry *gate.Registry

	// Manager starts service containers. Nil uses the default docker
	// manager.
	Manager *service.Manager

	Logger *slog.Logger
}

// Outcome is one gate's recorded result.
type Outcome struct {
	Name   string
	Policy gate.Policy
	Result *gate.Result
	Err    error
}

// Failed reports whether the gate failed, either by outcome or because
// it could not run at all (provisioning, service readiness, or an
// unstartable command).
func (o Outcome) Failed() bool {
	return o.Err != nil || o.Result == nil || !o.Result.Passed
}

// RunResult is the aggregate of a pipeline run. Passed is false iff at
// least one fatal-policy gate failed; tolerated failures are visible in
// Outcomes only.
type RunResult struct {
	RunID     string
	Passed    bool
	Outcomes  []Outcome
	ReportDir string
}

// Run executes the pipeline: services start first, then every gate runs
// concurrently, each provisioning its artifacts (idempotently) and
// awaiting its services before issuing its command. All outcomes are
// collected even under partial failure. The returned error covers
// setup problems only; gate failures are expressed through
// RunResult.Passed.
func Run(ctx context.Context, p *Pipeline, opts RunOptions) (*RunResult, error) {
	registry := opts.Registry
	if registry == nil {
		registry = gate.NewRegistry()
	}
	if err := p.Validate(registry); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	manager := opts.Manager
	if manager == nil {
		manager = service.NewManager(service.WithLogger(logger))
	}
	prov := provision.New(opts.Backend, provision.WithLogger(logger))

	gates := make([]gate.Gate, len(p.Gates))
	policies := make([]gate.Policy, len(p.Gates))
	for i, spec := range p.Gates {
		g, policy, err := buildGate(spec, registry)
		if err != nil {
			return nil, err
		}
		gates[i] = g
		policies[i] = policy
	}

	artifacts := make(map[string]provision.Spec, len(p.Artifacts))
	for _, spec := range p.Artifacts {
		artifacts[spec.Name] = spec
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runID := report.NewRunID()
	started := time.Now().UTC()
	handles := make(map[string]*service.Handle, len(p.Services))
	startErrs := make(map[string]error, len(p.Services))
	defer func() {
		// Release services on a fresh context so an aborted run still
		// cleans up.
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		for _, h := range handles {
			if err := h.Stop(stopCtx); err != nil {
				logger.Warn("service release failed", "service", h.Spec.Name, "error", err)
			}
		}
	}()
	for _, spec := range p.Services {
		handle, err := manager.Start(ctx, spec)
		if err != nil {
			logger.Error("service failed to start", "service", spec.Name, "error", err)
			startErrs[spec.Name] = err
			continue
		}
		handles[spec.Name] = handle
	}

	outcomes := make([]Outcome, len(p.Gates))
	var wg sync.WaitGroup
	for i, spec := range p.Gates {
		wg.Add(1)
		go func(i int, spec *GateSpec) {
			defer wg.Done()
			outcomes[i] = runGate(ctx, spec, gates[i], policies[i], prov, artifacts, handles, startErrs, opts, logger)
		}(i, spec)
	}
	wg.Wait()

	passed := true
	for _, o := range outcomes {
		if o.Failed() && o.Policy == gate.PolicyFatal {
			passed = false
		}
	}

	result := &RunResult{
		RunID:    runID,
		Passed:   passed,
		Outcomes: outcomes,
	}
	if opts.ReportDir != "" {
		writer, err := report.NewWriter(opts.ReportDir, runID)
		if err != nil {
			return nil, err
		}
		result.ReportDir = writer.RunDir()
		if err := writeReport(writer, p, opts.ManifestPath, started, result); err != nil {
			return nil, err
		}
	}

	logger.Info("pipeline finished", "pipeline", p.Name, "run", result.RunID, "passed", passed)
	return result, nil
}

func runGate(
	ctx context.Context,
	spec *GateSpec,
	g gate.Gate,
	policy gate.Policy,
	prov *provision.Provisioner,
	artifacts map[string]provision.Spec,
	handles map[string]*service.Handle,
	startErrs map[string]error,
	opts RunOptions,
	logger *slog.Logger,
) Outcome {
	outcome := Outcome{Name: spec.Name, Policy: policy}
	logger.Info("gate started", "gate", spec.Name, "policy", string(policy))

	env := &gate.Env{Workdir: opts.Workdir}
	for k, v := range spec.Env {
		env.Env = append(env.Env, k+"="+v)
	}

	for _, use := range spec.Uses {
		if _, err := prov.Ensure(ctx, artifacts[use]); err != nil {
			outcome.Err = fmt.Errorf("provision %s: %w", use, err)
			logger.Error("gate provisioning failed", "gate", spec.Name, "artifact", use, "error", err)
			return outcome
		}
	}

	exclusive := make([]*service.Handle, 0, len(spec.Needs))
	for _, need := range sorted(spec.Needs) {
		if err := startErrs[need]; err != nil {
			outcome.Err = fmt.Errorf("service %s: %w", need, err)
			return outcome
		}
		handle := handles[need]
		if err := handle.AwaitReady(ctx); err != nil {
			outcome.Err = err
			logger.Error("gate dependency not ready", "gate", spec.Name, "service", need, "error", err)
			return outcome
		}
		if handle.Spec.Exclusive {
			exclusive = append(exclusive, handle)
		}
	}

	// Exclusive services serialize their gates; lock order is the
	// sorted service name order above.
	for _, h := range exclusive {
		h.ExclusiveMu.Lock()
		defer h.ExclusiveMu.Unlock()
	}

	result, err := g.Run(ctx, env)
	outcome.Result = result
	outcome.Err = err
	logger.Info("gate finished", "gate", spec.Name, "failed", outcome.Failed())
	return outcome
}

func buildGate(spec *GateSpec, registry *gate.Registry) (gate.Gate, gate.Policy, error) {
	policy := spec.Policy

	switch {
	case spec.Builtin != "":
		builtin, err := registry.Get(spec.Builtin)
		if err != nil {
			return nil, "", fmt.Errorf("gate %s: %w", spec.Name, err)
		}
		if policy == "" {
			policy = builtin.Policy
		}
		g, err := gate.NewCommandGate(spec.Name, builtin.Command, spec.Workdir)
		return g, policy.OrDefault(), err
	case spec.Coverage != nil:
		g, err := coverage.NewGate(spec.Name, *spec.Coverage)
		return g, policy.OrDefault(), err
	default:
		g, err := gate.NewCommandGate(spec.Name, spec.Command, spec.Workdir)
		return g, policy.OrDefault(), err
	}
}

func writeReport(writer *report.Writer, p *Pipeline, manifestPath string, started time.Time, result *RunResult) error {
	names := make([]string, len(result.Outcomes))
	for i, o := range result.Outcomes {
		names[i] = o.Name
	}
	run := report.RunRecord{
		ID:         writer.RunID(),
		Pipeline:   p.Name,
		Manifest:   manifestPath,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
		Passed:     result.Passed,
		Gates:      names,
	}
	if err := writer.WriteRun(run); err != nil {
		return err
	}
	for _, o := range result.Outcomes {
		record := report.GateRecord{
			Name:   o.Name,
			Policy: string(o.Policy),
			Passed: !o.Failed(),
		}
		if o.Err != nil {
			record.Error = o.Err.Error()
		}
		if o.Result != nil {
			record.Score = o.Result.Score
			record.ExitCode = o.Result.ExitCode
			record.Stdout = o.Result.Stdout
			record.Stderr = o.Result.Stderr
			record.DurationMillis = o.Result.Duration.Milliseconds()
		}
		if err := writer.WriteGate(record); err != nil {
			return err
		}
	}
	return nil
}

func sorted(names []string) []string {
	out := append([]string{}, names...)
	sort.Strings(out)
	return out
}
