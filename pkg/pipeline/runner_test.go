package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/zen-systems/mergegate/pkg/gate"
	"github.com/zen-systems/mergegate/pkg/provision"
	"github.com/zen-systems/mergegate/pkg/report"
	"github.com/zen-systems/mergegate/pkg/service"
)

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func outcomeByName(t *testing.T, result *RunResult, name string) Outcome {
	t.Helper()
	for _, o := range result.Outcomes {
		if o.Name == name {
			return o
		}
	}
	t.Fatalf("no outcome for gate %s", name)
	return Outcome{}
}

func TestRunFatalFailureFlipsOverallResult(t *testing.T) {
	requireSh(t)
	p := &Pipeline{
		Name: "p",
		Gates: []*GateSpec{
			{Name: "ok", Command: []string{"true"}},
			{Name: "broken", Command: []string{"false"}},
		},
	}

	result, err := Run(context.Background(), p, RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Passed {
		t.Fatalf("expected overall fail with a fatal gate failing")
	}
	if outcomeByName(t, result, "ok").Failed() {
		t.Fatalf("sibling gate must still pass")
	}
}

func TestRunToleratedFailureDoesNotFlipResult(t *testing.T) {
	requireSh(t)
	p := &Pipeline{
		Name: "p",
		Gates: []*GateSpec{
			{Name: "ok", Command: []string{"true"}},
			{Name: "todo", Command: []string{"false"}, Policy: gate.PolicyTolerated},
		},
	}

	result, err := Run(context.Background(), p, RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.Passed {
		t.Fatalf("tolerated failures must not block the run")
	}
	if !outcomeByName(t, result, "todo").Failed() {
		t.Fatalf("tolerated failure must still be visible in outcomes")
	}
}

func TestRunAllFatalPassEvenIfEveryToleratedFails(t *testing.T) {
	requireSh(t)
	p := &Pipeline{
		Name: "p",
		Gates: []*GateSpec{
			{Name: "a", Command: []string{"true"}},
			{Name: "b", Command: []string{"true"}},
			{Name: "t1", Command: []string{"false"}, Policy: gate.PolicyTolerated},
			{Name: "t2", Command: []string{"false"}, Policy: gate.PolicyTolerated},
		},
	}
	result, err := Run(context.Background(), p, RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.Passed {
		t.Fatalf("expected pass when every fatal gate passes")
	}
}

func TestRunCollectsAllOutcomesUnderPartialFailure(t *testing.T) {
	requireSh(t)
	p := &Pipeline{
		Name: "p",
		Gates: []*GateSpec{
			{Name: "one", Command: []string{"false"}},
			{Name: "two", Command: []string{"false"}},
			{Name: "three", Command: []string{"true"}},
		},
	}
	result, err := Run(context.Background(), p, RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Outcomes) != 3 {
		t.Fatalf("expected a complete per-gate report, got %d outcomes", len(result.Outcomes))
	}
}

func TestRunServiceTimeoutFailsDependentGateOnly(t *testing.T) {
	requireSh(t)
	p := &Pipeline{
		Name: "p",
		Services: []service.Spec{{
			Name:          "db",
			Image:         "postgres:15",
			Probe:         service.ProbeSpec{Kind: service.ProbeExec, Command: []string{"false"}},
			StartTimeout:  service.Duration(100 * time.Millisecond),
			ProbeInterval: service.Duration(20 * time.Millisecond),
		}},
		Gates: []*GateSpec{
			{Name: "needs-db", Command: []string{"true"}, Needs: []string{"db"}},
			{Name: "independent", Command: []string{"true"}},
		},
	}

	// The manager's runtime is stubbed so no container actually starts.
	manager := service.NewManager(service.WithRuntime("true"))
	result, err := Run(context.Background(), p, RunOptions{Manager: manager})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	dependent := outcomeByName(t, result, "needs-db")
	if !dependent.Failed() {
		t.Fatalf("expected dependent gate to fail")
	}
	if !errors.Is(dependent.Err, service.ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", dependent.Err)
	}
	if outcomeByName(t, result, "independent").Failed() {
		t.Fatalf("sibling without the dependency must pass")
	}
	if result.Passed {
		t.Fatalf("fatal dependent gate failure must flip the verdict")
	}
}

func TestRunAbortReleasesServices(t *testing.T) {
	requireSh(t)
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}

	// A stand-in container runtime: "run" prints a container id, "rm"
	// records the release through a side file.
	dir := t.TempDir()
	stopped := filepath.Join(dir, "stopped")
	runtimePath := filepath.Join(dir, "runtime")
	script := `#!/bin/sh
if [ "$1" = "rm" ]; then
  touch "$MERGEGATE_TEST_STOPPED"
  exit 0
fi
echo cid-test
`
	if err := os.WriteFile(runtimePath, []byte(script), 0o755); err != nil {
		t.Fatalf("write runtime stub: %v", err)
	}
	t.Setenv("MERGEGATE_TEST_STOPPED", stopped)

	p := &Pipeline{
		Name: "p",
		Services: []service.Spec{{
			Name:  "db",
			Image: "postgres:15",
			Probe: service.ProbeSpec{Kind: service.ProbeExec, Command: []string{"true"}},
		}},
		Gates: []*GateSpec{{Name: "slow", Command: []string{"sleep", "5"}, Needs: []string{"db"}}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	manager := service.NewManager(service.WithRuntime(runtimePath))
	start := time.Now()
	result, err := Run(ctx, p, RunOptions{Manager: manager})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("abort did not terminate the in-flight gate, ran %s", elapsed)
	}
	if result.Passed {
		t.Fatalf("aborted run must fail")
	}
	if _, err := os.Stat(stopped); err != nil {
		t.Fatalf("service not released after abort: %v", err)
	}
}

func TestRunBuiltinPolicyApplies(t *testing.T) {
	requireSh(t)
	registry := gate.NewRegistry()
	registry.Register(gate.Builtin{Name: "always-red", Command: []string{"false"}, Policy: gate.PolicyTolerated})

	p := &Pipeline{
		Name:  "p",
		Gates: []*GateSpec{{Name: "scan", Builtin: "always-red"}},
	}
	result, err := Run(context.Background(), p, RunOptions{Registry: registry})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.Passed {
		t.Fatalf("builtin tolerated policy must carry over")
	}
	if outcomeByName(t, result, "scan").Policy != gate.PolicyTolerated {
		t.Fatalf("expected tolerated policy on outcome")
	}
}

func TestRunWritesReportBundle(t *testing.T) {
	requireSh(t)
	reportDir := t.TempDir()
	p := &Pipeline{
		Name: "verifier-ci",
		Gates: []*GateSpec{
			{Name: "ok", Command: []string{"true"}},
			{Name: "red", Command: []string{"false"}},
		},
	}
	result, err := Run(context.Background(), p, RunOptions{ReportDir: reportDir, ManifestPath: "pipeline.yaml"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.ReportDir == "" {
		t.Fatalf("expected report dir")
	}

	data, err := os.ReadFile(filepath.Join(result.ReportDir, "run.json"))
	if err != nil {
		t.Fatalf("read run.json: %v", err)
	}
	var run report.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		t.Fatalf("unmarshal run.json: %v", err)
	}
	if run.Passed || run.Pipeline != "verifier-ci" {
		t.Fatalf("run record mismatch: %+v", run)
	}
	if run.ID != result.RunID {
		t.Fatalf("run ID mismatch: %s vs %s", run.ID, result.RunID)
	}
	if filepath.Base(result.ReportDir) != result.RunID {
		t.Fatalf("report dir %s not keyed by run ID %s", result.ReportDir, result.RunID)
	}

	for _, name := range []string{"ok", "red"} {
		if _, err := os.Stat(filepath.Join(result.ReportDir, "gates", name+".json")); err != nil {
			t.Fatalf("missing gate record %s: %v", name, err)
		}
	}
}

func TestRunGatesShareProvisionedArtifacts(t *testing.T) {
	requireSh(t)

	// Both gates use the same artifact; the installer counts its
	// invocations through a side file, so two ensures with one key must
	// install exactly once.
	counter := filepath.Join(t.TempDir(), "installs")
	p := &Pipeline{
		Name: "p",
		Artifacts: []provision.Spec{{
			Name:      "tool",
			Version:   "1.0.0",
			Installer: []string{"sh", "-c", `echo x >> ` + counter + `; touch "$0/tool"`},
		}},
		Gates: []*GateSpec{
			{Name: "a", Command: []string{"true"}, Uses: []string{"tool"}},
			{Name: "b", Command: []string{"true"}, Uses: []string{"tool"}},
		},
	}

	result, err := Run(context.Background(), p, RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.Passed {
		t.Fatalf("expected pass")
	}

	data, err := os.ReadFile(counter)
	if err != nil {
		t.Fatalf("read counter: %v", err)
	}
	if got := len(data); got != 2 {
		t.Fatalf("expected one install (2 bytes), got %d bytes", got)
	}
}
