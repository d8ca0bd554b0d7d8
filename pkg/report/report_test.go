package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriterWritesRunAndGates(t *testing.T) {
	dir := t.TempDir()
	runID := NewRunID()
	writer, err := NewWriter(dir, runID)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if writer.RunID() != runID {
		t.Fatalf("run ID mismatch: %s vs %s", writer.RunID(), runID)
	}

	run := RunRecord{
		ID:         writer.RunID(),
		Pipeline:   "verifier-ci",
		StartedAt:  time.Now().UTC(),
		FinishedAt: time.Now().UTC(),
		Passed:     false,
		Gates:      []string{"fmt", "coverage"},
	}
	if err := writer.WriteRun(run); err != nil {
		t.Fatalf("write run: %v", err)
	}

	score := 79.9
	record := GateRecord{
		Name:     "coverage",
		Policy:   "fatal",
		Passed:   false,
		Score:    &score,
		ExitCode: 0,
	}
	if err := writer.WriteGate(record); err != nil {
		t.Fatalf("write gate: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(writer.RunDir(), "run.json"))
	if err != nil {
		t.Fatalf("read run.json: %v", err)
	}
	var got RunRecord
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal run.json: %v", err)
	}
	if got.Pipeline != "verifier-ci" || got.Passed {
		t.Fatalf("run record mismatch: %+v", got)
	}

	if _, err := os.Stat(filepath.Join(writer.RunDir(), "gates", "coverage.json")); err != nil {
		t.Fatalf("missing gate file: %v", err)
	}
}

func TestWriterTruncatesOutput(t *testing.T) {
	writer, err := NewWriter(t.TempDir(), NewRunID())
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	record := GateRecord{
		Name:   "noisy",
		Policy: "tolerated",
		Stdout: strings.Repeat("x", maxCapture+100),
	}
	if err := writer.WriteGate(record); err != nil {
		t.Fatalf("write gate: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(writer.RunDir(), "gates", "noisy.json"))
	if err != nil {
		t.Fatalf("read gate file: %v", err)
	}
	var got GateRecord
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !strings.HasSuffix(got.Stdout, "[truncated]") {
		t.Fatalf("expected truncated stdout")
	}
}

func TestWriterRequiresBaseDirAndRunID(t *testing.T) {
	if _, err := NewWriter("", NewRunID()); err == nil {
		t.Fatalf("expected error for empty base dir")
	}
	if _, err := NewWriter(t.TempDir(), ""); err == nil {
		t.Fatalf("expected error for empty run ID")
	}
}
