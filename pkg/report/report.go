// Package report persists per-run result bundles: run metadata plus one
// record per gate, enough to diagnose a failed run without rerunning.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// maxCapture bounds stored stdout/stderr per gate.
const maxCapture = 8 * 1024

// RunRecord captures run-level metadata and the overall verdict.
type RunRecord struct {
	ID         string    `json:"id"`
	Pipeline   string    `json:"pipeline"`
	Manifest   string    `json:"manifest,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Passed     bool      `json:"passed"`
	Gates      []string  `json:"gates,omitempty"`
}

// GateRecord captures one gate's outcome.
type GateRecord struct {
	Name           string   `json:"name"`
	Policy         string   `json:"policy"`
	Passed         bool     `json:"passed"`
	Score          *float64 `json:"score,omitempty"`
	ExitCode       int      `json:"exit_code"`
	Stdout         string   `json:"stdout,omitempty"`
	Stderr         string   `json:"stderr,omitempty"`
	Error          string   `json:"error,omitempty"`
	DurationMillis int64    `json:"duration_ms"`
}

// NewRunID allocates a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// Writer writes a run's report bundle to <baseDir>/<runID>.
type Writer struct {
	runID  string
	runDir string
}

// NewWriter creates the run directory for runID under baseDir.
func NewWriter(baseDir, runID string) (*Writer, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if runID == "" {
		return nil, fmt.Errorf("run ID is required")
	}
	runDir := filepath.Join(baseDir, runID)
	if err := os.MkdirAll(filepath.Join(runDir, "gates"), 0o755); err != nil {
		return nil, err
	}
	return &Writer{runID: runID, runDir: runDir}, nil
}

// RunID returns the run identifier.
func (w *Writer) RunID() string {
	return w.runID
}

// RunDir returns the run directory path.
func (w *Writer) RunDir() string {
	return w.runDir
}

// WriteRun writes run metadata to run.json.
func (w *Writer) WriteRun(record RunRecord) error {
	return writeJSON(filepath.Join(w.runDir, "run.json"), record)
}

// WriteGate writes a gate record to gates/<name>.json, truncating
// captured output.
func (w *Writer) WriteGate(record GateRecord) error {
	record.Stdout = truncate(record.Stdout)
	record.Stderr = truncate(record.Stderr)
	path := filepath.Join(w.runDir, "gates", fmt.Sprintf("%s.json", record.Name))
	return writeJSON(path, record)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func truncate(s string) string {
	if len(s) <= maxCapture {
		return s
	}
	return s[:maxCapture] + "\n[truncated]"
}
