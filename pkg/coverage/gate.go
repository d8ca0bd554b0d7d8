package coverage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zen-systems/mergegate/pkg/gate"
)

// Gate is a threshold check over a coverage report: it optionally runs
// a producer command to generate the report, parses it, and passes iff
// the aggregate percentage is at least the configured minimum. A
// missing or malformed report is a gate failure, not a pipeline error.
type Gate struct {
	name     string
	producer gate.Gate
	report   string
	minimum  float64
	exclude  []string
}

// Config declares a coverage threshold gate.
type Config struct {
	// Producer optionally generates the report before it is read.
	Producer []string `yaml:"producer,omitempty"`

	// Report is the LCOV tracefile path, relative to the workdir.
	Report string `yaml:"report"`

	// Minimum is the required aggregate percentage, in (0, 100].
	Minimum float64 `yaml:"minimum"`

	// Exclude removes file identifiers (exact or glob) from the
	// aggregate before the comparison.
	Exclude []string `yaml:"exclude,omitempty"`
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Report == "" {
		return fmt.Errorf("coverage gate requires a report path")
	}
	if c.Minimum <= 0 || c.Minimum > 100 {
		return fmt.Errorf("coverage minimum must be in (0, 100], got %v", c.Minimum)
	}
	return nil
}

// NewGate builds a coverage gate from its configuration.
func NewGate(name string, cfg Config) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &Gate{
		name:    name,
		report:  cfg.Report,
		minimum: cfg.Minimum,
		exclude: cfg.Exclude,
	}
	if len(cfg.Producer) > 0 {
		producer, err := gate.NewCommandGate(name+"-producer", cfg.Producer, "")
		if err != nil {
			return nil, err
		}
		g.producer = producer
	}
	return g, nil
}

// Name returns the gate identifier.
func (g *Gate) Name() string {
	return g.name
}

// Run produces (if configured) and evaluates the coverage report.
func (g *Gate) Run(ctx context.Context, env *gate.Env) (*gate.Result, error) {
	start := time.Now()

	if g.producer != nil {
		result, err := g.producer.Run(ctx, env)
		if err != nil {
			return nil, err
		}
		if !result.Passed {
			result.Duration = time.Since(start)
			return result, nil
		}
	}

	reportPath := g.report
	if env != nil && env.Workdir != "" && !filepath.IsAbs(reportPath) {
		reportPath = filepath.Join(env.Workdir, reportPath)
	}

	f, err := os.Open(reportPath)
	if err != nil {
		return failure(start, fmt.Sprintf("coverage report unavailable: %v", err)), nil
	}
	defer f.Close()

	report, err := ParseLCOV(f)
	if err != nil {
		return failure(start, fmt.Sprintf("coverage report malformed: %v", err)), nil
	}
	measured, err := report.Percent(g.exclude)
	if err != nil {
		return failure(start, fmt.Sprintf("coverage aggregate: %v", err)), nil
	}

	return &gate.Result{
		Passed:   measured >= g.minimum,
		Score:    &measured,
		Stdout:   fmt.Sprintf("coverage %.2f%% (minimum %.2f%%)", measured, g.minimum),
		Duration: time.Since(start),
	}, nil
}

func failure(start time.Time, msg string) *gate.Result {
	return &gate.Result{
		Passed:   false,
		ExitCode: 1,
		Stderr:   msg,
		Duration: time.Since(start),
	}
}
