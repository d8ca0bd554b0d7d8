package gate

import (
	"context"
	"fmt"
	"time"
)

// Policy controls how a gate's failure affects the overall verdict.
// Tolerated gates report their outcome but never flip the run to fail.
type Policy string

const (
	PolicyFatal     Policy = "fatal"
	PolicyTolerated Policy = "tolerated"
)

// Validate checks the policy value. The empty string is allowed and
// means fatal.
func (p Policy) Validate() error {
	switch p {
	case "", PolicyFatal, PolicyTolerated:
		return nil
	default:
		return fmt.Errorf("unknown gate policy: %q", p)
	}
}

// OrDefault resolves the empty policy to fatal.
func (p Policy) OrDefault() Policy {
	if p == "" {
		return PolicyFatal
	}
	return p
}

// Env is the provisioned execution environment a gate runs against.
type Env struct {
	// Workdir is the checkout the gate commands run in.
	Workdir string

	// Env holds extra KEY=VALUE pairs appended to the process
	// environment.
	Env []string
}

// Result is the outcome of one gate execution.
type Result struct {
	Passed   bool
	ExitCode int

	// Score is set by threshold gates: the measured value that was
	// compared against the configured minimum.
	Score *float64

	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Gate is a single independent verification task with a pass/fail
// outcome. Run returns an error only when the gate could not execute at
// all; an executed-but-failing check is a Result with Passed=false.
type Gate interface {
	Name() string
	Run(ctx context.Context, env *Env) (*Result, error)
}
