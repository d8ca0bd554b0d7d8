package gate

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// CommandGate executes a command and maps its exit status to
// pass/fail. The command is opaque: linters, compilers and scanners are
// all driven the same way.
type CommandGate struct {
	name    string
	command []string
	workdir string
}

// NewCommandGate creates a command gate.
func NewCommandGate(name string, command []string, workdir string) (*CommandGate, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("command gate requires a command")
	}
	if name == "" {
		name = command[0]
	}
	return &CommandGate{name: name, command: command, workdir: workdir}, nil
}

// Name returns the gate identifier.
func (g *CommandGate) Name() string {
	return g.name
}

// Run executes the command against env. Exit status zero is a pass,
// any other exit status a fail; a command that cannot start at all is
// an error.
func (g *CommandGate) Run(ctx context.Context, env *Env) (*Result, error) {
	cmd := exec.CommandContext(ctx, g.command[0], g.command[1:]...)
	cmd.Dir = resolveWorkdir(env, g.workdir)
	cmd.Env = os.Environ()
	if env != nil {
		cmd.Env = append(cmd.Env, env.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return nil, fmt.Errorf("gate %s: %w", g.name, err)
		}
		exitCode = exitErr.ExitCode()
	}

	return &Result{
		Passed:   exitCode == 0,
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}, nil
}

func resolveWorkdir(env *Env, workdir string) string {
	base := ""
	if env != nil {
		base = env.Workdir
	}
	if workdir == "" {
		return base
	}
	if filepath.IsAbs(workdir) || base == "" {
		return workdir
	}
	return filepath.Join(base, workdir)
}
