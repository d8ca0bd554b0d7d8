// Package pipeline loads CI gate pipelines from YAML manifests and runs
// them: artifacts are provisioned through the cache, service
// dependencies are started and health-checked, and the gates execute
// concurrently before their outcomes are aggregated into a single
// verdict.
package pipeline

import (
	"github.com/zen-systems/mergegate/pkg/coverage"
	"github.com/zen-systems/mergegate/pkg/gate"
	"github.com/zen-systems/mergegate/pkg/provision"
	"github.com/zen-systems/mergegate/pkg/service"
)

// Pipeline is a full gate-pipeline definition.
type Pipeline struct {
	Name      string           `yaml:"name"`
	Artifacts []provision.Spec `yaml:"artifacts,omitempty"`
	Services  []service.Spec   `yaml:"services,omitempty"`
	Gates     []*GateSpec      `yaml:"gates"`
}

// GateSpec declares one gate. Exactly one of Builtin, Command or
// Coverage selects what the gate runs; Needs and Uses declare its
// service and artifact dependencies.
type GateSpec struct {
	Name     string            `yaml:"name"`
	Builtin  string            `yaml:"builtin,omitempty"`
	Command  []string          `yaml:"command,omitempty"`
	Workdir  string            `yaml:"workdir,omitempty"`
	Policy   gate.Policy       `yaml:"policy,omitempty"`
	Coverage *coverage.Config  `yaml:"coverage,omitempty"`
	Env      map[string]string `yaml:"env,omitempty"`

	// Needs names services that must be ready before this gate runs.
	Needs []string `yaml:"needs,omitempty"`

	// Uses names artifacts this gate provisions before running.
	Uses []string `yaml:"uses,omitempty"`
}

// sources counts how many run sources the spec declares.
func (g *GateSpec) sources() int {
	n := 0
	if g.Builtin != "" {
		n++
	}
	if len(g.Command) > 0 {
		n++
	}
	if g.Coverage != nil {
		n++
	}
	return n
}
