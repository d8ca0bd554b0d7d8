package pipeline

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	"gopkg.in/yaml.v3"

	"github.com/zen-systems/mergegate/pkg/gate"
)

// LoadManifest reads a pipeline definition from a YAML file.
func LoadManifest(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var pipeline Pipeline
	if err := yaml.Unmarshal(data, &pipeline); err != nil {
		return nil, err
	}

	return &pipeline, nil
}

// Validate checks the pipeline configuration for errors. The registry
// resolves builtin references; pass nil to use the default registry.
func (p *Pipeline) Validate(registry *gate.Registry) error {
	if registry == nil {
		registry = gate.NewRegistry()
	}
	if p.Name == "" {
		return fmt.Errorf("pipeline name is required")
	}
	if len(p.Gates) == 0 {
		return fmt.Errorf("pipeline must define at least one gate")
	}

	artifacts := make(map[string]struct{})
	for _, spec := range p.Artifacts {
		if err := spec.Validate(); err != nil {
			return err
		}
		if _, ok := artifacts[spec.Name]; ok {
			return fmt.Errorf("duplicate artifact name: %s", spec.Name)
		}
		artifacts[spec.Name] = struct{}{}
	}

	services := make(map[string]struct{})
	for _, spec := range p.Services {
		if err := spec.Validate(); err != nil {
			return err
		}
		if _, ok := services[spec.Name]; ok {
			return fmt.Errorf("duplicate service name: %s", spec.Name)
		}
		if _, err := name.ParseReference(spec.Image); err != nil {
			return fmt.Errorf("service %s: invalid image reference %q: %w", spec.Name, spec.Image, err)
		}
		services[spec.Name] = struct{}{}
	}

	seen := make(map[string]struct{})
	for _, g := range p.Gates {
		if g.Name == "" {
			return fmt.Errorf("gate name is required")
		}
		// Gate names become report file names.
		if strings.ContainsAny(g.Name, `/\`) || strings.Contains(g.Name, "..") {
			return fmt.Errorf("gate name must not contain path elements: %q", g.Name)
		}
		if _, ok := seen[g.Name]; ok {
			return fmt.Errorf("duplicate gate name: %s", g.Name)
		}
		seen[g.Name] = struct{}{}

		if n := g.sources(); n != 1 {
			return fmt.Errorf("gate %s must declare exactly one of builtin, command or coverage", g.Name)
		}
		if g.Builtin != "" {
			if _, err := registry.Get(g.Builtin); err != nil {
				return fmt.Errorf("gate %s: %w", g.Name, err)
			}
		}
		if g.Coverage != nil {
			if err := g.Coverage.Validate(); err != nil {
				return fmt.Errorf("gate %s: %w", g.Name, err)
			}
		}
		if err := g.Policy.Validate(); err != nil {
			return fmt.Errorf("gate %s: %w", g.Name, err)
		}
		for _, need := range g.Needs {
			if _, ok := services[need]; !ok {
				return fmt.Errorf("gate %s references unknown service %s", g.Name, need)
			}
		}
		for _, use := range g.Uses {
			if _, ok := artifacts[use]; !ok {
				return fmt.Errorf("gate %s references unknown artifact %s", g.Name, use)
			}
		}
	}

	return nil
}
