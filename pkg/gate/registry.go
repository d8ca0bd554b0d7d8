package gate

import "fmt"

// Builtin is a named gate template. A manifest gate may reference one
// by name and override its fields.
type Builtin struct {
	Name    string
	Command []string
	Policy  Policy
}

// Registry holds the builtin gate templates.
type Registry struct {
	builtins map[string]Builtin
}

// NewRegistry creates a registry seeded with the standard gates: code
// formatting, linting, unused-dependency detection and TODO-marker
// scanning. The TODO scan is tolerated: its failures are visible in the
// report but never block the run.
func NewRegistry() *Registry {
	r := &Registry{builtins: make(map[string]Builtin)}

	r.Register(Builtin{
		Name:    "fmt",
		Command: []string{"cargo", "fmt", "--all", "--check"},
	})
	r.Register(Builtin{
		Name:    "lint",
		Command: []string{"cargo", "clippy", "--all-targets", "--", "-D", "warnings"},
	})
	r.Register(Builtin{
		Name:    "udeps",
		Command: []string{"cargo", "udeps", "--all-targets"},
	})
	r.Register(Builtin{
		Name:    "todo",
		Command: []string{"sh", "-c", "! grep -rn 'TODO' --include='*.rs' src/"},
		Policy:  PolicyTolerated,
	})

	return r
}

// Register adds or replaces a builtin.
func (r *Registry) Register(b Builtin) {
	r.builtins[b.Name] = b
}

// Get returns the builtin with the given name.
func (r *Registry) Get(name string) (Builtin, error) {
	b, ok := r.builtins[name]
	if !ok {
		return Builtin{}, fmt.Errorf("builtin gate not found: %s", name)
	}
	return b, nil
}

// Names lists the registered builtins.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.builtins))
	for name := range r.builtins {
		names = append(names, name)
	}
	return names
}
