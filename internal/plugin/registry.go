package plugin

import (
	"regexp"
	"sort"
	"sync"

	"github.com/coral-mesh/binmcp/internal/errors"
	"github.com/coral-mesh/binmcp/internal/middleware"
)

var (
	namePattern    = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
	versionPattern = regexp.MustCompile(`^[0-9]+\.[0-9]+\.[0-9]+$`)
)

// ValidateName checks a plugin or operation identifier.
func ValidateName(field, name string) error {
	if !namePattern.MatchString(name) {
		return errors.Validation("invalid %s %q: must be lowercase letters, digits and underscores, not starting with a digit", field, name)
	}
	return nil
}

// ValidateVersion checks a three-part numeric semantic version.
func ValidateVersion(version string) error {
	if !versionPattern.MatchString(version) {
		return errors.Validation("invalid version %q: must be MAJOR.MINOR.PATCH", version)
	}
	return nil
}

type entry struct {
	record     Record
	operations []*OperationRecord
}

// Registry is the table of loaded plugins and their operations. Lookups
// are read-locked; Register and Unregister take the lock exclusively.
type Registry struct {
	mu         sync.RWMutex
	plugins    map[string]*entry
	operations map[string]*OperationRecord
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins:    make(map[string]*entry),
		operations: make(map[string]*OperationRecord),
	}
}

// Register validates p and adds it with all of its operations. Any
// violation rejects the whole plugin and leaves the registry unchanged.
func (r *Registry) Register(p Plugin) error {
	if p == nil {
		return errors.Validation("plugin is nil")
	}

	built, err := build(p)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plugins[built.record.Name]; exists {
		return errors.Validation("plugin %q is already registered", built.record.Name)
	}
	for _, op := range built.operations {
		if _, exists := r.operations[op.Qualified]; exists {
			return errors.Validation("operation %q is already registered", op.Qualified)
		}
	}

	r.plugins[built.record.Name] = built
	for _, op := range built.operations {
		r.operations[op.Qualified] = op
	}
	return nil
}

// build validates p and assembles its records without touching the registry.
func build(p Plugin) (*entry, error) {
	name := p.Name()
	if err := ValidateName("plugin name", name); err != nil {
		return nil, err
	}
	if err := ValidateVersion(p.Version()); err != nil {
		return nil, err
	}

	ops := p.Operations()
	e := &entry{
		record: Record{
			Name:         name,
			Version:      p.Version(),
			Instructions: p.Instructions(),
			Operations:   make([]OperationInfo, 0, len(ops)),
		},
		operations: make([]*OperationRecord, 0, len(ops)),
	}

	seen := make(map[string]bool, len(ops))
	for _, op := range ops {
		if err := ValidateName("operation name", op.Name); err != nil {
			return nil, err
		}
		qualified := Qualify(name, op.Name)
		if seen[qualified] {
			return nil, errors.Validation("operation %q is declared twice", qualified)
		}
		seen[qualified] = true

		if op.Handler == nil {
			return nil, errors.Validation("operation %q has no handler", qualified)
		}

		pipeline := middleware.NewPipeline(op.Hooks...)
		signature := pipeline.Signature(op.Params)
		if err := validateSignature(qualified, signature); err != nil {
			return nil, err
		}

		rec := &OperationRecord{
			Qualified: qualified,
			Plugin:    name,
			Operation: op,
			Signature: signature,
			Pipeline:  pipeline,
		}
		e.operations = append(e.operations, rec)
		e.record.Operations = append(e.record.Operations, rec.Info())
	}
	return e, nil
}

func validateSignature(qualified string, signature []Param) error {
	names := make(map[string]bool, len(signature))
	for _, p := range signature {
		if p.Name == "" {
			return errors.Validation("operation %q declares a parameter without a name", qualified)
		}
		if names[p.Name] {
			return errors.Validation("operation %q declares parameter %q twice", qualified, p.Name)
		}
		names[p.Name] = true
		if !p.Type.Valid() {
			return errors.Validation("operation %q parameter %q has invalid type %q", qualified, p.Name, p.Type)
		}
	}
	return nil
}

// Unregister removes a plugin and all of its operations.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.plugins[name]
	if !ok {
		return errors.NotFound("plugin %q is not registered", name)
	}
	for _, op := range e.operations {
		delete(r.operations, op.Qualified)
	}
	delete(r.plugins, name)
	return nil
}

// Lookup resolves a qualified operation name.
func (r *Registry) Lookup(qualified string) (*OperationRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	op, ok := r.operations[qualified]
	return op, ok
}

// Get returns the metadata of one plugin.
func (r *Registry) Get(name string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.plugins[name]
	if !ok {
		return Record{}, false
	}
	return e.record.clone(), true
}

// List returns a snapshot of all plugin metadata sorted by name.
func (r *Registry) List() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := make([]Record, 0, len(r.plugins))
	for _, e := range r.plugins {
		records = append(records, e.record.clone())
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records
}

// Operations returns all registered operations sorted by qualified name.
func (r *Registry) Operations() []*OperationRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ops := make([]*OperationRecord, 0, len(r.operations))
	for _, op := range r.operations {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].Qualified < ops[j].Qualified })
	return ops
}
