// Package registry maps spec kind discriminants to connector and
// executor implementations.
//
// Connectors and functions implement the capability contracts in
// internal/graph and register themselves under a kind name, usually
// from an init function in internal/ops. The flow builder resolves
// kinds through a Registry at definition time; duplicate kind names
// are rejected, matching the definition-time rule that custom entries
// must not collide on name.
//
// A process-wide default registry is initialized on first use. Tests
// use New to get an isolated instance.
package registry

import (
	"fmt"
	"sync"

	"github.com/lagoonworks/silt/internal/graph"
)

// SourceFactory builds a source connector from its spec.
type SourceFactory func(spec graph.SourceSpec) (graph.SourceConnector, error)

// FunctionFactory builds a function executor from its spec.
type FunctionFactory func(spec graph.FunctionSpec) (graph.FunctionExecutor, error)

// TargetFactory builds a target connector from its spec.
type TargetFactory func(spec graph.TargetSpec) (graph.TargetConnector, error)

// DeclarationFactory builds a declaration connector from its spec.
type DeclarationFactory func(spec graph.DeclarationSpec) (graph.DeclarationConnector, error)

// Registry resolves spec kinds to implementations. Implements
// graph.Registry.
type Registry struct {
	mu           sync.RWMutex
	auth         AuthResolver
	sources      map[string]SourceFactory
	functions    map[string]FunctionFactory
	targets      map[string]TargetFactory
	declarations map[string]DeclarationFactory

	sourceSpecs      map[string]SourceSpecDecoder
	functionSpecs    map[string]FunctionSpecDecoder
	targetSpecs      map[string]TargetSpecDecoder
	declarationSpecs map[string]DeclarationSpecDecoder
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		sources:          make(map[string]SourceFactory),
		functions:        make(map[string]FunctionFactory),
		targets:          make(map[string]TargetFactory),
		declarations:     make(map[string]DeclarationFactory),
		sourceSpecs:      make(map[string]SourceSpecDecoder),
		functionSpecs:    make(map[string]FunctionSpecDecoder),
		targetSpecs:      make(map[string]TargetSpecDecoder),
		declarationSpecs: make(map[string]DeclarationSpecDecoder),
	}
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// Default returns the process-wide registry, creating it on first use.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultReg = New()
	})
	return defaultReg
}

// RegisterSource registers a source connector kind.
func (r *Registry) RegisterSource(kind string, f SourceFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sources[kind]; exists {
		return &graph.DefinitionError{Where: "register source", Message: fmt.Sprintf("kind %q already registered", kind)}
	}
	r.sources[kind] = f
	return nil
}

// RegisterFunction registers a function executor kind.
func (r *Registry) RegisterFunction(kind string, f FunctionFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.functions[kind]; exists {
		return &graph.DefinitionError{Where: "register function", Message: fmt.Sprintf("kind %q already registered", kind)}
	}
	r.functions[kind] = f
	return nil
}

// RegisterTarget registers a target connector kind.
func (r *Registry) RegisterTarget(kind string, f TargetFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.targets[kind]; exists {
		return &graph.DefinitionError{Where: "register target", Message: fmt.Sprintf("kind %q already registered", kind)}
	}
	r.targets[kind] = f
	return nil
}

// RegisterDeclaration registers a declaration connector kind.
func (r *Registry) RegisterDeclaration(kind string, f DeclarationFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.declarations[kind]; exists {
		return &graph.DefinitionError{Where: "register declaration", Message: fmt.Sprintf("kind %q already registered", kind)}
	}
	r.declarations[kind] = f
	return nil
}

// MustRegisterSource is RegisterSource that panics on collision. For
// init-time registration of built-ins.
func (r *Registry) MustRegisterSource(kind string, f SourceFactory) {
	if err := r.RegisterSource(kind, f); err != nil {
		panic(err)
	}
}

// MustRegisterFunction is RegisterFunction that panics on collision.
func (r *Registry) MustRegisterFunction(kind string, f FunctionFactory) {
	if err := r.RegisterFunction(kind, f); err != nil {
		panic(err)
	}
}

// MustRegisterTarget is RegisterTarget that panics on collision.
func (r *Registry) MustRegisterTarget(kind string, f TargetFactory) {
	if err := r.RegisterTarget(kind, f); err != nil {
		panic(err)
	}
}

// MustRegisterDeclaration is RegisterDeclaration that panics on
// collision.
func (r *Registry) MustRegisterDeclaration(kind string, f DeclarationFactory) {
	if err := r.RegisterDeclaration(kind, f); err != nil {
		panic(err)
	}
}

// BuildSource implements graph.Registry.
func (r *Registry) BuildSource(spec graph.SourceSpec) (graph.SourceConnector, error) {
	r.mu.RLock()
	f, ok := r.sources[spec.SourceKind()]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown source kind %q", spec.SourceKind())
	}
	conn, err := f(spec)
	if err != nil {
		return nil, fmt.Errorf("build source %q: %w", spec.SourceKind(), err)
	}
	return conn, nil
}

// BuildFunction implements graph.Registry.
func (r *Registry) BuildFunction(spec graph.FunctionSpec) (graph.FunctionExecutor, error) {
	r.mu.RLock()
	f, ok := r.functions[spec.FunctionKind()]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown function kind %q", spec.FunctionKind())
	}
	exec, err := f(spec)
	if err != nil {
		return nil, fmt.Errorf("build function %q: %w", spec.FunctionKind(), err)
	}
	return exec, nil
}

// BuildTarget implements graph.Registry.
func (r *Registry) BuildTarget(spec graph.TargetSpec) (graph.TargetConnector, error) {
	r.mu.RLock()
	f, ok := r.targets[spec.TargetKind()]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown target kind %q", spec.TargetKind())
	}
	conn, err := f(spec)
	if err != nil {
		return nil, fmt.Errorf("build target %q: %w", spec.TargetKind(), err)
	}
	return conn, nil
}

// BuildDeclaration implements graph.Registry.
func (r *Registry) BuildDeclaration(spec graph.DeclarationSpec) (graph.DeclarationConnector, error) {
	r.mu.RLock()
	f, ok := r.declarations[spec.DeclarationKind()]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown declaration kind %q", spec.DeclarationKind())
	}
	conn, err := f(spec)
	if err != nil {
		return nil, fmt.Errorf("build declaration %q: %w", spec.DeclarationKind(), err)
	}
	return conn, nil
}

// SourceKinds returns the registered source kinds, for diagnostics.
func (r *Registry) SourceKinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return kinds(r.sources)
}

// FunctionKinds returns the registered function kinds.
func (r *Registry) FunctionKinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return kinds(r.functions)
}

// TargetKinds returns the registered target kinds.
func (r *Registry) TargetKinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return kinds(r.targets)
}

func kinds[T any](m map[string]T) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
