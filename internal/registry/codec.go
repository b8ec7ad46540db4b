package registry

import (
	"encoding/json"
	"fmt"

	"github.com/lagoonworks/silt/internal/graph"
)

// Spec decoders turn serialized spec envelopes back into typed specs.
// Two consumers need them: the declarative flow compiler, and the
// setup path when a recorded target's export no longer exists in the
// definition (the recorded spec JSON is all that is left to drop it
// with).

// SourceSpecDecoder decodes the spec body of a source envelope.
type SourceSpecDecoder func(raw json.RawMessage) (graph.SourceSpec, error)

// FunctionSpecDecoder decodes the spec body of a function envelope.
type FunctionSpecDecoder func(raw json.RawMessage) (graph.FunctionSpec, error)

// TargetSpecDecoder decodes the spec body of a target envelope.
type TargetSpecDecoder func(raw json.RawMessage) (graph.TargetSpec, error)

// DeclarationSpecDecoder decodes the spec body of a declaration
// envelope.
type DeclarationSpecDecoder func(raw json.RawMessage) (graph.DeclarationSpec, error)

// SourceSpecJSON builds a decoder that unmarshals the body into S.
func SourceSpecJSON[S graph.SourceSpec]() SourceSpecDecoder {
	return func(raw json.RawMessage) (graph.SourceSpec, error) {
		var s S
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return s, nil
	}
}

// FunctionSpecJSON builds a decoder that unmarshals the body into S.
func FunctionSpecJSON[S graph.FunctionSpec]() FunctionSpecDecoder {
	return func(raw json.RawMessage) (graph.FunctionSpec, error) {
		var s S
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return s, nil
	}
}

// TargetSpecJSON builds a decoder that unmarshals the body into S.
func TargetSpecJSON[S graph.TargetSpec]() TargetSpecDecoder {
	return func(raw json.RawMessage) (graph.TargetSpec, error) {
		var s S
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return s, nil
	}
}

// DeclarationSpecJSON builds a decoder that unmarshals the body into S.
func DeclarationSpecJSON[S graph.DeclarationSpec]() DeclarationSpecDecoder {
	return func(raw json.RawMessage) (graph.DeclarationSpec, error) {
		var s S
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return s, nil
	}
}

// AuthResolver rewrites credential references inside a raw spec body
// into their secret material. Installed by the environment owning the
// auth registry.
type AuthResolver func(raw []byte) ([]byte, error)

// UseAuth installs a resolver applied to every spec body before its
// decoder runs, so specs reference registered credentials instead of
// embedding them.
func (r *Registry) UseAuth(resolve AuthResolver) {
	r.mu.Lock()
	r.auth = resolve
	r.mu.Unlock()
}

func (r *Registry) resolveAuth(raw json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	resolve := r.auth
	r.mu.RUnlock()
	if resolve == nil || raw == nil {
		return raw, nil
	}
	return resolve(raw)
}

// RegisterSourceSpec attaches a decoder to a source kind.
func (r *Registry) RegisterSourceSpec(kind string, d SourceSpecDecoder) {
	r.mu.Lock()
	r.sourceSpecs[kind] = d
	r.mu.Unlock()
}

// RegisterFunctionSpec attaches a decoder to a function kind.
func (r *Registry) RegisterFunctionSpec(kind string, d FunctionSpecDecoder) {
	r.mu.Lock()
	r.functionSpecs[kind] = d
	r.mu.Unlock()
}

// RegisterTargetSpec attaches a decoder to a target kind.
func (r *Registry) RegisterTargetSpec(kind string, d TargetSpecDecoder) {
	r.mu.Lock()
	r.targetSpecs[kind] = d
	r.mu.Unlock()
}

// RegisterDeclarationSpec attaches a decoder to a declaration kind.
func (r *Registry) RegisterDeclarationSpec(kind string, d DeclarationSpecDecoder) {
	r.mu.Lock()
	r.declarationSpecs[kind] = d
	r.mu.Unlock()
}

// DecodeSourceSpec decodes a source spec envelope (kind + body) as
// produced by graph.MarshalSpec.
func (r *Registry) DecodeSourceSpec(data []byte) (graph.SourceSpec, error) {
	kind, raw, err := splitEnvelope(data)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	d, ok := r.sourceSpecs[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no spec decoder for source kind %q", kind)
	}
	if raw, err = r.resolveAuth(raw); err != nil {
		return nil, fmt.Errorf("source spec %q: %w", kind, err)
	}
	spec, err := d(raw)
	if err != nil {
		return nil, fmt.Errorf("decode source spec %q: %w", kind, err)
	}
	return spec, nil
}

// DecodeFunctionSpec decodes a function spec envelope.
func (r *Registry) DecodeFunctionSpec(data []byte) (graph.FunctionSpec, error) {
	kind, raw, err := splitEnvelope(data)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	d, ok := r.functionSpecs[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no spec decoder for function kind %q", kind)
	}
	if raw, err = r.resolveAuth(raw); err != nil {
		return nil, fmt.Errorf("function spec %q: %w", kind, err)
	}
	spec, err := d(raw)
	if err != nil {
		return nil, fmt.Errorf("decode function spec %q: %w", kind, err)
	}
	return spec, nil
}

// DecodeTargetSpec decodes a target spec envelope.
func (r *Registry) DecodeTargetSpec(data []byte) (graph.TargetSpec, error) {
	kind, raw, err := splitEnvelope(data)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	d, ok := r.targetSpecs[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no spec decoder for target kind %q", kind)
	}
	if raw, err = r.resolveAuth(raw); err != nil {
		return nil, fmt.Errorf("target spec %q: %w", kind, err)
	}
	spec, err := d(raw)
	if err != nil {
		return nil, fmt.Errorf("decode target spec %q: %w", kind, err)
	}
	return spec, nil
}

// DecodeDeclarationSpec decodes a declaration spec envelope.
func (r *Registry) DecodeDeclarationSpec(data []byte) (graph.DeclarationSpec, error) {
	kind, raw, err := splitEnvelope(data)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	d, ok := r.declarationSpecs[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no spec decoder for declaration kind %q", kind)
	}
	if raw, err = r.resolveAuth(raw); err != nil {
		return nil, fmt.Errorf("declaration spec %q: %w", kind, err)
	}
	spec, err := d(raw)
	if err != nil {
		return nil, fmt.Errorf("decode declaration spec %q: %w", kind, err)
	}
	return spec, nil
}

func splitEnvelope(data []byte) (kind string, raw json.RawMessage, err error) {
	var env struct {
		Kind string          `json:"kind"`
		Spec json.RawMessage `json:"spec"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("parse spec envelope: %w", err)
	}
	return env.Kind, env.Spec, nil
}
