package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lagoonworks/silt/internal/value"
)

// Spec interfaces: configuration objects for external capabilities,
// dispatched by a kind discriminant through a Registry. The engine
// never looks inside a spec; connectors do.

// SourceSpec configures a source connector.
type SourceSpec interface {
	SourceKind() string
}

// FunctionSpec configures a function executor.
type FunctionSpec interface {
	FunctionKind() string
}

// TargetSpec configures a target connector.
type TargetSpec interface {
	TargetKind() string
}

// DeclarationSpec is a root-level declaration folded into target setup
// (shared DDL and the like).
type DeclarationSpec interface {
	DeclarationKind() string
}

// Registry resolves spec kinds to their implementations. The builder
// uses it at definition time; implementations live in
// internal/registry.
type Registry interface {
	BuildSource(spec SourceSpec) (SourceConnector, error)
	BuildFunction(spec FunctionSpec) (FunctionExecutor, error)
	BuildTarget(spec TargetSpec) (TargetConnector, error)
	BuildDeclaration(spec DeclarationSpec) (DeclarationConnector, error)
}

// SourceRowMeta is one entry of a source listing: the row key, a
// content fingerprint, and last-modified metadata. Listing is cheap;
// reading the value is a separate call.
type SourceRowMeta struct {
	Key          value.Value
	Fingerprint  value.Fingerprint
	LastModified time.Time
}

// SourceSchema describes the rows a source produces: a single key
// field plus the value fields.
type SourceSchema struct {
	KeyField value.TypeField
	Fields   []value.TypeField
}

// SourceConnector is the capability contract for sources.
type SourceConnector interface {
	// Schema returns the row schema. Must be constant for the
	// connector's lifetime.
	Schema() SourceSchema
	// List enumerates current rows with their fingerprints.
	List(ctx context.Context) ([]SourceRowMeta, error)
	// Read fetches the value fields of one row as a Struct. ok=false
	// means the row no longer exists (deleted between List and Read).
	Read(ctx context.Context, key value.Value) (row value.Struct, ok bool, err error)
}

// SourceChange is a pushed change event from a watchable source. An
// empty key set means the changed rows are unknown and the whole
// source should be re-listed.
type SourceChange struct {
	Keys []value.Value
}

// WatchableSource is an optional source capability: push/poll change
// capture. The returned channel closes when ctx is cancelled or the
// watch ends.
type WatchableSource interface {
	SourceConnector
	Watch(ctx context.Context) (<-chan SourceChange, error)
}

// FunctionBehavior declares how a function's results may be reused.
// Bumping Version invalidates every cached result of the function.
type FunctionBehavior struct {
	Version      string
	CacheEnabled bool
}

// FunctionExecutor is the capability contract for transformation
// functions. Call must be pure given its arguments: the cache keys on
// the argument fingerprints plus the behavior version and nothing
// else.
type FunctionExecutor interface {
	// Analyze resolves the output type from the argument types at
	// definition time.
	Analyze(args []value.Type) (value.Type, error)
	Behavior() FunctionBehavior
	Call(ctx context.Context, args []value.Value) (value.Value, error)
}

// PreparableFunction is an optional executor capability: one-time
// setup (loading a model, opening a client) before the first Call.
type PreparableFunction interface {
	Prepare(ctx context.Context) error
}

// TargetSetup is the desired persistent state for one export target,
// handed to ApplySetupChange. SpecJSON is the serialized spec (see
// MarshalSpec); the schemas come from the collector feeding the
// export.
type TargetSetup struct {
	TargetName  string
	SpecJSON    []byte
	KeyFields   []value.TypeField
	ValueFields []value.TypeField
}

// Mutation is one row-level change for a target: a key and the new
// value, or nil for deletion. Mutations must commute per distinct key
// and re-applying a mutation must be harmless.
type Mutation struct {
	Key   value.Value
	Value *value.Struct
}

// TargetWriter applies row mutations for one prepared target.
type TargetWriter interface {
	// Mutate applies a batch. Duplicate upserts and deletes of absent
	// keys are no-ops; blind retry after a partial failure must
	// converge.
	Mutate(ctx context.Context, muts []Mutation) error
	Close() error
}

// TargetConnector is the capability contract for export targets.
type TargetConnector interface {
	// PersistentKey returns a stable identifier for the target
	// instance named by (spec, name). It must not change across runs:
	// it is the sole means of detecting target removal.
	PersistentKey(spec TargetSpec, targetName string) (string, error)
	// ApplySetupChange reconciles the backend from prev to cur.
	// prev=nil means create, cur=nil means drop. Must be idempotent:
	// re-applying the same transition (including dropping an absent
	// resource) succeeds silently.
	ApplySetupChange(ctx context.Context, key string, prev, cur *TargetSetup) error
	// Prepare opens a writer for mutations against the target.
	Prepare(spec TargetSpec, setup *TargetSetup) (TargetWriter, error)
	// Describe renders a human-readable label for reports.
	Describe(key string) string
}

// DeclarationConnector applies root-level declarations during setup
// (shared DDL and similar resources not owned by a single export).
// The setup-change contract matches TargetConnector: idempotent, with
// nil prev meaning create and nil cur meaning drop. Declarations take
// no mutations, so there is no Prepare.
type DeclarationConnector interface {
	PersistentKey(spec DeclarationSpec) (string, error)
	ApplySetupChange(ctx context.Context, key string, prev, cur *TargetSetup) error
	Describe(key string) string
}

// specEnvelope is the serialized form of any spec: the kind
// discriminant plus the spec's own fields.
type specEnvelope struct {
	Kind string          `json:"kind"`
	Spec json.RawMessage `json:"spec"`
}

// MarshalSpec serializes a spec with its kind discriminant. The output
// is deterministic for a given spec struct (encoding/json emits struct
// fields in declaration order), so it is safe to fingerprint and diff.
func MarshalSpec(kind string, spec any) ([]byte, error) {
	body, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("marshal %s spec: %w", kind, err)
	}
	data, err := json.Marshal(specEnvelope{Kind: kind, Spec: body})
	if err != nil {
		return nil, fmt.Errorf("marshal %s spec envelope: %w", kind, err)
	}
	return data, nil
}

// SpecKindOf extracts the kind discriminant from a serialized spec.
func SpecKindOf(data []byte) (string, error) {
	var env specEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("parse spec envelope: %w", err)
	}
	return env.Kind, nil
}
