// Package graph builds and represents flow definitions.
//
// A flow definition is a static DAG: imports bring keyed tables of
// source rows into the root scope, row scopes iterate tables one row
// at a time, transforms derive new fields, collectors accumulate
// entries, and exports bind collectors to target backends. The whole
// graph - including every slice's type - is resolved when Build is
// called; no type depends on runtime data.
//
// Building is pure: no connector I/O happens here beyond resolving
// registered kinds to their implementations. Malformed definitions
// (field overwrites, imports or exports outside the root scope, more
// than one generated identifier per collector, unknown kinds, argument
// type mismatches) fail Build with a DefinitionError.
//
// Scopes are held in an arena addressed by index; child scopes hold an
// index back-reference to their parent, and slices store
// (scope index, field path). This keeps the graph free of ownership
// cycles and cheap to walk during execution.
package graph
