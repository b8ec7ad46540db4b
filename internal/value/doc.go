// Package value defines the data model shared by every part of the
// engine: the runtime value representation, the definition-time type
// system, a deterministic canonical encoding, and content fingerprints
// derived from it.
//
// Values are a small sealed set: basic scalars, byte strings,
// timestamps, structs with named fields, and two table shapes - KTable
// (rows addressed by key, unordered) and LTable (rows in order).
// Every slice type in a flow definition is resolved to a Type before
// any row is processed; nothing about a type depends on runtime data.
//
// Fingerprints are SHA-256 over a domain-separated canonical encoding.
// The exact algorithm is not load-bearing beyond collision resistance,
// but it must be stable across process restarts because cached results
// and the per-source row ledger both key on it.
package value
