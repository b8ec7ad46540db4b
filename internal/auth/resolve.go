package auth

import (
	"context"
	"encoding/json"
	"fmt"
)

// refField is the object form a spec uses to reference a registry
// entry instead of embedding the secret: {"auth_ref": "<key>"}.
const refField = "auth_ref"

// ResolveSpecJSON replaces every {"auth_ref": "<key>"} object inside
// spec with the referenced secret as a JSON string. Specs without
// references pass through byte-identical, so their fingerprints are
// unaffected. An unknown key fails with KeyNotFoundError.
func (r *Registry) ResolveSpecJSON(ctx context.Context, spec []byte) ([]byte, error) {
	var doc any
	if err := json.Unmarshal(spec, &doc); err != nil {
		return nil, fmt.Errorf("auth: parse spec: %w", err)
	}
	resolved, changed, err := r.resolveNode(ctx, doc)
	if err != nil {
		return nil, err
	}
	if !changed {
		return spec, nil
	}
	out, err := json.Marshal(resolved)
	if err != nil {
		return nil, fmt.Errorf("auth: encode resolved spec: %w", err)
	}
	return out, nil
}

func (r *Registry) resolveNode(ctx context.Context, node any) (any, bool, error) {
	switch n := node.(type) {
	case map[string]any:
		if key, ok := refObjectKey(n); ok {
			secret, err := r.Resolve(ctx, StableRef(key))
			if err != nil {
				return nil, false, err
			}
			return string(secret), true, nil
		}
		changed := false
		for k, v := range n {
			rv, c, err := r.resolveNode(ctx, v)
			if err != nil {
				return nil, false, err
			}
			if c {
				n[k] = rv
				changed = true
			}
		}
		return n, changed, nil
	case []any:
		changed := false
		for i, v := range n {
			rv, c, err := r.resolveNode(ctx, v)
			if err != nil {
				return nil, false, err
			}
			if c {
				n[i] = rv
				changed = true
			}
		}
		return n, changed, nil
	}
	return node, false, nil
}

// refObjectKey reports whether m is exactly a reference object.
func refObjectKey(m map[string]any) (string, bool) {
	if len(m) != 1 {
		return "", false
	}
	v, ok := m[refField]
	if !ok {
		return "", false
	}
	key, ok := v.(string)
	if !ok || key == "" {
		return "", false
	}
	return key, true
}
