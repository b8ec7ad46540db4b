package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lagoonworks/silt/internal/graph"
	"github.com/lagoonworks/silt/internal/store"
	"github.com/lagoonworks/silt/internal/value"
)

// SetupActionKind classifies one reconciliation step.
type SetupActionKind string

const (
	SetupCreate SetupActionKind = "create"
	SetupUpdate SetupActionKind = "update"
	SetupDrop   SetupActionKind = "drop"
	SetupKeep   SetupActionKind = "keep"
)

// SetupAction is one step taken (or skipped) during reconciliation.
type SetupAction struct {
	TargetKey   string
	Kind        SetupActionKind
	Description string
}

// SetupReport lists the reconciliation steps of one Setup or Drop
// call, ordered by target key.
type SetupReport struct {
	Actions []SetupAction
}

// Changed reports whether any backend was touched.
func (r *SetupReport) Changed() bool {
	for _, a := range r.Actions {
		if a.Kind != SetupKeep {
			return true
		}
	}
	return false
}

// setupApplier abstracts the shared setup-change surface of target
// and declaration connectors.
type setupApplier interface {
	ApplySetupChange(ctx context.Context, key string, prev, cur *graph.TargetSetup) error
	Describe(key string) string
}

// desiredState is one target or declaration the definition wants to
// exist.
type desiredState struct {
	applier setupApplier
	setup   *graph.TargetSetup
}

func (f *Flow) desiredStates() map[string]desiredState {
	desired := make(map[string]desiredState)
	for _, id := range f.def.Exports {
		exp := f.def.Ops[id].Export
		if exp.SetupByUser {
			continue
		}
		desired[exp.PersistentKey] = desiredState{
			applier: exp.Connector,
			setup:   buildTargetSetup(f.def, exp),
		}
	}
	for _, id := range f.def.Declares {
		dec := f.def.Ops[id].Declare
		desired[dec.PersistentKey] = desiredState{
			applier: dec.Connector,
			setup:   &graph.TargetSetup{SpecJSON: dec.SpecJSON},
		}
	}
	return desired
}

// Setup reconciles the persistent backends with the definition:
// creates targets under new persistent keys, updates targets whose
// spec changed, and drops targets whose recorded key is no longer
// declared. Recording happens only after the backend confirms, so a
// crash mid-way is repaired by calling Setup again. A second call with
// nothing to do touches no backend.
func (f *Flow) Setup(ctx context.Context) (*SetupReport, error) {
	if err := f.checkOpen("setup"); err != nil {
		return nil, err
	}

	recorded, err := f.env.Store.ListTargetStates(ctx, f.def.Name)
	if err != nil {
		return nil, err
	}
	recordedByKey := make(map[string]store.TargetState, len(recorded))
	for _, st := range recorded {
		recordedByKey[st.TargetKey] = st
	}
	desired := f.desiredStates()

	report := &SetupReport{}
	var errs []error

	for _, key := range sortedKeys(desired) {
		d := desired[key]
		specFP := value.SpecFingerprint(d.setup.SpecJSON).Hex()
		rec, exists := recordedByKey[key]
		switch {
		case !exists:
			if err := f.applyAndRecord(ctx, key, d, nil, specFP); err != nil {
				errs = append(errs, err)
				continue
			}
			report.Actions = append(report.Actions, SetupAction{
				TargetKey: key, Kind: SetupCreate, Description: d.applier.Describe(key),
			})
		case rec.SpecFP != specFP:
			prev := &graph.TargetSetup{SpecJSON: rec.SpecJSON}
			if err := f.applyAndRecord(ctx, key, d, prev, specFP); err != nil {
				errs = append(errs, err)
				continue
			}
			report.Actions = append(report.Actions, SetupAction{
				TargetKey: key, Kind: SetupUpdate, Description: d.applier.Describe(key),
			})
		default:
			report.Actions = append(report.Actions, SetupAction{
				TargetKey: key, Kind: SetupKeep, Description: d.applier.Describe(key),
			})
		}
	}

	// A recorded key missing from the definition means its target was
	// removed: drop it.
	for _, st := range recorded {
		if _, ok := desired[st.TargetKey]; ok {
			continue
		}
		if err := f.dropRecorded(ctx, st); err != nil {
			errs = append(errs, err)
			continue
		}
		report.Actions = append(report.Actions, SetupAction{
			TargetKey: st.TargetKey, Kind: SetupDrop,
		})
	}

	sort.Slice(report.Actions, func(i, j int) bool {
		return report.Actions[i].TargetKey < report.Actions[j].TargetKey
	})
	if len(errs) > 0 {
		return report, errors.Join(errs...)
	}
	if report.Changed() {
		f.log.Info("setup applied", "actions", len(report.Actions))
	}
	return report, nil
}

func (f *Flow) applyAndRecord(ctx context.Context, key string, d desiredState, prev *graph.TargetSetup, specFP string) error {
	if err := d.applier.ApplySetupChange(ctx, key, prev, d.setup); err != nil {
		return &TargetSetupError{Flow: f.def.Name, TargetKey: key, Err: err}
	}
	return f.env.Store.PutTargetState(ctx, f.def.Name, store.TargetState{
		TargetKey: key,
		SpecJSON:  d.setup.SpecJSON,
		SpecFP:    specFP,
		AppliedAt: time.Now().UTC(),
	})
}

// dropRecorded drops one recorded target whose export or declaration
// no longer exists. The connector is recovered from the recorded spec
// through the registry's decoders.
func (f *Flow) dropRecorded(ctx context.Context, st store.TargetState) error {
	applier, err := f.resolveApplier(st.SpecJSON)
	if err != nil {
		return &TargetSetupError{Flow: f.def.Name, TargetKey: st.TargetKey, Err: err}
	}
	prev := &graph.TargetSetup{SpecJSON: st.SpecJSON}
	if err := applier.ApplySetupChange(ctx, st.TargetKey, prev, nil); err != nil {
		return &TargetSetupError{Flow: f.def.Name, TargetKey: st.TargetKey, Err: err}
	}
	return f.env.Store.DeleteTargetState(ctx, f.def.Name, st.TargetKey)
}

func (f *Flow) resolveApplier(specJSON []byte) (setupApplier, error) {
	if f.env.Registry == nil {
		return nil, fmt.Errorf("no registry to resolve recorded spec")
	}
	if spec, err := f.env.Registry.DecodeTargetSpec(specJSON); err == nil {
		return f.env.Registry.BuildTarget(spec)
	}
	spec, err := f.env.Registry.DecodeDeclarationSpec(specJSON)
	if err != nil {
		return nil, err
	}
	return f.env.Registry.BuildDeclaration(spec)
}

// Drop removes every persistent backend recorded for the flow, then
// purges its tracking state. Dropping an absent flow is a no-op; the
// in-process handle stays usable afterwards.
func (f *Flow) Drop(ctx context.Context) (*SetupReport, error) {
	if err := f.checkOpen("drop"); err != nil {
		return nil, err
	}

	recorded, err := f.env.Store.ListTargetStates(ctx, f.def.Name)
	if err != nil {
		return nil, err
	}
	desired := f.desiredStates()

	report := &SetupReport{}
	var errs []error
	for _, st := range recorded {
		var applier setupApplier
		if d, ok := desired[st.TargetKey]; ok {
			applier = d.applier
		} else if applier, err = f.resolveApplier(st.SpecJSON); err != nil {
			errs = append(errs, &TargetSetupError{Flow: f.def.Name, TargetKey: st.TargetKey, Err: err})
			continue
		}
		prev := &graph.TargetSetup{SpecJSON: st.SpecJSON}
		if err := applier.ApplySetupChange(ctx, st.TargetKey, prev, nil); err != nil {
			errs = append(errs, &TargetSetupError{Flow: f.def.Name, TargetKey: st.TargetKey, Err: err})
			continue
		}
		if err := f.env.Store.DeleteTargetState(ctx, f.def.Name, st.TargetKey); err != nil {
			errs = append(errs, err)
			continue
		}
		report.Actions = append(report.Actions, SetupAction{TargetKey: st.TargetKey, Kind: SetupDrop})
	}
	if len(errs) > 0 {
		return report, errors.Join(errs...)
	}
	if err := f.env.Store.PurgeFlow(ctx, f.def.Name); err != nil {
		return report, err
	}
	if len(report.Actions) > 0 {
		f.log.Info("dropped persistent state", "targets", len(report.Actions))
	}
	return report, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
