package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/lagoonworks/silt/internal/graph"
)

// LiveState is the live updater's lifecycle state.
type LiveState int32

const (
	LiveIdle LiveState = iota
	LiveStarting
	LiveActive
	LiveAborting
	LiveAborted
	LiveDraining
	LiveCompleted
)

// String returns the state name.
func (s LiveState) String() string {
	switch s {
	case LiveIdle:
		return "idle"
	case LiveStarting:
		return "starting"
	case LiveActive:
		return "active"
	case LiveAborting:
		return "aborting"
	case LiveAborted:
		return "aborted"
	case LiveDraining:
		return "draining"
	case LiveCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// StatusUpdate is one coalesced progress notification: the sources
// still scheduled for further cycles and the sources that processed
// changes since the previous read.
type StatusUpdate struct {
	ActiveSources  []string
	ChangedSources []string
}

// LiveUpdater drives continuous processing: an initial cycle per
// source, then further cycles on every refresh timer, cron schedule,
// or source-pushed change. Cycles for one source are serialized;
// sources run independently.
type LiveUpdater struct {
	flow *Flow

	state atomic.Int32
	// cancel stops scheduling only: tickers, cron waits, watches, and
	// the trigger loops. Row processing runs under the Start context,
	// so admitted rows mutate and checkpoint even during an abort;
	// stopRows makes in-flight cycles stop admitting at the next row
	// boundary.
	cancel   context.CancelFunc
	stopRows atomic.Bool

	done chan struct{}

	status statusBroker

	mu    sync.Mutex
	stats *UpdateStats
	errs  []error
}

// NewLiveUpdater creates an updater for the flow in state Idle.
func (f *Flow) NewLiveUpdater() *LiveUpdater {
	u := &LiveUpdater{
		flow:  f,
		stats: newUpdateStats(),
		done:  make(chan struct{}),
	}
	u.status.init()
	return u
}

// State returns the current lifecycle state.
func (u *LiveUpdater) State() LiveState {
	return LiveState(u.state.Load())
}

// UpdateStats returns the accumulated per-source counts so far.
func (u *LiveUpdater) UpdateStats() *UpdateStats {
	u.mu.Lock()
	defer u.mu.Unlock()
	snapshot := newUpdateStats()
	snapshot.Merge(u.stats)
	return snapshot
}

// Start begins processing. Without any change-capture mechanism the
// updater runs one cycle per source and completes; otherwise it stays
// active until Abort.
func (u *LiveUpdater) Start(ctx context.Context) error {
	if err := u.flow.checkOpen("live update"); err != nil {
		return err
	}
	if !u.state.CompareAndSwap(int32(LiveIdle), int32(LiveStarting)) {
		return fmt.Errorf("flow %s: live updater already started", u.flow.Name())
	}
	schedCtx, cancel := context.WithCancel(ctx)
	u.cancel = cancel
	go u.run(ctx, schedCtx)
	return nil
}

// Abort stops scheduling new cycles. In-flight cycles finish their
// admitted rows and checkpoint; Wait returns once the updater reaches
// Aborted.
func (u *LiveUpdater) Abort() {
	for {
		s := u.State()
		if s == LiveAborted || s == LiveCompleted || s == LiveAborting {
			return
		}
		if u.state.CompareAndSwap(int32(s), int32(LiveAborting)) {
			u.stopRows.Store(true)
			if u.cancel != nil {
				u.cancel()
			}
			return
		}
	}
}

// Wait blocks until the updater reaches Aborted or Completed, then
// returns the joined cycle errors.
func (u *LiveUpdater) Wait(ctx context.Context) error {
	select {
	case <-u.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return errors.Join(u.errs...)
}

// NextStatusUpdates blocks until new progress exists and returns one
// coalesced notification. Terminal transitions count as progress, so
// a reader always observes the end of the run.
func (u *LiveUpdater) NextStatusUpdates(ctx context.Context) (StatusUpdate, error) {
	changed, err := u.status.next(ctx)
	if err != nil {
		return StatusUpdate{}, err
	}
	return StatusUpdate{
		ActiveSources:  u.activeSources(),
		ChangedSources: changed,
	}, nil
}

func (u *LiveUpdater) activeSources() []string {
	if s := u.State(); s != LiveActive && s != LiveStarting {
		return nil
	}
	var names []string
	for _, id := range u.flow.def.Imports {
		imp := u.flow.def.Ops[id].Import
		if imp.Refresh.Enabled() {
			names = append(names, imp.FieldName)
			continue
		}
		if _, ok := imp.Connector.(graph.WatchableSource); ok {
			names = append(names, imp.FieldName)
		}
	}
	sort.Strings(names)
	return names
}

func (u *LiveUpdater) recordCycle(source string, s SourceStats, err error) {
	u.mu.Lock()
	u.stats.record(source, s)
	if err != nil {
		u.errs = append(u.errs, err)
	}
	u.mu.Unlock()
	if s.Processed > 0 || s.Deleted > 0 {
		u.status.markChanged(source)
	}
}

// run drives the updater. rowCtx covers row processing and is not
// cancelled by Abort; schedCtx covers everything that schedules new
// cycles.
func (u *LiveUpdater) run(rowCtx, schedCtx context.Context) {
	defer close(u.done)
	defer u.status.poke()

	stop := u.stopRows.Load

	if err := u.flow.prepareExecutors(rowCtx); err != nil {
		u.mu.Lock()
		u.errs = append(u.errs, err)
		u.mu.Unlock()
		u.state.Store(int32(LiveAborted))
		return
	}

	// Initial cycle for every source.
	var wg sync.WaitGroup
	for _, impID := range u.flow.def.Imports {
		wg.Add(1)
		go func(impID int) {
			defer wg.Done()
			source := u.flow.def.Ops[impID].Import.FieldName
			s, err := u.flow.processSource(rowCtx, impID, stop)
			u.recordCycle(source, s, err)
		}(impID)
	}
	wg.Wait()

	if u.State() == LiveAborting {
		u.state.Store(int32(LiveAborted))
		return
	}
	if !u.flow.def.HasChangeCapture() {
		// Nothing will ever trigger another cycle.
		u.state.Store(int32(LiveDraining))
		u.state.Store(int32(LiveCompleted))
		return
	}
	u.state.Store(int32(LiveActive))

	for _, impID := range u.flow.def.Imports {
		imp := u.flow.def.Ops[impID].Import
		if !imp.Refresh.Enabled() {
			if _, ok := imp.Connector.(graph.WatchableSource); !ok {
				continue
			}
		}
		wg.Add(1)
		go func(impID int, imp *graph.ImportOp) {
			defer wg.Done()
			u.runSource(rowCtx, schedCtx, impID, imp, stop)
		}(impID, imp)
	}
	wg.Wait()

	if u.State() == LiveAborting {
		u.state.Store(int32(LiveAborted))
	} else {
		u.state.Store(int32(LiveDraining))
		u.state.Store(int32(LiveCompleted))
	}
}

// runSource serializes cycles for one source: each trigger sets a
// dirty bit, and the loop runs one cycle per observed bit, coalescing
// triggers that land mid-cycle. Triggers live on schedCtx; a cycle
// already dispatched runs to its row boundary on rowCtx.
func (u *LiveUpdater) runSource(rowCtx, schedCtx context.Context, impID int, imp *graph.ImportOp, stop func() bool) {
	trigger := make(chan struct{}, 1)
	fire := func() {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}

	if imp.Refresh.Interval > 0 {
		ticker := time.NewTicker(imp.Refresh.Interval)
		defer ticker.Stop()
		go func() {
			for {
				select {
				case <-ticker.C:
					fire()
				case <-schedCtx.Done():
					return
				}
			}
		}()
	}
	if imp.Refresh.Schedule != "" {
		expr := cronexpr.MustParse(imp.Refresh.Schedule) // validated at build time
		go func() {
			for {
				next := expr.Next(time.Now())
				if next.IsZero() {
					return
				}
				select {
				case <-time.After(time.Until(next)):
					fire()
				case <-schedCtx.Done():
					return
				}
			}
		}()
	}
	if ws, ok := imp.Connector.(graph.WatchableSource); ok {
		changes, err := ws.Watch(schedCtx)
		if err != nil {
			u.recordCycle(imp.FieldName, SourceStats{}, &SourceError{
				Flow: u.flow.Name(), Source: imp.FieldName, Err: fmt.Errorf("watch: %w", err),
			})
		} else {
			go func() {
				for range changes {
					fire()
				}
			}()
		}
	}

	for {
		select {
		case <-trigger:
			s, err := u.flow.processSource(rowCtx, impID, stop)
			u.recordCycle(imp.FieldName, s, err)
		case <-schedCtx.Done():
			return
		}
	}
}

// statusBroker coalesces progress notifications: any number of
// changes between reads collapse into one wake-up.
type statusBroker struct {
	mu      sync.Mutex
	changed map[string]bool
	dirty   bool
	notify  chan struct{}
}

func (b *statusBroker) init() {
	b.changed = make(map[string]bool)
	b.notify = make(chan struct{}, 1)
}

func (b *statusBroker) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *statusBroker) markChanged(source string) {
	b.mu.Lock()
	b.changed[source] = true
	b.dirty = true
	b.mu.Unlock()
	b.wake()
}

// poke signals progress without naming a changed source (state
// transitions).
func (b *statusBroker) poke() {
	b.mu.Lock()
	b.dirty = true
	b.mu.Unlock()
	b.wake()
}

func (b *statusBroker) next(ctx context.Context) ([]string, error) {
	for {
		b.mu.Lock()
		if b.dirty {
			changed := make([]string, 0, len(b.changed))
			for s := range b.changed {
				changed = append(changed, s)
			}
			sort.Strings(changed)
			b.changed = make(map[string]bool)
			b.dirty = false
			b.mu.Unlock()
			return changed, nil
		}
		b.mu.Unlock()
		select {
		case <-b.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
