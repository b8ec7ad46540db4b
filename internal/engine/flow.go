package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/lagoonworks/silt/internal/graph"
)

// Flow is the in-process handle on one flow. Opening it touches
// nothing persistent; Setup, Update, and Drop do. Closing it releases
// the handle only and leaves persistent state as it is.
type Flow struct {
	def *graph.Definition
	env *Environment
	log *slog.Logger

	global *admission
	// local admission per op id: imports and for-each nodes with
	// configured limits.
	local map[int]*admission

	ordinal atomic.Int64

	prepOnce sync.Once
	prepErr  error

	us updateState

	mu     sync.Mutex
	closed bool
}

// OpenFlow creates a handle on def against env.
func OpenFlow(def *graph.Definition, env *Environment) (*Flow, error) {
	if env == nil || env.Store == nil {
		return nil, fmt.Errorf("open flow %s: environment requires a tracking store", def.Name)
	}
	f := &Flow{
		def:    def,
		env:    env,
		log:    env.logger().With("flow", def.Name),
		global: newAdmission(env.Exec),
		local:  make(map[int]*admission),
	}
	for _, op := range def.Ops {
		switch op.Kind {
		case graph.OpImport:
			f.local[op.ID] = newAdmission(op.Import.Exec)
		case graph.OpForEach:
			f.local[op.ID] = newAdmission(op.ForEach.Exec)
		}
	}
	return f, nil
}

// Name returns the flow's full name.
func (f *Flow) Name() string {
	return f.def.Name
}

// Definition returns the flow's definition graph.
func (f *Flow) Definition() *graph.Definition {
	return f.def
}

// Close releases the in-process handle. Persistent state is untouched;
// a closed handle rejects further operations.
func (f *Flow) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *Flow) checkOpen(opName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("flow %s: %s on closed handle", f.def.Name, opName)
	}
	return nil
}

// updateState implements single-flight coalescing for Update. gen
// counts started cycles, doneGen finished ones; a caller needs a
// cycle that started no earlier than its own arrival.
type updateState struct {
	mu        sync.Mutex
	running   bool
	gen       int64
	doneGen   int64
	waitCh    chan struct{}
	lastStats *UpdateStats
	lastErr   error
}

// Update runs one incremental processing cycle over every source.
// Overlapping callers coalesce: a caller arriving while a cycle is
// mid-flight waits for that cycle and then for one follow-up cycle,
// so every caller observes target state at least as fresh as its call.
func (f *Flow) Update(ctx context.Context) (*UpdateStats, error) {
	if err := f.checkOpen("update"); err != nil {
		return nil, err
	}

	f.us.mu.Lock()
	arrival := f.us.gen
	for {
		if !f.us.running && f.us.doneGen > arrival {
			stats, err := f.us.lastStats, f.us.lastErr
			f.us.mu.Unlock()
			return stats, err
		}
		if !f.us.running {
			f.us.running = true
			f.us.gen++
			gen := f.us.gen
			f.us.waitCh = make(chan struct{})
			f.us.mu.Unlock()

			stats, err := f.runCycle(ctx, nil)

			f.us.mu.Lock()
			f.us.running = false
			f.us.doneGen = gen
			f.us.lastStats, f.us.lastErr = stats, err
			close(f.us.waitCh)
			f.us.mu.Unlock()
			return stats, err
		}
		ch := f.us.waitCh
		f.us.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		f.us.mu.Lock()
	}
}

// prepareExecutors runs one-time setup on every executor that wants
// it, before the first evaluation. A failure is sticky: the flow will
// not evaluate until reopened.
func (f *Flow) prepareExecutors(ctx context.Context) error {
	f.prepOnce.Do(func() {
		for i := range f.def.Ops {
			op := &f.def.Ops[i]
			if op.Kind != graph.OpTransform {
				continue
			}
			p, ok := op.Transform.Executor.(graph.PreparableFunction)
			if !ok {
				continue
			}
			if err := p.Prepare(ctx); err != nil {
				f.prepErr = fmt.Errorf("prepare %s: %w", op.Name, err)
				return
			}
		}
	})
	return f.prepErr
}

// runCycle processes every source once, concurrently. Per-source
// failures are joined; successful sources still commit.
func (f *Flow) runCycle(ctx context.Context, stop func() bool) (*UpdateStats, error) {
	if err := f.prepareExecutors(ctx); err != nil {
		return newUpdateStats(), err
	}
	stats := newUpdateStats()
	var wg sync.WaitGroup
	errCh := make(chan error, len(f.def.Imports))
	for _, impID := range f.def.Imports {
		wg.Add(1)
		go func(impID int) {
			defer wg.Done()
			s, err := f.processSource(ctx, impID, stop)
			stats.record(f.def.Ops[impID].Import.FieldName, s)
			if err != nil {
				errCh <- err
			}
		}(impID)
	}
	wg.Wait()
	close(errCh)
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return stats, errors.Join(errs...)
	}
	f.log.Info("update cycle complete", "stats", stats.String())
	return stats, nil
}
