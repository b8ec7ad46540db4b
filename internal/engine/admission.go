package engine

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/lagoonworks/silt/internal/graph"
)

// admission bounds in-flight rows and bytes for one level (global,
// per-source, or per-iteration). A nil admission or an unset limit
// admits freely.
//
// Row permits are taken before the row is read (its size is unknown
// until then); byte permits are taken after, sized by the row. A row
// larger than the byte capacity is clamped so it still runs, alone.
type admission struct {
	rows    *semaphore.Weighted
	bytes   *semaphore.Weighted
	byteCap int64
}

func newAdmission(opts graph.ExecutionOptions) *admission {
	a := &admission{}
	if opts.MaxInflightRows > 0 {
		a.rows = semaphore.NewWeighted(int64(opts.MaxInflightRows))
	}
	if opts.MaxInflightBytes > 0 {
		a.bytes = semaphore.NewWeighted(opts.MaxInflightBytes)
		a.byteCap = opts.MaxInflightBytes
	}
	return a
}

func (a *admission) acquireRow(ctx context.Context) error {
	if a == nil || a.rows == nil {
		return nil
	}
	return a.rows.Acquire(ctx, 1)
}

func (a *admission) releaseRow() {
	if a == nil || a.rows == nil {
		return
	}
	a.rows.Release(1)
}

func (a *admission) byteWeight(size int64) int64 {
	if size > a.byteCap {
		return a.byteCap
	}
	return size
}

func (a *admission) acquireBytes(ctx context.Context, size int64) error {
	if a == nil || a.bytes == nil || size <= 0 {
		return nil
	}
	return a.bytes.Acquire(ctx, a.byteWeight(size))
}

func (a *admission) releaseBytes(size int64) {
	if a == nil || a.bytes == nil || size <= 0 {
		return
	}
	a.bytes.Release(a.byteWeight(size))
}

// admitters is an acquisition chain, outermost limit first. Acquire
// order is fixed (global before local) so chains cannot deadlock
// against each other; release runs in reverse.
type admitters []*admission

func (as admitters) acquireRow(ctx context.Context) error {
	for i, a := range as {
		if err := a.acquireRow(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				as[j].releaseRow()
			}
			return err
		}
	}
	return nil
}

func (as admitters) releaseRow() {
	for i := len(as) - 1; i >= 0; i-- {
		as[i].releaseRow()
	}
}

func (as admitters) acquireBytes(ctx context.Context, size int64) error {
	for i, a := range as {
		if err := a.acquireBytes(ctx, size); err != nil {
			for j := i - 1; j >= 0; j-- {
				as[j].releaseBytes(size)
			}
			return err
		}
	}
	return nil
}

func (as admitters) releaseBytes(size int64) {
	for i := len(as) - 1; i >= 0; i-- {
		as[i].releaseBytes(size)
	}
}
