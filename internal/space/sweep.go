package space

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/banshee-data/paramsweep/internal/monitoring"
	"github.com/banshee-data/paramsweep/internal/processor"
)

var sweepLog = monitoring.Component("sweep")

// Sweep errors.
var (
	ErrSweepInProgress = errors.New("sweep already in progress")
	ErrSweepStopped    = errors.New("sweep stopped")
	ErrNoSweep         = errors.New("no sweep running")
)

// CombinationResult describes one processed combination.
type CombinationResult struct {
	Number   int // 1-based
	Total    int
	Indices  map[string]int
	Path     string
	Err      error
	Duration time.Duration
}

// Sweep runs p once for every combination of the named dimensions (all
// dimensions when names is empty). Dimensions not swept stay at their current
// index. The live cursors are not moved. A failure of p aborts the sweep
// unless p ignores failures.
func (ps *ParameterSpace) Sweep(ctx context.Context, p processor.Processor, names []string, recompute bool) error {
	if !ps.sweepRunning.CompareAndSwap(false, true) {
		return ErrSweepInProgress
	}
	defer ps.sweepRunning.Store(false)
	ps.stopRequested.Store(false)
	return ps.sweep(ctx, p, names, recompute)
}

// SweepAsync runs Sweep on a background goroutine. Only one sweep may be in
// flight per space.
func (ps *ParameterSpace) SweepAsync(ctx context.Context, p processor.Processor, names []string, recompute bool) error {
	ps.sweepMu.Lock()
	defer ps.sweepMu.Unlock()
	if !ps.sweepRunning.CompareAndSwap(false, true) {
		return ErrSweepInProgress
	}
	ps.stopRequested.Store(false)
	done := make(chan struct{})
	ps.sweepDone = done
	ps.sweepErr = nil
	go func() {
		defer close(done)
		err := ps.sweep(ctx, p, names, recompute)
		ps.sweepMu.Lock()
		ps.sweepErr = err
		ps.sweepMu.Unlock()
		ps.sweepRunning.Store(false)
	}()
	return nil
}

// SweepRunning reports whether a sweep is in progress.
func (ps *ParameterSpace) SweepRunning() bool {
	return ps.sweepRunning.Load()
}

// WaitForSweep blocks until the async sweep finishes and returns its result.
func (ps *ParameterSpace) WaitForSweep() error {
	ps.sweepMu.Lock()
	done := ps.sweepDone
	ps.sweepMu.Unlock()
	if done == nil {
		return ErrNoSweep
	}
	<-done
	ps.sweepMu.Lock()
	defer ps.sweepMu.Unlock()
	return ps.sweepErr
}

// StopSweep asks the running sweep to stop after the current combination and
// waits for an async sweep to exit. The processor invocation in progress is
// not interrupted; cancel the sweep's context for that.
func (ps *ParameterSpace) StopSweep() error {
	if !ps.sweepRunning.Load() {
		return nil
	}
	ps.stopRequested.Store(true)
	err := ps.WaitForSweep()
	if errors.Is(err, ErrNoSweep) {
		return nil
	}
	return err
}

func (ps *ParameterSpace) sweepNames(names []string) ([]string, error) {
	if len(names) == 0 {
		return ps.DimensionNames(), nil
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		d := ps.Dimension(n)
		if d == nil {
			return nil, fmt.Errorf("sweep over %q: %w", n, ErrDimensionNotFound)
		}
		out = append(out, d.Name())
	}
	return out, nil
}

func (ps *ParameterSpace) sweep(ctx context.Context, p processor.Processor, names []string, recompute bool) error {
	swept, err := ps.sweepNames(names)
	if err != nil {
		return err
	}
	all := ps.Dimensions()
	indices := make(map[string]int, len(all))
	for _, d := range all {
		indices[d.Name()] = d.CurrentIndex()
	}
	total := 1
	for _, name := range swept {
		indices[name] = 0
		total *= ps.Dimension(name).Size()
	}
	if total == 0 {
		sweepLog.Warnf("nothing to sweep: a swept dimension has no samples")
		return nil
	}

	ps.mu.RLock()
	root, clock := ps.rootPath, ps.clock
	onProgress, onCombo := ps.onProgress, ps.onCombo
	ps.mu.RUnlock()

	sweepLog.Printf("starting sweep of %s over %v: %d combinations", p.ID(), swept, total)
	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ps.stopRequested.Load() {
			sweepLog.Printf("sweep stopped after %d/%d combinations", count, total)
			return ErrSweepStopped
		}

		applyConfiguration(p.Configuration(), all, indices)
		rel := ps.GenerateRelativeRunPath(indices)
		if rel != "" {
			if err := p.SetRunningDirectory(filepath.Join(root, rel)); err != nil {
				return fmt.Errorf("setting running directory %s: %w", rel, err)
			}
		}

		start := clock.Now()
		perr := p.Process(ctx, recompute)
		count++
		snapshot := copyIndices(indices)
		if onCombo != nil {
			onCombo(CombinationResult{
				Number:   count,
				Total:    total,
				Indices:  snapshot,
				Path:     rel,
				Err:      perr,
				Duration: clock.Since(start),
			})
		}
		if perr != nil {
			if !p.IgnoreFail() {
				sweepLog.Warnf("combination %d/%d (%s) failed, aborting: %v", count, total, rel, perr)
				return fmt.Errorf("sweep aborted at combination %d/%d: %w", count, total, perr)
			}
			sweepLog.Warnf("combination %d/%d (%s) failed, continuing: %v", count, total, rel, perr)
		}
		if onProgress != nil {
			onProgress(snapshot, float64(count)/float64(total))
		}

		if !ps.IncrementIndices(indices, swept) {
			break
		}
	}
	sweepLog.Printf("sweep complete: %d combinations", count)
	return nil
}

// applyConfiguration pushes each dimension's value at indices into cfg:
// internal dimensions as floats, mapped dimensions as ids and index
// dimensions as integer indices.
func applyConfiguration(cfg *processor.Configuration, dims []*Dimension, indices map[string]int) {
	for _, d := range dims {
		idx := indices[d.Name()]
		switch d.Role() {
		case RoleInternal:
			cfg.Set(d.Name(), processor.Float(d.ValueAt(idx)))
		case RoleMapped:
			cfg.Set(d.Name(), processor.String(d.IDAt(idx)))
		case RoleIndex:
			cfg.Set(d.Name(), processor.Int(int64(idx)))
		}
	}
}

func copyIndices(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// BindProcessor runs p whenever d's current value changes, after copying the
// current value of every dimension into p's configuration and pointing p at
// the current run directory. Failures are logged.
func (ps *ParameterSpace) BindProcessor(ctx context.Context, d *Dimension, p processor.Processor) {
	d.OnChange(func(_, _ float64, _ *Dimension) {
		all := ps.Dimensions()
		applyConfiguration(p.Configuration(), all, ps.CurrentIndices())
		if rel := ps.CurrentRunPath(); rel != "" {
			if err := p.SetRunningDirectory(filepath.Join(ps.RootPath(), rel)); err != nil {
				logger.Warnf("%s: %v", p.ID(), err)
				return
			}
		}
		if err := p.Process(ctx, false); err != nil {
			logger.Warnf("%s after %s changed: %v", p.ID(), d.Name(), err)
		}
	})
}
