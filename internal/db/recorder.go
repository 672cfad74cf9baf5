package db

import (
	"context"
	"errors"
	"sync"

	"github.com/banshee-data/paramsweep/internal/monitoring"
	"github.com/banshee-data/paramsweep/internal/space"
	"github.com/banshee-data/paramsweep/internal/timeutil"
	"github.com/banshee-data/paramsweep/internal/version"
)

var recLog = monitoring.Component("ledger")

// Recorder writes the combinations of one sweep into the ledger. Pass
// Record to ParameterSpace.SetOnCombination.
type Recorder struct {
	db    *DB
	clock timeutil.Clock
	runID string

	mu       sync.Mutex
	total    int
	recorded int
	firstErr error
}

// StartRecorder inserts a running sweep_runs row and returns a recorder for
// its combinations.
func (db *DB) StartRecorder(processorID, root string, dims []string, clock timeutil.Clock) (*Recorder, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	run := &RunRecord{
		RunID:       NewRunID(),
		ProcessorID: processorID,
		RootPath:    root,
		Dimensions:  dims,
		Status:      RunRunning,
		ToolVersion: version.Version,
		StartedAt:   clock.Now(),
	}
	if err := db.InsertRun(run); err != nil {
		return nil, err
	}
	recLog.Printf("recording sweep %s of %s", run.RunID, processorID)
	return &Recorder{db: db, clock: clock, runID: run.RunID}, nil
}

// RunID returns the ledger id of the recorded sweep.
func (r *Recorder) RunID() string {
	return r.runID
}

// Record stores one combination outcome. Ledger failures are logged and kept
// for Err; they never interrupt the sweep.
func (r *Recorder) Record(res space.CombinationResult) {
	rec := &CombinationRecord{
		RunID:    r.runID,
		Number:   res.Number,
		Path:     res.Path,
		Indices:  res.Indices,
		OK:       res.Err == nil,
		Duration: res.Duration,
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	err := r.db.InsertCombination(rec)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.total = res.Total
	if err != nil {
		recLog.Warnf("%v", err)
		if r.firstErr == nil {
			r.firstErr = err
		}
		return
	}
	r.recorded++
}

// Recorded returns how many combinations were stored.
func (r *Recorder) Recorded() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recorded
}

// Err returns the first ledger write failure, if any.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.firstErr
}

// Finish closes the run with a status derived from the sweep's result.
func (r *Recorder) Finish(sweepErr error) error {
	status := RunComplete
	msg := ""
	switch {
	case sweepErr == nil:
	case errors.Is(sweepErr, space.ErrSweepStopped), errors.Is(sweepErr, context.Canceled):
		status = RunStopped
		msg = sweepErr.Error()
	default:
		status = RunFailed
		msg = sweepErr.Error()
	}
	r.mu.Lock()
	total := r.total
	r.mu.Unlock()
	recLog.Printf("sweep %s %s", r.runID, status)
	return r.db.FinishRun(r.runID, status, total, r.clock.Now(), msg)
}
