package db

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/paramsweep/internal/processor"
	"github.com/banshee-data/paramsweep/internal/space"
	"github.com/banshee-data/paramsweep/internal/timeutil"
	"github.com/banshee-data/paramsweep/internal/version"
)

func TestRecorderFinishStatus(t *testing.T) {
	tests := []struct {
		name     string
		sweepErr error
		want     RunStatus
		wantMsg  string
	}{
		{name: "complete", want: RunComplete},
		{name: "stopped", sweepErr: space.ErrSweepStopped, want: RunStopped, wantMsg: "sweep stopped"},
		{name: "canceled", sweepErr: context.Canceled, want: RunStopped, wantMsg: "context canceled"},
		{name: "failed", sweepErr: errors.New("exit status 2"), want: RunFailed, wantMsg: "exit status 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := setupTestDB(t)
			clock := timeutil.NewMockClock(epoch)
			rec, err := db.StartRecorder("render", "/data", []string{"x"}, clock)
			require.NoError(t, err)

			rec.Record(space.CombinationResult{Number: 1, Total: 3, Indices: map[string]int{"x": 0}, Path: "1"})
			clock.Advance(time.Minute)
			require.NoError(t, rec.Finish(tt.sweepErr))

			run, err := db.GetRun(rec.RunID())
			require.NoError(t, err)
			assert.Equal(t, tt.want, run.Status)
			assert.Equal(t, tt.wantMsg, run.Error)
			assert.Equal(t, 3, run.Total)
			assert.Equal(t, version.Version, run.ToolVersion)
			require.NotNil(t, run.CompletedAt)
			assert.True(t, run.CompletedAt.Equal(epoch.Add(time.Minute)))
		})
	}
}

func TestRecorderDuringSweep(t *testing.T) {
	db := setupTestDB(t)
	root := t.TempDir()

	ps := space.New(root)
	x := space.NewDimension("x", space.RoleMapped)
	for i, id := range []string{"a", "b", "c"} {
		x.PushSample(float64(i+1), id)
	}
	ps.RegisterDimension(x)

	calls := 0
	p := processor.NewFunc("count", func(ctx context.Context, run processor.Run) error {
		calls++
		if calls == 2 {
			return fmt.Errorf("second combination failed")
		}
		return nil
	})
	p.SetIgnoreFail(true)

	rec, err := db.StartRecorder(p.ID(), root, ps.DimensionNames(), nil)
	require.NoError(t, err)
	ps.SetOnCombination(rec.Record)

	sweepErr := ps.Sweep(context.Background(), p, nil, false)
	require.NoError(t, sweepErr)
	require.NoError(t, rec.Finish(sweepErr))
	require.NoError(t, rec.Err())
	assert.Equal(t, 3, rec.Recorded())

	combos, err := db.ListCombinations(rec.RunID())
	require.NoError(t, err)
	require.Len(t, combos, 3)
	assert.Equal(t, "a", filepath.Clean(combos[0].Path))
	assert.Equal(t, "c", filepath.Clean(combos[2].Path))
	assert.True(t, combos[0].OK)
	assert.False(t, combos[1].OK)
	assert.Contains(t, combos[1].Error, "second combination failed")
	assert.Equal(t, map[string]int{"x": 2}, combos[2].Indices)

	run, err := db.GetRun(rec.RunID())
	require.NoError(t, err)
	assert.Equal(t, RunComplete, run.Status)
	assert.Equal(t, []string{"x"}, run.Dimensions)
}

func TestRecorderKeepsLedgerErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	db, err := NewDB(path)
	require.NoError(t, err)
	rec, err := db.StartRecorder("p", "/", nil, nil)
	require.NoError(t, err)
	db.Close()

	rec.Record(space.CombinationResult{Number: 1, Total: 1, Indices: map[string]int{}})
	assert.Error(t, rec.Err())
	assert.Equal(t, 0, rec.Recorded())
}
