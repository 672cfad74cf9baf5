package db

import (
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"
)

// RunStatus is the lifecycle state of a recorded sweep.
type RunStatus string

const (
	RunRunning  RunStatus = "running"
	RunComplete RunStatus = "complete"
	RunFailed   RunStatus = "failed"
	RunStopped  RunStatus = "stopped"
)

var ErrRunNotFound = errors.New("sweep run not found")

// RunRecord is one row of sweep_runs.
type RunRecord struct {
	RunID       string
	ProcessorID string
	RootPath    string
	Dimensions  []string
	Status      RunStatus
	Total       int
	ToolVersion string
	StartedAt   time.Time
	CompletedAt *time.Time
	Error       string
}

// CombinationRecord is one row of sweep_combinations.
type CombinationRecord struct {
	RunID    string
	Number   int
	Path     string
	Indices  map[string]int
	OK       bool
	Error    string
	Duration time.Duration
}

// RunSummary aggregates the combinations of a run.
type RunSummary struct {
	Combinations   int
	Failed         int
	MeanDuration   time.Duration
	StdDevDuration time.Duration
	MaxDuration    time.Duration
}

// NewRunID returns a fresh identifier for a sweep run.
func NewRunID() string {
	return uuid.NewString()
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// InsertRun records the start of a sweep.
func (db *DB) InsertRun(r *RunRecord) error {
	if r.RunID == "" {
		r.RunID = NewRunID()
	}
	if r.Status == "" {
		r.Status = RunRunning
	}
	dims, err := json.Marshal(r.Dimensions)
	if err != nil {
		return fmt.Errorf("encoding dimensions: %w", err)
	}
	return retryOnBusy(func() error {
		_, err := db.Exec(`
			INSERT INTO sweep_runs (run_id, processor_id, root_path, dimensions, status, total, tool_version, started_at, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.RunID, r.ProcessorID, r.RootPath, string(dims), string(r.Status), r.Total,
			nullStr(r.ToolVersion), r.StartedAt.UTC().Format(time.RFC3339), nullStr(r.Error))
		if err != nil {
			return fmt.Errorf("inserting sweep run %s: %w", r.RunID, err)
		}
		return nil
	})
}

// FinishRun stores the final status of a run.
func (db *DB) FinishRun(runID string, status RunStatus, total int, completedAt time.Time, errMsg string) error {
	return retryOnBusy(func() error {
		res, err := db.Exec(`
			UPDATE sweep_runs SET status = ?, total = ?, completed_at = ?, error = ?
			WHERE run_id = ?`,
			string(status), total, completedAt.UTC().Format(time.RFC3339), nullStr(errMsg), runID)
		if err != nil {
			return fmt.Errorf("finishing sweep run %s: %w", runID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("finishing sweep run %s: %w", runID, ErrRunNotFound)
		}
		return nil
	})
}

// InsertCombination records the outcome of one combination.
func (db *DB) InsertCombination(c *CombinationRecord) error {
	indices, err := json.Marshal(c.Indices)
	if err != nil {
		return fmt.Errorf("encoding indices: %w", err)
	}
	ok := 0
	if c.OK {
		ok = 1
	}
	ms := float64(c.Duration) / float64(time.Millisecond)
	return retryOnBusy(func() error {
		_, err := db.Exec(`
			INSERT INTO sweep_combinations (run_id, number, path, indices, ok, error, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.RunID, c.Number, c.Path, string(indices), ok, nullStr(c.Error), ms)
		if err != nil {
			return fmt.Errorf("inserting combination %d of %s: %w", c.Number, c.RunID, err)
		}
		return nil
	})
}

const runColumns = `run_id, processor_id, root_path, dimensions, status, total, tool_version, started_at, completed_at, error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var (
		r                      RunRecord
		dims, status, started  string
		version, done, errText sql.NullString
	)
	if err := row.Scan(&r.RunID, &r.ProcessorID, &r.RootPath, &dims, &status, &r.Total,
		&version, &started, &done, &errText); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(dims), &r.Dimensions); err != nil {
		return nil, fmt.Errorf("decoding dimensions of %s: %w", r.RunID, err)
	}
	r.Status = RunStatus(status)
	r.ToolVersion = version.String
	r.Error = errText.String
	t, err := time.Parse(time.RFC3339, started)
	if err != nil {
		return nil, fmt.Errorf("parsing started_at of %s: %w", r.RunID, err)
	}
	r.StartedAt = t
	if done.Valid {
		t, err := time.Parse(time.RFC3339, done.String)
		if err != nil {
			return nil, fmt.Errorf("parsing completed_at of %s: %w", r.RunID, err)
		}
		r.CompletedAt = &t
	}
	return &r, nil
}

// GetRun loads a single run.
func (db *DB) GetRun(runID string) (*RunRecord, error) {
	r, err := scanRun(db.QueryRow(`SELECT `+runColumns+` FROM sweep_runs WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", runID, ErrRunNotFound)
	}
	return r, err
}

// ListRuns returns the most recent runs first. A limit of zero or less
// returns every run.
func (db *DB) ListRuns(limit int) ([]*RunRecord, error) {
	q := `SELECT ` + runColumns + ` FROM sweep_runs ORDER BY started_at DESC, rowid DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sweep runs: %w", err)
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ListCombinations returns the combinations of a run in sweep order.
func (db *DB) ListCombinations(runID string) ([]*CombinationRecord, error) {
	rows, err := db.Query(`
		SELECT run_id, number, path, indices, ok, error, duration_ms
		FROM sweep_combinations WHERE run_id = ? ORDER BY number`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing combinations of %s: %w", runID, err)
	}
	defer rows.Close()

	var out []*CombinationRecord
	for rows.Next() {
		var (
			c       CombinationRecord
			indices string
			ok      int
			errText sql.NullString
			ms      float64
		)
		if err := rows.Scan(&c.RunID, &c.Number, &c.Path, &indices, &ok, &errText, &ms); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(indices), &c.Indices); err != nil {
			return nil, fmt.Errorf("decoding indices of combination %d: %w", c.Number, err)
		}
		c.OK = ok != 0
		c.Error = errText.String
		c.Duration = time.Duration(ms * float64(time.Millisecond))
		out = append(out, &c)
	}
	return out, rows.Err()
}

// Summarize computes duration statistics over the combinations of a run.
func (db *DB) Summarize(runID string) (RunSummary, error) {
	combos, err := db.ListCombinations(runID)
	if err != nil {
		return RunSummary{}, err
	}
	var s RunSummary
	s.Combinations = len(combos)
	if len(combos) == 0 {
		return s, nil
	}
	ms := make([]float64, len(combos))
	for i, c := range combos {
		if !c.OK {
			s.Failed++
		}
		if c.Duration > s.MaxDuration {
			s.MaxDuration = c.Duration
		}
		ms[i] = float64(c.Duration) / float64(time.Millisecond)
	}
	mean, std := stat.MeanStdDev(ms, nil)
	if len(ms) < 2 {
		std = 0
	}
	s.MeanDuration = time.Duration(mean * float64(time.Millisecond))
	s.StdDevDuration = time.Duration(std * float64(time.Millisecond))
	return s, nil
}

// ExportCombinationsCSV writes the combinations of a run as CSV with one
// column per swept dimension, in name order.
func (db *DB) ExportCombinationsCSV(runID string, w io.Writer) error {
	combos, err := db.ListCombinations(runID)
	if err != nil {
		return err
	}
	nameSet := map[string]struct{}{}
	for _, c := range combos {
		for name := range c.Indices {
			nameSet[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(nameSet))
	for name := range nameSet {
		names = append(names, name)
	}
	sort.Strings(names)

	cw := csv.NewWriter(w)
	header := append([]string{"number", "path"}, names...)
	header = append(header, "ok", "error", "duration_ms")
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, c := range combos {
		rec := []string{strconv.Itoa(c.Number), c.Path}
		for _, name := range names {
			if idx, ok := c.Indices[name]; ok {
				rec = append(rec, strconv.Itoa(idx))
			} else {
				rec = append(rec, "")
			}
		}
		ms := float64(c.Duration) / float64(time.Millisecond)
		rec = append(rec, strconv.FormatBool(c.OK), strings.TrimSpace(c.Error),
			strconv.FormatFloat(ms, 'f', 3, 64))
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
