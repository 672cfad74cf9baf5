package db

import (
	"errors"
	"testing"
	"time"
)

func TestIsSQLiteBusy(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil error", err: nil, expected: false},
		{name: "database is locked", err: errors.New("database is locked (5) (SQLITE_BUSY)"), expected: true},
		{name: "SQLITE_BUSY", err: errors.New("SQLITE_BUSY"), expected: true},
		{name: "other error", err: errors.New("no such table: sweep_runs"), expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isSQLiteBusy(tt.err); got != tt.expected {
				t.Errorf("isSQLiteBusy(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestRetryOnBusy(t *testing.T) {
	t.Run("success on first try", func(t *testing.T) {
		calls := 0
		err := retryOnBusy(func() error {
			calls++
			return nil
		})
		if err != nil {
			t.Errorf("expected no error, got %v", err)
		}
		if calls != 1 {
			t.Errorf("expected 1 call, got %d", calls)
		}
	})

	t.Run("success after retry", func(t *testing.T) {
		calls := 0
		err := retryOnBusy(func() error {
			calls++
			if calls < 3 {
				return errors.New("database is locked (5) (SQLITE_BUSY)")
			}
			return nil
		})
		if err != nil {
			t.Errorf("expected no error, got %v", err)
		}
		if calls != 3 {
			t.Errorf("expected 3 calls, got %d", calls)
		}
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		start := time.Now()
		err := retryOnBusy(func() error {
			calls++
			return errors.New("SQLITE_BUSY")
		})
		if !isSQLiteBusy(err) {
			t.Errorf("expected busy error, got %v", err)
		}
		if calls != busyMaxAttempts {
			t.Errorf("expected %d calls, got %d", busyMaxAttempts, calls)
		}
		// 10 + 20 + 40 + 80 ms of backoff.
		if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
			t.Errorf("expected exponential backoff, finished in %v", elapsed)
		}
	})

	t.Run("non-busy error returns immediately", func(t *testing.T) {
		sentinel := errors.New("constraint failed")
		calls := 0
		err := retryOnBusy(func() error {
			calls++
			return sentinel
		})
		if err != sentinel {
			t.Errorf("expected sentinel error, got %v", err)
		}
		if calls != 1 {
			t.Errorf("expected 1 call, got %d", calls)
		}
	})
}
