package db

import (
	"strings"
	"time"
)

const (
	busyMaxAttempts = 5
	busyBaseDelay   = 10 * time.Millisecond
)

// retryOnBusy runs fn until it succeeds, fails with something other than a
// busy error, or busyMaxAttempts is reached. The delay doubles each attempt.
func retryOnBusy(fn func() error) error {
	delay := busyBaseDelay
	var err error
	for attempt := 1; attempt <= busyMaxAttempts; attempt++ {
		err = fn()
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt < busyMaxAttempts {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
