package processor

import (
	"errors"
	"fmt"
)

// ErrorKind classifies processor failures.
type ErrorKind int

const (
	// ConfigInvalid covers missing scripts or commands and bad settings.
	ConfigInvalid ErrorKind = iota + 1
	// IOFailure covers file and directory errors.
	IOFailure
	// ProcessFailed covers non-zero exits, failed functions and failed
	// prepare hooks.
	ProcessFailed
	// CacheCorrupt is reported for metadata that could not be written back.
	// Unreadable metadata never fails a run; it only forces a recompute.
	CacheCorrupt
	// NotImplemented marks operations that deliberately always fail.
	NotImplemented
)

func (k ErrorKind) String() string {
	switch k {
	case ConfigInvalid:
		return "config invalid"
	case IOFailure:
		return "i/o failure"
	case ProcessFailed:
		return "process failed"
	case CacheCorrupt:
		return "cache corrupt"
	case NotImplemented:
		return "not implemented"
	default:
		return fmt.Sprintf("error kind %d", int(k))
	}
}

// Sentinels for errors.Is matching by kind.
var (
	ErrConfigInvalid  = &Error{Kind: ConfigInvalid}
	ErrIOFailure      = &Error{Kind: IOFailure}
	ErrProcessFailed  = &Error{Kind: ProcessFailed}
	ErrCacheCorrupt   = &Error{Kind: CacheCorrupt}
	ErrNotImplemented = &Error{Kind: NotImplemented}
)

// ErrBusy is returned by ProcessAsync when the pool is full and the caller
// asked not to wait.
var ErrBusy = errors.New("async process limit reached")

// errNoFunction is reported when a FuncProcessor has nothing to call.
var errNoFunction = errors.New("no function set")

// ErrClosed is returned when work is handed to a closed async wrapper.
var ErrClosed = errors.New("processor closed")

// Error is a failure of one processor operation.
type Error struct {
	Kind ErrorKind
	Op   string
	ID   string
	Err  error
}

func newError(kind ErrorKind, op, id string, err error) *Error {
	return &Error{Kind: kind, Op: op, ID: id, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.ID != "" {
		msg = e.ID + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the package sentinels work with
// errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
