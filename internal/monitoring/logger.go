package monitoring

import (
	"log"
	"sync"
)

var mu sync.RWMutex

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	mu.Lock()
	defer mu.Unlock()
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

func current() func(format string, v ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	return Logf
}

// Logger writes lines tagged with a bracketed component name, e.g. "[sweep] ...".
type Logger struct {
	prefix string
}

// Component returns a Logger for the named component.
func Component(name string) Logger {
	return Logger{prefix: "[" + name + "] "}
}

// Printf logs an informational line.
func (l Logger) Printf(format string, v ...interface{}) {
	current()(l.prefix+format, v...)
}

// Warnf logs a line marked as a warning.
func (l Logger) Warnf(format string, v ...interface{}) {
	current()(l.prefix+"warning: "+format, v...)
}
