// Package buffer holds a typed value mirrored in a JSON file. Readers see a
// complete value while a new one is decoded into the back buffer; the
// buffers swap once decoding succeeds.
package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/banshee-data/paramsweep/internal/monitoring"
)

var bufLog = monitoring.Component("buffer")

// JSON is a double-buffered value of type T backed by a JSON file.
type JSON[T any] struct {
	mu       sync.Mutex // serialises writers
	path     string
	front    atomic.Pointer[T]
	back     *T
	version  atomic.Uint64
	onUpdate func(T)
}

// NewJSON returns a buffer holding the zero value of T, bound to path.
func NewJSON[T any](path string) *JSON[T] {
	b := &JSON[T]{path: filepath.Clean(path)}
	var zero T
	b.front.Store(&zero)
	return b
}

// Path returns the file backing the buffer.
func (b *JSON[T]) Path() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.path
}

// OnUpdate registers fn to run after every swap with the new value.
func (b *JSON[T]) OnUpdate(fn func(T)) {
	b.mu.Lock()
	b.onUpdate = fn
	b.mu.Unlock()
}

// Get returns the current value.
func (b *JSON[T]) Get() T {
	return *b.front.Load()
}

// Previous returns the value replaced by the last swap. ok is false before
// the first swap.
func (b *JSON[T]) Previous() (v T, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.back == nil {
		return v, false
	}
	return *b.back, true
}

// Version counts swaps.
func (b *JSON[T]) Version() uint64 {
	return b.version.Load()
}

// Load reads the bound file into the back buffer and swaps.
func (b *JSON[T]) Load() error {
	return b.Update("")
}

// Update reads path into the back buffer and swaps. A non-empty path
// rebinds the buffer. The current value is kept when decoding fails.
func (b *JSON[T]) Update(path string) error {
	b.mu.Lock()
	if path != "" {
		b.path = filepath.Clean(path)
	}
	data, err := os.ReadFile(b.path)
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("reading buffer %s: %w", b.path, err)
	}
	next := new(T)
	if err := json.Unmarshal(data, next); err != nil {
		b.mu.Unlock()
		return fmt.Errorf("decoding buffer %s: %w", b.path, err)
	}
	fn := b.swapLocked(next)
	b.mu.Unlock()

	if fn != nil {
		fn(*next)
	}
	return nil
}

// Set writes v to the bound file and swaps it in.
func (b *JSON[T]) Set(v T) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding buffer: %w", err)
	}
	b.mu.Lock()
	if err := os.WriteFile(b.path, data, 0o644); err != nil {
		b.mu.Unlock()
		return fmt.Errorf("writing buffer %s: %w", b.path, err)
	}
	next := new(T)
	*next = v
	fn := b.swapLocked(next)
	b.mu.Unlock()

	if fn != nil {
		fn(v)
	}
	return nil
}

func (b *JSON[T]) swapLocked(next *T) func(T) {
	b.back = b.front.Swap(next)
	b.version.Add(1)
	return b.onUpdate
}

// Watch reloads the buffer whenever its file is written or replaced, until
// ctx is done. Decode failures are logged and the current value kept.
func (b *JSON[T]) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close()

	target := b.Path()
	// Editors often replace files, so watch the directory.
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(target), err)
	}
	bufLog.Printf("watching %s", target)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := b.Update(""); err != nil {
				bufLog.Warnf("reload of %s failed: %v", target, err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			bufLog.Warnf("watcher: %v", err)
		}
	}
}
