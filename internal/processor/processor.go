// Package processor defines units of computation driven by parameter sweeps:
// in-process functions, external scripts with an on-disk result cache, async
// wrappers running on a dedicated worker, and serial or parallel chains.
//
// Every variant follows the same lifecycle. A disabled processor succeeds
// without doing anything. Otherwise the prepare hook runs, then the work, then
// every done callback receives the outcome in registration order.
package processor

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/banshee-data/paramsweep/internal/fsutil"
	"github.com/banshee-data/paramsweep/internal/monitoring"
)

var logger = monitoring.Component("processor")

// Kind identifies the processor variant.
type Kind int

const (
	KindFunc Kind = iota + 1
	KindScript
	KindAsync
	KindChain
)

func (k Kind) String() string {
	switch k {
	case KindFunc:
		return "func"
	case KindScript:
		return "script"
	case KindAsync:
		return "async"
	case KindChain:
		return "chain"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// State is the lifecycle position of a processor.
type State int

const (
	StateIdle State = iota
	StatePreparing
	StateRunning
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreparing:
		return "preparing"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Processor is a unit of computation bound to directories and a typed
// configuration.
type Processor interface {
	ID() string
	Kind() Kind

	// Process runs the unit of work. force bypasses any result cache.
	Process(ctx context.Context, force bool) error

	Enabled() bool
	SetEnabled(enabled bool)
	// IgnoreFail lets a serial chain continue past this processor's failure.
	IgnoreFail() bool
	SetIgnoreFail(ignore bool)

	// Directory setters create the directory if it does not exist.
	SetRunningDirectory(dir string) error
	RunningDirectory() string
	SetInputDirectory(dir string) error
	InputDirectory() string
	SetOutputDirectory(dir string) error
	OutputDirectory() string

	Configuration() *Configuration
	RegisterDoneCallback(fn DoneFunc)
}

// DoneFunc receives the outcome of a run.
type DoneFunc func(ok bool)

// PrepareFunc runs before the work of a processor. An error aborts the run.
type PrepareFunc func(ctx context.Context) error

// Base carries the state shared by every processor variant.
type Base struct {
	mu          sync.Mutex
	fs          fsutil.FileSystem
	id          string
	enabled     bool
	ignoreFail  bool
	runningDir  string
	inputDir    string
	outputDir   string
	inputFiles  []string
	outputFiles []string
	prepare     PrepareFunc
	callbacks   []DoneFunc
	state       State
	config      *Configuration
}

// init sets defaults. owner is used to build an id when none is given.
func (b *Base) init(id string, owner interface{}) {
	if id == "" {
		id = fmt.Sprintf("%T@%p", owner, owner)
	}
	b.id = id
	b.enabled = true
	b.fs = fsutil.OSFileSystem{}
	b.config = NewConfiguration()
}

// ID returns the processor id.
func (b *Base) ID() string { return b.id }

// SetFileSystem replaces the filesystem used for directories and cache files.
func (b *Base) SetFileSystem(fs fsutil.FileSystem) {
	b.mu.Lock()
	b.fs = fs
	b.mu.Unlock()
}

func (b *Base) fileSystem() fsutil.FileSystem {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fs
}

func (b *Base) Enabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enabled
}

func (b *Base) SetEnabled(enabled bool) {
	b.mu.Lock()
	b.enabled = enabled
	b.mu.Unlock()
}

func (b *Base) IgnoreFail() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ignoreFail
}

func (b *Base) SetIgnoreFail(ignore bool) {
	b.mu.Lock()
	b.ignoreFail = ignore
	b.mu.Unlock()
}

// State returns the lifecycle state.
func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Base) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

func (b *Base) ensureDir(dir string) error {
	if dir == "" {
		return nil
	}
	fs := b.fileSystem()
	if fs.Exists(dir) {
		return nil
	}
	if err := fs.MkdirAll(dir, os.ModePerm); err != nil {
		return newError(IOFailure, "mkdir", b.id, err)
	}
	return nil
}

// SetRunningDirectory sets the directory the work runs in.
func (b *Base) SetRunningDirectory(dir string) error {
	if err := b.ensureDir(dir); err != nil {
		return err
	}
	b.mu.Lock()
	b.runningDir = dir
	b.mu.Unlock()
	return nil
}

func (b *Base) RunningDirectory() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runningDir
}

// SetInputDirectory sets the directory input files are read from.
func (b *Base) SetInputDirectory(dir string) error {
	if err := b.ensureDir(dir); err != nil {
		return err
	}
	b.mu.Lock()
	b.inputDir = dir
	b.mu.Unlock()
	return nil
}

// InputDirectory returns the input directory, defaulting to the running
// directory.
func (b *Base) InputDirectory() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inputDir == "" {
		return b.runningDir
	}
	return b.inputDir
}

// SetOutputDirectory sets the directory output files are written to.
func (b *Base) SetOutputDirectory(dir string) error {
	if err := b.ensureDir(dir); err != nil {
		return err
	}
	b.mu.Lock()
	b.outputDir = dir
	b.mu.Unlock()
	return nil
}

// OutputDirectory returns the output directory, defaulting to the running
// directory.
func (b *Base) OutputDirectory() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.outputDir == "" {
		return b.runningDir
	}
	return b.outputDir
}

// SetDataDirectory sets the running, input and output directories at once.
func (b *Base) SetDataDirectory(dir string) error {
	if err := b.SetRunningDirectory(dir); err != nil {
		return err
	}
	b.mu.Lock()
	b.inputDir, b.outputDir = dir, dir
	b.mu.Unlock()
	return nil
}

func (b *Base) SetInputFileNames(names ...string) {
	b.mu.Lock()
	b.inputFiles = append([]string(nil), names...)
	b.mu.Unlock()
}

func (b *Base) InputFileNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.inputFiles...)
}

func (b *Base) SetOutputFileNames(names ...string) {
	b.mu.Lock()
	b.outputFiles = append([]string(nil), names...)
	b.mu.Unlock()
}

func (b *Base) OutputFileNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.outputFiles...)
}

// Configuration returns the processor's live configuration.
func (b *Base) Configuration() *Configuration { return b.config }

// SetPrepareFunc installs a hook run before every unit of work.
func (b *Base) SetPrepareFunc(fn PrepareFunc) {
	b.mu.Lock()
	b.prepare = fn
	b.mu.Unlock()
}

// RegisterDoneCallback adds a callback receiving the outcome of every run.
func (b *Base) RegisterDoneCallback(fn DoneFunc) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	b.callbacks = append(b.callbacks, fn)
	b.mu.Unlock()
}

func (b *Base) callDoneCallbacks(ok bool) {
	b.mu.Lock()
	callbacks := append([]DoneFunc(nil), b.callbacks...)
	b.mu.Unlock()
	for _, cb := range callbacks {
		cb(ok)
	}
}

// run drives the shared lifecycle around work.
func (b *Base) run(ctx context.Context, work func(ctx context.Context) error) error {
	b.mu.Lock()
	enabled, prepare := b.enabled, b.prepare
	b.mu.Unlock()
	if !enabled {
		return nil
	}

	b.setState(StatePreparing)
	if prepare != nil {
		if err := prepare(ctx); err != nil {
			b.finish(false)
			return newError(ProcessFailed, "prepare", b.id, err)
		}
	}

	b.setState(StateRunning)
	err := work(ctx)
	b.finish(err == nil)
	return err
}

func (b *Base) finish(ok bool) {
	b.setState(StateDone)
	b.callDoneCallbacks(ok)
	b.setState(StateIdle)
}
