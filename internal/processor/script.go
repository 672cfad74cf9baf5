package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-shellwords"
	"golang.org/x/sync/semaphore"

	"github.com/banshee-data/paramsweep/internal/cache"
)

const (
	// DefaultScriptCommand runs scripts when no command is configured.
	DefaultScriptCommand = "python3"
	// DefaultMaxAsyncProcesses bounds concurrent ProcessAsync runs.
	DefaultMaxAsyncProcesses = 4

	// killWaitDelay bounds how long a killed script's children may hold its
	// output pipes open.
	killWaitDelay = 2 * time.Second
)

// Reserved keys written to every script config file.
const (
	ConfigOutputDir   = "__output_dir"
	ConfigOutputName  = "__output_name"
	ConfigOutputNames = "__output_names"
	ConfigInputDir    = "__input_dir"
	ConfigInputName   = "__input_name"
	ConfigInputNames  = "__input_names"
)

// ScriptProcessor runs `<command> <script> <config.json>` in its running
// directory and skips the run when the cached output is still fresh.
type ScriptProcessor struct {
	Base

	// procMu is held for a whole synchronous run, so one processor never
	// recomputes the same output twice concurrently.
	procMu  sync.Mutex
	command string
	script  string
	token   string

	sem        *semaphore.Weighted
	maxAsync   int64
	inFlight   atomic.Int64
	asyncWG    sync.WaitGroup
	asyncMu    sync.Mutex
	asyncErrs  []error
	lastOutput []byte
}

// NewScript returns a processor for script run with DefaultScriptCommand.
func NewScript(id, script string) *ScriptProcessor {
	p := &ScriptProcessor{
		command:  DefaultScriptCommand,
		script:   script,
		token:    strings.SplitN(uuid.NewString(), "-", 2)[0],
		maxAsync: DefaultMaxAsyncProcesses,
		sem:      semaphore.NewWeighted(DefaultMaxAsyncProcesses),
	}
	p.init(id, p)
	return p
}

// Kind reports KindScript.
func (p *ScriptProcessor) Kind() Kind { return KindScript }

// SetCommand sets the interpreter command line. It is split with shell
// quoting rules, e.g. `python3 -u` or `"/opt/my tool/run" --fast`.
func (p *ScriptProcessor) SetCommand(cmd string) {
	p.mu.Lock()
	p.command = cmd
	p.mu.Unlock()
}

func (p *ScriptProcessor) Command() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.command
}

// SetScript sets the script path.
func (p *ScriptProcessor) SetScript(path string) {
	p.mu.Lock()
	p.script = path
	p.mu.Unlock()
}

func (p *ScriptProcessor) Script() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.script
}

// SetMaxAsyncProcesses changes the ProcessAsync concurrency bound. Call it
// only while no async run is in flight.
func (p *ScriptProcessor) SetMaxAsyncProcesses(n int64) {
	if n < 1 {
		n = 1
	}
	p.mu.Lock()
	p.maxAsync = n
	p.sem = semaphore.NewWeighted(n)
	p.mu.Unlock()
}

func (p *ScriptProcessor) MaxAsyncProcesses() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxAsync
}

// LastOutput returns the combined stdout and stderr of the last finished run.
func (p *ScriptProcessor) LastOutput() []byte {
	p.asyncMu.Lock()
	defer p.asyncMu.Unlock()
	return append([]byte(nil), p.lastOutput...)
}

// MetaFile returns the cache metadata path for the first output file.
func (p *ScriptProcessor) MetaFile() string {
	return cache.MetaPath(p.OutputDirectory(), firstOr(p.OutputFileNames()))
}

// NeedsRecompute reports whether the cached output is stale.
func (p *ScriptProcessor) NeedsRecompute() bool {
	inv, err := p.invocation(p.token)
	if err != nil {
		return true
	}
	stale, _ := cache.NeedsRecompute(p.fileSystem(), inv.check)
	return stale
}

// invocation is everything needed to run the script once, captured so the
// command itself can run without holding any lock.
type invocation struct {
	argv       []string
	dir        string
	configName string
	configData []byte
	check      cache.Check
	meta       cache.Meta
}

func (p *ScriptProcessor) invocation(token string) (*invocation, error) {
	command, script := p.Command(), p.Script()
	if command == "" || script == "" {
		return nil, newError(ConfigInvalid, "process", p.id, errors.New("missing script name or script command"))
	}
	argv, err := shellwords.Parse(command)
	if err != nil {
		return nil, newError(ConfigInvalid, "process", p.id, fmt.Errorf("parsing command %q: %w", command, err))
	}
	if len(argv) == 0 {
		return nil, newError(ConfigInvalid, "process", p.id, fmt.Errorf("empty command %q", command))
	}
	scriptPath, err := filepath.Abs(script)
	if err != nil {
		return nil, newError(ConfigInvalid, "process", p.id, err)
	}

	runningDir := p.RunningDirectory()
	inputDir, outputDir := p.InputDirectory(), p.OutputDirectory()
	inputs, outputs := p.InputFileNames(), p.OutputFileNames()
	inputName, outputName := firstOr(inputs), firstOr(outputs)
	flat := p.config.Flatten()

	doc := make(map[string]interface{}, len(flat)+6)
	for k, v := range flat {
		doc[k] = v
	}
	doc[ConfigOutputDir] = outputDir
	doc[ConfigOutputName] = outputName
	doc[ConfigOutputNames] = nonNil(outputs)
	doc[ConfigInputDir] = inputDir
	doc[ConfigInputName] = inputName
	doc[ConfigInputNames] = nonNil(inputs)
	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return nil, newError(ConfigInvalid, "encode config", p.id, err)
	}

	inv := &invocation{
		argv:       append(argv, scriptPath),
		dir:        runningDir,
		configName: "_" + SanitizeName(runningDir) + token + "_config.json",
		configData: data,
		check: cache.Check{
			MetaPath:   cache.MetaPath(outputDir, outputName),
			ScriptPath: scriptPath,
			Config:     flat,
		},
		meta: cache.Meta{
			Version:          cache.FormatVersion,
			Script:           script,
			RunningDirectory: runningDir,
			OutputDir:        outputDir,
			OutputName:       outputName,
			InputDir:         inputDir,
			InputName:        inputName,
			ConfigHash:       cache.ConfigHash(flat),
			Config:           flat,
		},
	}
	if inputName != "" {
		inv.check.InputPath = filepath.Join(inputDir, inputName)
	}
	if outputName != "" {
		inv.check.OutputPath = filepath.Join(outputDir, outputName)
	}
	return inv, nil
}

// Process runs the script unless force is false and the cache is fresh.
func (p *ScriptProcessor) Process(ctx context.Context, force bool) error {
	return p.run(ctx, func(ctx context.Context) error {
		p.procMu.Lock()
		defer p.procMu.Unlock()

		inv, err := p.invocation(p.token)
		if err != nil {
			logger.Warnf("%v", err)
			return err
		}
		if !force {
			stale, reason := cache.NeedsRecompute(p.fileSystem(), inv.check)
			if !stale {
				logger.Printf("%s: no need to update cache according to %s", p.id, inv.check.MetaPath)
				return nil
			}
			logger.Printf("%s: recomputing (%s)", p.id, reason)
		}
		return p.execute(ctx, inv)
	})
}

// removeConfig deletes the per-run config file of an async run. Each async
// run writes its own file, so they would otherwise pile up.
func (p *ScriptProcessor) removeConfig(inv *invocation) {
	path := filepath.Join(inv.dir, inv.configName)
	if err := p.fileSystem().Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warnf("%s: removing %s: %v", p.id, path, err)
	}
}

func (p *ScriptProcessor) execute(ctx context.Context, inv *invocation) error {
	fs := p.fileSystem()
	configPath := filepath.Join(inv.dir, inv.configName)
	if err := fs.WriteFile(configPath, inv.configData, 0644); err != nil {
		return newError(IOFailure, "write config", p.id, err)
	}

	args := append(append([]string(nil), inv.argv[1:]...), inv.configName)
	cmd := exec.CommandContext(ctx, inv.argv[0], args...)
	cmd.Dir = inv.dir
	cmd.WaitDelay = killWaitDelay
	out, err := cmd.CombinedOutput()

	p.asyncMu.Lock()
	p.lastOutput = out
	p.asyncMu.Unlock()

	if err != nil {
		logger.Warnf("%s: %s failed: %v\n%s", p.id, strings.Join(cmd.Args, " "), err, tail(out, 2048))
		return newError(ProcessFailed, "run", p.id, err)
	}

	meta := inv.meta
	meta.ScriptModified = cache.ModTime(fs, inv.check.ScriptPath)
	meta.InputModified = cache.ModTime(fs, inv.check.InputPath)
	if err := cache.Write(fs, inv.check.MetaPath, &meta); err != nil {
		logger.Warnf("%s: %v", p.id, newError(CacheCorrupt, "write meta", p.id, err))
	}
	return nil
}

// ProcessAsync starts the script on a background goroutine when the cache is
// stale. At most MaxAsyncProcesses runs are in flight; when the limit is
// reached it returns ErrBusy if noWait is set and blocks otherwise. The
// outcome reaches the done callbacks and WaitForAsyncDone. Cancelling ctx
// kills the script.
func (p *ScriptProcessor) ProcessAsync(ctx context.Context, noWait bool) error {
	if !p.Enabled() {
		return nil
	}
	p.mu.Lock()
	prepare, sem := p.prepare, p.sem
	p.mu.Unlock()
	if prepare != nil {
		if err := prepare(ctx); err != nil {
			p.callDoneCallbacks(false)
			return newError(ProcessFailed, "prepare", p.id, err)
		}
	}

	p.procMu.Lock()
	inv, err := p.invocation(strings.SplitN(uuid.NewString(), "-", 2)[0])
	stale := true
	if err == nil {
		stale, _ = cache.NeedsRecompute(p.fileSystem(), inv.check)
	}
	p.procMu.Unlock()
	if err != nil {
		p.callDoneCallbacks(false)
		return err
	}
	if !stale {
		p.callDoneCallbacks(true)
		return nil
	}

	if noWait {
		if !sem.TryAcquire(1) {
			return ErrBusy
		}
	} else if err := sem.Acquire(ctx, 1); err != nil {
		p.callDoneCallbacks(false)
		return err
	}

	p.inFlight.Add(1)
	p.asyncWG.Add(1)
	go func() {
		defer p.asyncWG.Done()
		defer p.inFlight.Add(-1)
		defer sem.Release(1)

		err := p.execute(ctx, inv)
		p.removeConfig(inv)
		if err != nil {
			p.asyncMu.Lock()
			p.asyncErrs = append(p.asyncErrs, err)
			p.asyncMu.Unlock()
		}
		p.callDoneCallbacks(err == nil)
	}()
	return nil
}

// RunningAsync reports whether any ProcessAsync run is in flight.
func (p *ScriptProcessor) RunningAsync() bool {
	return p.inFlight.Load() > 0
}

// WaitForAsyncDone blocks until every ProcessAsync run has finished and
// returns their joined failures since the previous call.
func (p *ScriptProcessor) WaitForAsyncDone() error {
	p.asyncWG.Wait()
	p.asyncMu.Lock()
	defer p.asyncMu.Unlock()
	err := errors.Join(p.asyncErrs...)
	p.asyncErrs = nil
	return err
}

// SanitizeName replaces path and drive separators and dots with underscores.
func SanitizeName(name string) string {
	return strings.NewReplacer("/", "_", ".", "_", ":", "_", "\\", "_").Replace(name)
}

func firstOr(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func tail(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}
