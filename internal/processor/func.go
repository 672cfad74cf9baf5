package processor

import "context"

// Run is the per-invocation view handed to a FuncProcessor's function.
type Run struct {
	ID               string
	RunningDirectory string
	InputDirectory   string
	OutputDirectory  string
	InputFiles       []string
	OutputFiles      []string
	Config           map[string]Value
	Force            bool
}

// Func is an in-process unit of work.
type Func func(ctx context.Context, run Run) error

// FuncProcessor runs a Go function.
type FuncProcessor struct {
	Base
	fn Func
}

// NewFunc returns a processor calling fn. An empty id is generated.
func NewFunc(id string, fn Func) *FuncProcessor {
	p := &FuncProcessor{fn: fn}
	p.init(id, p)
	return p
}

// Kind reports KindFunc.
func (p *FuncProcessor) Kind() Kind { return KindFunc }

// SetFunc replaces the function.
func (p *FuncProcessor) SetFunc(fn Func) {
	p.mu.Lock()
	p.fn = fn
	p.mu.Unlock()
}

// Process calls the function with a snapshot of the configuration.
func (p *FuncProcessor) Process(ctx context.Context, force bool) error {
	return p.run(ctx, func(ctx context.Context) error {
		p.mu.Lock()
		fn := p.fn
		p.mu.Unlock()
		if fn == nil {
			return newError(ConfigInvalid, "process", p.id, errNoFunction)
		}
		run := Run{
			ID:               p.id,
			RunningDirectory: p.RunningDirectory(),
			InputDirectory:   p.InputDirectory(),
			OutputDirectory:  p.OutputDirectory(),
			InputFiles:       p.InputFileNames(),
			OutputFiles:      p.OutputFileNames(),
			Config:           p.config.Snapshot(),
			Force:            force,
		}
		if err := fn(ctx, run); err != nil {
			return newError(ProcessFailed, "process", p.id, err)
		}
		return nil
	})
}
