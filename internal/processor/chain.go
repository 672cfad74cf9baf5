package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ChainMode selects how a chain runs its children.
type ChainMode int

const (
	// Serial runs children in order and stops at the first failure of a
	// child that does not ignore failures.
	Serial ChainMode = iota
	// Async starts every child on its own async worker, then waits for all
	// of them.
	Async
)

func (m ChainMode) String() string {
	if m == Async {
		return "async"
	}
	return "serial"
}

// ParseChainMode parses "serial" or "async" (also "parallel").
func ParseChainMode(s string) (ChainMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "serial":
		return Serial, nil
	case "async", "parallel":
		return Async, nil
	}
	return Serial, fmt.Errorf("unknown chain mode %q", s)
}

// Chain composes processors. Its running directory and configuration are
// pushed to every child before each run.
type Chain struct {
	Base
	mode ChainMode

	chMu     sync.Mutex
	children []Processor
}

// NewChain returns an empty chain. The mode cannot be changed later.
func NewChain(id string, mode ChainMode) *Chain {
	c := &Chain{mode: mode}
	c.init(id, c)
	return c
}

// Kind reports KindChain.
func (c *Chain) Kind() Kind { return KindChain }

// Mode returns the chain mode.
func (c *Chain) Mode() ChainMode { return c.mode }

// AddProcessor appends p. In Async mode p is wrapped in an
// AsyncProcessor, which is returned; otherwise p itself is returned.
func (c *Chain) AddProcessor(p Processor) Processor {
	if c.mode == Async {
		if _, ok := p.(*AsyncProcessor); !ok {
			p = NewAsync(p)
		}
	}
	c.chMu.Lock()
	c.children = append(c.children, p)
	c.chMu.Unlock()
	return p
}

// Processors returns the children in order.
func (c *Chain) Processors() []Processor {
	c.chMu.Lock()
	defer c.chMu.Unlock()
	return append([]Processor(nil), c.children...)
}

// Process runs the children according to the chain mode.
func (c *Chain) Process(ctx context.Context, force bool) error {
	return c.run(ctx, func(ctx context.Context) error {
		children := c.Processors()
		if err := c.propagate(children); err != nil {
			return err
		}
		var errs []error
		if c.mode == Async {
			errs = c.processAsync(ctx, children, force)
		} else {
			errs = c.processSerial(ctx, children, force)
		}
		if len(errs) > 0 {
			return newError(ProcessFailed, "chain", c.id, errors.Join(errs...))
		}
		return nil
	})
}

func (c *Chain) propagate(children []Processor) error {
	dir := c.RunningDirectory()
	for _, child := range children {
		if dir != "" {
			if err := child.SetRunningDirectory(dir); err != nil {
				return err
			}
		}
		child.Configuration().Merge(c.config)
	}
	return nil
}

func (c *Chain) processSerial(ctx context.Context, children []Processor, force bool) []error {
	var errs []error
	for _, child := range children {
		err := child.Process(ctx, force)
		if err == nil {
			continue
		}
		errs = append(errs, err)
		if !child.IgnoreFail() {
			logger.Printf("chain %s stopped at %s: %v", c.id, child.ID(), err)
			break
		}
		logger.Printf("chain %s: ignoring failure of %s", c.id, child.ID())
	}
	return errs
}

func (c *Chain) processAsync(ctx context.Context, children []Processor, force bool) []error {
	var errs []error
	started := make([]bool, len(children))
	for i, child := range children {
		if !child.Enabled() {
			continue
		}
		if err := child.Process(ctx, force); err != nil {
			errs = append(errs, err)
			continue
		}
		started[i] = true
	}
	for i, child := range children {
		if !started[i] {
			continue
		}
		if a, ok := child.(*AsyncProcessor); ok {
			if err := a.WaitUntilDone(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errs
}

// Close stops the async workers owned by an Async chain.
func (c *Chain) Close() error {
	for _, child := range c.Processors() {
		if a, ok := child.(*AsyncProcessor); ok {
			a.Close()
		}
	}
	return nil
}
