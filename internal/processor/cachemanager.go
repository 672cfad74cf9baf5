package processor

import (
	"errors"
	"sync"
)

// CacheManager applies directory settings to a group of processors sharing
// one cache layout.
type CacheManager struct {
	mu         sync.Mutex
	processors []Processor
}

// NewCacheManager returns a manager for the given processors.
func NewCacheManager(ps ...Processor) *CacheManager {
	return &CacheManager{processors: append([]Processor(nil), ps...)}
}

// Add registers more processors.
func (m *CacheManager) Add(ps ...Processor) {
	m.mu.Lock()
	m.processors = append(m.processors, ps...)
	m.mu.Unlock()
}

// Processors returns the managed processors.
func (m *CacheManager) Processors() []Processor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Processor(nil), m.processors...)
}

func (m *CacheManager) each(fn func(Processor) error) error {
	var errs []error
	for _, p := range m.Processors() {
		if err := fn(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetRunningDirectory sets the running directory of every processor.
func (m *CacheManager) SetRunningDirectory(dir string) error {
	return m.each(func(p Processor) error { return p.SetRunningDirectory(dir) })
}

// SetInputDirectory sets the input directory of every processor.
func (m *CacheManager) SetInputDirectory(dir string) error {
	return m.each(func(p Processor) error { return p.SetInputDirectory(dir) })
}

// SetOutputDirectory sets the output directory of every processor.
func (m *CacheManager) SetOutputDirectory(dir string) error {
	return m.each(func(p Processor) error { return p.SetOutputDirectory(dir) })
}

// ClearCache is not implemented and always fails.
func (m *CacheManager) ClearCache() error {
	return newError(NotImplemented, "clear cache", "", nil)
}
