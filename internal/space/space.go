// Package space models a parameter space: named dimensions of (value, id)
// samples, their mapping onto a directory layout, persistence to a dimension
// file and sweeps of a processor over every combination.
package space

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/paramsweep/internal/fsutil"
	"github.com/banshee-data/paramsweep/internal/timeutil"
)

// DefaultDimensionFile is the file name used when none is given.
const DefaultDimensionFile = "_parameter_space.cbor"

// ErrDimensionNotFound is returned when a name does not resolve to a
// registered dimension.
var ErrDimensionNotFound = errors.New("dimension not found")

// RunPathGenerator maps one index per filesystem dimension to a relative
// directory. dims lists the filesystem dimensions in registration order. It
// must depend only on its arguments.
type RunPathGenerator func(indices map[string]int, dims []*Dimension) string

// ProgressFunc receives the indices just processed and the completed fraction.
type ProgressFunc func(indices map[string]int, fraction float64)

// ParameterSpace aggregates dimensions and derives filesystem paths from them.
type ParameterSpace struct {
	mu          sync.RWMutex
	fs          fsutil.FileSystem
	clock       timeutil.Clock
	rootPath    string
	dims        []*Dimension
	nameMap     map[string]string
	generator   RunPathGenerator
	onProgress  ProgressFunc
	onCombo     func(CombinationResult)
	onChange    []ChangeFunc
	rootFile    string
	specialDirs map[string]string

	// remapping is set while dimension files are being applied so the
	// resulting change notifications do not trigger another remap.
	remapping atomic.Bool

	sweepMu       sync.Mutex
	sweepRunning  atomic.Bool
	stopRequested atomic.Bool
	sweepDone     chan struct{}
	sweepErr      error
}

// New creates an empty parameter space rooted at rootPath.
func New(rootPath string) *ParameterSpace {
	return &ParameterSpace{
		fs:          fsutil.OSFileSystem{},
		clock:       timeutil.RealClock{},
		rootPath:    rootPath,
		nameMap:     make(map[string]string),
		specialDirs: make(map[string]string),
	}
}

// SetFileSystem replaces the filesystem used for directories and dimension
// files.
func (ps *ParameterSpace) SetFileSystem(fs fsutil.FileSystem) {
	ps.mu.Lock()
	ps.fs = fs
	ps.mu.Unlock()
}

// SetClock replaces the clock used to time sweep combinations.
func (ps *ParameterSpace) SetClock(c timeutil.Clock) {
	ps.mu.Lock()
	ps.clock = c
	ps.mu.Unlock()
}

// RootPath returns the filesystem prefix for generated paths.
func (ps *ParameterSpace) RootPath() string {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.rootPath
}

// SetRootPath sets the filesystem prefix for generated paths.
func (ps *ParameterSpace) SetRootPath(p string) {
	ps.mu.Lock()
	ps.rootPath = p
	ps.mu.Unlock()
}

// SetParameterNameMap installs aliases from friendly names to dimension names.
func (ps *ParameterSpace) SetParameterNameMap(m map[string]string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.nameMap = make(map[string]string, len(m))
	for k, v := range m {
		ps.nameMap[k] = v
	}
}

// ResolveName maps an alias to its dimension name.
func (ps *ParameterSpace) ResolveName(name string) string {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.resolveLocked(name)
}

func (ps *ParameterSpace) resolveLocked(name string) string {
	if real, ok := ps.nameMap[name]; ok {
		return real
	}
	return name
}

// SetRunPathGenerator replaces the relative path generator. nil restores the
// default.
func (ps *ParameterSpace) SetRunPathGenerator(g RunPathGenerator) {
	ps.mu.Lock()
	ps.generator = g
	ps.mu.Unlock()
}

// SetOnSweepProgress registers the sweep progress callback.
func (ps *ParameterSpace) SetOnSweepProgress(fn ProgressFunc) {
	ps.mu.Lock()
	ps.onProgress = fn
	ps.mu.Unlock()
}

// SetOnCombination registers a callback receiving the outcome of every sweep
// combination.
func (ps *ParameterSpace) SetOnCombination(fn func(CombinationResult)) {
	ps.mu.Lock()
	ps.onCombo = fn
	ps.mu.Unlock()
}

// OnChange registers a callback fired after any registered dimension changes
// value, once the filesystem remap check has run.
func (ps *ParameterSpace) OnChange(fn ChangeFunc) {
	if fn == nil {
		return
	}
	ps.mu.Lock()
	ps.onChange = append(ps.onChange, fn)
	ps.mu.Unlock()
}

// RegisterDimension adds dim to the space. If a dimension with the same name
// is already registered its contents are replaced in place and the existing
// dimension is returned, so subscribers keep observing the same object.
func (ps *ParameterSpace) RegisterDimension(dim *Dimension) *Dimension {
	if dim == nil {
		return nil
	}
	ps.mu.Lock()
	name := ps.resolveLocked(dim.Name())
	var existing *Dimension
	for _, d := range ps.dims {
		if d.Name() == name {
			existing = d
			break
		}
	}
	if existing == nil {
		ps.dims = append(ps.dims, dim)
		ps.mu.Unlock()
		dim.setSpaceHook(ps.dimensionChanged)
		return dim
	}
	ps.mu.Unlock()

	if existing == dim {
		return existing
	}
	previous := existing.CurrentValue()
	existing.replaceContents(dim)
	existing.notify(existing.CurrentValue(), previous)
	return existing
}

// RemoveDimension unregisters the named dimension.
func (ps *ParameterSpace) RemoveDimension(name string) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	name = ps.resolveLocked(name)
	for i, d := range ps.dims {
		if d.Name() == name {
			d.setSpaceHook(nil)
			ps.dims = append(ps.dims[:i], ps.dims[i+1:]...)
			return true
		}
	}
	return false
}

// Dimension returns the named dimension, or nil.
func (ps *ParameterSpace) Dimension(name string) *Dimension {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	name = ps.resolveLocked(name)
	for _, d := range ps.dims {
		if d.Name() == name {
			return d
		}
	}
	return nil
}

// Dimensions returns every dimension in registration order.
func (ps *ParameterSpace) Dimensions() []*Dimension {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return append([]*Dimension(nil), ps.dims...)
}

// DimensionNames returns every dimension name in registration order.
func (ps *ParameterSpace) DimensionNames() []string {
	dims := ps.Dimensions()
	names := make([]string, len(dims))
	for i, d := range dims {
		names[i] = d.Name()
	}
	return names
}

// DimensionsForFilesystem returns the MAPPED and INDEX dimensions in
// registration order. This order is the schema of every generated path.
func (ps *ParameterSpace) DimensionsForFilesystem() []*Dimension {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	var out []*Dimension
	for _, d := range ps.dims {
		if r := d.Role(); r == RoleMapped || r == RoleIndex {
			out = append(out, d)
		}
	}
	return out
}

// Clear removes every dimension and forgets discovered override directories.
func (ps *ParameterSpace) Clear() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, d := range ps.dims {
		d.setSpaceHook(nil)
	}
	ps.dims = nil
	ps.specialDirs = make(map[string]string)
	ps.rootFile = ""
}

// DefaultRunPath joins the id at each filesystem dimension's index, each
// followed by a separator.
func DefaultRunPath(indices map[string]int, dims []*Dimension) string {
	var b strings.Builder
	for _, d := range dims {
		b.WriteString(d.IDAt(indices[d.Name()]))
		b.WriteString(string(filepath.Separator))
	}
	return b.String()
}

// GenerateRelativeRunPath returns the relative directory for indices.
func (ps *ParameterSpace) GenerateRelativeRunPath(indices map[string]int) string {
	ps.mu.RLock()
	gen := ps.generator
	ps.mu.RUnlock()
	if gen == nil {
		gen = DefaultRunPath
	}
	return gen(indices, ps.DimensionsForFilesystem())
}

// CurrentIndices returns the cursor index of every dimension.
func (ps *ParameterSpace) CurrentIndices() map[string]int {
	dims := ps.Dimensions()
	indices := make(map[string]int, len(dims))
	for _, d := range dims {
		indices[d.Name()] = d.CurrentIndex()
	}
	return indices
}

// CurrentRunPath returns the relative directory for the current cursors.
func (ps *ParameterSpace) CurrentRunPath() string {
	return ps.GenerateRelativeRunPath(ps.CurrentIndices())
}

// IncrementIndices advances indices over names as a mixed-radix counter with
// names[0] as the least significant digit. It returns false once every digit
// has wrapped back to zero.
func (ps *ParameterSpace) IncrementIndices(indices map[string]int, names []string) bool {
	for _, name := range names {
		d := ps.Dimension(name)
		size := 0
		if d != nil {
			size = d.Size()
		}
		indices[name]++
		if indices[name] < size {
			return true
		}
		indices[name] = 0
	}
	return false
}

// RunningPaths returns the relative path of every combination of filesystem
// dimension indices, in odometer order.
func (ps *ParameterSpace) RunningPaths() []string {
	dims := ps.DimensionsForFilesystem()
	names := make([]string, len(dims))
	indices := make(map[string]int, len(dims))
	for i, d := range dims {
		if d.Size() == 0 {
			return nil
		}
		names[i] = d.Name()
		indices[names[i]] = 0
	}
	var paths []string
	for {
		paths = append(paths, ps.GenerateRelativeRunPath(indices))
		if !ps.IncrementIndices(indices, names) {
			break
		}
	}
	return paths
}

// CreateDataDirectories creates every running path under the root. It stops
// at the first failure and leaves already created directories in place.
func (ps *ParameterSpace) CreateDataDirectories() error {
	ps.mu.RLock()
	fs, root := ps.fs, ps.rootPath
	ps.mu.RUnlock()
	for _, p := range ps.RunningPaths() {
		dir := filepath.Join(root, p)
		if fs.Exists(dir) {
			continue
		}
		if err := fs.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating data directory %s: %w", dir, err)
		}
	}
	return nil
}

// SpecialDirs returns the relative directories holding override dimension
// files, keyed by directory.
func (ps *ParameterSpace) SpecialDirs() map[string]string {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make(map[string]string, len(ps.specialDirs))
	for k, v := range ps.specialDirs {
		out[k] = v
	}
	return out
}

// dimensionChanged is installed on every registered dimension.
func (ps *ParameterSpace) dimensionChanged(value, previous float64, d *Dimension) {
	if !ps.remapping.Load() {
		if r := d.Role(); r == RoleMapped || r == RoleIndex {
			if err := ps.UpdateParameterSpace(previous, d); err != nil {
				logger.Warnf("remapping after %s changed: %v", d.Name(), err)
			}
		}
	}
	ps.mu.RLock()
	callbacks := append([]ChangeFunc(nil), ps.onChange...)
	ps.mu.RUnlock()
	for _, cb := range callbacks {
		cb(value, previous, d)
	}
}

// UpdateParameterSpace compares the run path at d's previous value with the
// current one. When a changed component enters or leaves a directory carrying
// its own dimension file, the root file is reloaded and every override along
// the new path is applied from root to leaf.
func (ps *ParameterSpace) UpdateParameterSpace(previous float64, d *Dimension) error {
	ps.mu.RLock()
	special := len(ps.specialDirs) > 0
	rootFile := ps.rootFile
	ps.mu.RUnlock()
	if !special || rootFile == "" {
		return nil
	}

	newIndices := ps.CurrentIndices()
	oldIndices := make(map[string]int, len(newIndices))
	for k, v := range newIndices {
		oldIndices[k] = v
	}
	if idx := d.IndicesForValue(previous); len(idx) > 0 {
		oldIndices[d.Name()] = idx[0]
	}
	oldParts := splitPath(ps.GenerateRelativeRunPath(oldIndices))
	newParts := splitPath(ps.GenerateRelativeRunPath(newIndices))

	diff := 0
	for diff < len(oldParts) && diff < len(newParts) && oldParts[diff] == newParts[diff] {
		diff++
	}
	if diff == len(oldParts) && diff == len(newParts) {
		return nil
	}
	if !ps.crossesSpecialDir(oldParts, diff) && !ps.crossesSpecialDir(newParts, diff) {
		return nil
	}

	if !ps.remapping.CompareAndSwap(false, true) {
		return nil
	}
	defer ps.remapping.Store(false)

	logger.Printf("run path %s -> %s crosses an override directory, reloading", joinParts(oldParts), joinParts(newParts))
	if err := ps.readFile(filepath.Join(ps.RootPath(), rootFile)); err != nil {
		return err
	}
	for depth := 1; ; depth++ {
		parts := splitPath(ps.CurrentRunPath())
		if depth > len(parts) {
			break
		}
		prefix := joinParts(parts[:depth])
		ps.mu.RLock()
		file, ok := ps.specialDirs[prefix]
		ps.mu.RUnlock()
		if !ok {
			continue
		}
		if err := ps.readFile(filepath.Join(ps.RootPath(), prefix, file)); err != nil {
			return err
		}
	}
	return nil
}

func (ps *ParameterSpace) crossesSpecialDir(parts []string, from int) bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	for depth := from + 1; depth <= len(parts); depth++ {
		if _, ok := ps.specialDirs[joinParts(parts[:depth])]; ok {
			return true
		}
	}
	return false
}

func splitPath(p string) []string {
	var parts []string
	for _, s := range strings.Split(filepath.ToSlash(p), "/") {
		if s != "" && s != "." {
			parts = append(parts, s)
		}
	}
	return parts
}

func joinParts(parts []string) string {
	if len(parts) == 0 {
		return ""
	}
	return filepath.Join(parts...) + string(os.PathSeparator)
}

// Close stops any in-flight async sweep and waits for it.
func (ps *ParameterSpace) Close() error {
	err := ps.StopSweep()
	if errors.Is(err, ErrSweepStopped) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
