package space

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/paramsweep/internal/monitoring"
)

var logger = monitoring.Component("space")

// Role classifies how a dimension participates in the filesystem layout.
type Role int

const (
	// RoleInternal dimensions only feed computation inputs.
	RoleInternal Role = iota
	// RoleIndex dimensions contribute a path component and pass their index.
	RoleIndex
	// RoleMapped dimensions contribute a path component and pass their id.
	RoleMapped
)

func (r Role) String() string {
	switch r {
	case RoleInternal:
		return "internal"
	case RoleIndex:
		return "index"
	case RoleMapped:
		return "mapped"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// ParseRole parses "internal", "index" or "mapped".
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "internal", "":
		return RoleInternal, nil
	case "index":
		return RoleIndex, nil
	case "mapped":
		return RoleMapped, nil
	}
	return 0, fmt.Errorf("unknown dimension role %q", s)
}

// Datatype is the numeric encoding used for a dimension's values on disk.
// Values are always float64 in memory.
type Datatype int

const (
	Float32 Datatype = iota
	Uint8
	Int32
	Uint32
)

func (dt Datatype) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Uint8:
		return "uint8"
	case Int32:
		return "int32"
	case Uint32:
		return "uint32"
	default:
		return fmt.Sprintf("datatype(%d)", int(dt))
	}
}

// ParseDatatype parses a datatype name. An empty string means Float32.
func ParseDatatype(s string) (Datatype, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "float32", "float", "":
		return Float32, nil
	case "uint8":
		return Uint8, nil
	case "int32", "int":
		return Int32, nil
	case "uint32":
		return Uint32, nil
	}
	return 0, fmt.Errorf("unknown datatype %q", s)
}

// Lookup errors returned by ResolveIndex.
var (
	ErrNotFound  = errors.New("no sample matches value")
	ErrAmbiguous = errors.New("value matches more than one sample")
)

// matchAllID is the connected-dimension id that accepts every sample.
const matchAllID = "./"

// ChangeFunc is notified after a dimension's current value is set. previous
// is the value held before the call.
type ChangeFunc func(value, previous float64, d *Dimension)

// Dimension is a named, ordered set of (value, id) samples with a current
// value cursor.
//
// Sample storage is guarded by an RWMutex. Change callbacks are always invoked
// without the lock held, so they may read or mutate the dimension.
type Dimension struct {
	mu        sync.RWMutex
	name      string
	role      Role
	datatype  Datatype
	values    []float64
	ids       []string // nil when samples carry no explicit ids
	min, max  float64
	current   float64
	connected []*Dimension

	cbMu      sync.Mutex
	callbacks []ChangeFunc
	spaceHook ChangeFunc
}

// NewDimension creates an empty dimension.
func NewDimension(name string, role Role) *Dimension {
	return &Dimension{name: name, role: role, datatype: Float32}
}

// Name returns the dimension name.
func (d *Dimension) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.name
}

// Role returns the dimension's space representation.
func (d *Dimension) Role() Role {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.role
}

// SetRole changes the dimension's space representation.
func (d *Dimension) SetRole(r Role) {
	d.mu.Lock()
	d.role = r
	d.mu.Unlock()
}

// Datatype returns the on-disk numeric encoding.
func (d *Dimension) Datatype() Datatype {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.datatype
}

// SetDatatype changes the on-disk numeric encoding.
func (d *Dimension) SetDatatype(dt Datatype) {
	d.mu.Lock()
	d.datatype = dt
	d.mu.Unlock()
}

// Size returns the number of samples.
func (d *Dimension) Size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.values)
}

// Min returns the lower bound of the sample set.
func (d *Dimension) Min() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.min
}

// Max returns the upper bound of the sample set.
func (d *Dimension) Max() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.max
}

// HasIDs reports whether samples carry explicit ids.
func (d *Dimension) HasIDs() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ids != nil
}

// PushSample appends one sample. A non-empty id that is already present
// updates that sample's value instead of inserting a duplicate.
func (d *Dimension) PushSample(value float64, id string) {
	d.mu.Lock()
	wasEmpty := len(d.values) == 0
	if id != "" {
		if d.ids == nil {
			d.materializeIDsLocked("")
		}
		for i, existing := range d.ids {
			if existing == id {
				d.values[i] = value
				d.extendBoundsLocked(value, false)
				d.mu.Unlock()
				return
			}
		}
	} else if d.ids != nil {
		id = formatValue(value, d.datatype)
	}
	d.values = append(d.values, value)
	if d.ids != nil {
		d.ids = append(d.ids, id)
	}
	d.extendBoundsLocked(value, wasEmpty)
	if wasEmpty {
		d.current = value
	}
	d.mu.Unlock()
}

// Append adds many values without checking for duplicates. Ids are
// synthesized as idPrefix+value when the dimension already uses ids or
// idPrefix is non-empty.
func (d *Dimension) Append(values []float64, idPrefix string) {
	if len(values) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	wasEmpty := len(d.values) == 0
	if idPrefix != "" && d.ids == nil {
		d.materializeIDsLocked("")
	}
	for i, v := range values {
		d.values = append(d.values, v)
		if d.ids != nil {
			d.ids = append(d.ids, idPrefix+formatValue(v, d.datatype))
		}
		d.extendBoundsLocked(v, wasEmpty && i == 0)
	}
	if wasEmpty {
		d.current = values[0]
	}
}

// AppendWithIDs adds values paired with explicit ids.
func (d *Dimension) AppendWithIDs(values []float64, ids []string) error {
	if len(values) != len(ids) {
		return fmt.Errorf("dimension %s: %d values but %d ids", d.Name(), len(values), len(ids))
	}
	for i := range values {
		d.PushSample(values[i], ids[i])
	}
	return nil
}

func (d *Dimension) materializeIDsLocked(prefix string) {
	d.ids = make([]string, len(d.values), cap(d.values))
	for i, v := range d.values {
		d.ids[i] = prefix + formatValue(v, d.datatype)
	}
}

func (d *Dimension) extendBoundsLocked(v float64, first bool) {
	if first {
		d.min, d.max = v, v
		return
	}
	if v < d.min {
		d.min = v
	}
	if v > d.max {
		d.max = v
	}
}

// Conform recomputes the bounds from the stored values and moves a cursor
// that no longer holds a stored value to the nearest one. The move does not
// notify change callbacks.
func (d *Dimension) Conform() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.values) == 0 {
		d.min, d.max = 0, 0
		return
	}
	d.min = floats.Min(d.values)
	d.max = floats.Max(d.values)
	if d.current < d.min || d.current > d.max || !d.storedLocked(d.current) {
		d.current = d.values[d.nearestLocked(d.current)]
	}
}

func (d *Dimension) storedLocked(value float64) bool {
	for _, v := range d.values {
		if v == value {
			return true
		}
	}
	return false
}

// Sort stable-sorts samples by value, keeping ids paired with their values.
func (d *Dimension) Sort() {
	d.mu.Lock()
	defer d.mu.Unlock()
	order := make([]int, len(d.values))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return d.values[order[a]] < d.values[order[b]]
	})
	values := make([]float64, len(d.values))
	var ids []string
	if d.ids != nil {
		ids = make([]string, len(d.ids))
	}
	for i, src := range order {
		values[i] = d.values[src]
		if ids != nil {
			ids[i] = d.ids[src]
		}
	}
	d.values, d.ids = values, ids
}

// Clear removes every sample.
func (d *Dimension) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.values = nil
	d.ids = nil
	d.min, d.max = 0, 0
}

// ValueAt returns the value at index i, or 0 when i is out of range.
func (d *Dimension) ValueAt(i int) float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if i < 0 || i >= len(d.values) {
		return 0
	}
	return d.values[i]
}

// IDAt returns the id at index i, or "" when i is out of range. Dimensions
// without explicit ids report the decimal text of the value.
func (d *Dimension) IDAt(i int) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.idAtLocked(i)
}

func (d *Dimension) idAtLocked(i int) string {
	if i < 0 || i >= len(d.values) {
		return ""
	}
	if d.ids == nil {
		return formatValue(d.values[i], d.datatype)
	}
	return d.ids[i]
}

// Values returns a copy of the stored values.
func (d *Dimension) Values() []float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]float64(nil), d.values...)
}

// IDs returns a copy of the ids, synthesizing them if none are stored.
func (d *Dimension) IDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, len(d.values))
	for i := range d.values {
		out[i] = d.idAtLocked(i)
	}
	return out
}

// AddConnectedDimension links another dimension whose current ids restrict
// this dimension's index lookups.
func (d *Dimension) AddConnectedDimension(other *Dimension) {
	if other == nil || other == d {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.connected {
		if c == other {
			return
		}
	}
	d.connected = append(d.connected, other)
}

// ConnectedDimensions returns the linked dimensions.
func (d *Dimension) ConnectedDimensions() []*Dimension {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]*Dimension(nil), d.connected...)
}

// FirstIndexForValue returns the boundary index of value in a monotonic
// sample sequence. With reverse set it returns one past the last index equal
// to the value found by the forward search. A value that cannot be bracketed
// yields 0.
func (d *Dimension) FirstIndexForValue(value float64, reverse bool) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.firstIndexLocked(value, reverse)
}

func (d *Dimension) firstIndexLocked(value float64, reverse bool) int {
	n := len(d.values)
	if n == 0 {
		return 0
	}
	descending := n > 1 && d.values[0] > d.values[n-1]
	before := func(a, b float64) bool {
		if descending {
			return a > b
		}
		return a < b
	}
	lo := sort.Search(n, func(i int) bool { return !before(d.values[i], value) })
	if lo == n {
		lo = 0
	}
	if !reverse {
		return lo
	}
	found := d.values[lo]
	return sort.Search(n, func(i int) bool { return before(found, d.values[i]) })
}

// IndicesForValue returns every index holding exactly value, restricted to
// samples whose id matches an id currently selected in each connected
// dimension.
func (d *Dimension) IndicesForValue(value float64) []int {
	d.mu.RLock()
	var indices []int
	for i, v := range d.values {
		if v == value {
			indices = append(indices, i)
		}
	}
	connected := append([]*Dimension(nil), d.connected...)
	d.mu.RUnlock()

	for _, c := range connected {
		if c.Size() == 0 {
			continue
		}
		allowed := c.currentIDs()
		if len(allowed) == 1 && allowed[0] == matchAllID {
			continue
		}
		set := make(map[string]struct{}, len(allowed))
		for _, id := range allowed {
			set[id] = struct{}{}
		}
		filtered := indices[:0:0]
		for _, idx := range indices {
			if _, ok := set[d.IDAt(idx)]; ok {
				filtered = append(filtered, idx)
			}
		}
		indices = filtered
	}
	return indices
}

// currentIDs returns the ids of every sample equal to the current value,
// ignoring this dimension's own connections.
func (d *Dimension) currentIDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var ids []string
	for i, v := range d.values {
		if v == d.current {
			ids = append(ids, d.idAtLocked(i))
		}
	}
	return ids
}

// IndexForValue returns the lowest index matching value after connected
// filtering. When nothing matches it logs a warning and returns 0.
func (d *Dimension) IndexForValue(value float64) int {
	indices := d.IndicesForValue(value)
	if len(indices) == 0 {
		if d.Size() > 0 {
			logger.Warnf("dimension %s: no sample for value %g, using index 0", d.Name(), value)
		}
		return 0
	}
	return indices[0]
}

// ResolveIndex is the strict form of IndexForValue: it fails with
// ErrNotFound or ErrAmbiguous instead of falling back.
func (d *Dimension) ResolveIndex(value float64) (int, error) {
	indices := d.IndicesForValue(value)
	switch len(indices) {
	case 0:
		return 0, fmt.Errorf("dimension %s value %g: %w", d.Name(), value, ErrNotFound)
	case 1:
		return indices[0], nil
	default:
		return 0, fmt.Errorf("dimension %s value %g matches indices %v: %w", d.Name(), value, indices, ErrAmbiguous)
	}
}

// CurrentValue returns the cursor value.
func (d *Dimension) CurrentValue() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.current
}

// CurrentIndex returns the index of the cursor value.
func (d *Dimension) CurrentIndex() int {
	return d.IndexForValue(d.CurrentValue())
}

// CurrentID returns the id at the cursor.
func (d *Dimension) CurrentID() string {
	return d.IDAt(d.CurrentIndex())
}

// OnChange registers a callback fired after every SetCurrentValue,
// SetCurrentIndex or step.
func (d *Dimension) OnChange(fn ChangeFunc) {
	if fn == nil {
		return
	}
	d.cbMu.Lock()
	d.callbacks = append(d.callbacks, fn)
	d.cbMu.Unlock()
}

func (d *Dimension) setSpaceHook(fn ChangeFunc) {
	d.cbMu.Lock()
	d.spaceHook = fn
	d.cbMu.Unlock()
}

// SetCurrentValue moves the cursor. In-range values snap to the nearest
// stored sample; out-of-range values are held as given.
func (d *Dimension) SetCurrentValue(value float64) {
	value, previous := d.setCurrentQuiet(value)
	d.notify(value, previous)
}

// SetCurrentIndex moves the cursor to the sample at index i.
func (d *Dimension) SetCurrentIndex(i int) error {
	d.mu.RLock()
	n := len(d.values)
	var v float64
	if i >= 0 && i < n {
		v = d.values[i]
	}
	d.mu.RUnlock()
	if i < 0 || i >= n {
		return fmt.Errorf("dimension %s: index %d out of range [0,%d)", d.Name(), i, n)
	}
	d.SetCurrentValue(v)
	return nil
}

// setCurrentQuiet updates the cursor without notifying anyone.
func (d *Dimension) setCurrentQuiet(value float64) (applied, previous float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	previous = d.current
	if len(d.values) > 0 && (value < d.min || value > d.max) {
		logger.Warnf("dimension %s: value %g outside [%g, %g]", d.name, value, d.min, d.max)
		d.current = value
		return value, previous
	}
	if len(d.values) > 0 {
		value = d.values[d.nearestLocked(value)]
	}
	d.current = value
	return value, previous
}

func (d *Dimension) nearestLocked(value float64) int {
	best := 0
	bestDist := math.Inf(1)
	for i, v := range d.values {
		if dist := math.Abs(v - value); dist < bestDist {
			best, bestDist = i, dist
		}
	}
	return best
}

func (d *Dimension) notify(value, previous float64) {
	d.cbMu.Lock()
	hook := d.spaceHook
	callbacks := append([]ChangeFunc(nil), d.callbacks...)
	d.cbMu.Unlock()

	if hook != nil {
		hook(value, previous, d)
	}
	for _, cb := range callbacks {
		cb(value, previous, d)
	}
}

// StepIncrement moves the cursor to the nearest stored value strictly greater
// than the current one. It does nothing at the top of the range.
func (d *Dimension) StepIncrement() {
	d.step(func(candidate, current float64) bool { return candidate > current },
		func(candidate, best float64) bool { return candidate < best })
}

// StepDecrease moves the cursor to the nearest stored value strictly smaller
// than the current one. It does nothing at the bottom of the range.
func (d *Dimension) StepDecrease() {
	d.step(func(candidate, current float64) bool { return candidate < current },
		func(candidate, best float64) bool { return candidate > best })
}

func (d *Dimension) step(eligible, closer func(a, b float64) bool) {
	d.mu.RLock()
	current := d.current
	found := false
	var best float64
	for _, v := range d.values {
		if !eligible(v, current) {
			continue
		}
		if !found || closer(v, best) {
			best, found = v, true
		}
	}
	d.mu.RUnlock()
	if found {
		d.SetCurrentValue(best)
	}
}

// replaceContents copies samples, ids, connections, role and datatype from
// src while keeping d's identity and subscribers. The cursor is kept when it
// still names a sample, otherwise it moves to the sample at the same index.
func (d *Dimension) replaceContents(src *Dimension) {
	src.mu.RLock()
	values := append([]float64(nil), src.values...)
	var ids []string
	if src.ids != nil {
		ids = append([]string(nil), src.ids...)
	}
	connected := append([]*Dimension(nil), src.connected...)
	role, datatype := src.role, src.datatype
	lo, hi := src.min, src.max
	srcCurrent := src.current
	src.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	oldIndex := -1
	if len(d.values) > 0 {
		oldIndex = d.nearestLocked(d.current)
	}
	d.values, d.ids = values, ids
	d.connected = connected
	d.role, d.datatype = role, datatype
	d.min, d.max = lo, hi
	if len(d.values) == 0 {
		return
	}
	if oldIndex < 0 {
		d.current = srcCurrent
		return
	}
	for _, v := range d.values {
		if v == d.current {
			return
		}
	}
	if oldIndex >= len(d.values) {
		oldIndex = len(d.values) - 1
	}
	d.current = d.values[oldIndex]
}

// formatValue renders a value as an id. Float32 dimensions use the shortest
// float32 representation so accumulated float64 noise does not leak into
// directory names.
func formatValue(v float64, dt Datatype) string {
	if dt == Float32 {
		return strconv.FormatFloat(v, 'g', -1, 32)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
