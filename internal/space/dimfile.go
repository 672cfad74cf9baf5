package space

import (
	"fmt"
	"math"
	"path/filepath"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// Group names in the dimension file.
const (
	groupInternal = "internal_dimensions"
	groupIndex    = "index_dimensions"
	groupMapped   = "mapped_dimensions"
)

// dimensionFile is the on-disk document. Groups are maps keyed by dimension
// name; Order keeps registration order, which fixes the path schema.
type dimensionFile struct {
	Order    []string                   `cbor:"order"`
	Internal map[string]dimensionRecord `cbor:"internal_dimensions"`
	Index    map[string]dimensionRecord `cbor:"index_dimensions"`
	Mapped   map[string]dimensionRecord `cbor:"mapped_dimensions"`
}

type dimensionRecord struct {
	Datatype string          `cbor:"datatype"`
	Values   cbor.RawMessage `cbor:"values"`
	IDs      []string        `cbor:"ids,omitempty"`
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// WriteDimensionFile writes every dimension to dir/filename, relative to the
// root path. Empty arguments select the root directory and
// DefaultDimensionFile.
func (ps *ParameterSpace) WriteDimensionFile(filename, dir string) error {
	if filename == "" {
		filename = DefaultDimensionFile
	}
	path := filepath.Join(ps.RootPath(), dir, filename)

	doc := dimensionFile{
		Internal: map[string]dimensionRecord{},
		Index:    map[string]dimensionRecord{},
		Mapped:   map[string]dimensionRecord{},
	}
	for _, d := range ps.Dimensions() {
		rec, err := encodeRecord(d)
		if err != nil {
			return fmt.Errorf("encoding dimension %s: %w", d.Name(), err)
		}
		doc.Order = append(doc.Order, d.Name())
		switch d.Role() {
		case RoleInternal:
			doc.Internal[d.Name()] = rec
		case RoleIndex:
			doc.Index[d.Name()] = rec
		case RoleMapped:
			doc.Mapped[d.Name()] = rec
		}
	}

	data, err := encMode.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding dimension file: %w", err)
	}
	ps.mu.RLock()
	fs := ps.fs
	ps.mu.RUnlock()
	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}
	if err := fs.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing dimension file %s: %w", path, err)
	}
	logger.Printf("wrote %d dimensions to %s", len(doc.Order), path)
	return nil
}

// ReadDimensionFile merges the dimensions stored in dir/filename into the
// space using RegisterDimension semantics. When dir is the root, every
// reachable run directory is then checked for its own file of the same name
// and recorded as an override directory.
func (ps *ParameterSpace) ReadDimensionFile(filename, dir string) error {
	if filename == "" {
		filename = DefaultDimensionFile
	}
	root := ps.RootPath()

	ps.remapping.Store(true)
	err := ps.readFile(filepath.Join(root, dir, filename))
	ps.remapping.Store(false)
	if err != nil {
		return err
	}
	if len(splitPath(dir)) > 0 {
		return nil
	}

	ps.mu.Lock()
	ps.rootFile = filename
	ps.specialDirs = make(map[string]string)
	fs := ps.fs
	ps.mu.Unlock()

	seen := make(map[string]bool)
	for _, p := range ps.RunningPaths() {
		parts := splitPath(p)
		for depth := 1; depth <= len(parts); depth++ {
			prefix := joinParts(parts[:depth])
			if seen[prefix] {
				continue
			}
			seen[prefix] = true
			if fs.Exists(filepath.Join(root, prefix, filename)) {
				ps.mu.Lock()
				ps.specialDirs[prefix] = filename
				ps.mu.Unlock()
				logger.Printf("override dimension file found in %s", prefix)
			}
		}
	}
	return nil
}

func (ps *ParameterSpace) readFile(path string) error {
	ps.mu.RLock()
	fs := ps.fs
	ps.mu.RUnlock()

	data, err := fs.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading dimension file %s: %w", path, err)
	}
	var doc dimensionFile
	if err := cbor.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decoding dimension file %s: %w", path, err)
	}

	groups := []struct {
		name    string
		role    Role
		records map[string]dimensionRecord
	}{
		{groupMapped, RoleMapped, doc.Mapped},
		{groupIndex, RoleIndex, doc.Index},
		{groupInternal, RoleInternal, doc.Internal},
	}
	loaded := make(map[string]*Dimension)
	for _, g := range groups {
		if g.records == nil {
			logger.Warnf("%s: group %s not present", path, g.name)
			continue
		}
		for name, rec := range g.records {
			d, err := decodeRecord(name, g.role, rec)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			loaded[name] = d
		}
	}

	for _, name := range orderedNames(doc.Order, loaded) {
		ps.RegisterDimension(loaded[name])
	}
	return nil
}

// orderedNames lists names in the stored order, followed by any dimensions
// missing from it in lexical order.
func orderedNames(order []string, loaded map[string]*Dimension) []string {
	out := make([]string, 0, len(loaded))
	used := make(map[string]bool, len(loaded))
	for _, name := range order {
		if _, ok := loaded[name]; ok && !used[name] {
			out = append(out, name)
			used[name] = true
		}
	}
	var rest []string
	for name := range loaded {
		if !used[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

func encodeRecord(d *Dimension) (dimensionRecord, error) {
	dt := d.Datatype()
	values := d.Values()
	var typed interface{}
	switch dt {
	case Float32:
		out := make([]float32, len(values))
		for i, v := range values {
			out[i] = float32(v)
		}
		typed = out
	case Uint8:
		out := make([]uint8, len(values))
		for i, v := range values {
			out[i] = uint8(roundClamp(v, 0, math.MaxUint8))
		}
		typed = out
	case Int32:
		out := make([]int32, len(values))
		for i, v := range values {
			out[i] = int32(roundClamp(v, math.MinInt32, math.MaxInt32))
		}
		typed = out
	case Uint32:
		out := make([]uint32, len(values))
		for i, v := range values {
			out[i] = uint32(roundClamp(v, 0, math.MaxUint32))
		}
		typed = out
	default:
		return dimensionRecord{}, fmt.Errorf("unsupported datatype %v", dt)
	}
	raw, err := encMode.Marshal(typed)
	if err != nil {
		return dimensionRecord{}, err
	}
	rec := dimensionRecord{Datatype: dt.String(), Values: raw}
	if d.Role() == RoleMapped {
		rec.IDs = d.IDs()
	}
	return rec, nil
}

func decodeRecord(name string, role Role, rec dimensionRecord) (*Dimension, error) {
	dt, err := ParseDatatype(rec.Datatype)
	if err != nil {
		return nil, fmt.Errorf("dimension %s: %w", name, err)
	}
	var values []float64
	switch dt {
	case Float32:
		var in []float32
		err = cbor.Unmarshal(rec.Values, &in)
		for _, v := range in {
			values = append(values, float64(v))
		}
	case Uint8:
		var in []uint8
		err = cbor.Unmarshal(rec.Values, &in)
		for _, v := range in {
			values = append(values, float64(v))
		}
	case Int32:
		var in []int32
		err = cbor.Unmarshal(rec.Values, &in)
		for _, v := range in {
			values = append(values, float64(v))
		}
	case Uint32:
		var in []uint32
		err = cbor.Unmarshal(rec.Values, &in)
		for _, v := range in {
			values = append(values, float64(v))
		}
	}
	if err != nil {
		return nil, fmt.Errorf("dimension %s values: %w", name, err)
	}

	d := NewDimension(name, role)
	d.SetDatatype(dt)
	if role == RoleMapped && len(rec.IDs) > 0 {
		if err := d.AppendWithIDs(values, rec.IDs); err != nil {
			return nil, err
		}
	} else {
		d.Append(values, "")
	}
	d.Conform()
	return d, nil
}

// roundClamp rounds half away from zero and clamps into [lo, hi].
func roundClamp(v, lo, hi float64) float64 {
	r := math.Round(v)
	if r < lo {
		return lo
	}
	if r > hi {
		return hi
	}
	return r
}
