package space

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// maxRangeValues bounds generated ranges.
const maxRangeValues = 10000

// RangeSpec defines a floating-point range of dimension samples.
type RangeSpec struct {
	Min  float64
	Max  float64
	Step float64
}

// ParseRangeSpec parses a "min:max:step" string into a RangeSpec.
func ParseRangeSpec(s string) (RangeSpec, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return RangeSpec{}, fmt.Errorf("invalid range format %q: expected min:max:step", s)
	}

	min, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return RangeSpec{}, fmt.Errorf("invalid min value %q: %w", parts[0], err)
	}
	max, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return RangeSpec{}, fmt.Errorf("invalid max value %q: %w", parts[1], err)
	}
	step, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
	if err != nil {
		return RangeSpec{}, fmt.Errorf("invalid step value %q: %w", parts[2], err)
	}
	if step <= 0 {
		return RangeSpec{}, fmt.Errorf("step must be positive, got %f", step)
	}

	return RangeSpec{Min: min, Max: max, Step: step}, nil
}

// Values generates the samples of the range, inclusive of Max when it falls
// on a step. Evenly spaced values are produced with floats.Span so there is no
// accumulated stepping error.
func (r RangeSpec) Values() []float64 {
	if r.Step <= 0 || r.Min > r.Max {
		return nil
	}
	steps := math.Floor((r.Max-r.Min)/r.Step + 1e-9)
	n := int(steps) + 1
	if n > maxRangeValues || n < 1 {
		return nil
	}
	if n == 1 {
		return []float64{r.Min}
	}
	out := floats.Span(make([]float64, n), r.Min, r.Min+steps*r.Step)
	for i := range out {
		out[i] = math.Round(out[i]*1e9) / 1e9
	}
	return out
}

// ParseValueList parses either a "min:max:step" range or a comma-separated
// list of values.
func ParseValueList(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if strings.Contains(s, ":") {
		spec, err := ParseRangeSpec(s)
		if err != nil {
			return nil, err
		}
		values := spec.Values()
		if len(values) == 0 {
			return nil, fmt.Errorf("range %q yields no values", s)
		}
		return values, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid float '%s': %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}
