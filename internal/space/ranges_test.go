package space

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRangeSpec(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    RangeSpec
		wantErr bool
	}{
		{"basic", "0.1:0.5:0.1", RangeSpec{Min: 0.1, Max: 0.5, Step: 0.1}, false},
		{"spaces", " 1 : 3 : 1 ", RangeSpec{Min: 1, Max: 3, Step: 1}, false},
		{"too few parts", "1:2", RangeSpec{}, true},
		{"bad min", "x:2:1", RangeSpec{}, true},
		{"bad max", "1:y:1", RangeSpec{}, true},
		{"bad step", "1:2:z", RangeSpec{}, true},
		{"zero step", "1:2:0", RangeSpec{}, true},
		{"negative step", "1:2:-1", RangeSpec{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRangeSpec(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRangeSpecValues(t *testing.T) {
	tests := []struct {
		name string
		spec RangeSpec
		want []float64
	}{
		{"inclusive max", RangeSpec{Min: 0.1, Max: 0.5, Step: 0.1}, []float64{0.1, 0.2, 0.3, 0.4, 0.5}},
		{"max off step", RangeSpec{Min: 0, Max: 1, Step: 0.4}, []float64{0, 0.4, 0.8}},
		{"single", RangeSpec{Min: 2, Max: 2, Step: 1}, []float64{2}},
		{"inverted", RangeSpec{Min: 3, Max: 1, Step: 1}, nil},
		{"too many", RangeSpec{Min: 0, Max: 1e6, Step: 1}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.spec.Values()
			require.Len(t, got, len(tt.want))
			for i := range tt.want {
				assert.InDelta(t, tt.want[i], got[i], 1e-12)
			}
		})
	}
}

func TestParseValueList(t *testing.T) {
	got, err := ParseValueList("1, 2.5,4")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2.5, 4}, got)

	got, err = ParseValueList("10:12:1")
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 11, 12}, got)

	got, err = ParseValueList("  ")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = ParseValueList("1,two")
	assert.Error(t, err)
	_, err = ParseValueList("5:1:1")
	assert.Error(t, err)
}
