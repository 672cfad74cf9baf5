package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/paramsweep/internal/processor"
	"github.com/banshee-data/paramsweep/internal/space"
)

func writeProject(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const projectJSON = `{
  "root": "data",
  "dimensions": [
    {"name": "sample", "role": "mapped", "values": [1, 2], "ids": ["A", "B"]},
    {"name": "energy", "role": "index", "datatype": "int32", "range": "10:14:2"},
    {"name": "gain", "range": "0.5,1.5", "connected": ["sample"]}
  ],
  "processors": [
    {"id": "render", "command": "/bin/sh", "script": "render.sh", "outputs": ["out.txt"]},
    {"id": "plot", "script": "/opt/plot.py", "ignore_fail": true, "enabled": false}
  ],
  "chain_mode": "async",
  "max_async": 2
}`

const projectYAML = `
root: data
dimensions:
  - name: sample
    role: mapped
    values: [1, 2]
    ids: [A, B]
  - name: energy
    role: index
    datatype: int32
    range: "10:14:2"
  - name: gain
    range: "0.5,1.5"
    connected: [sample]
processors:
  - id: render
    command: /bin/sh
    script: render.sh
    outputs: [out.txt]
  - id: plot
    script: /opt/plot.py
    ignore_fail: true
    enabled: false
chain_mode: async
max_async: 2
`

func TestLoadProject_Formats(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{name: "json", file: "project.json", body: projectJSON},
		{name: "yaml", file: "project.yaml", body: projectYAML},
		{name: "yml", file: "project.yml", body: projectYAML},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeProject(t, tt.file, tt.body)
			cfg, err := LoadProject(path)
			require.NoError(t, err)

			dir := filepath.Dir(path)
			assert.Equal(t, filepath.Join(dir, "data"), cfg.GetRoot())
			assert.Equal(t, space.DefaultDimensionFile, cfg.GetDimensionFile())
			assert.Equal(t, processor.Async, cfg.GetChainMode())
			assert.Equal(t, int64(2), cfg.GetMaxAsync())
			assert.Equal(t, filepath.Join(dir, DefaultLedgerPath), cfg.GetLedger())

			want := []DimensionConfig{
				{Name: "sample", Role: "mapped", Values: []float64{1, 2}, IDs: []string{"A", "B"}},
				{Name: "energy", Role: "index", Datatype: "int32", Range: "10:14:2"},
				{Name: "gain", Range: "0.5,1.5", Connected: []string{"sample"}},
			}
			if diff := cmp.Diff(want, cfg.Dimensions); diff != "" {
				t.Errorf("dimensions mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadProject_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		body    string
		wantErr string
	}{
		{name: "extension", file: "project.toml", body: "", wantErr: "extension"},
		{name: "bad json", file: "p.json", body: "{", wantErr: "parse project JSON"},
		{name: "bad yaml", file: "p.yaml", body: "dimensions: [", wantErr: "parse project YAML"},
		{name: "no dimensions", file: "p.json", body: `{"processors":[{"script":"a"}]}`, wantErr: "at least one dimension"},
		{
			name:    "duplicate dimension",
			file:    "p.json",
			body:    `{"dimensions":[{"name":"a","values":[1]},{"name":"a","values":[2]}],"processors":[{"script":"s"}]}`,
			wantErr: `duplicate dimension "a"`,
		},
		{
			name:    "bad role",
			file:    "p.json",
			body:    `{"dimensions":[{"name":"a","role":"sideways","values":[1]}],"processors":[{"script":"s"}]}`,
			wantErr: "unknown dimension role",
		},
		{
			name:    "values and range",
			file:    "p.json",
			body:    `{"dimensions":[{"name":"a","values":[1],"range":"1:2:1"}],"processors":[{"script":"s"}]}`,
			wantErr: "not both",
		},
		{
			name:    "no samples",
			file:    "p.json",
			body:    `{"dimensions":[{"name":"a"}],"processors":[{"script":"s"}]}`,
			wantErr: "no values or range",
		},
		{
			name:    "id count",
			file:    "p.json",
			body:    `{"dimensions":[{"name":"a","values":[1,2],"ids":["x"]}],"processors":[{"script":"s"}]}`,
			wantErr: "1 ids for 2 values",
		},
		{
			name:    "unknown connected",
			file:    "p.json",
			body:    `{"dimensions":[{"name":"a","values":[1],"connected":["b"]}],"processors":[{"script":"s"}]}`,
			wantErr: `unknown connected dimension "b"`,
		},
		{
			name:    "unknown sweep",
			file:    "p.json",
			body:    `{"dimensions":[{"name":"a","values":[1]}],"sweep":["b"],"processors":[{"script":"s"}]}`,
			wantErr: `unknown dimension "b"`,
		},
		{
			name:    "no processors",
			file:    "p.json",
			body:    `{"dimensions":[{"name":"a","values":[1]}]}`,
			wantErr: "at least one processor",
		},
		{
			name:    "missing script",
			file:    "p.json",
			body:    `{"dimensions":[{"name":"a","values":[1]}],"processors":[{"id":"x"}]}`,
			wantErr: "has no script",
		},
		{
			name:    "output traversal",
			file:    "p.json",
			body:    `{"dimensions":[{"name":"a","values":[1]}],"processors":[{"script":"s","outputs":["../../x"]}]}`,
			wantErr: "path traversal",
		},
		{
			name:    "absolute dimension file",
			file:    "p.json",
			body:    `{"dimension_file":"/etc/dims","dimensions":[{"name":"a","values":[1]}],"processors":[{"script":"s"}]}`,
			wantErr: "must be relative",
		},
		{
			name:    "chain mode",
			file:    "p.json",
			body:    `{"dimensions":[{"name":"a","values":[1]}],"processors":[{"script":"s"}],"chain_mode":"sideways"}`,
			wantErr: "unknown chain mode",
		},
		{
			name:    "max async",
			file:    "p.json",
			body:    `{"dimensions":[{"name":"a","values":[1]}],"processors":[{"script":"s"}],"max_async":0}`,
			wantErr: "max_async must be at least 1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadProject(writeProject(t, tt.file, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadProject_TooLarge(t *testing.T) {
	body := `{"pad":"` + strings.Repeat("x", maxFileSize) + `"}`
	_, err := LoadProject(writeProject(t, "big.json", body))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestLoadProject_Missing(t *testing.T) {
	_, err := LoadProject(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestProjectDefaults(t *testing.T) {
	cfg := &ProjectConfig{}
	assert.Equal(t, ".", cfg.GetRoot())
	assert.Equal(t, space.DefaultDimensionFile, cfg.GetDimensionFile())
	assert.Equal(t, processor.Serial, cfg.GetChainMode())
	assert.Equal(t, int64(processor.DefaultMaxAsyncProcesses), cfg.GetMaxAsync())
	assert.Equal(t, DefaultLedgerPath, cfg.GetLedger())

	abs := "/var/lib/sweeps.db"
	cfg.Ledger = &abs
	assert.Equal(t, abs, cfg.GetLedger())
}

func TestBuildSpace(t *testing.T) {
	cfg, err := LoadProject(writeProject(t, "project.json", projectJSON))
	require.NoError(t, err)

	ps, err := cfg.BuildSpace()
	require.NoError(t, err)
	assert.Equal(t, []string{"sample", "energy", "gain"}, ps.DimensionNames())

	sample := ps.Dimension("sample")
	assert.Equal(t, space.RoleMapped, sample.Role())
	assert.Equal(t, []string{"A", "B"}, sample.IDs())

	energy := ps.Dimension("energy")
	assert.Equal(t, space.RoleIndex, energy.Role())
	assert.Equal(t, space.Int32, energy.Datatype())
	assert.Equal(t, []float64{10, 12, 14}, energy.Values())

	gain := ps.Dimension("gain")
	assert.Equal(t, space.RoleInternal, gain.Role())
	assert.Equal(t, []float64{0.5, 1.5}, gain.Values())
	require.Len(t, gain.ConnectedDimensions(), 1)
	assert.Same(t, sample, gain.ConnectedDimensions()[0])

	assert.Len(t, ps.RunningPaths(), 6)
}

func TestBuildChain(t *testing.T) {
	path := writeProject(t, "project.json", projectJSON)
	cfg, err := LoadProject(path)
	require.NoError(t, err)

	chain, err := cfg.BuildChain()
	require.NoError(t, err)
	defer chain.Close()
	assert.Equal(t, processor.Async, chain.Mode())

	// Async chains wrap every child.
	children := chain.Processors()
	require.Len(t, children, 2)
	scripts := make([]*processor.ScriptProcessor, len(children))
	for i, child := range children {
		wrapper, ok := child.(*processor.AsyncProcessor)
		require.True(t, ok, "child %d is %T", i, child)
		assert.Equal(t, processor.KindAsync, wrapper.Kind())
		scripts[i], ok = wrapper.Processor().(*processor.ScriptProcessor)
		require.True(t, ok, "child %d wraps %T", i, wrapper.Processor())
	}

	render := scripts[0]
	assert.Equal(t, "render", render.ID())
	assert.Equal(t, "/bin/sh", render.Command())
	assert.Equal(t, filepath.Join(filepath.Dir(path), "render.sh"), render.Script())
	assert.Equal(t, []string{"out.txt"}, render.OutputFileNames())
	assert.Equal(t, int64(2), render.MaxAsyncProcesses())
	assert.True(t, render.Enabled())
	assert.False(t, render.IgnoreFail())

	plot := scripts[1]
	assert.Equal(t, "/opt/plot.py", plot.Script())
	assert.Equal(t, processor.DefaultScriptCommand, plot.Command())
	assert.True(t, plot.IgnoreFail())
	assert.False(t, plot.Enabled())
}
