package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/paramsweep/internal/space"
	"github.com/banshee-data/paramsweep/internal/testutil"
)

// newProject lays out a project with a two-by-two space and a shell script
// counting its invocations.
func newProject(t *testing.T, scriptBody string) (dir, project string) {
	t.Helper()
	dir = testutil.TempDirWithFiles(t, map[string]string{
		"project.yaml": `
root: data
dimensions:
  - name: sample
    role: mapped
    values: [1, 2]
    ids: [A, B]
  - name: energy
    role: index
    range: "1:2:1"
processors:
  - id: copy
    command: /bin/sh
    script: copy.sh
    outputs: [out.json]
`,
	})
	testutil.WriteExecutable(t, dir, "copy.sh", strings.ReplaceAll(scriptBody, "COUNTER", filepath.Join(dir, "counter.txt")))
	return dir, filepath.Join(dir, "project.yaml")
}

const copyScript = `echo run >> "COUNTER"
cp "$1" out.json
`

func invocations(t *testing.T, dir string) int {
	t.Helper()
	return strings.Count(testutil.ReadFile(t, filepath.Join(dir, "counter.txt")), "run\n")
}

var runIDPattern = regexp.MustCompile(`ledger run ([0-9a-f-]{36})`)

func TestRun_SweepAndLedger(t *testing.T) {
	dir, project := newProject(t, copyScript)
	ctx := context.Background()
	statusPath := filepath.Join(dir, "status.json")

	var out bytes.Buffer
	require.NoError(t, run(ctx, []string{"-config", project, "-status", statusPath}, &out))
	assert.Equal(t, 4, invocations(t, dir))
	assert.Contains(t, out.String(), "[4/4] B/2/ ok")
	assert.FileExists(t, filepath.Join(dir, "data", "_parameter_space.cbor"))

	seen := testutil.ReadFile(t, filepath.Join(dir, "data", "B", "1", "out.json"))
	assert.Contains(t, seen, `"sample": "B"`)

	var status sweepStatus
	require.NoError(t, json.Unmarshal([]byte(testutil.ReadFile(t, statusPath)), &status))
	assert.Equal(t, 4, status.Completed)
	assert.Equal(t, 4, status.Total)
	assert.Equal(t, 1.0, status.Fraction)

	m := runIDPattern.FindStringSubmatch(out.String())
	require.Len(t, m, 2, "output: %s", out.String())
	assert.Equal(t, m[1], status.RunID)

	t.Run("cached outputs are skipped", func(t *testing.T) {
		var again bytes.Buffer
		require.NoError(t, run(ctx, []string{"-config", project}, &again))
		assert.Equal(t, 4, invocations(t, dir))
	})

	t.Run("force recomputes", func(t *testing.T) {
		require.NoError(t, run(ctx, []string{"-config", project, "-force", "-dims", "energy"}, &bytes.Buffer{}))
		// Only energy is swept; sample stays at A.
		assert.Equal(t, 6, invocations(t, dir))
	})

	ledger := filepath.Join(dir, "sweeps.db")

	t.Run("runs lists every sweep", func(t *testing.T) {
		var list bytes.Buffer
		require.NoError(t, run(ctx, []string{"runs", "-db", ledger}, &list))
		lines := strings.Split(strings.TrimSpace(list.String()), "\n")
		require.Len(t, lines, 4)
		assert.Contains(t, lines[0], "STATUS")
		assert.Contains(t, list.String(), m[1])
		assert.Equal(t, 3, strings.Count(list.String(), "complete"))
	})

	t.Run("export writes csv", func(t *testing.T) {
		var csvOut bytes.Buffer
		require.NoError(t, run(ctx, []string{"export", "-db", ledger, m[1]}, &csvOut))
		lines := strings.Split(strings.TrimSpace(csvOut.String()), "\n")
		require.Len(t, lines, 5)
		assert.Equal(t, "number,path,energy,sample,ok,error,duration_ms", lines[0])
		assert.True(t, strings.HasPrefix(lines[1], "1,A/1/,0,0,true,,"), lines[1])
	})

	t.Run("export unknown run", func(t *testing.T) {
		assert.Error(t, run(ctx, []string{"export", "-db", ledger, "nope"}, &bytes.Buffer{}))
	})
}

func TestRun_ReadDims(t *testing.T) {
	dir, project := newProject(t, copyScript)
	ctx := context.Background()
	args := []string{"-config", project, "-no-ledger", "-read-dims"}

	t.Run("missing dimension file", func(t *testing.T) {
		err := run(ctx, args, &bytes.Buffer{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "reading dimension file")
	})

	// The stored file has a third sample, and sample B carries its own file.
	root := filepath.Join(dir, "data")
	stored := space.New(root)
	sample := space.NewDimension("sample", space.RoleMapped)
	require.NoError(t, sample.AppendWithIDs([]float64{1, 2, 3}, []string{"A", "B", "C"}))
	stored.RegisterDimension(sample)
	energy := space.NewDimension("energy", space.RoleIndex)
	energy.Append([]float64{1, 2}, "")
	stored.RegisterDimension(energy)
	require.NoError(t, stored.WriteDimensionFile("", ""))

	override := space.New(root)
	single := space.NewDimension("energy", space.RoleIndex)
	single.Append([]float64{5}, "")
	override.RegisterDimension(single)
	require.NoError(t, override.WriteDimensionFile("", "B"))

	before := testutil.ReadFile(t, filepath.Join(root, space.DefaultDimensionFile))

	var out bytes.Buffer
	require.NoError(t, run(ctx, args, &out))
	assert.Contains(t, out.String(), "dimension override in B/")
	assert.Contains(t, out.String(), "[6/6] C/2/ ok")
	assert.Equal(t, 6, invocations(t, dir))
	assert.Equal(t, before, testutil.ReadFile(t, filepath.Join(root, space.DefaultDimensionFile)))
}

func TestRun_FailingScript(t *testing.T) {
	dir, project := newProject(t, "echo run >> \"COUNTER\"\nexit 3\n")

	var out bytes.Buffer
	err := run(context.Background(), []string{"-config", project, "-no-ledger"}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sweep aborted at combination 1/4")
	assert.Equal(t, 1, invocations(t, dir))
	assert.Contains(t, out.String(), "[1/4] A/1/ FAILED")
	assert.NoFileExists(t, filepath.Join(dir, "sweeps.db"))
}

func TestRun_Async(t *testing.T) {
	dir, project := newProject(t, copyScript)

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"-config", project, "-async", "-control", filepath.Join(dir, "control.json")}, &out))
	assert.Equal(t, 4, invocations(t, dir))
	assert.Contains(t, out.String(), "[4/4]")
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "missing config", args: nil, wantErr: "-config is required"},
		{name: "unknown flag", args: []string{"-bogus"}, wantErr: "flag provided but not defined"},
		{name: "absent project", args: []string{"-config", "/nonexistent/project.json"}, wantErr: "stat project file"},
		{name: "export usage", args: []string{"export"}, wantErr: "usage: sweep export"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(context.Background(), tt.args, &bytes.Buffer{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"-version"}, &out))
	assert.True(t, strings.HasPrefix(out.String(), "paramsweep dev"))
}

func TestRun_Migrate(t *testing.T) {
	ledger := filepath.Join(t.TempDir(), "ledger.db")
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"migrate", "-db", ledger, "up"}, &out))
	assert.Contains(t, out.String(), "up to date")
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b,"))
	assert.Nil(t, splitList(""))
}
