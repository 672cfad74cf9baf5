// Package config loads sweep project files describing a parameter space and
// the script processors run over it.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/paramsweep/internal/processor"
	"github.com/banshee-data/paramsweep/internal/security"
	"github.com/banshee-data/paramsweep/internal/space"
)

const (
	// DefaultLedgerPath is the run ledger used when neither the project nor
	// the command line names one.
	DefaultLedgerPath = "sweeps.db"

	maxFileSize = 1 * 1024 * 1024 // 1MB
)

// ProjectConfig is the root of a project file. Omitted fields fall back to
// the Get* defaults.
type ProjectConfig struct {
	Root          *string           `json:"root,omitempty" yaml:"root,omitempty"`
	DimensionFile *string           `json:"dimension_file,omitempty" yaml:"dimension_file,omitempty"`
	Dimensions    []DimensionConfig `json:"dimensions" yaml:"dimensions"`
	Processors    []ScriptConfig    `json:"processors" yaml:"processors"`
	// Sweep lists the dimensions to sweep. Empty sweeps every dimension.
	Sweep     []string `json:"sweep,omitempty" yaml:"sweep,omitempty"`
	ChainMode *string  `json:"chain_mode,omitempty" yaml:"chain_mode,omitempty"` // "serial" or "async"
	MaxAsync  *int64   `json:"max_async,omitempty" yaml:"max_async,omitempty"`
	Ledger    *string  `json:"ledger,omitempty" yaml:"ledger,omitempty"`

	// baseDir is the directory of the loaded file; relative paths resolve
	// against it.
	baseDir string
}

// DimensionConfig describes one dimension. Samples come from either Values
// or Range ("min:max:step" or a comma-separated list).
type DimensionConfig struct {
	Name      string    `json:"name" yaml:"name"`
	Role      string    `json:"role,omitempty" yaml:"role,omitempty"`
	Datatype  string    `json:"datatype,omitempty" yaml:"datatype,omitempty"`
	Values    []float64 `json:"values,omitempty" yaml:"values,omitempty"`
	Range     string    `json:"range,omitempty" yaml:"range,omitempty"`
	IDs       []string  `json:"ids,omitempty" yaml:"ids,omitempty"`
	IDPrefix  string    `json:"id_prefix,omitempty" yaml:"id_prefix,omitempty"`
	Connected []string  `json:"connected,omitempty" yaml:"connected,omitempty"`
}

// ScriptConfig describes one script processor of the chain.
type ScriptConfig struct {
	ID         string   `json:"id" yaml:"id"`
	Command    string   `json:"command,omitempty" yaml:"command,omitempty"`
	Script     string   `json:"script" yaml:"script"`
	Outputs    []string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Inputs     []string `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	IgnoreFail *bool    `json:"ignore_fail,omitempty" yaml:"ignore_fail,omitempty"`
	Enabled    *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// LoadProject reads a project file. The extension selects the decoder:
// .json, .yaml or .yml. Files larger than 1MB are rejected.
func LoadProject(path string) (*ProjectConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("project file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat project file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("project file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read project file: %w", err)
	}

	cfg := &ProjectConfig{}
	if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse project JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse project YAML: %w", err)
		}
	}
	cfg.baseDir = filepath.Dir(cleanPath)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid project: %w", err)
	}
	return cfg, nil
}

// Validate checks names, roles, datatypes, samples and references.
func (c *ProjectConfig) Validate() error {
	if c.DimensionFile != nil && *c.DimensionFile != "" {
		if err := security.ValidateRelativeName(*c.DimensionFile); err != nil {
			return fmt.Errorf("dimension_file: %w", err)
		}
	}
	if len(c.Dimensions) == 0 {
		return fmt.Errorf("at least one dimension is required")
	}
	names := make(map[string]bool, len(c.Dimensions))
	for i, d := range c.Dimensions {
		if d.Name == "" {
			return fmt.Errorf("dimension %d has no name", i)
		}
		if names[d.Name] {
			return fmt.Errorf("duplicate dimension %q", d.Name)
		}
		names[d.Name] = true
		if _, err := space.ParseRole(d.Role); err != nil {
			return fmt.Errorf("dimension %q: %w", d.Name, err)
		}
		if _, err := space.ParseDatatype(d.Datatype); err != nil {
			return fmt.Errorf("dimension %q: %w", d.Name, err)
		}
		values, err := d.SampleValues()
		if err != nil {
			return fmt.Errorf("dimension %q: %w", d.Name, err)
		}
		if len(d.IDs) > 0 && len(d.IDs) != len(values) {
			return fmt.Errorf("dimension %q: %d ids for %d values", d.Name, len(d.IDs), len(values))
		}
	}
	for _, d := range c.Dimensions {
		for _, other := range d.Connected {
			if !names[other] {
				return fmt.Errorf("dimension %q: unknown connected dimension %q", d.Name, other)
			}
		}
	}
	for _, name := range c.Sweep {
		if !names[name] {
			return fmt.Errorf("sweep names unknown dimension %q", name)
		}
	}

	if len(c.Processors) == 0 {
		return fmt.Errorf("at least one processor is required")
	}
	ids := make(map[string]bool, len(c.Processors))
	for i, p := range c.Processors {
		if p.Script == "" {
			return fmt.Errorf("processor %d has no script", i)
		}
		if err := security.ValidateRelativeNames(p.Outputs); err != nil {
			return fmt.Errorf("processor %d outputs: %w", i, err)
		}
		if err := security.ValidateRelativeNames(p.Inputs); err != nil {
			return fmt.Errorf("processor %d inputs: %w", i, err)
		}
		if p.ID != "" {
			if ids[p.ID] {
				return fmt.Errorf("duplicate processor id %q", p.ID)
			}
			ids[p.ID] = true
		}
	}

	if c.ChainMode != nil {
		if _, err := processor.ParseChainMode(*c.ChainMode); err != nil {
			return err
		}
	}
	if c.MaxAsync != nil && *c.MaxAsync < 1 {
		return fmt.Errorf("max_async must be at least 1, got %d", *c.MaxAsync)
	}
	return nil
}

// SampleValues returns the configured samples, from Values when set and
// from Range otherwise.
func (d DimensionConfig) SampleValues() ([]float64, error) {
	if len(d.Values) > 0 && d.Range != "" {
		return nil, fmt.Errorf("set either values or range, not both")
	}
	if len(d.Values) > 0 {
		return d.Values, nil
	}
	if d.Range == "" {
		return nil, fmt.Errorf("no values or range")
	}
	return space.ParseValueList(d.Range)
}

// GetRoot returns the data root, resolved against the project directory.
func (c *ProjectConfig) GetRoot() string {
	root := "."
	if c.Root != nil && *c.Root != "" {
		root = *c.Root
	}
	return c.resolve(root)
}

// GetDimensionFile returns the dimension file name.
func (c *ProjectConfig) GetDimensionFile() string {
	if c.DimensionFile == nil || *c.DimensionFile == "" {
		return space.DefaultDimensionFile
	}
	return *c.DimensionFile
}

// GetChainMode returns the chain mode, serial by default.
func (c *ProjectConfig) GetChainMode() processor.ChainMode {
	if c.ChainMode == nil {
		return processor.Serial
	}
	mode, err := processor.ParseChainMode(*c.ChainMode)
	if err != nil {
		return processor.Serial
	}
	return mode
}

// GetMaxAsync returns the async process bound of each script processor.
func (c *ProjectConfig) GetMaxAsync() int64 {
	if c.MaxAsync == nil {
		return processor.DefaultMaxAsyncProcesses
	}
	return *c.MaxAsync
}

// GetLedger returns the ledger path, resolved against the project directory.
func (c *ProjectConfig) GetLedger() string {
	if c.Ledger == nil || *c.Ledger == "" {
		return c.resolve(DefaultLedgerPath)
	}
	return c.resolve(*c.Ledger)
}

func (c *ProjectConfig) resolve(p string) string {
	if filepath.IsAbs(p) || c.baseDir == "" {
		return p
	}
	return filepath.Join(c.baseDir, p)
}

// BuildSpace creates the parameter space described by the project.
func (c *ProjectConfig) BuildSpace() (*space.ParameterSpace, error) {
	ps := space.New(c.GetRoot())
	for _, dc := range c.Dimensions {
		role, err := space.ParseRole(dc.Role)
		if err != nil {
			return nil, fmt.Errorf("dimension %q: %w", dc.Name, err)
		}
		dt, err := space.ParseDatatype(dc.Datatype)
		if err != nil {
			return nil, fmt.Errorf("dimension %q: %w", dc.Name, err)
		}
		values, err := dc.SampleValues()
		if err != nil {
			return nil, fmt.Errorf("dimension %q: %w", dc.Name, err)
		}

		d := space.NewDimension(dc.Name, role)
		d.SetDatatype(dt)
		if len(dc.IDs) > 0 {
			if err := d.AppendWithIDs(values, dc.IDs); err != nil {
				return nil, err
			}
		} else {
			d.Append(values, dc.IDPrefix)
		}
		ps.RegisterDimension(d)
	}
	for _, dc := range c.Dimensions {
		d := ps.Dimension(dc.Name)
		for _, other := range dc.Connected {
			d.AddConnectedDimension(ps.Dimension(other))
		}
	}
	return ps, nil
}

// BuildChain creates the chain of script processors described by the
// project.
func (c *ProjectConfig) BuildChain() (*processor.Chain, error) {
	chain := processor.NewChain("project", c.GetChainMode())
	for _, sc := range c.Processors {
		p := processor.NewScript(sc.ID, c.resolve(sc.Script))
		if sc.Command != "" {
			p.SetCommand(sc.Command)
		}
		if len(sc.Outputs) > 0 {
			p.SetOutputFileNames(sc.Outputs...)
		}
		if len(sc.Inputs) > 0 {
			p.SetInputFileNames(sc.Inputs...)
		}
		if sc.IgnoreFail != nil {
			p.SetIgnoreFail(*sc.IgnoreFail)
		}
		if sc.Enabled != nil {
			p.SetEnabled(*sc.Enabled)
		}
		p.SetMaxAsyncProcesses(c.GetMaxAsync())
		chain.AddProcessor(p)
	}
	return chain, nil
}
