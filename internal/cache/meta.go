// Package cache implements the sidecar metadata used to decide whether a
// script output is stale.
//
// Every successful script run writes <output>.meta next to its output. The
// record holds the script and input modification times and the configuration
// the output was produced with. Any doubt about the record (missing file,
// unparseable JSON, other format version) means the output is recomputed.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/banshee-data/paramsweep/internal/fsutil"
	"github.com/banshee-data/paramsweep/internal/monitoring"
)

// FormatVersion is the metadata format written by this package. Records with
// another version are treated as stale.
const FormatVersion = 1

// MetaSuffix is appended to the output file name to name its metadata file.
const MetaSuffix = ".meta"

var logger = monitoring.Component("cache")

// ErrCorrupt reports a metadata file that exists but cannot be decoded.
var ErrCorrupt = errors.New("corrupt cache metadata")

// Reserved keys of the metadata record. Configuration entries share the same
// JSON object and must not start with "__".
const (
	keyVersion        = "__metadata_version"
	keyScript         = "__script"
	keyScriptModified = "__script_modified"
	keyRunningDir     = "__running_directory"
	keyOutputDir      = "__output_dir"
	keyOutputName     = "__output_name"
	keyInputDir       = "__input_dir"
	keyInputName      = "__input_name"
	keyInputModified  = "__input_modified"
	keyConfigHash     = "__config_hash"
)

// Meta is the decoded metadata record. Modification times are Unix
// nanoseconds, 0 when the file did not exist.
type Meta struct {
	Version          int
	Script           string
	ScriptModified   int64
	RunningDirectory string
	OutputDir        string
	OutputName       string
	InputDir         string
	InputName        string
	InputModified    int64
	ConfigHash       string
	Config           map[string]interface{}
}

// MarshalJSON flattens Config into the same object as the reserved keys.
func (m Meta) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(m.Config)+10)
	for k, v := range m.Config {
		if strings.HasPrefix(k, "__") {
			continue
		}
		out[k] = v
	}
	out[keyVersion] = m.Version
	out[keyScript] = m.Script
	out[keyScriptModified] = m.ScriptModified
	out[keyRunningDir] = m.RunningDirectory
	out[keyOutputDir] = m.OutputDir
	out[keyOutputName] = m.OutputName
	out[keyInputDir] = m.InputDir
	out[keyInputName] = m.InputName
	out[keyInputModified] = m.InputModified
	out[keyConfigHash] = m.ConfigHash
	return json.Marshal(out)
}

// UnmarshalJSON splits reserved keys from configuration entries.
func (m *Meta) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("metadata is not an object")
	}
	fields := []struct {
		key string
		dst interface{}
	}{
		{keyVersion, &m.Version},
		{keyScript, &m.Script},
		{keyScriptModified, &m.ScriptModified},
		{keyRunningDir, &m.RunningDirectory},
		{keyOutputDir, &m.OutputDir},
		{keyOutputName, &m.OutputName},
		{keyInputDir, &m.InputDir},
		{keyInputName, &m.InputName},
		{keyInputModified, &m.InputModified},
		{keyConfigHash, &m.ConfigHash},
	}
	if _, ok := raw[keyVersion]; !ok {
		return fmt.Errorf("missing %s", keyVersion)
	}
	for _, f := range fields {
		v, ok := raw[f.key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(v, f.dst); err != nil {
			return fmt.Errorf("field %s: %w", f.key, err)
		}
		delete(raw, f.key)
	}
	m.Config = make(map[string]interface{}, len(raw))
	for k, v := range raw {
		var val interface{}
		if err := json.Unmarshal(v, &val); err != nil {
			return fmt.Errorf("config %s: %w", k, err)
		}
		m.Config[k] = val
	}
	return nil
}

// MetaPath returns the metadata file for an output file.
func MetaPath(outputDir, outputName string) string {
	return filepath.Join(outputDir, outputName+MetaSuffix)
}

// Load reads a metadata file. A missing file yields an error satisfying
// errors.Is(err, fs.ErrNotExist); an undecodable one wraps ErrCorrupt.
func Load(fsys fsutil.FileSystem, path string) (*Meta, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", path, ErrCorrupt, err)
	}
	return &m, nil
}

// Write stores a metadata file, replacing any existing one.
func Write(fsys fsutil.FileSystem, path string, m *Meta) error {
	data, err := json.MarshalIndent(m, "", "    ")
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	if err := fsys.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing metadata %s: %w", path, err)
	}
	return nil
}

// Invalidate removes a metadata file so the next check recomputes. A missing
// file is not an error.
func Invalidate(fsys fsutil.FileSystem, path string) error {
	if err := fsys.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing metadata %s: %w", path, err)
	}
	return nil
}

// ModTime returns the modification time of path in Unix nanoseconds, or 0 if
// it cannot be stat'ed.
func ModTime(fsys fsutil.FileSystem, path string) int64 {
	if path == "" {
		return 0
	}
	info, err := fsys.Stat(path)
	if err != nil {
		return 0
	}
	return info.ModTime().UnixNano()
}

// ConfigHash fingerprints a configuration. encoding/json writes map keys in
// sorted order, so equal configurations hash equally.
func ConfigHash(config map[string]interface{}) string {
	data, err := json.Marshal(config)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Check describes the current state of one script invocation.
type Check struct {
	MetaPath   string
	ScriptPath string
	InputPath  string // empty when the script has no input file
	OutputPath string // empty when the script has no output file
	Config     map[string]interface{}
}

// NeedsRecompute reports whether the output described by c is stale, with a
// short reason for logging.
func NeedsRecompute(fsys fsutil.FileSystem, c Check) (bool, string) {
	m, err := Load(fsys, c.MetaPath)
	if err != nil {
		if errors.Is(err, ErrCorrupt) {
			logger.Warnf("%v", err)
			return true, "metadata unreadable"
		}
		return true, "no metadata"
	}
	if m.Version != FormatVersion {
		return true, fmt.Sprintf("metadata version %d, want %d", m.Version, FormatVersion)
	}
	if m.ScriptModified != ModTime(fsys, c.ScriptPath) {
		return true, "script modified"
	}
	if c.InputPath != "" && fsys.Exists(c.InputPath) {
		if m.InputModified != ModTime(fsys, c.InputPath) {
			return true, "input modified"
		}
	}
	if c.OutputPath != "" && !fsys.Exists(c.OutputPath) {
		return true, "output missing"
	}
	if m.ConfigHash != ConfigHash(c.Config) {
		return true, "configuration changed"
	}
	return false, ""
}
