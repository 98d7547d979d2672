package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Manifest file names, in lookup order.
const (
	ManifestTOML = "plugin.toml"
	ManifestJSON = "plugin.json"
)

// Runtime selects how a plugin is executed.
type Runtime string

const (
	// RuntimeProcess runs exec_path as a subprocess speaking the message
	// protocol on stdio.
	RuntimeProcess Runtime = "process"

	// RuntimeLua runs exec_path as a Lua script inside the host.
	RuntimeLua Runtime = "lua"
)

// Description is the validated, immutable description of a plugin.
type Description struct {
	Name     string
	Version  string
	ExecPath string
	Args     []string
	Env      map[string]string
	Enabled  bool
	Runtime  Runtime
	Events   []EventKind

	// Dir is the directory the manifest was found in.
	Dir string

	// Source is the manifest file path, empty for single-file Lua plugins.
	Source string
}

// Command returns the absolute path of the plugin executable or script.
func (d *Description) Command() string {
	if filepath.IsAbs(d.ExecPath) {
		return d.ExecPath
	}
	return filepath.Join(d.Dir, d.ExecPath)
}

// Environ returns the manifest environment as KEY=VALUE pairs, sorted.
func (d *Description) Environ() []string {
	env := make([]string, 0, len(d.Env))
	for k, v := range d.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// manifest is the on-disk form of a Description.
type manifest struct {
	Name     string            `toml:"name" json:"name"`
	Version  string            `toml:"version" json:"version"`
	ExecPath string            `toml:"exec_path" json:"exec_path"`
	Args     []string          `toml:"args" json:"args"`
	Env      map[string]string `toml:"env" json:"env"`
	Enabled  *bool             `toml:"enabled" json:"enabled"`
	Runtime  Runtime           `toml:"runtime" json:"runtime"`
	Events   []EventKind       `toml:"events" json:"events"`
}

var (
	namePattern   = regexp.MustCompile(`^[a-z][a-z0-9-]*[a-z0-9]$|^[a-z]$`)
	semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.-]+)?(\+[a-zA-Z0-9.-]+)?$`)
)

// LoadManifest reads and validates a manifest file. The format is chosen by
// extension: .toml or .json.
func LoadManifest(path string) (*Description, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m manifest
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &m)
	case ".json":
		err = json.Unmarshal(data, &m)
	default:
		return nil, fmt.Errorf("manifest %s: unsupported format", path)
	}
	if err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}

	desc := m.describe(filepath.Dir(path))
	desc.Source = path
	if err := desc.Validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return desc, nil
}

// LoadManifestFromDir loads the manifest in dir, preferring plugin.toml.
func LoadManifestFromDir(dir string) (*Description, error) {
	for _, name := range []string{ManifestTOML, ManifestJSON} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return LoadManifest(path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat manifest: %w", err)
		}
	}
	return nil, fmt.Errorf("%s: %w", dir, ErrNoManifest)
}

func (m *manifest) describe(dir string) *Description {
	enabled := true
	if m.Enabled != nil {
		enabled = *m.Enabled
	}
	runtime := m.Runtime
	if runtime == "" {
		runtime = RuntimeProcess
	}
	return &Description{
		Name:     m.Name,
		Version:  m.Version,
		ExecPath: m.ExecPath,
		Args:     m.Args,
		Env:      m.Env,
		Enabled:  enabled,
		Runtime:  runtime,
		Events:   m.Events,
		Dir:      dir,
	}
}

// scriptDescription describes a single-file Lua plugin with no manifest.
func scriptDescription(path string) *Description {
	return &Description{
		Name:     strings.TrimSuffix(filepath.Base(path), ".lua"),
		Version:  "0.0.0",
		ExecPath: filepath.Base(path),
		Enabled:  true,
		Runtime:  RuntimeLua,
		Dir:      filepath.Dir(path),
	}
}

// Validate checks the description for required fields and valid values.
func (d *Description) Validate() error {
	if d.Name == "" {
		return ErrMissingName
	}
	if !namePattern.MatchString(d.Name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, d.Name)
	}
	if d.Version == "" {
		return ErrMissingVersion
	}
	if !semverPattern.MatchString(d.Version) {
		return fmt.Errorf("%w: %q", ErrInvalidVersion, d.Version)
	}
	if d.ExecPath == "" {
		return ErrMissingExec
	}
	switch d.Runtime {
	case RuntimeProcess, RuntimeLua:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidRuntime, d.Runtime)
	}
	for _, k := range d.Events {
		if !k.Valid() {
			return fmt.Errorf("%w: %q", ErrInvalidEvent, k)
		}
	}
	return nil
}
