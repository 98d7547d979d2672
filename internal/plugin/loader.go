package plugin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Loader discovers plugin descriptions on the filesystem.
type Loader struct {
	// Search paths, scanned in order. A plugin found in a later path
	// replaces one with the same name from an earlier path.
	paths []string
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithPaths sets the plugin search paths.
func WithPaths(paths ...string) LoaderOption {
	return func(l *Loader) {
		l.paths = paths
	}
}

// NewLoader creates a loader searching DefaultPluginPaths unless overridden.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{paths: DefaultPluginPaths()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// DefaultPluginPaths returns the default plugin search paths.
func DefaultPluginPaths() []string {
	paths := make([]string, 0, 3)

	// ~/.local/share/keyproxy/plugins/
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".local", "share", "keyproxy", "plugins"))
	}

	// ~/.config/keyproxy/plugins/
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "keyproxy", "plugins"))
	}

	// .keyproxy/plugins/ in the working directory
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".keyproxy", "plugins"))
	}

	return paths
}

// Paths returns the configured search paths.
func (l *Loader) Paths() []string {
	return l.paths
}

// AddPath appends a search path.
func (l *Loader) AddPath(path string) {
	l.paths = append(l.paths, path)
}

// Discover scans every search path and returns the plugins found, sorted by
// name. Invalid manifests do not stop the scan; they are returned as errors
// alongside the valid descriptions. Missing search paths are skipped.
func (l *Loader) Discover() ([]*Description, []error) {
	found := make(map[string]*Description)
	var errs []error

	for _, base := range l.paths {
		errs = append(errs, discoverInPath(base, found)...)
	}

	descs := make([]*Description, 0, len(found))
	for _, d := range found {
		descs = append(descs, d)
	}
	sort.Slice(descs, func(i, j int) bool {
		return descs[i].Name < descs[j].Name
	})

	return descs, errs
}

func discoverInPath(base string, found map[string]*Description) []error {
	entries, err := os.ReadDir(base)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return []error{fmt.Errorf("scan %s: %w", base, err)}
	}

	var errs []error
	for _, entry := range entries {
		path := filepath.Join(base, entry.Name())

		if !entry.IsDir() {
			if filepath.Ext(entry.Name()) == ".lua" {
				desc := scriptDescription(path)
				if err := desc.Validate(); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", path, err))
					continue
				}
				found[desc.Name] = desc
			}
			continue
		}

		desc, err := LoadManifestFromDir(path)
		if err != nil {
			if errors.Is(err, ErrNoManifest) {
				if desc := initScript(path); desc != nil {
					found[desc.Name] = desc
				}
				continue
			}
			errs = append(errs, err)
			continue
		}
		found[desc.Name] = desc
	}
	return errs
}

// initScript describes a manifest-less directory holding init.lua.
func initScript(dir string) *Description {
	if _, err := os.Stat(filepath.Join(dir, "init.lua")); err != nil {
		return nil
	}
	desc := scriptDescription(filepath.Join(dir, "init.lua"))
	desc.Name = filepath.Base(dir)
	if desc.Validate() != nil {
		return nil
	}
	return desc
}
