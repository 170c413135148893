package extension

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Discoverer finds extensions across three sources: loose files and
// directories in the search paths, registered builtins, and installed
// packages under the state directory. One Discover pass produces a
// fresh, sorted descriptor set; nothing from earlier passes survives.
type Discoverer struct {
	paths    []string
	stateDir string
	logger   *zap.Logger

	builtins []Descriptor

	warnings []Warning
}

// DiscovererOption configures a Discoverer.
type DiscovererOption func(*Discoverer)

// WithSearchPaths sets the extension search paths.
func WithSearchPaths(paths ...string) DiscovererOption {
	return func(d *Discoverer) {
		d.paths = paths
	}
}

// WithStateDir sets the directory holding installed packages
// (<stateDir>/pkgs/<name>/extension.json).
func WithStateDir(dir string) DiscovererOption {
	return func(d *Discoverer) {
		d.stateDir = dir
	}
}

// WithDiscovererLogger sets the logger.
func WithDiscovererLogger(logger *zap.Logger) DiscovererOption {
	return func(d *Discoverer) {
		d.logger = logger
	}
}

// NewDiscoverer creates a Discoverer.
func NewDiscoverer(opts ...DiscovererOption) *Discoverer {
	d := &Discoverer{
		paths:  DefaultSearchPaths(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DefaultSearchPaths returns the default extension search paths.
func DefaultSearchPaths() []string {
	paths := make([]string, 0, 2)
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "nixsage", "extensions"))
		paths = append(paths, filepath.Join(home, ".local", "share", "nixsage", "extensions"))
	}
	return paths
}

// Paths returns the configured search paths.
func (d *Discoverer) Paths() []string {
	return d.paths
}

// RegisterBuiltin adds a compiled-in extension to future discovery
// passes. The manifest declares identity, priority and the (usually
// empty) capability ceiling.
func (d *Discoverer) RegisterBuiltin(manifest *Manifest, factory Factory) error {
	if manifest == nil {
		return ErrNilDescriptor
	}
	if err := manifest.Validate(); err != nil {
		return err
	}
	d.builtins = append(d.builtins, Descriptor{
		Identity: manifest.Name,
		Source:   SourceBuiltin,
		Manifest: manifest,
		factory:  factory,
	})
	return nil
}

// Discover produces the descriptor set, sorted lexicographically by
// identity. Unreadable paths and malformed manifests become warnings,
// never errors; duplicate identities resolve by source precedence
// (builtin over file over package) and are recorded as warnings.
func (d *Discoverer) Discover() []Descriptor {
	d.warnings = nil
	byIdentity := make(map[string]Descriptor)

	add := func(desc Descriptor) {
		prev, exists := byIdentity[desc.Identity]
		if !exists {
			byIdentity[desc.Identity] = desc
			return
		}
		kept, shadowed := prev, desc
		if desc.Source.precedence() < prev.Source.precedence() {
			kept, shadowed = desc, prev
			byIdentity[desc.Identity] = desc
		}
		d.warn(Warning{
			Path:     shadowed.Location,
			Identity: shadowed.Identity,
			Message: fmt.Sprintf("duplicate identity: %s source shadowed by %s source",
				shadowed.Source, kept.Source),
		})
	}

	for _, b := range d.builtins {
		add(b)
	}
	for _, base := range d.paths {
		d.discoverInPath(base, add)
	}
	d.discoverPackages(add)

	out := make([]Descriptor, 0, len(byIdentity))
	for _, desc := range byIdentity {
		out = append(out, desc)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Identity < out[j].Identity
	})
	return out
}

// discoverInPath scans one search path for single-file and directory
// extensions.
func (d *Discoverer) discoverInPath(base string, add func(Descriptor)) {
	entries, err := os.ReadDir(base)
	if err != nil {
		if !os.IsNotExist(err) {
			d.warn(Warning{Path: base, Message: "unreadable search path: " + err.Error()})
		}
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			if filepath.Ext(entry.Name()) == ".lua" {
				name := strings.TrimSuffix(entry.Name(), ".lua")
				manifest := NewManifestMinimal(name, base)
				manifest.Main = entry.Name()
				if err := manifest.Validate(); err != nil {
					d.warn(Warning{Path: filepath.Join(base, entry.Name()), Identity: name,
						Message: "invalid extension name: " + err.Error()})
					continue
				}
				add(Descriptor{
					Identity: name,
					Source:   SourceFile,
					Location: base,
					Manifest: manifest,
				})
			}
			continue
		}

		dir := filepath.Join(base, entry.Name())
		desc, warn := d.inspectDir(entry.Name(), dir, SourceFile)
		if warn != nil {
			d.warn(*warn)
			continue
		}
		add(desc)
	}
}

// inspectDir examines an extension directory. When a manifest is
// present it names the extension; otherwise init.lua (or
// extension.lua) with a synthesized manifest.
func (d *Discoverer) inspectDir(name, dir string, source Source) (Descriptor, *Warning) {
	manifestPath := filepath.Join(dir, ManifestFile)
	if _, err := os.Stat(manifestPath); err == nil {
		// Peek first so a malformed manifest degrades to a warning
		// with the best identity we can recover.
		peek := PeekManifest(manifestPath)
		manifest, err := LoadManifest(manifestPath)
		if err != nil {
			identity := peek.Name
			if identity == "" {
				identity = name
			}
			return Descriptor{}, &Warning{Path: dir, Identity: identity,
				Message: "invalid manifest: " + err.Error()}
		}
		return Descriptor{
			Identity: manifest.Name,
			Source:   source,
			Location: dir,
			Manifest: manifest,
		}, nil
	}

	for _, entry := range []string{"init.lua", "extension.lua"} {
		if _, err := os.Stat(filepath.Join(dir, entry)); err == nil {
			manifest := NewManifestMinimal(name, dir)
			manifest.Main = entry
			if err := manifest.Validate(); err != nil {
				return Descriptor{}, &Warning{Path: dir, Identity: name,
					Message: "invalid extension name: " + err.Error()}
			}
			return Descriptor{
				Identity: name,
				Source:   source,
				Location: dir,
				Manifest: manifest,
			}, nil
		}
	}

	return Descriptor{}, &Warning{Path: dir, Identity: name, Message: ErrNoEntryPoint.Error()}
}

// discoverPackages scans the installed-package tree. Packages must
// carry a manifest; no code is executed during discovery.
func (d *Discoverer) discoverPackages(add func(Descriptor)) {
	if d.stateDir == "" {
		return
	}
	pkgsDir := filepath.Join(d.stateDir, "pkgs")
	entries, err := os.ReadDir(pkgsDir)
	if err != nil {
		if !os.IsNotExist(err) {
			d.warn(Warning{Path: pkgsDir, Message: "unreadable package dir: " + err.Error()})
		}
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(pkgsDir, entry.Name())
		manifestPath := filepath.Join(dir, ManifestFile)
		peek := PeekManifest(manifestPath)
		manifest, err := LoadManifest(manifestPath)
		if err != nil {
			identity := peek.Name
			if identity == "" {
				identity = entry.Name()
			}
			d.warn(Warning{Path: dir, Identity: identity,
				Message: "invalid package manifest: " + err.Error()})
			continue
		}
		add(Descriptor{
			Identity: manifest.Name,
			Source:   SourcePackage,
			Location: dir,
			Manifest: manifest,
		})
	}
}

func (d *Discoverer) warn(w Warning) {
	d.warnings = append(d.warnings, w)
	d.logger.Warn("discovery warning",
		zap.String("path", w.Path),
		zap.String("identity", w.Identity),
		zap.String("message", w.Message))
}

// Warnings returns the warnings from the most recent Discover pass.
func (d *Discoverer) Warnings() []Warning {
	out := make([]Warning, len(d.warnings))
	copy(out, d.warnings)
	return out
}
