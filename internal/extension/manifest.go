package extension

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/tidwall/gjson"

	"github.com/nixsage/nixsage/internal/extension/security"
)

// ManifestFile is the manifest filename inside an extension directory.
const ManifestFile = "extension.json"

// DefaultPriority is the routing priority when none is declared.
const DefaultPriority = 50

// Manifest describes an extension's metadata and capability ceiling.
// Capabilities, allowed paths and allowed hosts granted here are a
// ceiling: the permission checker never allows beyond them, and
// nothing at runtime can widen them.
type Manifest struct {
	// Identity
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
	Author      string `json:"author"`

	// Entry point, relative to the extension directory.
	Main string `json:"main"`

	// Priority orders routing; higher is consulted first.
	Priority int `json:"priority"`

	// Capability ceiling.
	Capabilities []security.Capability `json:"capabilities"`
	AllowedPaths []string              `json:"allowedPaths"`
	AllowedHosts []string              `json:"allowedHosts"`

	// Default configuration passed to the extension on load.
	Config map[string]any `json:"config"`

	// Directory the manifest was loaded from.
	path string
}

// Validation errors.
var (
	ErrMissingName       = errors.New("manifest: name is required")
	ErrInvalidName       = errors.New("manifest: name must be lowercase alphanumeric with hyphens")
	ErrInvalidVersion    = errors.New("manifest: version must be valid semver")
	ErrInvalidMain       = errors.New("manifest: main must be a .lua file")
	ErrInvalidPriority   = errors.New("manifest: priority must be in [0,100]")
	ErrInvalidCapability = errors.New("manifest: invalid capability")
)

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9-]*[a-z0-9]$|^[a-z]$`)

var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.-]+)?(\+[a-zA-Z0-9.-]+)?$`)

// LoadManifest loads and validates a manifest from a file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	m := Manifest{Priority: DefaultPriority}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	m.path = filepath.Dir(path)
	m.applyDefaults()

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadManifestFromDir loads the manifest from an extension directory.
func LoadManifestFromDir(dir string) (*Manifest, error) {
	return LoadManifest(filepath.Join(dir, ManifestFile))
}

// NewManifestMinimal synthesizes a manifest for a single-file
// extension: no capabilities, default priority.
func NewManifestMinimal(name, dir string) *Manifest {
	return &Manifest{
		Name:     name,
		Version:  "0.0.0",
		Main:     "init.lua",
		Priority: DefaultPriority,
		path:     dir,
	}
}

func (m *Manifest) applyDefaults() {
	if m.Main == "" {
		m.Main = "init.lua"
	}
	if m.Version == "" {
		m.Version = "0.0.0"
	}
}

// Validate checks the manifest.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return ErrMissingName
	}
	if !namePattern.MatchString(m.Name) {
		return fmt.Errorf("%w: %s", ErrInvalidName, m.Name)
	}
	if !semverPattern.MatchString(m.Version) {
		return fmt.Errorf("%w: %s", ErrInvalidVersion, m.Version)
	}
	if m.Main != "" && filepath.Ext(m.Main) != ".lua" {
		return fmt.Errorf("%w: %s", ErrInvalidMain, m.Main)
	}
	if m.Priority < 0 || m.Priority > 100 {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, m.Priority)
	}
	for _, cap := range m.Capabilities {
		if !security.IsValid(cap) {
			return fmt.Errorf("%w: %s", ErrInvalidCapability, cap)
		}
	}
	return nil
}

// Path returns the extension directory.
func (m *Manifest) Path() string {
	return m.path
}

// MainPath returns the full path to the entry file.
func (m *Manifest) MainPath() string {
	return filepath.Join(m.path, m.Main)
}

// HasCapability reports whether the ceiling includes the capability.
func (m *Manifest) HasCapability(cap security.Capability) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// String returns "name vVersion".
func (m *Manifest) String() string {
	return fmt.Sprintf("%s v%s", m.Name, m.Version)
}

// ManifestPeek is the cheap, non-validating view discovery uses to
// order candidates without a full decode.
type ManifestPeek struct {
	Name     string
	Priority int
	Valid    bool
}

// PeekManifest extracts identity and priority from a manifest file
// without unmarshalling it. Malformed JSON degrades to Valid=false so
// discovery can record a warning instead of failing the pass.
func PeekManifest(path string) ManifestPeek {
	data, err := os.ReadFile(path)
	if err != nil || !gjson.ValidBytes(data) {
		return ManifestPeek{Priority: DefaultPriority}
	}
	peek := ManifestPeek{Priority: DefaultPriority, Valid: true}
	if name := gjson.GetBytes(data, "name"); name.Exists() {
		peek.Name = name.String()
	}
	if prio := gjson.GetBytes(data, "priority"); prio.Exists() {
		peek.Priority = int(prio.Int())
	}
	return peek
}
