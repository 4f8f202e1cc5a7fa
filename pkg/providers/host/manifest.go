package host

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/loamctl/loam/pkg/engine"
)

// ManifestDoc is the raw YAML document describing a WASM provider: its
// identity, the module to load, the capabilities it needs, and the
// attribute schemas of the resource types it serves.
type ManifestDoc struct {
	// Name is the provider name resources reference.
	Name string `yaml:"name"`

	// Version is the provider version.
	Version string `yaml:"version"`

	// Module is the WASM module path, relative to the manifest.
	Module string `yaml:"module"`

	// Checksum is the optional sha256 hex digest of the module.
	Checksum string `yaml:"checksum,omitempty"`

	// Capabilities lists the host capabilities the provider requests.
	Capabilities []string `yaml:"capabilities,omitempty"`

	// Resources maps resource type names to their attribute schemas.
	Resources map[string]ResourceManifest `yaml:"resources"`
}

// ResourceManifest declares one resource type.
type ResourceManifest struct {
	Attributes map[string]AttrManifest `yaml:"attributes"`
}

// AttrManifest declares one attribute.
type AttrManifest struct {
	Type              string `yaml:"type"`
	Required          bool   `yaml:"required,omitempty"`
	Updatable         bool   `yaml:"updatable,omitempty"`
	ForcesReplacement bool   `yaml:"forces_replacement,omitempty"`
	Computed          bool   `yaml:"computed,omitempty"`
}

// Manifest is a loaded and validated provider manifest.
type Manifest struct {
	// Doc is the raw manifest document.
	Doc *ManifestDoc

	// Path is where the manifest was loaded from; empty for in-memory
	// manifests.
	Path string

	// ModulePath is the resolved WASM module path.
	ModulePath string

	// Verified is true when the module checksum was checked.
	Verified bool
}

// Schemas converts the manifest's resource declarations to engine schemas.
func (m *Manifest) Schemas() map[string]*engine.ResourceSchema {
	schemas := make(map[string]*engine.ResourceSchema, len(m.Doc.Resources))
	for typ, res := range m.Doc.Resources {
		schema := &engine.ResourceSchema{
			Type:       typ,
			Attributes: make(map[string]engine.AttrSchema, len(res.Attributes)),
		}
		for name, attr := range res.Attributes {
			schema.Attributes[name] = engine.AttrSchema{
				Type:              attr.Type,
				Required:          attr.Required,
				Updatable:         attr.Updatable,
				ForcesReplacement: attr.ForcesReplacement,
				Computed:          attr.Computed,
			}
		}
		schemas[typ] = schema
	}
	return schemas
}

// ManifestLoader loads provider manifests from disk.
type ManifestLoader struct {
	// BaseDir resolves relative module paths; the manifest's directory
	// when empty.
	BaseDir string
}

// NewManifestLoader creates a manifest loader.
func NewManifestLoader(baseDir string) *ManifestLoader {
	return &ManifestLoader{BaseDir: baseDir}
}

// LoadFromFile loads and validates a manifest from a YAML file.
func (l *ManifestLoader) LoadFromFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	doc, err := l.parse(data)
	if err != nil {
		return nil, err
	}

	manifest := &Manifest{Doc: doc, Path: path}

	baseDir := l.BaseDir
	if baseDir == "" {
		baseDir = filepath.Dir(path)
	}
	if filepath.IsAbs(doc.Module) {
		manifest.ModulePath = doc.Module
	} else {
		manifest.ModulePath = filepath.Join(baseDir, doc.Module)
	}

	if doc.Checksum != "" {
		moduleData, err := os.ReadFile(manifest.ModulePath)
		if err != nil {
			return nil, fmt.Errorf("read module for checksum: %w", err)
		}
		if err := verifyChecksum(moduleData, doc.Checksum); err != nil {
			return nil, err
		}
		manifest.Verified = true
	}
	return manifest, nil
}

// LoadFromBytes loads a manifest and verifies it against the given module
// bytes.
func (l *ManifestLoader) LoadFromBytes(data, module []byte) (*Manifest, error) {
	doc, err := l.parse(data)
	if err != nil {
		return nil, err
	}
	manifest := &Manifest{Doc: doc}
	if doc.Checksum != "" {
		if err := verifyChecksum(module, doc.Checksum); err != nil {
			return nil, err
		}
		manifest.Verified = true
	}
	return manifest, nil
}

func (l *ManifestLoader) parse(data []byte) (*ManifestDoc, error) {
	var doc ManifestDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse manifest YAML: %w", err)
	}
	if doc.Name == "" {
		return nil, fmt.Errorf("manifest name is required")
	}
	if doc.Version == "" {
		return nil, fmt.Errorf("manifest version is required")
	}
	if doc.Module == "" {
		return nil, fmt.Errorf("manifest module is required")
	}
	if len(doc.Resources) == 0 {
		return nil, fmt.Errorf("manifest declares no resources")
	}
	for typ, res := range doc.Resources {
		if len(res.Attributes) == 0 {
			return nil, fmt.Errorf("resource %q declares no attributes", typ)
		}
	}
	return &doc, nil
}

func verifyChecksum(module []byte, want string) error {
	hash := sha256.Sum256(module)
	got := hex.EncodeToString(hash[:])
	if got != want {
		return fmt.Errorf("module checksum mismatch: got %s, want %s", got, want)
	}
	return nil
}
