package bundler

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// ManifestVersion is the current bundle manifest schema version.
const ManifestVersion = "1"

// Manifest describes a signed model bundle: identity of the model, every
// packaged file with its sha256, and an ed25519 signature over the whole
// document.
type Manifest struct {
	Version          string         `yaml:"version"`
	Model            ModelInfo      `yaml:"model"`
	CreatedAt        time.Time      `yaml:"created_at"`
	Signer           string         `yaml:"signer,omitempty"`
	SigningPublicKey string         `yaml:"signing_public_key,omitempty"`
	Files            []ManifestFile `yaml:"files"`
	Signature        string         `yaml:"signature,omitempty"`
}

// ModelInfo identifies the model carried by a bundle.
type ModelInfo struct {
	Name      string            `yaml:"name"`
	Version   string            `yaml:"version"`
	Framework string            `yaml:"framework,omitempty"`
	Type      string            `yaml:"type,omitempty"`
	Tags      map[string]string `yaml:"tags,omitempty"`
}

// ManifestFile records one packaged file.
type ManifestFile struct {
	Path   string `yaml:"path"`
	Size   int64  `yaml:"size"`
	SHA256 string `yaml:"sha256"`
}

// SigningBytes returns the canonical bytes covered by the signature: the
// manifest serialized with the signature field cleared.
func (m *Manifest) SigningBytes() ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("nil manifest")
	}
	clone := *m
	clone.Signature = ""
	return yaml.Marshal(&clone)
}

// Validate checks structural invariants before a manifest is trusted.
func (m *Manifest) Validate() error {
	if m == nil {
		return fmt.Errorf("nil manifest")
	}
	if m.Version != ManifestVersion {
		return fmt.Errorf("unsupported manifest version %q", m.Version)
	}
	if m.Model.Name == "" || m.Model.Version == "" {
		return fmt.Errorf("manifest model name and version are required")
	}
	if len(m.Files) == 0 {
		return fmt.Errorf("manifest lists no files")
	}
	seen := make(map[string]struct{}, len(m.Files))
	for _, f := range m.Files {
		if f.Path == "" {
			return fmt.Errorf("manifest contains a file without a path")
		}
		if _, dup := seen[f.Path]; dup {
			return fmt.Errorf("manifest lists %q twice", f.Path)
		}
		seen[f.Path] = struct{}{}
		if len(f.SHA256) != 64 {
			return fmt.Errorf("file %q has an invalid sha256", f.Path)
		}
	}
	return nil
}
