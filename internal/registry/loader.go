package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"detectd/internal/common/fsutil"
	"detectd/pkg/types"
)

// Manifest is the YAML sidecar that declares a model artifact's contract.
// It lives next to the artifact as <artifact>.yaml.
type Manifest struct {
	ID      string `yaml:"id"`
	Version string `yaml:"version"`
	Input   struct {
		Channels int `yaml:"channels"`
		Height   int `yaml:"height"`
		Width    int `yaml:"width"`
	} `yaml:"input"`
	// Channel-wise normalization parameters; length must match channels.
	Mean  []float64 `yaml:"mean"`
	Scale []float64 `yaml:"scale"`
	// Classification labels, index-aligned with outputs.
	Labels []string `yaml:"labels"`
	// Optional footprint override; artifact file size is used when absent.
	FootprintMB int `yaml:"footprint_mb"`
}

// Artifact pairs a discovered model file with its validated manifest.
type Artifact struct {
	Manifest Manifest
	Path     string
}

// Info converts the artifact into its API representation.
func (a Artifact) Info() types.ModelInfo {
	return types.ModelInfo{
		ID:          a.Manifest.ID,
		Version:     a.Manifest.Version,
		Path:        a.Path,
		InputShape:  [3]int{a.Manifest.Input.Channels, a.Manifest.Input.Height, a.Manifest.Input.Width},
		FootprintMB: a.Manifest.FootprintMB,
		Labels:      append([]string(nil), a.Manifest.Labels...),
	}
}

// LoadDir scans a directory for *.onnx artifacts with manifest sidecars.
// Artifacts without a sidecar are skipped; a sidecar that fails validation
// is an error, since serving a model with a bad contract corrupts results.
func LoadDir(dir string) ([]Artifact, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var artifacts []Artifact
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".onnx") {
			continue
		}
		artifactPath := filepath.Join(abs, name)
		manifestPath := artifactPath + ".yaml"
		if !fsutil.PathExists(manifestPath) {
			continue
		}
		a, err := loadArtifact(artifactPath, manifestPath)
		if err != nil {
			return nil, fmt.Errorf("manifest %s: %w", manifestPath, err)
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, nil
}

func loadArtifact(artifactPath, manifestPath string) (Artifact, error) {
	b, err := os.ReadFile(manifestPath)
	if err != nil {
		return Artifact{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return Artifact{}, err
	}
	if m.ID == "" {
		// Default the id to the artifact filename minus extension.
		m.ID = strings.TrimSuffix(filepath.Base(artifactPath), filepath.Ext(artifactPath))
	}
	if err := m.Validate(); err != nil {
		return Artifact{}, err
	}
	if m.FootprintMB <= 0 {
		mb, err := fsutil.FileSizeMB(artifactPath)
		if err != nil {
			return Artifact{}, err
		}
		m.FootprintMB = mb
	}
	return Artifact{Manifest: m, Path: artifactPath}, nil
}

// Validate performs the schema checks the model manager relies on.
func (m Manifest) Validate() error {
	if m.Version == "" {
		return fmt.Errorf("missing version")
	}
	c, h, w := m.Input.Channels, m.Input.Height, m.Input.Width
	if c != 1 && c != 3 {
		return fmt.Errorf("input channels must be 1 or 3, got %d", c)
	}
	if h < 32 || w < 32 {
		return fmt.Errorf("input %dx%d below minimum 32x32", w, h)
	}
	if len(m.Mean) != c || len(m.Scale) != c {
		return fmt.Errorf("mean/scale length must match %d channels", c)
	}
	for i, s := range m.Scale {
		if s == 0 {
			return fmt.Errorf("scale[%d] must be non-zero", i)
		}
	}
	if len(m.Labels) == 0 {
		return fmt.Errorf("missing labels")
	}
	return nil
}

// FindByID returns the artifact with the given id.
func FindByID(artifacts []Artifact, id string) (Artifact, bool) {
	for _, a := range artifacts {
		if a.Manifest.ID == id {
			return a, true
		}
	}
	return Artifact{}, false
}
