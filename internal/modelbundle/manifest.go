package modelbundle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the bundle descriptor every artifact directory carries.
const ManifestFile = "bundle.yaml"

// Sub-model keys. They are fixed by the training pipeline that writes the bundle.
const (
	ModelPolicyType     = "policy_type"
	ModelCoverageAmount = "coverage_amount"
	ModelTermLength     = "term_length"
)

// ModelNames lists the sub-models every bundle must provide.
var ModelNames = []string{ModelPolicyType, ModelCoverageAmount, ModelTermLength}

const (
	KindClassifier = "classifier"
	KindRegressor  = "regressor"
)

// Manifest mirrors bundle.yaml.
type Manifest struct {
	Name     string               `yaml:"name"`
	Version  string               `yaml:"version"`
	Features FeatureSchema        `yaml:"features"`
	Models   map[string]ModelSpec `yaml:"models"`
}

// ModelSpec describes one serialized predictor inside the bundle.
type ModelSpec struct {
	File   string   `yaml:"file"`
	Kind   string   `yaml:"kind"`   // classifier | regressor
	Input  string   `yaml:"input"`  // defaults to "float_input"
	Output string   `yaml:"output"` // defaults to "probabilities" / "variable"
	Labels []string `yaml:"labels"` // classifier classes, in output order
	SHA256 string   `yaml:"sha256"`
	// HandleUnknown overrides the bundle-level setting for this model's encoder.
	HandleUnknown string `yaml:"handle_unknown"`
}

// LoadManifest reads and validates <dir>/bundle.yaml.
func LoadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}
	return ParseManifest(data)
}

// ParseManifest decodes and validates manifest bytes.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", ManifestFile, err)
	}
	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) applyDefaults() {
	if m.Name == "" {
		m.Name = "insurance_models"
	}
	if m.Features.HandleUnknown == "" {
		m.Features.HandleUnknown = HandleUnknownIgnore
	}
	for name, spec := range m.Models {
		if spec.Input == "" {
			spec.Input = "float_input"
		}
		if spec.Output == "" {
			if spec.Kind == KindClassifier {
				spec.Output = "probabilities"
			} else {
				spec.Output = "variable"
			}
		}
		m.Models[name] = spec
	}
}

// Validate checks that all three sub-models are described consistently.
func (m *Manifest) Validate() error {
	if err := m.Features.Validate(); err != nil {
		return fmt.Errorf("features: %w", err)
	}
	if len(m.Models) == 0 {
		return errors.New("manifest lists no models")
	}
	for _, name := range ModelNames {
		spec, ok := m.Models[name]
		if !ok {
			return fmt.Errorf("manifest missing model %q", name)
		}
		if strings.TrimSpace(spec.File) == "" {
			return fmt.Errorf("model %s: file must be set", name)
		}
		switch spec.Kind {
		case KindClassifier:
			if len(spec.Labels) == 0 {
				return fmt.Errorf("model %s: classifier needs labels", name)
			}
		case KindRegressor:
		default:
			return fmt.Errorf("model %s: kind must be %s or %s, got %q", name, KindClassifier, KindRegressor, spec.Kind)
		}
		switch spec.HandleUnknown {
		case "", HandleUnknownIgnore, HandleUnknownError:
		default:
			return fmt.Errorf("model %s: handle_unknown must be %s or %s, got %q", name, HandleUnknownIgnore, HandleUnknownError, spec.HandleUnknown)
		}
	}
	if m.Models[ModelPolicyType].Kind != KindClassifier {
		return fmt.Errorf("model %s must be a classifier", ModelPolicyType)
	}
	return nil
}

// schemaFor returns the feature schema a given model encodes with.
func (m *Manifest) schemaFor(name string) FeatureSchema {
	s := m.Features
	if h := m.Models[name].HandleUnknown; h != "" {
		s.HandleUnknown = h
	}
	return s
}
