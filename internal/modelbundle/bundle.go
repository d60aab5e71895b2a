// Package modelbundle loads the three-model artifact the recommender runs
// on and serves it, read-only, to every request.
package modelbundle

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/coverwise/coverwise/internal/insurance"
)

// Output is what a sub-model returns. Classifiers set Label, and Value when
// the label is numeric; regressors set Value.
type Output struct {
	Label string
	Value float64
}

// Model is a trained predictor.
type Model interface {
	Predict(f Features) (Output, error)
}

// ModelFunc adapts a function to Model.
type ModelFunc func(f Features) (Output, error)

func (fn ModelFunc) Predict(f Features) (Output, error) { return fn(f) }

// Bundle is the loaded set of predictors. It is never mutated after Open.
type Bundle struct {
	Name    string
	Version string
	Dir     string

	PolicyType     Model
	CoverageAmount Model
	TermLength     Model
}

// NewBundle assembles a bundle from already-built models.
func NewBundle(name, version string, policyType, coverageAmount, termLength Model) *Bundle {
	return &Bundle{
		Name:           name,
		Version:        version,
		PolicyType:     policyType,
		CoverageAmount: coverageAmount,
		TermLength:     termLength,
	}
}

// Models returns the sub-models keyed by their manifest name.
func (b *Bundle) Models() map[string]Model {
	return map[string]Model{
		ModelPolicyType:     b.PolicyType,
		ModelCoverageAmount: b.CoverageAmount,
		ModelTermLength:     b.TermLength,
	}
}

// Close releases runtime resources held by the models.
func (b *Bundle) Close() error {
	if b == nil {
		return nil
	}
	var errs []error
	for _, m := range b.Models() {
		if c, ok := m.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// ModelFactory builds one predictor from its manifest entry. path is the
// resolved, integrity-checked model file.
type ModelFactory func(name string, spec ModelSpec, path string, schema FeatureSchema, opts OpenOptions) (Model, error)

// OpenOptions tune how a bundle directory is opened.
type OpenOptions struct {
	// RuntimeLibrary is an explicit onnxruntime shared library path.
	RuntimeLibrary string
	// NewModel defaults to the ONNX runtime backend.
	NewModel ModelFactory
	// PublicKey, when set, requires a valid SignatureFile next to the
	// manifest.
	PublicKey ed25519.PublicKey

	bundleDir string
}

// Open reads the manifest in dir, verifies the signature and model files
// and builds the three predictors.
func Open(dir string, opts OpenOptions) (*Bundle, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	signed := opts.PublicKey != nil
	if signed {
		if err := verifyManifestBytes(dir, data, opts.PublicKey); err != nil {
			return nil, err
		}
	}
	manifest, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	if signed {
		// The signature covers the models only through their pinned hashes.
		for _, name := range ModelNames {
			if strings.TrimSpace(manifest.Models[name].SHA256) == "" {
				return nil, &insurance.ArtifactError{Path: dir, Err: fmt.Errorf("model %s: signed bundle must pin sha256", name)}
			}
		}
	}
	if opts.NewModel == nil {
		opts.NewModel = newONNXModel
	}
	opts.bundleDir = dir

	built := make(map[string]Model, len(ModelNames))
	fail := func(err error) (*Bundle, error) {
		partial := &Bundle{
			PolicyType:     built[ModelPolicyType],
			CoverageAmount: built[ModelCoverageAmount],
			TermLength:     built[ModelTermLength],
		}
		_ = partial.Close()
		return nil, err
	}

	for _, name := range ModelNames {
		spec := manifest.Models[name]
		path, err := resolveBundlePath(dir, spec.File)
		if err != nil {
			return fail(fmt.Errorf("model %s: %w", name, err))
		}
		if _, err := os.Stat(path); err != nil {
			return fail(fmt.Errorf("model %s: file missing: %w", name, err))
		}
		if err := verifyChecksum(path, spec.SHA256); err != nil {
			return fail(fmt.Errorf("model %s: %w", name, err))
		}
		m, err := opts.NewModel(name, spec, path, manifest.schemaFor(name), opts)
		if err != nil {
			return fail(fmt.Errorf("model %s: %w", name, err))
		}
		built[name] = m
	}

	b := NewBundle(manifest.Name, manifest.Version, built[ModelPolicyType], built[ModelCoverageAmount], built[ModelTermLength])
	b.Dir = dir
	return b, nil
}
