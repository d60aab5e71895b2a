package modelbundle

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"

	"github.com/coverwise/coverwise/internal/config"
	"github.com/coverwise/coverwise/internal/insurance"
	"github.com/coverwise/coverwise/internal/redact"
)

// Loader loads the bundle at most once and hands the same *Bundle to every
// caller afterwards. Construct one per process and pass it to whatever needs
// predictions.
//
// The published pointer is only ever set to a fully built bundle. Readers
// take a lock-free fast path once it is set; concurrent first callers
// serialize on mu so the artifact is read once. A failed load is not
// remembered and the next call tries again.
type Loader struct {
	dir  string
	open func(dir string) (*Bundle, error)

	mu     sync.Mutex
	bundle atomic.Pointer[Bundle]
}

// LoaderOption customizes a Loader.
type LoaderOption func(*Loader)

// WithOpenOptions passes opts to Open when the bundle is first loaded.
func WithOpenOptions(opts OpenOptions) LoaderOption {
	return func(l *Loader) {
		l.open = func(dir string) (*Bundle, error) { return Open(dir, opts) }
	}
}

// WithOpener replaces the function used to read the bundle directory.
func WithOpener(open func(dir string) (*Bundle, error)) LoaderOption {
	return func(l *Loader) { l.open = open }
}

// NewLoader returns a Loader for the bundle directory dir. Nothing is read
// until the first call to Bundle.
func NewLoader(dir string, opts ...LoaderOption) *Loader {
	l := &Loader{dir: dir}
	WithOpenOptions(OpenOptions{})(l)
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Dir returns the bundle directory.
func (l *Loader) Dir() string { return l.dir }

// Loaded reports whether a bundle has been published.
func (l *Loader) Loaded() bool { return l.bundle.Load() != nil }

// Bundle returns the process-wide bundle, loading it on first use. Load
// failures are reported as *insurance.ArtifactError.
func (l *Loader) Bundle() (*Bundle, error) {
	if b := l.bundle.Load(); b != nil {
		return b, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if b := l.bundle.Load(); b != nil {
		return b, nil
	}

	if _, err := os.Stat(l.dir); err != nil {
		return nil, &insurance.ArtifactError{Path: l.dir, Err: err}
	}

	b, err := l.open(l.dir)
	if err != nil {
		var ae *insurance.ArtifactError
		if errors.As(err, &ae) {
			return nil, err
		}
		return nil, &insurance.ArtifactError{Path: l.dir, Err: err}
	}
	if b == nil {
		return nil, &insurance.ArtifactError{Path: l.dir, Err: errors.New("opener returned no bundle")}
	}

	l.bundle.Store(b)
	redact.Logf("modelbundle: loaded bundle name=%s version=%s dir=%s", b.Name, b.Version, l.dir)
	return b, nil
}

// Close releases the loaded bundle, if any. It is meant for process
// shutdown; a later Bundle call loads the artifact again.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.bundle.Swap(nil)
	return b.Close()
}

// OptionsFromConfig maps the model section of the service config onto
// OpenOptions.
func OptionsFromConfig(cfg config.ModelConfig) (OpenOptions, error) {
	opts := OpenOptions{RuntimeLibrary: cfg.ONNXRuntimeLibrary}
	if cfg.ManifestPublicKey != "" {
		pk, err := DecodePublicKey(cfg.ManifestPublicKey)
		if err != nil {
			return OpenOptions{}, err
		}
		opts.PublicKey = pk
	}
	return opts, nil
}
