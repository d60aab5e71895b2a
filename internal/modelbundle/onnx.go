package modelbundle

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/coverwise/coverwise/internal/redact"
)

// onnxModel wraps one ONNX session. Tensors are bound to the session, so
// runs are serialized per model.
type onnxModel struct {
	name   string
	kind   string
	file   string
	schema FeatureSchema
	labels []string

	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]

	mu sync.Mutex
}

var runtimeMu sync.Mutex

// initRuntime points onnxruntime_go at the shared library and initializes
// its environment. The library keeps that state per process.
func initRuntime(bundleDir, configured string) error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	libPath := resolveSharedLibraryPath(bundleDir, configured)
	if libPath == "" {
		return errors.New("onnxruntime shared library not found; set model.onnxruntime_library or ONNXRUNTIME_SHARED_LIBRARY_PATH")
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnxruntime: %w", err)
	}
	redact.Logf("modelbundle: onnxruntime initialized from %s", libPath)
	return nil
}

// newONNXModel is the default ModelFactory.
func newONNXModel(name string, spec ModelSpec, path string, schema FeatureSchema, opts OpenOptions) (Model, error) {
	if err := initRuntime(opts.bundleDir, opts.RuntimeLibrary); err != nil {
		return nil, err
	}

	width := schema.Width()
	outWidth := 1
	if spec.Kind == KindClassifier {
		outWidth = len(spec.Labels)
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(width)))
	if err != nil {
		return nil, fmt.Errorf("allocate input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(outWidth)))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("allocate output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		path,
		[]string{spec.Input},
		[]string{spec.Output},
		[]ort.Value{input},
		[]ort.Value{output},
		nil,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("create onnx session: %w", err)
	}

	return &onnxModel{
		name:    name,
		kind:    spec.Kind,
		file:    filepath.Base(path),
		schema:  schema,
		labels:  spec.Labels,
		session: session,
		input:   input,
		output:  output,
	}, nil
}

// Predict encodes f, runs the session and decodes the output tensor.
func (m *onnxModel) Predict(f Features) (Output, error) {
	if m == nil {
		return Output{}, errors.New("onnx model not initialized")
	}
	row, err := m.schema.Encode(f)
	if err != nil {
		return Output{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Close nils the session under the same lock.
	if m.session == nil {
		return Output{}, errors.New("onnx model not initialized")
	}
	copy(m.input.GetData(), row)
	if err := m.session.Run(); err != nil {
		return Output{}, fmt.Errorf("onnx run: %w", err)
	}
	raw := make([]float32, len(m.output.GetData()))
	copy(raw, m.output.GetData())
	return decodeOutput(m.kind, m.labels, raw)
}

func (m *onnxModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	if m.session != nil {
		errs = append(errs, m.session.Destroy())
		m.session = nil
	}
	if m.input != nil {
		errs = append(errs, m.input.Destroy())
		m.input = nil
	}
	if m.output != nil {
		errs = append(errs, m.output.Destroy())
		m.output = nil
	}
	return errors.Join(errs...)
}

// decodeOutput turns a raw output row into an Output. Classifiers take the
// arg-max class; the first class wins ties.
func decodeOutput(kind string, labels []string, raw []float32) (Output, error) {
	switch kind {
	case KindRegressor:
		if len(raw) == 0 {
			return Output{}, errors.New("empty regressor output")
		}
		return Output{Value: float64(raw[0])}, nil

	case KindClassifier:
		if len(raw) < len(labels) {
			return Output{}, fmt.Errorf("classifier output has %d scores for %d labels", len(raw), len(labels))
		}
		best := -1
		var bestScore float32
		for i := range labels {
			s := raw[i]
			if math.IsNaN(float64(s)) {
				continue
			}
			if best < 0 || s > bestScore {
				best, bestScore = i, s
			}
		}
		if best < 0 {
			return Output{}, errors.New("classifier produced no usable scores")
		}
		out := Output{Label: labels[best]}
		if v, err := strconv.ParseFloat(strings.TrimSpace(out.Label), 64); err == nil {
			out.Value = v
		}
		return out, nil
	}
	return Output{}, fmt.Errorf("unknown model kind %q", kind)
}

// resolveSharedLibraryPath locates the onnxruntime shared library. An
// explicit path wins, then ONNXRUNTIME_SHARED_LIBRARY_PATH, then common
// names under the bundle dir and system library dirs.
func resolveSharedLibraryPath(bundleDir, configured string) string {
	if p := strings.TrimSpace(configured); p != "" {
		return p
	}
	if env := strings.TrimSpace(os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")); env != "" {
		return env
	}

	names := []string{
		"libonnxruntime.so",
		"onnxruntime.so",
		"libonnxruntime.dylib",
		"onnxruntime.dylib",
		"onnxruntime.dll",
	}
	dirs := []string{
		bundleDir,
		filepath.Join(bundleDir, "lib"),
		".",
		"/opt/homebrew/lib",
		"/usr/local/lib",
		"/usr/lib",
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		for _, name := range names {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}
