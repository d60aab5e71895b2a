package insurance

import (
	"errors"
	"fmt"
)

// Failure classes surfaced by the recommendation layer. None of them are
// retried internally: models and artifacts are deterministic.
var (
	ErrArtifactMissing        = errors.New("model artifact missing")
	ErrPredictionFailed       = errors.New("prediction failed")
	ErrNormalizationInvariant = errors.New("normalization invariant violated")
)

// ArtifactError reports a model bundle that could not be found or loaded.
type ArtifactError struct {
	Path string
	Err  error
}

func (e *ArtifactError) Error() string {
	return fmt.Sprintf("model artifact %s: %v", e.Path, e.Err)
}

func (e *ArtifactError) Unwrap() []error { return []error{ErrArtifactMissing, e.Err} }

// PredictionError reports which sub-model failed during inference.
type PredictionError struct {
	Model string
	Err   error
}

func (e *PredictionError) Error() string {
	return fmt.Sprintf("model %s: %v", e.Model, e.Err)
}

func (e *PredictionError) Unwrap() []error { return []error{ErrPredictionFailed, e.Err} }

// InvariantError signals a logic defect in normalization, not bad input.
type InvariantError struct {
	Field  string
	Reason string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrNormalizationInvariant, e.Field, e.Reason)
}

func (e *InvariantError) Unwrap() error { return ErrNormalizationInvariant }
