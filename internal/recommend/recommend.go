// Package recommend assembles a complete recommendation from an applicant
// profile: model outputs, normalized decision and explanation.
package recommend

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/coverwise/coverwise/internal/explain"
	"github.com/coverwise/coverwise/internal/insurance"
	"github.com/coverwise/coverwise/internal/normalize"
	"github.com/coverwise/coverwise/internal/telemetry"
)

// Predictor produces raw model outputs. *ensemble.Ensemble satisfies it.
type Predictor interface {
	Predict(ctx context.Context, profile insurance.ApplicantProfile) (insurance.RawPrediction, error)
}

// Service is stateless and safe for concurrent use.
type Service struct {
	predictor Predictor
	telemetry *telemetry.Provider
}

// NewService returns a Service. tel may be nil.
func NewService(p Predictor, tel *telemetry.Provider) *Service {
	if tel == nil {
		tel = telemetry.Noop()
	}
	return &Service{predictor: p, telemetry: tel}
}

// Recommend runs predict, normalize and explain in order. Errors from any
// stage are returned unchanged and no partial result is produced.
func (s *Service) Recommend(ctx context.Context, profile insurance.ApplicantProfile) (insurance.Recommendation, error) {
	start := time.Now()
	ctx, span := s.telemetry.Tracer().Start(ctx, "recommend")
	defer span.End()

	rec, err := s.recommend(ctx, profile)
	durMs := float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Outcome(err))
		s.telemetry.RecordRecommendation(ctx, "", Outcome(err), durMs)
		return insurance.Recommendation{}, err
	}

	attrs := telemetry.SafeAttributes(map[string]interface{}{
		"coverwise.policy_type": rec.PolicyType,
		"coverwise.coverage":    rec.Coverage,
	})
	if years, ok := rec.TermYears(); ok {
		attrs = append(attrs, attribute.Int("coverwise.term", years))
	}
	span.SetAttributes(attrs...)
	s.telemetry.RecordRecommendation(ctx, rec.PolicyType, Outcome(nil), durMs)
	return rec, nil
}

func (s *Service) recommend(ctx context.Context, profile insurance.ApplicantProfile) (insurance.Recommendation, error) {
	raw, err := s.predictor.Predict(ctx, profile)
	if err != nil {
		return insurance.Recommendation{}, err
	}
	decision, err := normalize.Normalize(raw)
	if err != nil {
		return insurance.Recommendation{}, err
	}
	return insurance.Recommendation{
		Decision:    decision,
		Explanation: explain.Generate(decision, profile),
	}, nil
}

// Outcome classifies err for metrics labels.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, insurance.ErrInvalidProfile):
		return "invalid_profile"
	case errors.Is(err, insurance.ErrArtifactMissing):
		return "artifact_missing"
	case errors.Is(err, insurance.ErrPredictionFailed):
		return "prediction_failed"
	case errors.Is(err, insurance.ErrNormalizationInvariant):
		return "normalization_invariant"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
