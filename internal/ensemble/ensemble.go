// Package ensemble runs the three sub-models of a bundle against one
// applicant profile and returns their raw outputs.
package ensemble

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/coverwise/coverwise/internal/insurance"
	"github.com/coverwise/coverwise/internal/modelbundle"
	"github.com/coverwise/coverwise/internal/telemetry"
)

// Feature names shared with the training pipeline.
const (
	FeatureAge           = "age"
	FeatureIncome        = "income"
	FeatureDependents    = "dependents"
	FeatureRiskTolerance = "risk_tolerance"
)

// BundleSource hands out the loaded bundle. *modelbundle.Loader satisfies it.
type BundleSource interface {
	Bundle() (*modelbundle.Bundle, error)
}

// Ensemble is safe for concurrent use; it holds no per-request state.
type Ensemble struct {
	source    BundleSource
	telemetry *telemetry.Provider
}

// New returns an Ensemble reading models from source. tel may be nil.
func New(source BundleSource, tel *telemetry.Provider) *Ensemble {
	if tel == nil {
		tel = telemetry.Noop()
	}
	return &Ensemble{source: source, telemetry: tel}
}

// FeaturesFor derives the model input from a profile. All three models
// receive the same features.
func FeaturesFor(p insurance.ApplicantProfile) modelbundle.Features {
	return modelbundle.Features{
		Numeric: map[string]float64{
			FeatureAge:        float64(p.Age),
			FeatureIncome:     float64(p.Income),
			FeatureDependents: float64(p.Dependents),
		},
		Categorical: map[string]string{
			FeatureRiskTolerance: string(p.RiskTolerance),
		},
	}
}

// Predict invokes the policy, coverage and term models and returns their
// outputs unmodified. Loader errors are returned as-is; any model failure
// fails the call with *insurance.PredictionError.
func (e *Ensemble) Predict(ctx context.Context, profile insurance.ApplicantProfile) (insurance.RawPrediction, error) {
	if err := ctx.Err(); err != nil {
		return insurance.RawPrediction{}, err
	}
	bundle, err := e.source.Bundle()
	if err != nil {
		return insurance.RawPrediction{}, err
	}

	ctx, span := e.telemetry.Tracer().Start(ctx, "ensemble.predict", trace.WithAttributes(
		attribute.String("coverwise.bundle_version", bundle.Version),
	))
	defer span.End()

	features := FeaturesFor(profile)
	var (
		policy   modelbundle.Output
		coverage modelbundle.Output
		term     modelbundle.Output
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		policy, err = e.run(gctx, modelbundle.ModelPolicyType, bundle.PolicyType, features)
		return err
	})
	g.Go(func() (err error) {
		coverage, err = e.run(gctx, modelbundle.ModelCoverageAmount, bundle.CoverageAmount, features)
		return err
	})
	g.Go(func() (err error) {
		term, err = e.run(gctx, modelbundle.ModelTermLength, bundle.TermLength, features)
		return err
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "prediction failed")
		return insurance.RawPrediction{}, err
	}

	raw := insurance.RawPrediction{PolicyType: policy.Label}
	if raw.PolicyType == "" {
		return insurance.RawPrediction{}, &insurance.PredictionError{Model: modelbundle.ModelPolicyType, Err: errors.New("empty class label")}
	}
	if raw.CoverageAmount, err = numeric(coverage); err != nil {
		return insurance.RawPrediction{}, &insurance.PredictionError{Model: modelbundle.ModelCoverageAmount, Err: err}
	}
	if raw.TermLength, err = numeric(term); err != nil {
		return insurance.RawPrediction{}, &insurance.PredictionError{Model: modelbundle.ModelTermLength, Err: err}
	}
	return raw, nil
}

func (e *Ensemble) run(ctx context.Context, name string, m modelbundle.Model, f modelbundle.Features) (out modelbundle.Output, err error) {
	_, span := e.telemetry.Tracer().Start(ctx, "ensemble.model", trace.WithAttributes(attribute.String("coverwise.model", name)))
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = &insurance.PredictionError{Model: name, Err: fmt.Errorf("panic: %v", r)}
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "model failed")
		}
		e.telemetry.RecordModelInference(ctx, name, float64(time.Since(start).Microseconds())/1000, err != nil)
		span.End()
	}()

	if m == nil {
		return modelbundle.Output{}, &insurance.PredictionError{Model: name, Err: errors.New("model not loaded")}
	}
	out, err = m.Predict(f)
	if err != nil {
		return modelbundle.Output{}, &insurance.PredictionError{Model: name, Err: err}
	}
	return out, nil
}

// numeric reads a regressor value, or a classifier label that names a number.
func numeric(out modelbundle.Output) (float64, error) {
	label := strings.TrimSpace(out.Label)
	if label == "" {
		return out.Value, nil
	}
	v, err := strconv.ParseFloat(label, 64)
	if err != nil {
		return 0, fmt.Errorf("non-numeric class label %q", out.Label)
	}
	return v, nil
}
