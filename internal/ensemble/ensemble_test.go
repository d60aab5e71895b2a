package ensemble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coverwise/coverwise/internal/insurance"
	"github.com/coverwise/coverwise/internal/modelbundle"
)

type staticSource struct {
	bundle *modelbundle.Bundle
	err    error
}

func (s staticSource) Bundle() (*modelbundle.Bundle, error) { return s.bundle, s.err }

func fixed(out modelbundle.Output) modelbundle.Model {
	return modelbundle.ModelFunc(func(modelbundle.Features) (modelbundle.Output, error) { return out, nil })
}

func failing(err error) modelbundle.Model {
	return modelbundle.ModelFunc(func(modelbundle.Features) (modelbundle.Output, error) { return modelbundle.Output{}, err })
}

var profile = insurance.ApplicantProfile{Age: 35, Income: 75000, Dependents: 2, RiskTolerance: insurance.RiskMedium}

func TestPredictReturnsRawOutputs(t *testing.T) {
	b := modelbundle.NewBundle("test", "1",
		fixed(modelbundle.Output{Label: "Term Life"}),
		fixed(modelbundle.Output{Value: 412345.67}),
		fixed(modelbundle.Output{Label: "20", Value: 20}),
	)
	raw, err := New(staticSource{bundle: b}, nil).Predict(context.Background(), profile)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	want := insurance.RawPrediction{PolicyType: "Term Life", CoverageAmount: 412345.67, TermLength: 20}
	if raw != want {
		t.Fatalf("raw = %+v, want %+v", raw, want)
	}
}

func TestPredictPassesFeatures(t *testing.T) {
	var got modelbundle.Features
	var mu sync.Mutex
	capture := modelbundle.ModelFunc(func(f modelbundle.Features) (modelbundle.Output, error) {
		mu.Lock()
		got = f
		mu.Unlock()
		return modelbundle.Output{Value: 10}, nil
	})
	b := modelbundle.NewBundle("test", "1", fixed(modelbundle.Output{Label: "Whole Life"}), capture, fixed(modelbundle.Output{Value: 10}))
	if _, err := New(staticSource{bundle: b}, nil).Predict(context.Background(), profile); err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if got.Numeric[FeatureAge] != 35 || got.Numeric[FeatureIncome] != 75000 || got.Numeric[FeatureDependents] != 2 {
		t.Fatalf("numeric features = %v", got.Numeric)
	}
	if got.Categorical[FeatureRiskTolerance] != "Medium" {
		t.Fatalf("categorical features = %v", got.Categorical)
	}
}

func TestPredictRunsModelsConcurrently(t *testing.T) {
	var started sync.WaitGroup
	started.Add(3)
	release := make(chan struct{})
	go func() {
		started.Wait()
		close(release)
	}()
	wait := func(out modelbundle.Output) modelbundle.Model {
		return modelbundle.ModelFunc(func(modelbundle.Features) (modelbundle.Output, error) {
			started.Done()
			select {
			case <-release:
				return out, nil
			case <-time.After(5 * time.Second):
				return modelbundle.Output{}, errors.New("models were not invoked concurrently")
			}
		})
	}
	b := modelbundle.NewBundle("test", "1",
		wait(modelbundle.Output{Label: "Final Expense"}),
		wait(modelbundle.Output{Value: 15000}),
		wait(modelbundle.Output{Value: 10}),
	)
	if _, err := New(staticSource{bundle: b}, nil).Predict(context.Background(), profile); err != nil {
		t.Fatalf("Predict: %v", err)
	}
}

func TestPredictNamesFailingModel(t *testing.T) {
	boom := errors.New("onnx run failed")
	cases := map[string]*modelbundle.Bundle{
		modelbundle.ModelPolicyType:     modelbundle.NewBundle("t", "1", failing(boom), fixed(modelbundle.Output{Value: 1}), fixed(modelbundle.Output{Value: 1})),
		modelbundle.ModelCoverageAmount: modelbundle.NewBundle("t", "1", fixed(modelbundle.Output{Label: "Term Life"}), failing(boom), fixed(modelbundle.Output{Value: 1})),
		modelbundle.ModelTermLength:     modelbundle.NewBundle("t", "1", fixed(modelbundle.Output{Label: "Term Life"}), fixed(modelbundle.Output{Value: 1}), failing(boom)),
	}
	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(staticSource{bundle: b}, nil).Predict(context.Background(), profile)
			var pe *insurance.PredictionError
			if !errors.As(err, &pe) || pe.Model != name {
				t.Fatalf("expected PredictionError for %s, got %v", name, err)
			}
			if !errors.Is(err, insurance.ErrPredictionFailed) || !errors.Is(err, boom) {
				t.Fatalf("error chain incomplete: %v", err)
			}
		})
	}
}

func TestPredictRecoversPanics(t *testing.T) {
	panicky := modelbundle.ModelFunc(func(modelbundle.Features) (modelbundle.Output, error) { panic("bad tensor") })
	b := modelbundle.NewBundle("t", "1", fixed(modelbundle.Output{Label: "Term Life"}), fixed(modelbundle.Output{Value: 1}), panicky)
	_, err := New(staticSource{bundle: b}, nil).Predict(context.Background(), profile)
	var pe *insurance.PredictionError
	if !errors.As(err, &pe) || pe.Model != modelbundle.ModelTermLength {
		t.Fatalf("got %v", err)
	}
}

func TestPredictRejectsUnusableOutputs(t *testing.T) {
	b := modelbundle.NewBundle("t", "1", fixed(modelbundle.Output{}), fixed(modelbundle.Output{Value: 1}), fixed(modelbundle.Output{Value: 1}))
	if _, err := New(staticSource{bundle: b}, nil).Predict(context.Background(), profile); !errors.Is(err, insurance.ErrPredictionFailed) {
		t.Fatalf("empty policy label accepted: %v", err)
	}

	b = modelbundle.NewBundle("t", "1", fixed(modelbundle.Output{Label: "Term Life"}), fixed(modelbundle.Output{Value: 1}), fixed(modelbundle.Output{Label: "twenty"}))
	_, err := New(staticSource{bundle: b}, nil).Predict(context.Background(), profile)
	var pe *insurance.PredictionError
	if !errors.As(err, &pe) || pe.Model != modelbundle.ModelTermLength {
		t.Fatalf("non-numeric term label accepted: %v", err)
	}

	b = modelbundle.NewBundle("t", "1", fixed(modelbundle.Output{Label: "Term Life"}), nil, fixed(modelbundle.Output{Value: 1}))
	_, err = New(staticSource{bundle: b}, nil).Predict(context.Background(), profile)
	if !errors.As(err, &pe) || pe.Model != modelbundle.ModelCoverageAmount {
		t.Fatalf("missing model accepted: %v", err)
	}
}

func TestPredictPropagatesLoaderError(t *testing.T) {
	loadErr := &insurance.ArtifactError{Path: "/missing", Err: errors.New("no such directory")}
	_, err := New(staticSource{err: loadErr}, nil).Predict(context.Background(), profile)
	if err != loadErr {
		t.Fatalf("loader error changed: %v", err)
	}
}

func TestPredictHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(staticSource{err: errors.New("should not be called")}, nil).Predict(ctx, profile)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v", err)
	}
}
