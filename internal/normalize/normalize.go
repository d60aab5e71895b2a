// Package normalize turns raw model outputs into business-valid values.
//
// Coverage is rounded half-to-even to the nearest multiple of
// insurance.CoverageStep, the same rule numpy's round applies to the models'
// training-side post-processing. Term lengths snap to the nearest offered
// term; on equal distance the smaller term wins because the scan runs over
// the ascending option list and only replaces the candidate on a strictly
// smaller distance.
//
// Any negative coverage, -Inf included, clamps to zero. NaN and +Inf have no
// nearest step and are rejected with an InvariantError, as is anything above
// the largest representable coverage.
package normalize

import (
	"fmt"
	"math"

	"github.com/coverwise/coverwise/internal/insurance"
)

// DefaultTerm is used when the term model predicts 0, its "no term" class.
const DefaultTerm = 20

// maxCoverage keeps the integer conversion well inside int range.
const maxCoverage = float64(math.MaxInt32) * insurance.CoverageStep

// Coverage rounds raw to the nearest coverage step, never below zero.
// Callers must not pass NaN or +Inf.
func Coverage(raw float64) int {
	steps := math.RoundToEven(raw / insurance.CoverageStep)
	if steps <= 0 {
		return 0
	}
	return int(steps) * insurance.CoverageStep
}

// Term snaps raw to the nearest offered term length.
func Term(raw float64) int {
	if raw == 0 {
		return DefaultTerm
	}
	best := insurance.TermOptions[0]
	bestDist := math.Abs(float64(best) - raw)
	for _, t := range insurance.TermOptions[1:] {
		if d := math.Abs(float64(t) - raw); d < bestDist {
			best, bestDist = t, d
		}
	}
	return best
}

// Normalize applies coverage rounding, term snapping and the type/term
// consistency rule. It has no side effects.
func Normalize(raw insurance.RawPrediction) (insurance.Decision, error) {
	if math.IsNaN(raw.CoverageAmount) || math.IsInf(raw.CoverageAmount, 1) {
		return insurance.Decision{}, &insurance.InvariantError{
			Field:  "coverage",
			Reason: fmt.Sprintf("raw coverage %v is not finite", raw.CoverageAmount),
		}
	}
	if raw.CoverageAmount > maxCoverage {
		return insurance.Decision{}, &insurance.InvariantError{
			Field:  "coverage",
			Reason: fmt.Sprintf("raw coverage %.0f out of range", raw.CoverageAmount),
		}
	}

	d := insurance.Decision{
		PolicyType: raw.PolicyType,
		Coverage:   Coverage(raw.CoverageAmount),
	}
	if raw.PolicyType == insurance.TermLifeName {
		term := Term(raw.TermLength)
		d.Term = &term
	}

	if err := d.Validate(); err != nil {
		return insurance.Decision{}, err
	}
	return d, nil
}
