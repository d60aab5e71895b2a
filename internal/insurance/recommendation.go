package insurance

import "fmt"

// CoverageStep is the granularity coverage amounts are sold in.
const CoverageStep = 25000

// TermOptions are the offered term lengths in years, ascending.
var TermOptions = []int{10, 15, 20, 25, 30}

// RawPrediction holds the unprocessed outputs of the three models.
type RawPrediction struct {
	PolicyType     string
	CoverageAmount float64
	TermLength     float64
}

// Decision is the business-valid part of a recommendation. Term is nil
// unless PolicyType is "Term Life".
type Decision struct {
	PolicyType string `json:"recommended_policy"`
	Coverage   int    `json:"recommended_coverage"`
	Term       *int   `json:"recommended_term,omitempty"`
}

// TermYears returns the term length and whether one is set.
func (d Decision) TermYears() (int, bool) {
	if d.Term == nil {
		return 0, false
	}
	return *d.Term, true
}

// Validate checks the cross-field invariants of a normalized decision.
func (d Decision) Validate() error {
	if d.Coverage < 0 {
		return &InvariantError{Field: "coverage", Reason: fmt.Sprintf("negative coverage %d", d.Coverage)}
	}
	if d.Coverage%CoverageStep != 0 {
		return &InvariantError{Field: "coverage", Reason: fmt.Sprintf("coverage %d is not a multiple of %d", d.Coverage, CoverageStep)}
	}
	isTerm := d.PolicyType == TermLifeName
	switch {
	case isTerm && d.Term == nil:
		return &InvariantError{Field: "term", Reason: "term policy without a term length"}
	case !isTerm && d.Term != nil:
		return &InvariantError{Field: "term", Reason: fmt.Sprintf("term length set for %q", d.PolicyType)}
	case isTerm && !validTerm(*d.Term):
		return &InvariantError{Field: "term", Reason: fmt.Sprintf("term %d is not an offered term", *d.Term)}
	}
	return nil
}

func validTerm(years int) bool {
	for _, t := range TermOptions {
		if t == years {
			return true
		}
	}
	return false
}

// Recommendation is the complete, presentable result handed to callers.
type Recommendation struct {
	Decision
	Explanation string `json:"explanation"`
}
