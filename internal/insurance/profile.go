package insurance

import (
	"errors"
	"fmt"
	"strings"
)

// RiskTolerance is the applicant's self-reported appetite for investment risk.
type RiskTolerance string

const (
	RiskLow    RiskTolerance = "Low"
	RiskMedium RiskTolerance = "Medium"
	RiskHigh   RiskTolerance = "High"
)

// Accepted ranges for applicant attributes.
const (
	MinAge        = 18
	MaxAge        = 100
	MinIncome     = 10000
	MinDependents = 0
	MaxDependents = 20
)

// Valid reports whether r is one of the known tolerance levels.
func (r RiskTolerance) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// ApplicantProfile describes the person asking for a recommendation.
// It is owned by the caller and never modified by the recommendation layer.
type ApplicantProfile struct {
	Age           int           `json:"age"`
	Income        int           `json:"income"`
	Dependents    int           `json:"dependents"`
	RiskTolerance RiskTolerance `json:"risk_tolerance"`
}

// ErrInvalidProfile marks applicant attributes outside the accepted ranges.
var ErrInvalidProfile = errors.New("invalid applicant profile")

// Validate checks the profile against the ranges accepted at the API boundary.
func (p ApplicantProfile) Validate() error {
	var problems []string
	if p.Age < MinAge || p.Age > MaxAge {
		problems = append(problems, fmt.Sprintf("age must be between %d and %d", MinAge, MaxAge))
	}
	if p.Income < MinIncome {
		problems = append(problems, fmt.Sprintf("income must be at least %d", MinIncome))
	}
	if p.Dependents < MinDependents || p.Dependents > MaxDependents {
		problems = append(problems, fmt.Sprintf("dependents must be between %d and %d", MinDependents, MaxDependents))
	}
	if !p.RiskTolerance.Valid() {
		problems = append(problems, fmt.Sprintf("risk_tolerance must be one of %s, %s, %s", RiskLow, RiskMedium, RiskHigh))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidProfile, strings.Join(problems, "; "))
	}
	return nil
}
