// Package explain renders a fixed-prose rationale for a normalized decision.
package explain

import (
	"fmt"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/coverwise/coverwise/internal/insurance"
)

// Fallback is used for policy types without a dedicated template.
const Fallback = "This policy is recommended based on a comprehensive analysis of your financial profile and life stage."

// Generate returns the explanation for d. It never fails: unknown policy
// types, and term policies without a term, get the fallback sentence.
func Generate(d insurance.Decision, p insurance.ApplicantProfile) string {
	coverage := FormatCoverage(d.Coverage)

	switch insurance.ParsePolicyType(d.PolicyType) {
	case insurance.PolicyTermLife:
		term, ok := d.TermYears()
		if !ok {
			return Fallback
		}
		return fmt.Sprintf("A %d-year term policy with %s in coverage is recommended. "+
			"This provides a substantial financial safety net for your %d dependent(s) during your key earning years, "+
			"covering major expenses like a mortgage or college education.",
			term, coverage, p.Dependents)

	case insurance.PolicyWholeLife:
		return fmt.Sprintf("A Whole Life policy with a %s death benefit is recommended. "+
			"This aligns with a lower risk tolerance, providing a guaranteed permanent benefit and building a stable cash value asset for your estate. "+
			"It's an excellent tool for legacy planning.",
			coverage)

	case insurance.PolicyUniversalLife, insurance.PolicyVariableUniversalLife:
		return fmt.Sprintf("A %s policy with %s in coverage is an excellent choice for your profile. "+
			"It offers the flexibility to adjust premiums and benefits, combined with a cash value component that can grow over time, "+
			"aligning with a higher risk tolerance and long-term wealth strategies.",
			d.PolicyType, coverage)

	case insurance.PolicyFinalExpense:
		return fmt.Sprintf("A Final Expense policy with %s in coverage is a practical and affordable choice. "+
			"It is designed specifically to cover end-of-life costs, such as funeral expenses and minor debts, "+
			"ensuring these do not become a burden on your family.",
			coverage)

	default:
		return Fallback
	}
}

// FormatCoverage renders an amount as US dollars with thousands separators,
// e.g. "$250,000".
func FormatCoverage(amount int) string {
	return message.NewPrinter(language.AmericanEnglish).Sprintf("$%d", amount)
}
