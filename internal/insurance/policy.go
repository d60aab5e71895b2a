package insurance

// PolicyType is the closed set of policy types the explanation layer knows
// how to narrate. Names coming out of the policy-type model that are not in
// the set parse to PolicyUnknown.
type PolicyType int

const (
	PolicyUnknown PolicyType = iota
	PolicyTermLife
	PolicyWholeLife
	PolicyUniversalLife
	PolicyVariableUniversalLife
	PolicyFinalExpense
)

var policyNames = map[PolicyType]string{
	PolicyTermLife:              "Term Life",
	PolicyWholeLife:             "Whole Life",
	PolicyUniversalLife:         "Universal Life",
	PolicyVariableUniversalLife: "Variable Universal Life",
	PolicyFinalExpense:          "Final Expense",
}

// TermLifeName is the model label for term policies, the only type that
// carries a term length.
const TermLifeName = "Term Life"

// ParsePolicyType maps a model label to a PolicyType. Matching is exact.
func ParsePolicyType(name string) PolicyType {
	for p, n := range policyNames {
		if n == name {
			return p
		}
	}
	return PolicyUnknown
}

// String returns the model label for p, or "Unknown".
func (p PolicyType) String() string {
	if n, ok := policyNames[p]; ok {
		return n
	}
	return "Unknown"
}

// HasTerm reports whether policies of this type are sold with a fixed term.
func (p PolicyType) HasTerm() bool {
	return p == PolicyTermLife
}
