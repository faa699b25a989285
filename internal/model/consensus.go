package model

import (
	"fmt"
	"strings"
)

// ConsensusLevel is the categorical verdict describing validator agreement.
// Levels are distinct outcomes, not an ordered scale.
type ConsensusLevel string

const (
	FullAgreement        ConsensusLevel = "full_agreement"
	PrimaryConfirmed     ConsensusLevel = "primary_confirmed"
	MajorityAgreement    ConsensusLevel = "majority_agreement"
	Disagreement         ConsensusLevel = "disagreement"
	PotentialUpstreamBug ConsensusLevel = "potential_upstream_bug"
)

// Valid reports whether l is one of the known levels.
func (l ConsensusLevel) Valid() bool {
	switch l {
	case FullAgreement, PrimaryConfirmed, MajorityAgreement, Disagreement, PotentialUpstreamBug:
		return true
	}
	return false
}

// BugReport flags a validator that disagrees with a confidently encoded value.
type BugReport struct {
	Validator         string         `json:"validator"`
	Class             ValidatorClass `json:"validator_type"`
	TestCase          string         `json:"test_case"`
	Expected          float64        `json:"expected"`
	Actual            float64        `json:"actual"`
	Difference        float64        `json:"difference"`
	Citation          string         `json:"citation,omitempty"`
	Inputs            map[string]any `json:"inputs,omitempty"`
	EncoderConfidence float64        `json:"encoder_confidence"`
}

// ValidationResult is the consensus verdict over one test case. Immutable once
// produced. Expected is nil when the test case leaves the value open; Results
// holds one entry per queried validator, in query order.
type ValidationResult struct {
	TestCase       TestCase          `json:"test_case"`
	Quantity       string            `json:"quantity"`
	Expected       *float64          `json:"expected"`
	Results        []ValidatorResult `json:"validator_results"`
	Level          ConsensusLevel    `json:"consensus_level"`
	ConsensusValue *float64          `json:"consensus_value"`
	Reward         float64           `json:"reward_signal"`
	Confidence     float64           `json:"confidence"`
	Bugs           []BugReport       `json:"potential_bugs,omitempty"`
	Tolerance      float64           `json:"tolerance"`
}

// Result returns the named validator's result.
func (r ValidationResult) Result(name string) (ValidatorResult, bool) {
	for _, vr := range r.Results {
		if vr.Validator == name {
			return vr, true
		}
	}
	return ValidatorResult{}, false
}

// MatchesExpected reports whether the consensus value lies within tolerance of
// the expected value. An open expectation matches any consensus.
func (r ValidationResult) MatchesExpected() bool {
	if r.ConsensusValue == nil {
		return false
	}
	if r.Expected == nil {
		return true
	}
	d := *r.ConsensusValue - *r.Expected
	if d < 0 {
		d = -d
	}
	return d <= r.Tolerance
}

// Summary renders a short human-readable description.
func (r ValidationResult) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Test: %s\n", r.TestCase.Name)
	fmt.Fprintf(&b, "Quantity: %s\n", r.Quantity)
	if r.Expected != nil {
		fmt.Fprintf(&b, "Expected: $%s\n", dollars(*r.Expected))
	} else {
		b.WriteString("Expected: open\n")
	}
	if r.ConsensusValue != nil {
		fmt.Fprintf(&b, "Consensus: $%s\n", dollars(*r.ConsensusValue))
	} else {
		b.WriteString("Consensus: N/A\n")
	}
	fmt.Fprintf(&b, "Level: %s\n", r.Level)
	fmt.Fprintf(&b, "Reward: %+.2f\n", r.Reward)
	fmt.Fprintf(&b, "Confidence: %.1f%%", r.Confidence*100)
	if len(r.Bugs) > 0 {
		fmt.Fprintf(&b, "\nPotential bugs: %d", len(r.Bugs))
	}
	return b.String()
}

// dollars formats v rounded to whole units with thousands separators.
func dollars(v float64) string {
	neg := v < 0
	if neg {
		v = -v
	}
	s := fmt.Sprintf("%.0f", v)
	var out []byte
	for i := range len(s) {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, s[i])
	}
	if neg {
		return "-" + string(out)
	}
	return string(out)
}
