// Package model defines the data types shared across the validation core.
// Types here carry no behavior beyond small derived accessors; they are
// produced by one component and consumed read-only by the others.
package model

// TestCase is a single scenario run through every validator. Immutable.
//
// Expected maps quantity names to expected values; a nil value leaves the
// quantity open, accepting whatever the validators agree on. ExpectedOrder
// optionally preserves key order for the first-value fallback; without it keys
// are visited in sorted order.
type TestCase struct {
	Name          string              `json:"name"`
	Inputs        map[string]any      `json:"inputs"`
	Expected      map[string]*float64 `json:"expected"`
	ExpectedOrder []string            `json:"expected_order,omitempty"`
	Citation      string              `json:"citation,omitempty"`
	Notes         string              `json:"notes,omitempty"`
}

// ValidatorClass ranks a validator by authority.
type ValidatorClass string

const (
	ClassPrimary       ValidatorClass = "primary"
	ClassReference     ValidatorClass = "reference"
	ClassSupplementary ValidatorClass = "supplementary"
)

// Rank orders classes for querying: primary first, unknown classes last.
func (c ValidatorClass) Rank() int {
	switch c {
	case ClassPrimary:
		return 0
	case ClassReference:
		return 1
	case ClassSupplementary:
		return 2
	default:
		return 3
	}
}

// ValidatorResult is the output of one validator for one test case. Immutable.
type ValidatorResult struct {
	Validator string         `json:"validator"`
	Class     ValidatorClass `json:"class"`
	Value     *float64       `json:"value,omitempty"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Success reports whether the validator produced a usable value.
func (r ValidatorResult) Success() bool {
	return r.Value != nil && r.Error == ""
}

// Float returns a pointer to a copy of v.
func Float(v float64) *float64 {
	return &v
}
