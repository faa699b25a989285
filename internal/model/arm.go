package model

import (
	"slices"
	"time"
)

// PluginArm is one bandit arm: a version of the system under test.
type PluginArm struct {
	Version        string    `json:"version"`
	Successes      int       `json:"successes"`
	Failures       int       `json:"failures"`
	TotalMatchRate float64   `json:"total_match_rate"`
	Validations    int       `json:"n_validations"`
	CreatedAt      time.Time `json:"created_at"`
	// QuantitiesTested lists each exercised quantity once, in first-seen order.
	QuantitiesTested []string `json:"variables_tested"`
	// RegressionsFrom maps a previous version to the quantities that regressed against it.
	RegressionsFrom map[string][]string `json:"regressions_from"`
}

// SuccessRate is successes over validations, zero for an untested arm.
func (a PluginArm) SuccessRate() float64 {
	return float64(a.Successes) / float64(max(a.Validations, 1))
}

// MeanMatchRate is the average recorded match rate.
func (a PluginArm) MeanMatchRate() float64 {
	return a.TotalMatchRate / float64(max(a.Validations, 1))
}

// Clone returns a deep copy so callers cannot mutate registry state.
func (a PluginArm) Clone() PluginArm {
	out := a
	out.QuantitiesTested = slices.Clone(a.QuantitiesTested)
	if a.RegressionsFrom != nil {
		out.RegressionsFrom = make(map[string][]string, len(a.RegressionsFrom))
		for k, v := range a.RegressionsFrom {
			out.RegressionsFrom[k] = slices.Clone(v)
		}
	}
	return out
}

// SamplePlan recommends which quantities to test next. Ephemeral.
type SamplePlan struct {
	Quantities      []string `json:"variables"`
	SampleFraction  float64  `json:"sample_fraction"`
	ConfidenceLevel float64  `json:"confidence_level"`
	Reason          string   `json:"reason"`
}

// ValidationBatch is one logged batch of per-quantity results.
type ValidationBatch struct {
	Version          string             `json:"plugin_version"`
	Timestamp        time.Time          `json:"timestamp"`
	Quantities       []string           `json:"variables"`
	MatchRates       map[string]float64 `json:"match_rates"`
	OverallMatchRate float64            `json:"overall_match_rate"`
	Regressions      []string           `json:"regressions"`
}

// BanditStatistics aggregates the registry for status reporting.
type BanditStatistics struct {
	Status             string   `json:"status"`
	TotalValidations   int      `json:"total_validations"`
	TotalSuccesses     int      `json:"total_successes"`
	OverallSuccessRate float64  `json:"overall_success_rate"`
	UniqueQuantities   int      `json:"unique_variables_tested"`
	Versions           int      `json:"plugin_versions"`
	Best               *BestArm `json:"best_version,omitempty"`
}

// BestArm summarizes the arm with the highest success rate.
type BestArm struct {
	Version     string  `json:"version"`
	SuccessRate float64 `json:"success_rate"`
	Validations int     `json:"n_validations"`
}
