package consensus

import (
	"math"
	"slices"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/CosilicoAI/cosilico-validators/internal/model"
)

// EncoderTrustThreshold is the encoder confidence above which disagreeing
// validators are suspected of upstream bugs.
const EncoderTrustThreshold = 0.9

// Base rewards per verdict, before the expected-value match bonus.
var levelReward = map[model.ConsensusLevel]float64{
	model.FullAgreement:        0.5,
	model.PrimaryConfirmed:     0.4,
	model.MajorityAgreement:    0.2,
	model.Disagreement:         -0.2,
	model.PotentialUpstreamBug: 0.1,
}

// maxMatchBonus is added to the reward when every successful validator
// matches the expected value.
const maxMatchBonus = 0.5

type sample struct {
	value float64
	class model.ValidatorClass
}

// Score derives the verdict for one test case from validator results given in
// query order. It is a pure function of its arguments.
func Score(tc model.TestCase, quantity string, results []model.ValidatorResult, cfg Config, encoderConfidence *float64) model.ValidationResult {
	cfg = cfg.withDefaults()
	expected := ExpectedValue(tc, quantity)

	var samples []sample
	for _, r := range results {
		if r.Success() {
			samples = append(samples, sample{value: *r.Value, class: r.Class})
		}
	}

	level, consensus := agree(samples, expected, encoderConfidence, cfg.Tolerance)

	// An open expectation accepts whatever the validators agreed on.
	reference := expected
	if reference == nil {
		reference = consensus
	}

	return model.ValidationResult{
		TestCase:       tc,
		Quantity:       quantity,
		Expected:       expected,
		Results:        slices.Clone(results),
		Level:          level,
		ConsensusValue: consensus,
		Reward:         reward(results, reference, level, cfg),
		Confidence:     confidence(results, consensus, cfg.Tolerance),
		Bugs:           suspectBugs(tc, results, reference, encoderConfidence, cfg.Tolerance),
		Tolerance:      cfg.Tolerance,
	}
}

// ExpectedValue finds the expected value for quantity: the first key that
// contains the quantity name (case-insensitive), else the first value present,
// else zero. Nil means the test case leaves the quantity open.
func ExpectedValue(tc model.TestCase, quantity string) *float64 {
	keys := expectedKeys(tc)
	if len(keys) == 0 {
		return model.Float(0)
	}
	q := strings.ToLower(quantity)
	for _, k := range keys {
		if strings.Contains(strings.ToLower(k), q) {
			return copyFloat(tc.Expected[k])
		}
	}
	return copyFloat(tc.Expected[keys[0]])
}

// expectedKeys lists Expected keys in ExpectedOrder, then any remaining keys sorted.
func expectedKeys(tc model.TestCase) []string {
	keys := make([]string, 0, len(tc.Expected))
	seen := make(map[string]bool, len(tc.Expected))
	for _, k := range tc.ExpectedOrder {
		if _, ok := tc.Expected[k]; ok && !seen[k] {
			keys = append(keys, k)
			seen[k] = true
		}
	}
	var rest []string
	for k := range tc.Expected {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	slices.Sort(rest)
	return append(keys, rest...)
}

// agree clusters successful values into a verdict and consensus value.
// Clustering compares against each cluster's first element and visits values
// in query order, so the outcome depends on validator order.
func agree(samples []sample, expected, encoderConfidence *float64, tol float64) (model.ConsensusLevel, *float64) {
	if len(samples) == 0 {
		return model.Disagreement, nil
	}

	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = s.value
	}
	mean := stat.Mean(values, nil)

	if allWithin(values, mean, tol) {
		return model.FullAgreement, model.Float(mean)
	}

	half := float64(len(values)) / 2

	if i := slices.IndexFunc(samples, func(s sample) bool { return s.class == model.ClassPrimary }); i >= 0 {
		primary := samples[i].value
		if expected == nil || within(primary, *expected, tol) {
			agreeing := 0
			for _, v := range values {
				if within(v, primary, tol) {
					agreeing++
				}
			}
			if float64(agreeing) > half {
				return model.PrimaryConfirmed, model.Float(primary)
			}
		}
	}

	var clusters [][]float64
	for _, v := range values {
		placed := false
		for i := range clusters {
			if within(v, clusters[i][0], tol) {
				clusters[i] = append(clusters[i], v)
				placed = true
				break
			}
		}
		if !placed {
			clusters = append(clusters, []float64{v})
		}
	}
	largest := clusters[0]
	for _, c := range clusters[1:] {
		if len(c) > len(largest) {
			largest = c
		}
	}
	if float64(len(largest)) > half {
		return model.MajorityAgreement, model.Float(stat.Mean(largest, nil))
	}

	if encoderConfidence != nil && *encoderConfidence > EncoderTrustThreshold && expected != nil {
		return model.PotentialUpstreamBug, copyFloat(expected)
	}

	return model.Disagreement, model.Float(mean)
}

// reward is the verdict's base reward plus up to maxMatchBonus for the
// weighted share of successful validators matching reference, clamped to [-1, 1].
func reward(results []model.ValidatorResult, reference *float64, level model.ConsensusLevel, cfg Config) float64 {
	if len(results) == 0 {
		return 0
	}
	r := levelReward[level]

	var matched, total float64
	for _, res := range results {
		if !res.Success() {
			continue
		}
		w := 1.0
		if res.Class == model.ClassPrimary {
			w = cfg.PrimaryWeight
		}
		total += w
		if reference != nil && within(*res.Value, *reference, cfg.Tolerance) {
			matched += w
		}
	}
	if total > 0 {
		r += maxMatchBonus * matched / total
	}
	return clamp(r, -1, 1)
}

// confidence weighs validator availability (0.3), agreement with the
// consensus value (0.6), and a primary validator having answered (0.1).
func confidence(results []model.ValidatorResult, consensus *float64, tol float64) float64 {
	if consensus == nil || len(results) == 0 {
		return 0
	}
	var succeeded, agreeing int
	hasPrimary := false
	for _, r := range results {
		if !r.Success() {
			continue
		}
		succeeded++
		if within(*r.Value, *consensus, tol) {
			agreeing++
		}
		if r.Class == model.ClassPrimary {
			hasPrimary = true
		}
	}
	if succeeded == 0 {
		return 0
	}
	c := 0.3*float64(succeeded)/float64(len(results)) + 0.6*float64(agreeing)/float64(succeeded)
	if hasPrimary {
		c += 0.1
	}
	return clamp(c, 0, 1)
}

// suspectBugs reports every validator that misses reference by more than
// tol, but only when the encoder is confident enough to be trusted over them.
func suspectBugs(tc model.TestCase, results []model.ValidatorResult, reference, encoderConfidence *float64, tol float64) []model.BugReport {
	if encoderConfidence == nil || *encoderConfidence <= EncoderTrustThreshold || reference == nil {
		return nil
	}
	var bugs []model.BugReport
	for _, r := range results {
		if !r.Success() {
			continue
		}
		diff := math.Abs(*r.Value - *reference)
		if diff <= tol {
			continue
		}
		bugs = append(bugs, model.BugReport{
			Validator:         r.Validator,
			Class:             r.Class,
			TestCase:          tc.Name,
			Expected:          *reference,
			Actual:            *r.Value,
			Difference:        diff,
			Citation:          tc.Citation,
			Inputs:            tc.Inputs,
			EncoderConfidence: *encoderConfidence,
		})
	}
	return bugs
}

func within(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func allWithin(values []float64, center, tol float64) bool {
	for _, v := range values {
		if !within(v, center, tol) {
			return false
		}
	}
	return true
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func copyFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	return model.Float(*p)
}
