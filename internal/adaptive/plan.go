package adaptive

import (
	"context"
	"fmt"
	"math"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/CosilicoAI/cosilico-validators/internal/model"
)

// Plan defaults.
const (
	DefaultConfidenceThreshold = 0.95
	DefaultMinFraction         = 0.05
	DefaultMaxFraction         = 1.0

	// minHistory is the validation count below which every quantity is tested.
	minHistory = 10
	// wilsonZ is the normal quantile for a one-sided 95% bound.
	wilsonZ = 1.96
)

// PlanOptions bounds a sample plan. Zero or negative fields take the
// defaults, so a plan never samples less than one quantity and MinFraction
// cannot be 0; use a small positive fraction instead.
type PlanOptions struct {
	// ConfidenceThreshold is reported with the plan. The fraction schedule
	// itself uses fixed breakpoints.
	ConfidenceThreshold float64
	// MinFraction defaults to DefaultMinFraction and is capped at MaxFraction.
	MinFraction float64
	// MaxFraction defaults to DefaultMaxFraction and is capped at 1.
	MaxFraction float64
}

func (o PlanOptions) withDefaults() PlanOptions {
	if o.ConfidenceThreshold <= 0 {
		o.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if o.MinFraction <= 0 {
		o.MinFraction = DefaultMinFraction
	}
	if o.MaxFraction <= 0 {
		o.MaxFraction = DefaultMaxFraction
	}
	o.MaxFraction = min(o.MaxFraction, 1)
	o.MinFraction = min(o.MinFraction, o.MaxFraction)
	return o
}

// WilsonLowerBound is the lower end of the Wilson score interval for a
// proportion p observed over n trials. It is zero when n is not positive.
func WilsonLowerBound(p float64, n int, z float64) float64 {
	if n <= 0 {
		return 0
	}
	nf := float64(n)
	z2 := z * z
	centre := p + z2/(2*nf)
	margin := z * math.Sqrt((p*(1-p)+z2/(4*nf))/nf)
	return (centre - margin) / (1 + z2/nf)
}

// fractionFor maps a confidence to a sample fraction. Higher confidence
// samples less.
func fractionFor(confidence float64, o PlanOptions) (float64, string) {
	switch {
	case confidence > 0.95:
		return o.MinFraction, fmt.Sprintf("High confidence (%.1f%%) - minimal sampling", confidence*100)
	case confidence > 0.90:
		return o.MinFraction + (0.9-o.MinFraction)*(0.95-confidence)/0.05,
			fmt.Sprintf("Good confidence (%.1f%%) - reduced sampling", confidence*100)
	case confidence > 0.80:
		return 0.3 + 0.4*(0.90-confidence)/0.10,
			fmt.Sprintf("Moderate confidence (%.1f%%) - standard sampling", confidence*100)
	default:
		return o.MaxFraction, fmt.Sprintf("Low confidence (%.1f%%) - full validation", confidence*100)
	}
}

// Plan recommends which of all to test next. Quantities never tested by any
// arm come first, in catalog order; the rest of the sample is drawn uniformly
// from tested quantities.
func (s *Sampler) Plan(ctx context.Context, all []string, opts PlanOptions) model.SamplePlan {
	opts = opts.withDefaults()
	catalog := dedupe(all)
	arms := s.registry.Arms()

	var plan model.SamplePlan
	switch total, successes := totals(arms); {
	case len(arms) == 0:
		plan = model.SamplePlan{
			Quantities:     catalog,
			SampleFraction: 1,
			Reason:         "No validation history - full validation required",
		}
	case total < minHistory:
		plan = model.SamplePlan{
			Quantities:     catalog,
			SampleFraction: 1,
			Reason:         fmt.Sprintf("Only %d validations - need more data", total),
		}
	default:
		p := float64(successes) / float64(total)
		confidence := WilsonLowerBound(p, total, wilsonZ)
		fraction, reason := fractionFor(confidence, opts)
		fraction = min(max(fraction, opts.MinFraction), opts.MaxFraction)
		plan = model.SamplePlan{
			Quantities:      s.pick(catalog, arms, fraction),
			SampleFraction:  fraction,
			ConfidenceLevel: confidence,
			Reason:          reason,
		}
	}

	s.fractions.Record(ctx, plan.SampleFraction, metric.WithAttributes(attribute.Int("catalog", len(catalog))))
	s.logger.Info("adaptive: sample plan",
		"quantities", len(plan.Quantities),
		"catalog", len(catalog),
		"sample_fraction", plan.SampleFraction,
		"confidence", plan.ConfidenceLevel,
		"confidence_threshold", opts.ConfidenceThreshold,
		"reason", plan.Reason,
	)
	return plan
}

func totals(arms []model.PluginArm) (validations, successes int) {
	for _, a := range arms {
		validations += a.Validations
		successes += a.Successes
	}
	return validations, successes
}

// pick selects ceil(fraction·len(catalog)) quantities, at least one.
func (s *Sampler) pick(catalog []string, arms []model.PluginArm, fraction float64) []string {
	if len(catalog) == 0 {
		return []string{}
	}
	// The epsilon keeps fractions like 0.3·10 from rounding up past 3.
	n := int(math.Ceil(fraction*float64(len(catalog)) - 1e-9))
	n = min(max(n, 1), len(catalog))

	tested := make(map[string]bool)
	for _, a := range arms {
		for _, q := range a.QuantitiesTested {
			tested[q] = true
		}
	}
	var untested, seen []string
	for _, q := range catalog {
		if tested[q] {
			seen = append(seen, q)
		} else {
			untested = append(untested, q)
		}
	}

	out := make([]string, 0, n)
	out = append(out, untested[:min(n, len(untested))]...)
	if remaining := n - len(out); remaining > 0 {
		s.mu.Lock()
		s.rng.Shuffle(len(seen), func(i, j int) { seen[i], seen[j] = seen[j], seen[i] })
		s.mu.Unlock()
		out = append(out, seen[:min(remaining, len(seen))]...)
	}
	return out
}

func dedupe(all []string) []string {
	out := make([]string, 0, len(all))
	seen := make(map[string]bool, len(all))
	for _, q := range all {
		if !seen[q] {
			seen[q] = true
			out = append(out, q)
		}
	}
	return out
}
