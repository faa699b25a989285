// Package encoding turns consensus verdicts over a quantity's test cases into
// a pass/fail assessment of that quantity's encoding, and keeps the history of
// encoding attempts.
package encoding

import (
	"context"

	"github.com/CosilicoAI/cosilico-validators/internal/model"
)

// Assessment defaults.
const (
	DefaultYear              = 2024
	DefaultEncoderConfidence = 0.95
)

// Evaluator runs consensus over a batch of test cases. *consensus.Engine
// implements it.
type Evaluator interface {
	EvaluateBatch(ctx context.Context, cases []model.TestCase, quantity string, year int, encoderConfidence *float64) []model.ValidationResult
}

// Options tunes an assessment.
type Options struct {
	// Year defaults to DefaultYear.
	Year int
	// EncoderConfidence defaults to DefaultEncoderConfidence.
	EncoderConfidence *float64
	// AllowUpstreamBugs passes a quantity whose only failures are
	// attributed to suspected upstream bugs.
	AllowUpstreamBugs bool
}

// Assess evaluates every case for quantity and classifies the result. The
// match rate counts full agreement only.
func Assess(ctx context.Context, ev Evaluator, quantity string, cases []model.TestCase, opts Options) model.EncodingResult {
	if opts.Year == 0 {
		opts.Year = DefaultYear
	}
	if opts.EncoderConfidence == nil {
		opts.EncoderConfidence = model.Float(DefaultEncoderConfidence)
	}

	results := ev.EvaluateBatch(ctx, cases, quantity, opts.Year, opts.EncoderConfidence)
	out := model.EncodingResult{
		Quantity: quantity,
		Results:  results,
		Reward:   -1,
	}

	var full int
	var totalReward float64
	for _, r := range results {
		totalReward += r.Reward
		switch r.Level {
		case model.FullAgreement:
			full++
		case model.Disagreement:
			issue := model.Issue{
				TestCase:  r.TestCase.Name,
				Expected:  r.Expected,
				Consensus: r.ConsensusValue,
				Level:     r.Level,
			}
			if r.ConsensusValue == nil {
				issue.Error = "no validator produced a value"
			}
			out.Issues = append(out.Issues, issue)
		case model.PotentialUpstreamBug:
			out.UpstreamBugs = append(out.UpstreamBugs, r.Bugs...)
		}
	}
	if n := len(results); n > 0 {
		out.MatchRate = float64(full) / float64(n)
		out.Reward = totalReward / float64(n)
	}

	switch {
	case len(results) > 0 && full == len(results):
		out.Status, out.Passed = model.StatusPassed, true
	case len(out.UpstreamBugs) > 0:
		out.Status, out.Passed = model.StatusUpstreamBug, opts.AllowUpstreamBugs
	case len(out.Issues) > 0:
		out.Status = model.StatusEncodingError
	default:
		out.Status = model.StatusNeedsInvestigation
	}
	return out
}
