package cosilico

import (
	"time"

	"github.com/CosilicoAI/cosilico-validators/internal/calibration"
	"github.com/CosilicoAI/cosilico-validators/internal/model"
	"github.com/CosilicoAI/cosilico-validators/internal/ratelimit"
	"github.com/CosilicoAI/cosilico-validators/internal/validator"
)

// Validation types.
type (
	TestCase         = model.TestCase
	ValidatorClass   = model.ValidatorClass
	ValidatorResult  = model.ValidatorResult
	ValidationResult = model.ValidationResult
	ConsensusLevel   = model.ConsensusLevel
	BugReport        = model.BugReport
	EncodingResult   = model.EncodingResult
)

// Bandit and sampling types.
type (
	PluginArm       = model.PluginArm
	SamplePlan      = model.SamplePlan
	ValidationBatch = model.ValidationBatch
)

// Calibration types.
type (
	KPI                = model.KPI
	Forecast           = model.Forecast
	ImprovementOption  = model.Option
	Decision           = model.Decision
	DecisionInput      = calibration.DecisionInput
	Calibration        = model.Calibration
	CalibrationSummary = model.CalibrationSummary
)

// Validator classes.
const (
	ClassPrimary       = model.ClassPrimary
	ClassReference     = model.ClassReference
	ClassSupplementary = model.ClassSupplementary
)

// Validator is an external calculator queried for each test case.
type Validator = validator.Validator

// CalcFunc computes one quantity for one test case.
type CalcFunc = validator.CalcFunc

// ValidatorOption configures a ValidatorFunc.
type ValidatorOption = validator.FuncOption

// ValidatorFunc adapts calc to Validator. Quantities are matched
// case-insensitively; an empty list supports every quantity.
func ValidatorFunc(name string, class ValidatorClass, quantities []string, calc CalcFunc, opts ...ValidatorOption) Validator {
	return validator.Func(name, class, quantities, calc, opts...)
}

// ErrTransient marks calculator errors worth retrying.
var ErrTransient = validator.ErrTransient

// WithRetry retries transient calculator errors with jittered backoff.
func WithRetry(maxRetries int, baseDelay time.Duration) ValidatorOption {
	return validator.WithRetry(maxRetries, baseDelay)
}

// WithTimeout bounds each calculator call.
func WithTimeout(d time.Duration) ValidatorOption { return validator.WithTimeout(d) }

// WithRateLimit holds each calculator call until l admits it.
func WithRateLimit(l ratelimit.Limiter) ValidatorOption { return validator.WithRateLimit(l) }

// NewRateLimiter returns an in-memory limiter allowing rate calls per second
// per validator with bursts of burst.
func NewRateLimiter(rate float64, burst int) ratelimit.Limiter {
	return ratelimit.NewMemoryLimiter(rate, burst)
}

// Float returns a pointer to a copy of v, for expected values and targets.
func Float(v float64) *float64 { return model.Float(v) }
