// Package validator defines the contract external calculators satisfy and
// helpers for adapting plain functions to it.
package validator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/CosilicoAI/cosilico-validators/internal/model"
)

var (
	// ErrUnavailable marks a validator that could not be constructed.
	// Callers decide whether to proceed with the remaining validators.
	ErrUnavailable = errors.New("validator: unavailable")

	// ErrExecution marks a failed per-call computation. It is recorded in
	// ValidatorResult.Error and never retried by the consensus core.
	ErrExecution = errors.New("validator: execution failed")

	// ErrUnknownQuantity marks a quantity the validator does not compute.
	ErrUnknownQuantity = errors.New("validator: unknown quantity")

	// ErrTransient marks a failure worth retrying (timeouts, rate limits).
	// Only Func adapters configured WithRetry act on it.
	ErrTransient = errors.New("validator: transient failure")
)

// Validator is an external calculator that can compute quantities for test cases.
type Validator interface {
	Name() string
	Class() model.ValidatorClass
	Supports(quantity string) bool
	// Validate never returns an error; failures are carried in the result.
	Validate(ctx context.Context, tc model.TestCase, quantity string, year int) model.ValidatorResult
}

// BatchValidator is implemented by validators that can compute many cases in one call.
type BatchValidator interface {
	Validator
	BatchValidate(ctx context.Context, cases []model.TestCase, quantity string, year int) []model.ValidatorResult
}

// BatchValidate runs cases through v, using its batch path when it has one.
// The result has one entry per case, in order.
func BatchValidate(ctx context.Context, v Validator, cases []model.TestCase, quantity string, year int) []model.ValidatorResult {
	if bv, ok := v.(BatchValidator); ok {
		return bv.BatchValidate(ctx, cases, quantity, year)
	}
	out := make([]model.ValidatorResult, len(cases))
	for i, tc := range cases {
		out[i] = v.Validate(ctx, tc, quantity, year)
	}
	return out
}

// Failed builds the result for a validator that could not produce a value.
func Failed(v Validator, err error) model.ValidatorResult {
	return model.ValidatorResult{
		Validator: v.Name(),
		Class:     v.Class(),
		Error:     err.Error(),
	}
}

// SortByClass orders validators primary, reference, supplementary. The sort
// is stable, so validators of the same class keep their relative order.
func SortByClass(vs []Validator) {
	slices.SortStableFunc(vs, func(a, b Validator) int {
		return a.Class().Rank() - b.Class().Rank()
	})
}

// Factory constructs a validator, failing when its backend cannot be reached
// or imported.
type Factory struct {
	Name string
	New  func(ctx context.Context) (Validator, error)
}

// Build constructs every factory. Failures are logged, wrapped in
// ErrUnavailable, and returned alongside the validators that did come up,
// sorted by class.
func Build(ctx context.Context, logger *slog.Logger, factories ...Factory) ([]Validator, []error) {
	if logger == nil {
		logger = slog.Default()
	}
	var (
		out  []Validator
		errs []error
	)
	for _, f := range factories {
		v, err := f.New(ctx)
		if err == nil && v == nil {
			err = errors.New("factory returned nil")
		}
		if err != nil {
			logger.Warn("validator: unavailable", "validator", f.Name, "error", err)
			errs = append(errs, fmt.Errorf("%w: %s: %w", ErrUnavailable, f.Name, err))
			continue
		}
		out = append(out, v)
	}
	SortByClass(out)
	return out, errs
}
