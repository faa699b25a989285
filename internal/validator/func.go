package validator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/CosilicoAI/cosilico-validators/internal/model"
	"github.com/CosilicoAI/cosilico-validators/internal/ratelimit"
)

// CalcFunc computes quantity for tc. Metadata may be nil.
type CalcFunc func(ctx context.Context, tc model.TestCase, quantity string, year int) (value float64, metadata map[string]any, err error)

// FuncOption configures a Func validator.
type FuncOption func(*funcValidator)

// WithRetry retries calls failing with ErrTransient up to maxRetries times,
// with jittered exponential backoff starting at baseDelay.
func WithRetry(maxRetries int, baseDelay time.Duration) FuncOption {
	return func(f *funcValidator) {
		f.maxRetries = max(maxRetries, 0)
		f.baseDelay = baseDelay
	}
}

// WithTimeout bounds each underlying call.
func WithTimeout(d time.Duration) FuncOption {
	return func(f *funcValidator) { f.timeout = d }
}

// WithRateLimit makes every underlying call, retries included, wait for a
// token from l keyed by the validator name.
func WithRateLimit(l ratelimit.Limiter) FuncOption {
	return func(f *funcValidator) { f.limiter = l }
}

type funcValidator struct {
	name       string
	class      model.ValidatorClass
	quantities map[string]bool
	calc       CalcFunc
	maxRetries int
	baseDelay  time.Duration
	timeout    time.Duration
	limiter    ratelimit.Limiter
}

// Func adapts calc to the Validator interface. Quantities are matched
// case-insensitively; an empty list supports every quantity.
func Func(name string, class model.ValidatorClass, quantities []string, calc CalcFunc, opts ...FuncOption) Validator {
	f := &funcValidator{
		name:       name,
		class:      class,
		quantities: make(map[string]bool, len(quantities)),
		calc:       calc,
		baseDelay:  100 * time.Millisecond,
	}
	for _, q := range quantities {
		f.quantities[strings.ToLower(q)] = true
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *funcValidator) Name() string                { return f.name }
func (f *funcValidator) Class() model.ValidatorClass { return f.class }

func (f *funcValidator) Supports(quantity string) bool {
	if len(f.quantities) == 0 {
		return true
	}
	return f.quantities[strings.ToLower(quantity)]
}

func (f *funcValidator) Validate(ctx context.Context, tc model.TestCase, quantity string, year int) model.ValidatorResult {
	if !f.Supports(quantity) {
		return Failed(f, fmt.Errorf("%w: %s", ErrUnknownQuantity, quantity))
	}

	var (
		value    float64
		metadata map[string]any
		attempts int
	)
	err := f.withRetry(ctx, func() error {
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx, f.name); err != nil {
				return err
			}
		}
		attempts++
		callCtx := ctx
		if f.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, f.timeout)
			defer cancel()
		}
		var err error
		value, metadata, err = f.calc(callCtx, tc, quantity, year)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %w", ErrTransient, err)
		}
		return err
	})
	if err != nil {
		res := Failed(f, fmt.Errorf("%w: %w", ErrExecution, err))
		if attempts > 1 {
			res.Metadata = map[string]any{"attempts": attempts}
		}
		return res
	}
	if attempts > 1 {
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata["attempts"] = attempts
	}
	return model.ValidatorResult{
		Validator: f.name,
		Class:     f.class,
		Value:     model.Float(value),
		Metadata:  metadata,
	}
}

// withRetry executes fn, retrying transient failures with jittered backoff.
func (f *funcValidator) withRetry(ctx context.Context, fn func() error) error {
	delay := f.baseDelay
	var err error
	for attempt := range f.maxRetries + 1 {
		err = fn()
		if err == nil || !errors.Is(err, ErrTransient) {
			return err
		}
		if attempt == f.maxRetries {
			break
		}
		var jitter time.Duration
		if delay > 0 {
			jitter = time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
	return err
}
