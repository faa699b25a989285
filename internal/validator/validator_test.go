package validator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CosilicoAI/cosilico-validators/internal/model"
	"github.com/CosilicoAI/cosilico-validators/internal/ratelimit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func constant(v float64) CalcFunc {
	return func(context.Context, model.TestCase, string, int) (float64, map[string]any, error) {
		return v, nil, nil
	}
}

func TestFunc_SupportsIsCaseInsensitive(t *testing.T) {
	v := Func("pe", model.ClassReference, []string{"EITC"}, constant(1))
	assert.True(t, v.Supports("eitc"))
	assert.True(t, v.Supports("Eitc"))
	assert.False(t, v.Supports("ctc"))

	all := Func("any", model.ClassReference, nil, constant(1))
	assert.True(t, all.Supports("anything"))
}

func TestFunc_ValidateSuccess(t *testing.T) {
	v := Func("pe", model.ClassPrimary, nil, constant(600))
	res := v.Validate(context.Background(), model.TestCase{Name: "tc"}, "eitc", 2024)

	require.True(t, res.Success())
	assert.Equal(t, "pe", res.Validator)
	assert.Equal(t, model.ClassPrimary, res.Class)
	assert.InDelta(t, 600, *res.Value, 1e-9)
}

func TestFunc_ValidateUnsupported(t *testing.T) {
	v := Func("pe", model.ClassReference, []string{"eitc"}, constant(1))
	res := v.Validate(context.Background(), model.TestCase{}, "ctc", 2024)

	assert.False(t, res.Success())
	assert.Contains(t, res.Error, "unknown quantity")
}

func TestFunc_ErrorIsRecordedNotRetried(t *testing.T) {
	calls := 0
	v := Func("taxsim", model.ClassReference, nil,
		func(context.Context, model.TestCase, string, int) (float64, map[string]any, error) {
			calls++
			return 0, nil, errors.New("bad input")
		},
		WithRetry(3, time.Millisecond),
	)
	res := v.Validate(context.Background(), model.TestCase{}, "eitc", 2024)

	assert.False(t, res.Success())
	assert.Nil(t, res.Value)
	assert.Contains(t, res.Error, "execution failed")
	assert.Equal(t, 1, calls, "non-transient errors must not be retried")
}

func TestFunc_RetriesTransientErrors(t *testing.T) {
	calls := 0
	v := Func("taxsim", model.ClassReference, nil,
		func(context.Context, model.TestCase, string, int) (float64, map[string]any, error) {
			calls++
			if calls < 3 {
				return 0, nil, fmt.Errorf("%w: 503", ErrTransient)
			}
			return 42, map[string]any{"source": "api"}, nil
		},
		WithRetry(3, time.Millisecond),
	)
	res := v.Validate(context.Background(), model.TestCase{}, "eitc", 2024)

	require.True(t, res.Success())
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, res.Metadata["attempts"])
	assert.Equal(t, "api", res.Metadata["source"])
}

func TestFunc_RetryGivesUp(t *testing.T) {
	calls := 0
	v := Func("taxsim", model.ClassReference, nil,
		func(context.Context, model.TestCase, string, int) (float64, map[string]any, error) {
			calls++
			return 0, nil, ErrTransient
		},
		WithRetry(2, time.Millisecond),
	)
	res := v.Validate(context.Background(), model.TestCase{}, "eitc", 2024)

	assert.False(t, res.Success())
	assert.Equal(t, 3, calls)
}

func TestFunc_TimeoutBecomesFailure(t *testing.T) {
	v := Func("slow", model.ClassSupplementary, nil,
		func(ctx context.Context, _ model.TestCase, _ string, _ int) (float64, map[string]any, error) {
			<-ctx.Done()
			return 0, nil, ctx.Err()
		},
		WithTimeout(5*time.Millisecond),
	)
	res := v.Validate(context.Background(), model.TestCase{}, "eitc", 2024)

	assert.False(t, res.Success())
	assert.Contains(t, res.Error, "deadline exceeded")
}

type batchOnly struct {
	Validator
	batched int
}

func (b *batchOnly) BatchValidate(ctx context.Context, cases []model.TestCase, q string, year int) []model.ValidatorResult {
	b.batched++
	out := make([]model.ValidatorResult, len(cases))
	for i := range cases {
		out[i] = model.ValidatorResult{Validator: b.Name(), Class: b.Class(), Value: model.Float(float64(i))}
	}
	return out
}

func TestBatchValidate_PrefersBatchPath(t *testing.T) {
	b := &batchOnly{Validator: Func("b", model.ClassReference, nil, constant(9))}
	cases := []model.TestCase{{Name: "a"}, {Name: "b"}, {Name: "c"}}

	out := BatchValidate(context.Background(), b, cases, "eitc", 2024)
	require.Len(t, out, 3)
	assert.Equal(t, 1, b.batched)
	assert.InDelta(t, 2, *out[2].Value, 1e-9)
}

func TestBatchValidate_FallsBackToSequential(t *testing.T) {
	v := Func("s", model.ClassReference, nil, constant(9))
	cases := []model.TestCase{{Name: "a"}, {Name: "b"}}

	out := BatchValidate(context.Background(), v, cases, "eitc", 2024)
	require.Len(t, out, 2)
	for _, r := range out {
		assert.InDelta(t, 9, *r.Value, 1e-9)
	}
}

func TestBuild_SkipsUnavailableAndSorts(t *testing.T) {
	factories := []Factory{
		{Name: "psl", New: func(context.Context) (Validator, error) {
			return Func("psl", model.ClassSupplementary, nil, constant(1)), nil
		}},
		{Name: "taxact", New: func(context.Context) (Validator, error) {
			return nil, errors.New("license missing")
		}},
		{Name: "pe", New: func(context.Context) (Validator, error) {
			return Func("pe", model.ClassReference, nil, constant(1)), nil
		}},
		{Name: "truth", New: func(context.Context) (Validator, error) {
			return Func("truth", model.ClassPrimary, nil, constant(1)), nil
		}},
	}

	vs, errs := Build(context.Background(), testLogger(), factories...)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrUnavailable)
	assert.Contains(t, errs[0].Error(), "taxact")

	require.Len(t, vs, 3)
	assert.Equal(t, []string{"truth", "pe", "psl"}, []string{vs[0].Name(), vs[1].Name(), vs[2].Name()})
}

// countingLimiter admits a fixed number of calls and records the keys asked for.
type countingLimiter struct {
	left int
	keys []string
}

func (l *countingLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.keys = append(l.keys, key)
	if l.left <= 0 {
		return false, nil
	}
	l.left--
	return true, nil
}

func (l *countingLimiter) Wait(ctx context.Context, key string) error {
	if ok, _ := l.Allow(ctx, key); !ok {
		return context.DeadlineExceeded
	}
	return nil
}

func TestFunc_RateLimitGatesEveryCall(t *testing.T) {
	l := &countingLimiter{left: 1}
	v := Func("policyengine", model.ClassReference, nil, constant(600), WithRateLimit(l))

	res := v.Validate(context.Background(), model.TestCase{Name: "a"}, "eitc", 2024)
	require.True(t, res.Success())

	res = v.Validate(context.Background(), model.TestCase{Name: "b"}, "eitc", 2024)
	assert.False(t, res.Success())
	assert.Contains(t, res.Error, "deadline")
	assert.Equal(t, []string{"policyengine", "policyengine"}, l.keys)
}

func TestFunc_RateLimitWithMemoryLimiter(t *testing.T) {
	v := Func("taxsim", model.ClassReference, nil, constant(1), WithRateLimit(ratelimit.NewMemoryLimiter(1000, 2)))
	for range 3 {
		res := v.Validate(context.Background(), model.TestCase{Name: "tc"}, "eitc", 2024)
		require.True(t, res.Success())
	}
}
