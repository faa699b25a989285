// Package consensus queries a set of validators for a test case and reduces
// their answers to a verdict, a reward, a confidence, and suspected upstream bugs.
package consensus

import (
	"context"
	"log/slog"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/CosilicoAI/cosilico-validators/internal/model"
	"github.com/CosilicoAI/cosilico-validators/internal/telemetry"
	"github.com/CosilicoAI/cosilico-validators/internal/validator"
)

// Default scoring parameters.
const (
	DefaultTolerance     = 15.0
	DefaultPrimaryWeight = 2.0
)

// Config holds scoring parameters. Zero or negative fields take the defaults,
// so an exact-match tolerance of 0 cannot be expressed; pass a small positive
// tolerance such as 0.005 for cent-level agreement.
type Config struct {
	// Tolerance is the absolute dollar difference under which two values
	// agree. Defaults to DefaultTolerance.
	Tolerance float64
	// PrimaryWeight multiplies primary validators in the reward's match ratio.
	PrimaryWeight float64
	// Workers bounds concurrent validator calls in EvaluateBatch.
	Workers int
}

func (c Config) withDefaults() Config {
	if c.Tolerance <= 0 {
		c.Tolerance = DefaultTolerance
	}
	if c.PrimaryWeight <= 0 {
		c.PrimaryWeight = DefaultPrimaryWeight
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	return c
}

// Engine evaluates test cases against a fixed validator set.
type Engine struct {
	validators []validator.Validator
	cfg        Config
	logger     *slog.Logger

	tracer   trace.Tracer
	verdicts metric.Int64Counter
	rewards  metric.Float64Histogram
}

// New builds an engine. Validators are queried primary first, then reference,
// then supplementary, keeping the given order within a class.
func New(validators []validator.Validator, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	vs := slices.Clone(validators)
	validator.SortByClass(vs)

	meter := telemetry.Meter(telemetry.ScopeConsensus)
	verdicts, _ := meter.Int64Counter("cosilico.consensus.verdicts",
		metric.WithDescription("Consensus verdicts by level"),
	)
	rewards, _ := meter.Float64Histogram("cosilico.consensus.reward",
		metric.WithDescription("Reward signal per evaluated test case"),
	)
	return &Engine{
		validators: vs,
		cfg:        cfg.withDefaults(),
		logger:     logger,
		tracer:     telemetry.Tracer(telemetry.ScopeConsensus),
		verdicts:   verdicts,
		rewards:    rewards,
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Validators returns the validators in query order.
func (e *Engine) Validators() []validator.Validator { return slices.Clone(e.validators) }

// Evaluate queries every validator that supports quantity and scores the
// answers. encoderConfidence may be nil when the encoder did not report one.
func (e *Engine) Evaluate(ctx context.Context, tc model.TestCase, quantity string, year int, encoderConfidence *float64) model.ValidationResult {
	ctx, span := e.tracer.Start(ctx, "consensus.Evaluate",
		trace.WithAttributes(attribute.String("quantity", quantity), attribute.String("test_case", tc.Name)),
	)
	defer span.End()

	var results []model.ValidatorResult
	for _, v := range e.validators {
		if !v.Supports(quantity) {
			continue
		}
		results = append(results, e.call(ctx, v, tc, quantity, year))
	}

	res := Score(tc, quantity, results, e.cfg, encoderConfidence)
	e.observe(ctx, span, res)
	return res
}

// EvaluateBatch evaluates every case. Each validator receives the whole batch,
// through its batch path when it has one, and up to Workers validators run at
// once. Results are returned in input order.
func (e *Engine) EvaluateBatch(ctx context.Context, cases []model.TestCase, quantity string, year int, encoderConfidence *float64) []model.ValidationResult {
	if len(cases) == 0 {
		return nil
	}
	ctx, span := e.tracer.Start(ctx, "consensus.EvaluateBatch",
		trace.WithAttributes(attribute.String("quantity", quantity), attribute.Int("cases", len(cases))),
	)
	defer span.End()

	var supporting []validator.Validator
	for _, v := range e.validators {
		if v.Supports(quantity) {
			supporting = append(supporting, v)
		}
	}

	perValidator := make([][]model.ValidatorResult, len(supporting))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i, v := range supporting {
		g.Go(func() error {
			perValidator[i] = e.batch(gctx, v, cases, quantity, year)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]model.ValidationResult, len(cases))
	for c, tc := range cases {
		results := make([]model.ValidatorResult, 0, len(supporting))
		for i := range supporting {
			results = append(results, perValidator[i][c])
		}
		out[c] = Score(tc, quantity, results, e.cfg, encoderConfidence)
		e.observe(ctx, nil, out[c])
	}
	return out
}

// call runs one validator. A panic becomes a failed result.
func (e *Engine) call(ctx context.Context, v validator.Validator, tc model.TestCase, quantity string, year int) (res model.ValidatorResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("consensus: validator panicked", "validator", v.Name(), "test_case", tc.Name, "panic", r)
			res = model.ValidatorResult{Validator: v.Name(), Class: v.Class(), Error: "validator panicked"}
		}
	}()
	res = v.Validate(ctx, tc, quantity, year)
	if res.Validator == "" {
		res.Validator = v.Name()
	}
	if res.Class == "" {
		res.Class = v.Class()
	}
	if !res.Success() {
		e.logger.Debug("consensus: validator failed", "validator", v.Name(), "test_case", tc.Name, "error", res.Error)
	}
	return res
}

// batch runs v over every case. Validators without a batch path go through
// call one case at a time, so a panic fails only that case. A panic in a
// batch path fails every case.
func (e *Engine) batch(ctx context.Context, v validator.Validator, cases []model.TestCase, quantity string, year int) []model.ValidatorResult {
	bv, ok := v.(validator.BatchValidator)
	if !ok {
		out := make([]model.ValidatorResult, len(cases))
		for i, tc := range cases {
			out[i] = e.call(ctx, v, tc, quantity, year)
		}
		return out
	}

	out := e.callBatch(ctx, bv, cases, quantity, year)
	if len(out) != len(cases) {
		e.logger.Warn("consensus: batch result count mismatch", "validator", v.Name(), "want", len(cases), "got", len(out))
		fixed := make([]model.ValidatorResult, len(cases))
		for i := range fixed {
			if i < len(out) {
				fixed[i] = out[i]
			} else {
				fixed[i] = model.ValidatorResult{Validator: v.Name(), Class: v.Class(), Error: "missing batch result"}
			}
		}
		out = fixed
	}
	for i := range out {
		if out[i].Validator == "" {
			out[i].Validator = v.Name()
		}
		if out[i].Class == "" {
			out[i].Class = v.Class()
		}
	}
	return out
}

func (e *Engine) callBatch(ctx context.Context, v validator.BatchValidator, cases []model.TestCase, quantity string, year int) (out []model.ValidatorResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("consensus: validator batch panicked", "validator", v.Name(), "cases", len(cases), "panic", r)
			out = make([]model.ValidatorResult, len(cases))
			for i := range out {
				out[i] = model.ValidatorResult{Validator: v.Name(), Class: v.Class(), Error: "validator panicked"}
			}
		}
	}()
	return v.BatchValidate(ctx, cases, quantity, year)
}

func (e *Engine) observe(ctx context.Context, span trace.Span, res model.ValidationResult) {
	attrs := metric.WithAttributes(attribute.String("level", string(res.Level)))
	e.verdicts.Add(ctx, 1, attrs)
	e.rewards.Record(ctx, res.Reward, attrs)
	if span != nil {
		span.SetAttributes(
			attribute.String("level", string(res.Level)),
			attribute.Float64("reward", res.Reward),
			attribute.Int("bugs", len(res.Bugs)),
		)
	}
	if len(res.Bugs) > 0 {
		e.logger.Info("consensus: potential upstream bugs", "test_case", res.TestCase.Name, "quantity", res.Quantity, "count", len(res.Bugs))
	}
}
