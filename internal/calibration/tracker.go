// Package calibration records improvement decisions with forecast intervals
// and measures, once outcomes are known, how often the intervals held.
package calibration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/CosilicoAI/cosilico-validators/internal/model"
	"github.com/CosilicoAI/cosilico-validators/internal/storage"
	"github.com/CosilicoAI/cosilico-validators/internal/telemetry"
)

var (
	ErrDecisionNotFound = errors.New("calibration: decision not found")
	ErrNoChoice         = errors.New("calibration: no option chosen")
	ErrOptionNotFound   = errors.New("calibration: option not found")
	ErrInvalidDecision  = errors.New("calibration: invalid decision")
)

var validate = validator.New()

// DecisionInput opens a decision. KPIs default to model.StandardKPIs.
type DecisionInput struct {
	Question   string         `validate:"required"`
	Context    string
	KPIs       []model.KPI    `validate:"omitempty,unique=Name,dive"`
	Options    []model.Option `validate:"min=1,unique=Name,dive"`
	ReviewDate *time.Time
}

// Options configures a Tracker.
type Options struct {
	// ExpectedCoverage defaults to model.DefaultCoverage.
	ExpectedCoverage float64
	Logger           *slog.Logger
	Now              func() time.Time
}

// Tracker stores decisions by id and appends one calibration record per
// scored outcome.
type Tracker struct {
	decisions storage.Keyed
	log       *storage.AppendLog
	expected  float64
	logger    *slog.Logger
	now       func() time.Time

	mu sync.Mutex // serializes read-modify-write of a decision

	scored metric.Int64Counter
}

// New returns a tracker over decisions and log.
func New(decisions storage.Keyed, log *storage.AppendLog, opts Options) *Tracker {
	if opts.ExpectedCoverage <= 0 {
		opts.ExpectedCoverage = model.DefaultCoverage
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	scored, _ := telemetry.Meter(telemetry.ScopeCalibration).Int64Counter("cosilico.calibration.scored",
		metric.WithDescription("Decisions scored against their outcomes"),
	)
	return &Tracker{
		decisions: decisions,
		log:       log,
		expected:  opts.ExpectedCoverage,
		logger:    opts.Logger,
		now:       opts.Now,
		scored:    scored,
	}
}

// CreateDecision validates in, fills defaults, and stores a new decision.
func (t *Tracker) CreateDecision(ctx context.Context, in DecisionInput) (model.Decision, error) {
	if len(in.KPIs) == 0 {
		in.KPIs = model.StandardKPIs()
	}
	options := make([]model.Option, len(in.Options))
	for i, o := range in.Options {
		forecasts := make(map[string]model.Forecast, len(o.Forecasts))
		for name, f := range o.Forecasts {
			if f.KPI == "" {
				f.KPI = name
			}
			if f.KPI != name {
				return model.Decision{}, fmt.Errorf("%w: option %q forecast %q is filed under %q", ErrInvalidDecision, o.Name, f.KPI, name)
			}
			if f.ConfidenceLevel == 0 {
				f.ConfidenceLevel = model.DefaultCoverage
			}
			forecasts[name] = f
		}
		o.Forecasts = forecasts
		options[i] = o
	}
	in.Options = options

	if err := validate.Struct(in); err != nil {
		return model.Decision{}, fmt.Errorf("%w: %w", ErrInvalidDecision, err)
	}

	d := model.Decision{
		ID:             uuid.NewString(),
		Question:       in.Question,
		Context:        in.Context,
		KPIs:           slices.Clone(in.KPIs),
		Options:        in.Options,
		CreatedAt:      t.now().UTC(),
		ReviewDate:     in.ReviewDate,
		ActualOutcomes: map[string]float64{},
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.save(ctx, d); err != nil {
		return model.Decision{}, err
	}
	t.logger.Info("calibration: decision created", "decision_id", d.ID, "options", len(d.Options))
	return d, nil
}

// RecordChoice marks option as chosen for decision id.
func (t *Tracker) RecordChoice(ctx context.Context, id, option string) (model.Decision, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, err := t.load(ctx, id)
	if err != nil {
		return model.Decision{}, err
	}
	if _, ok := d.Option(option); !ok {
		return model.Decision{}, fmt.Errorf("%w: %q in %s", ErrOptionNotFound, option, id)
	}
	now := t.now().UTC()
	d.ChosenOption = option
	d.DecidedAt = &now
	if err := t.save(ctx, d); err != nil {
		return model.Decision{}, err
	}
	return d, nil
}

// RecordOutcome stores the observed KPI values for decision id, scores the
// chosen option, and appends the calibration to the log. The outcome is kept
// even when scoring fails for want of a valid choice.
func (t *Tracker) RecordOutcome(ctx context.Context, id string, actuals map[string]float64, reflections string) (model.Calibration, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, err := t.load(ctx, id)
	if err != nil {
		return model.Calibration{}, err
	}
	now := t.now().UTC()
	d.ActualOutcomes = maps.Clone(actuals)
	if d.ActualOutcomes == nil {
		d.ActualOutcomes = map[string]float64{}
	}
	d.ScoredAt = &now
	d.Reflections = reflections
	if err := t.save(ctx, d); err != nil {
		return model.Calibration{}, err
	}

	c, err := Score(d)
	if err != nil {
		return model.Calibration{}, err
	}
	c.Timestamp = now
	if err := t.log.Append(ctx, c); err != nil {
		return c, fmt.Errorf("calibration: log: %w", err)
	}
	t.scored.Add(ctx, 1, metric.WithAttributes(attribute.Bool("all_in_interval", c.AllInInterval)))
	t.logger.Info("calibration: decision scored",
		"decision_id", id, "option", c.Option, "scored", c.Scored, "coverage", c.Coverage, "error", c.MeanAbsError)
	return c, nil
}

// Decision returns the stored decision.
func (t *Tracker) Decision(ctx context.Context, id string) (model.Decision, error) {
	return t.load(ctx, id)
}

// Decisions returns every stored decision, oldest first.
func (t *Tracker) Decisions(ctx context.Context) ([]model.Decision, error) {
	entries, err := t.decisions.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("calibration: list: %w", err)
	}
	out := make([]model.Decision, 0, len(entries))
	for _, e := range entries {
		var d model.Decision
		if err := json.Unmarshal(e.Value, &d); err != nil {
			t.logger.Warn("calibration: skipping undecodable decision", "key", e.Key, "error", err)
			continue
		}
		out = append(out, d)
	}
	slices.SortStableFunc(out, func(a, b model.Decision) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

// Calibrations returns every logged calibration in append order.
func (t *Tracker) Calibrations(ctx context.Context) ([]model.Calibration, error) {
	return storage.ReadAll[model.Calibration](ctx, t.log)
}

// Summary aggregates the calibration log.
func (t *Tracker) Summary(ctx context.Context) (model.CalibrationSummary, error) {
	entries, err := t.Calibrations(ctx)
	if err != nil {
		return model.CalibrationSummary{}, fmt.Errorf("calibration: read log: %w", err)
	}
	return Summarize(entries, t.expected), nil
}

func (t *Tracker) load(ctx context.Context, id string) (model.Decision, error) {
	raw, err := t.decisions.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Decision{}, fmt.Errorf("%w: %s", ErrDecisionNotFound, id)
	}
	if err != nil {
		return model.Decision{}, fmt.Errorf("calibration: load %s: %w", id, err)
	}
	var d model.Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return model.Decision{}, fmt.Errorf("calibration: decode %s: %w", id, err)
	}
	return d, nil
}

func (t *Tracker) save(ctx context.Context, d model.Decision) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("calibration: encode %s: %w", d.ID, err)
	}
	if err := t.decisions.Put(ctx, d.ID, raw); err != nil {
		return fmt.Errorf("calibration: save %s: %w", d.ID, err)
	}
	return nil
}
