// Package adaptive chooses which version to validate next and how much of the
// quantity catalog to test, from the history kept in the bandit registry.
package adaptive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/CosilicoAI/cosilico-validators/internal/bandit"
	"github.com/CosilicoAI/cosilico-validators/internal/model"
	"github.com/CosilicoAI/cosilico-validators/internal/storage"
	"github.com/CosilicoAI/cosilico-validators/internal/telemetry"
)

var (
	// ErrNoArms is returned by Select when no version is registered.
	ErrNoArms = errors.New("adaptive: no arms registered")
	// ErrUnknownStrategy is returned for an unrecognized selection strategy.
	ErrUnknownStrategy = errors.New("adaptive: unknown strategy")
)

// Strategy names an arm selection rule.
type Strategy string

const (
	Thompson Strategy = "thompson"
	Greedy   Strategy = "greedy"
	Random   Strategy = "random"
	Newest   Strategy = "newest"
)

// Defaults.
const (
	DefaultExplorationBonus = 0.1
	// SuccessRate is the per-quantity match rate a batch must reach to count
	// as a success for its arm.
	SuccessRate = 0.99
)

// Options configures a Sampler.
type Options struct {
	// ExplorationBonus inflates the success shape of under-tested arms.
	// Zero takes DefaultExplorationBonus; negative disables it.
	ExplorationBonus float64
	// Rand drives every random draw. Nil seeds from the clock.
	Rand   *rand.Rand
	Logger *slog.Logger
	Now    func() time.Time
}

// Sampler selects arms, plans sample sizes, and logs batches.
type Sampler struct {
	registry *bandit.Registry
	batches  *storage.AppendLog
	bonus    float64
	logger   *slog.Logger
	now      func() time.Time

	mu  sync.Mutex // guards rng
	rng *rand.Rand

	fractions metric.Float64Histogram
}

// New returns a sampler over registry that appends batches to batches.
func New(registry *bandit.Registry, batches *storage.AppendLog, opts Options) *Sampler {
	switch {
	case opts.ExplorationBonus == 0:
		opts.ExplorationBonus = DefaultExplorationBonus
	case opts.ExplorationBonus < 0:
		opts.ExplorationBonus = 0
	}
	if opts.Rand == nil {
		seed := uint64(time.Now().UnixNano()) //nolint:gosec // clock seed, not security sensitive
		opts.Rand = rand.New(rand.NewPCG(seed, seed>>17|1))
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	fractions, _ := telemetry.Meter(telemetry.ScopeAdaptive).Float64Histogram("cosilico.adaptive.sample_fraction",
		metric.WithDescription("Recommended sample fraction per plan"),
	)
	return &Sampler{
		registry:  registry,
		batches:   batches,
		bonus:     opts.ExplorationBonus,
		logger:    opts.Logger,
		now:       opts.Now,
		rng:       opts.Rand,
		fractions: fractions,
	}
}

// Registry returns the underlying arm registry.
func (s *Sampler) Registry() *bandit.Registry { return s.registry }

// Select picks the version to validate next. An empty strategy means Thompson.
func (s *Sampler) Select(strategy Strategy) (string, error) {
	if strategy == "" {
		strategy = Thompson
	}
	switch strategy {
	case Thompson, Greedy, Random, Newest:
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}

	arms := s.registry.Arms()
	if len(arms) == 0 {
		return "", ErrNoArms
	}
	if len(arms) == 1 {
		return arms[0].Version, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch strategy {
	case Random:
		return arms[s.rng.IntN(len(arms))].Version, nil
	case Newest:
		best := arms[0]
		for _, a := range arms[1:] {
			if !a.CreatedAt.Before(best.CreatedAt) {
				best = a
			}
		}
		return best.Version, nil
	case Greedy:
		return bestArm(arms).Version, nil
	}

	best, bestDraw := "", -1.0
	for _, a := range arms {
		beta := distuv.Beta{
			Alpha: float64(a.Successes) + 1 + s.bonus*10/float64(max(a.Validations, 1)),
			Beta:  float64(a.Failures) + 1,
			Src:   s.rng,
		}
		if draw := beta.Rand(); draw > bestDraw {
			best, bestDraw = a.Version, draw
		}
	}
	return best, nil
}

// bestArm is the arm with the highest success rate; earlier arms win ties.
func bestArm(arms []model.PluginArm) model.PluginArm {
	best := arms[0]
	for _, a := range arms[1:] {
		if a.SuccessRate() > best.SuccessRate() {
			best = a
		}
	}
	return best
}

// LogBatch records one batch of per-quantity match rates for version. When
// previousVersion is registered, rates are compared with the most recent rates
// logged for it. Each quantity is then recorded against the arm, in sorted
// order, as a success when its rate reaches SuccessRate.
func (s *Sampler) LogBatch(ctx context.Context, version string, quantities []string, matchRates map[string]float64, previousVersion string) (model.ValidationBatch, error) {
	keys := slices.Sorted(maps.Keys(matchRates))
	for _, q := range keys {
		if !bandit.ValidMatchRate(matchRates[q]) {
			return model.ValidationBatch{}, fmt.Errorf("adaptive: log batch: %w: %v for %s", bandit.ErrInvalidMatchRate, matchRates[q], q)
		}
	}
	rates := make([]float64, len(keys))
	for i, q := range keys {
		rates[i] = matchRates[q]
	}
	overall := 0.0
	if len(rates) > 0 {
		overall = stat.Mean(rates, nil)
	}

	regressions := []string{}
	if previousVersion != "" {
		if _, ok := s.registry.Arm(previousVersion); ok {
			prev, err := s.previousRates(ctx, previousVersion, quantities)
			if err != nil {
				return model.ValidationBatch{}, err
			}
			found, err := s.registry.DetectRegressions(ctx, version, previousVersion, matchRates, prev)
			if err != nil {
				s.logger.Warn("adaptive: storing regressions failed", "version", version, "error", err)
			}
			if len(found) > 0 {
				regressions = found
			}
		}
	}

	batch := model.ValidationBatch{
		Version:          version,
		Timestamp:        s.now().UTC(),
		Quantities:       slices.Clone(quantities),
		MatchRates:       maps.Clone(matchRates),
		OverallMatchRate: overall,
		Regressions:      regressions,
	}
	if err := s.batches.Append(ctx, batch); err != nil {
		return batch, fmt.Errorf("adaptive: log batch: %w", err)
	}

	var errs []error
	for _, q := range keys {
		rate := matchRates[q]
		if _, err := s.registry.Record(ctx, version, q, rate, rate >= SuccessRate); err != nil {
			errs = append(errs, err)
		}
	}
	s.logger.Info("adaptive: batch logged",
		"version", version, "quantities", len(keys), "overall_match_rate", overall, "regressions", len(regressions))
	if err := errors.Join(errs...); err != nil {
		return batch, fmt.Errorf("adaptive: record batch: %w", err)
	}
	return batch, nil
}

// previousRates returns, for each of quantities, the last rate logged for version.
func (s *Sampler) previousRates(ctx context.Context, version string, quantities []string) (map[string]float64, error) {
	out := make(map[string]float64)
	err := s.batches.Scan(ctx, func(raw json.RawMessage) error {
		var b model.ValidationBatch
		if err := json.Unmarshal(raw, &b); err != nil || b.Version != version {
			return nil
		}
		for _, q := range quantities {
			if r, ok := b.MatchRates[q]; ok {
				out[q] = r
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("adaptive: read batches: %w", err)
	}
	return out, nil
}

// Batches returns every logged batch in append order.
func (s *Sampler) Batches(ctx context.Context) ([]model.ValidationBatch, error) {
	return storage.ReadAll[model.ValidationBatch](ctx, s.batches)
}

// DetectRegressions compares two versions' rates through the registry.
func (s *Sampler) DetectRegressions(ctx context.Context, newVersion, oldVersion string, newRates, oldRates map[string]float64) ([]string, error) {
	return s.registry.DetectRegressions(ctx, newVersion, oldVersion, newRates, oldRates)
}

// Statistics aggregates the registry.
func (s *Sampler) Statistics() model.BanditStatistics {
	arms := s.registry.Arms()
	if len(arms) == 0 {
		return model.BanditStatistics{Status: "no_data"}
	}
	st := model.BanditStatistics{Status: "active", Versions: len(arms)}
	seen := make(map[string]bool)
	for _, a := range arms {
		st.TotalValidations += a.Validations
		st.TotalSuccesses += a.Successes
		for _, q := range a.QuantitiesTested {
			seen[q] = true
		}
	}
	st.UniqueQuantities = len(seen)
	st.OverallSuccessRate = float64(st.TotalSuccesses) / float64(max(st.TotalValidations, 1))
	best := bestArm(arms)
	st.Best = &model.BestArm{Version: best.Version, SuccessRate: best.SuccessRate(), Validations: best.Validations}
	return st
}
