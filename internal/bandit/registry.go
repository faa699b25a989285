// Package bandit keeps the multi-armed bandit state: one arm per version of the
// system under test, with success and failure counts and regression history.
package bandit

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/CosilicoAI/cosilico-validators/internal/model"
	"github.com/CosilicoAI/cosilico-validators/internal/storage"
	"github.com/CosilicoAI/cosilico-validators/internal/telemetry"
)

// DefaultRegressionThreshold is the match-rate drop that counts as a regression.
const DefaultRegressionThreshold = 0.05

var (
	// ErrUnknownArm is returned for a version that was never registered.
	ErrUnknownArm = errors.New("bandit: unknown arm")
	// ErrCorruptSnapshot is returned when a persisted registry fails validation.
	ErrCorruptSnapshot = errors.New("bandit: corrupt snapshot")
	// ErrInvalidMatchRate is returned for a NaN or infinite match rate.
	ErrInvalidMatchRate = errors.New("bandit: invalid match rate")
)

// ValidMatchRate reports whether rate is finite. Finite rates are clamped to
// [0, 1] on record.
func ValidMatchRate(rate float64) bool {
	return !math.IsNaN(rate) && !math.IsInf(rate, 0)
}

//go:embed registry.schema.json
var registrySchema string

const schemaURL = "https://cosilico.ai/schemas/plugin_arms.json"

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, strings.NewReader(registrySchema)); err != nil {
			compileErr = fmt.Errorf("bandit: add schema resource: %w", err)
			return
		}
		compiled, compileErr = c.Compile(schemaURL)
		if compileErr != nil {
			compileErr = fmt.Errorf("bandit: compile schema: %w", compileErr)
		}
	})
	return compiled, compileErr
}

// Options configures a Registry.
type Options struct {
	// RegressionThreshold defaults to DefaultRegressionThreshold.
	RegressionThreshold float64
	Logger              *slog.Logger
	// Now stamps new arms. Defaults to time.Now.
	Now func() time.Time
}

// Registry holds every arm in memory and writes the whole set to its snapshot
// after each mutation. It is safe for concurrent use within one process.
type Registry struct {
	snap      storage.Snapshot
	threshold float64
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	arms  map[string]*model.PluginArm
	order []string

	records metric.Int64Counter
}

// Open loads the registry from snap. A missing snapshot yields an empty registry.
func Open(ctx context.Context, snap storage.Snapshot, opts Options) (*Registry, error) {
	if opts.RegressionThreshold <= 0 {
		opts.RegressionThreshold = DefaultRegressionThreshold
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	records, _ := telemetry.Meter(telemetry.ScopeBandit).Int64Counter("cosilico.bandit.records",
		metric.WithDescription("Validation outcomes recorded against arms"),
	)
	r := &Registry{
		snap:      snap,
		threshold: opts.RegressionThreshold,
		logger:    opts.Logger,
		now:       opts.Now,
		arms:      make(map[string]*model.PluginArm),
		records:   records,
	}

	data, err := snap.Load(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("bandit: load: %w", err)
	}
	arms, err := decode(data)
	if err != nil {
		return nil, err
	}
	for _, a := range arms {
		arm := a
		if arm.RegressionsFrom == nil {
			arm.RegressionsFrom = map[string][]string{}
		}
		r.arms[a.Version] = &arm
		r.order = append(r.order, a.Version)
	}
	r.logger.Debug("bandit: loaded registry", "arms", len(r.order))
	return r, nil
}

// decode validates data against the registry schema. The snapshot is an
// object keyed by version; arms come back ordered by creation time, then version.
func decode(data []byte) ([]model.PluginArm, error) {
	s, err := schema()
	if err != nil {
		return nil, err
	}
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
	}
	if err := s.Validate(payload); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
	}

	var byVersion map[string]model.PluginArm
	if err := json.Unmarshal(data, &byVersion); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
	}
	arms := make([]model.PluginArm, 0, len(byVersion))
	for key, a := range byVersion {
		if a.Version != key {
			return nil, fmt.Errorf("%w: arm %q stored under %q", ErrCorruptSnapshot, a.Version, key)
		}
		arms = append(arms, a)
	}
	slices.SortFunc(arms, func(a, b model.PluginArm) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Version, b.Version)
	})
	return arms, nil
}

// Register adds an arm for version if none exists. It is idempotent.
func (r *Registry) Register(ctx context.Context, version string) (model.PluginArm, error) {
	if version == "" {
		return model.PluginArm{}, errors.New("bandit: register: empty version")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.arms[version]; ok {
		return a.Clone(), nil
	}
	a := r.add(version)
	return a.Clone(), r.persist(ctx)
}

func (r *Registry) add(version string) *model.PluginArm {
	a := &model.PluginArm{
		Version:         version,
		CreatedAt:       r.now().UTC(),
		RegressionsFrom: map[string][]string{},
	}
	r.arms[version] = a
	r.order = append(r.order, version)
	r.logger.Info("bandit: registered arm", "version", version)
	return a
}

// Record counts one validation of quantity against version, registering the
// arm first if needed. matchRate is clamped to [0, 1]; a non-finite rate is
// rejected before anything changes.
func (r *Registry) Record(ctx context.Context, version, quantity string, matchRate float64, success bool) (model.PluginArm, error) {
	if version == "" {
		return model.PluginArm{}, errors.New("bandit: record: empty version")
	}
	if !ValidMatchRate(matchRate) {
		return model.PluginArm{}, fmt.Errorf("%w: %v for %s/%s", ErrInvalidMatchRate, matchRate, version, quantity)
	}
	matchRate = min(max(matchRate, 0), 1)

	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.arms[version]
	if !ok {
		a = r.add(version)
	}
	a.Validations++
	a.TotalMatchRate += matchRate
	if success {
		a.Successes++
	} else {
		a.Failures++
	}
	if quantity != "" && !slices.Contains(a.QuantitiesTested, quantity) {
		a.QuantitiesTested = append(a.QuantitiesTested, quantity)
	}

	r.records.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
	return a.Clone(), r.persist(ctx)
}

// DetectRegressions returns, sorted, the quantities present in both rate maps
// whose match rate dropped by more than the threshold. A non-empty result is
// stored on the new arm when it exists.
func (r *Registry) DetectRegressions(ctx context.Context, newVersion, oldVersion string, newRates, oldRates map[string]float64) ([]string, error) {
	var regressions []string
	for q, rate := range newRates {
		old, ok := oldRates[q]
		if ok && old-rate > r.threshold {
			regressions = append(regressions, q)
		}
	}
	slices.Sort(regressions)
	if len(regressions) == 0 {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.arms[newVersion]
	if !ok {
		return regressions, nil
	}
	a.RegressionsFrom[oldVersion] = slices.Clone(regressions)
	r.logger.Warn("bandit: regressions detected", "version", newVersion, "against", oldVersion, "quantities", regressions)
	return regressions, r.persist(ctx)
}

// Discard removes version from the registry.
func (r *Registry) Discard(ctx context.Context, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.arms[version]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownArm, version)
	}
	delete(r.arms, version)
	r.order = slices.DeleteFunc(r.order, func(v string) bool { return v == version })
	r.logger.Info("bandit: discarded arm", "version", version)
	return r.persist(ctx)
}

// Arm returns a copy of the arm for version.
func (r *Registry) Arm(version string) (model.PluginArm, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.arms[version]
	if !ok {
		return model.PluginArm{}, false
	}
	return a.Clone(), true
}

// Arms returns copies of every arm in registration order.
func (r *Registry) Arms() []model.PluginArm {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.PluginArm, 0, len(r.order))
	for _, v := range r.order {
		out = append(out, r.arms[v].Clone())
	}
	return out
}

// Len returns the number of arms.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// RegressionThreshold returns the configured regression threshold.
func (r *Registry) RegressionThreshold() float64 { return r.threshold }

// persist writes every arm as one object keyed by version. Callers hold mu.
// A failed write leaves the in-memory state updated and is returned to the caller.
func (r *Registry) persist(ctx context.Context) error {
	data, err := json.MarshalIndent(r.arms, "", "  ")
	if err != nil {
		return fmt.Errorf("bandit: marshal: %w", err)
	}
	if err := r.snap.Save(ctx, data); err != nil {
		r.logger.Warn("bandit: persist failed", "arms", len(r.arms), "error", err)
		return fmt.Errorf("bandit: persist: %w", err)
	}
	return nil
}
