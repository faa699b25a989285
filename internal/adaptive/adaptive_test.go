package adaptive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CosilicoAI/cosilico-validators/internal/bandit"
	"github.com/CosilicoAI/cosilico-validators/internal/model"
	"github.com/CosilicoAI/cosilico-validators/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newSampler opens a sampler whose registry starts from arms.
func newSampler(t *testing.T, arms ...model.PluginArm) (*Sampler, string) {
	t.Helper()
	dir := t.TempDir()
	snapPath := filepath.Join(dir, "plugin_arms.json")
	if len(arms) > 0 {
		byVersion := make(map[string]model.PluginArm, len(arms))
		for _, a := range arms {
			byVersion[a.Version] = a
		}
		data, err := json.Marshal(byVersion)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(snapPath, data, 0o600))
	}
	reg, err := bandit.Open(context.Background(), storage.NewFileSnapshot(snapPath), bandit.Options{Logger: testLogger()})
	require.NoError(t, err)

	s := New(reg, storage.NewAppendLog(filepath.Join(dir, "validation_batches.jsonl"), testLogger()), Options{
		Rand:   rand.New(rand.NewPCG(42, 1337)),
		Logger: testLogger(),
	})
	return s, dir
}

func arm(version string, successes, failures int, created time.Time, tested ...string) model.PluginArm {
	return model.PluginArm{
		Version:          version,
		Successes:        successes,
		Failures:         failures,
		Validations:      successes + failures,
		TotalMatchRate:   float64(successes),
		CreatedAt:        created,
		QuantitiesTested: tested,
	}
}

var epoch = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func TestSelect_NoArms(t *testing.T) {
	s, _ := newSampler(t)
	_, err := s.Select(Thompson)
	assert.ErrorIs(t, err, ErrNoArms)
}

func TestSelect_UnknownStrategy(t *testing.T) {
	s, _ := newSampler(t, arm("v1", 1, 0, epoch))
	_, err := s.Select("epsilon")
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestSelect_SingleArmShortCircuits(t *testing.T) {
	s, _ := newSampler(t, arm("only", 0, 50, epoch))
	for _, st := range []Strategy{"", Thompson, Greedy, Random, Newest} {
		got, err := s.Select(st)
		require.NoError(t, err)
		assert.Equal(t, "only", got)
	}
}

func TestSelect_ThompsonFavoursTheBetterArm(t *testing.T) {
	s, _ := newSampler(t,
		arm("A", 90, 10, epoch),
		arm("B", 10, 90, epoch.Add(time.Hour)),
	)
	const trials = 2000
	picks := map[string]int{}
	for range trials {
		v, err := s.Select(Thompson)
		require.NoError(t, err)
		picks[v]++
	}
	assert.Greater(t, float64(picks["A"])/trials, 0.70)
}

func TestSelect_ThompsonExploresUntestedArms(t *testing.T) {
	s, _ := newSampler(t,
		arm("steady", 6, 4, epoch),
		arm("fresh", 0, 0, epoch.Add(time.Hour)),
	)
	picks := map[string]int{}
	for range 2000 {
		v, err := s.Select(Thompson)
		require.NoError(t, err)
		picks[v]++
	}
	assert.Positive(t, picks["fresh"], "an untested arm must still be drawn sometimes")
	assert.Positive(t, picks["steady"])
}

func TestSelect_Greedy(t *testing.T) {
	s, _ := newSampler(t,
		arm("A", 5, 5, epoch),
		arm("B", 9, 1, epoch.Add(time.Hour)),
		arm("C", 18, 2, epoch.Add(2*time.Hour)),
	)
	got, err := s.Select(Greedy)
	require.NoError(t, err)
	assert.Equal(t, "B", got, "ties keep the earlier registration")
}

func TestSelect_Newest(t *testing.T) {
	s, _ := newSampler(t,
		arm("old", 50, 0, epoch),
		arm("new", 0, 50, epoch.Add(48*time.Hour)),
		arm("mid", 10, 0, epoch.Add(24*time.Hour)),
	)
	got, err := s.Select(Newest)
	require.NoError(t, err)
	assert.Equal(t, "new", got)
}

func TestSelect_RandomCoversEveryArm(t *testing.T) {
	s, _ := newSampler(t, arm("A", 1, 0, epoch), arm("B", 1, 0, epoch), arm("C", 1, 0, epoch))
	picks := map[string]int{}
	for range 600 {
		v, err := s.Select(Random)
		require.NoError(t, err)
		picks[v]++
	}
	assert.Len(t, picks, 3)
	for _, n := range picks {
		assert.Greater(t, n, 120)
	}
}

func TestWilsonLowerBound(t *testing.T) {
	assert.InDelta(t, 0.827, WilsonLowerBound(0.9, 100, 1.96), 0.005)
	assert.Zero(t, WilsonLowerBound(0.5, 0, 1.96))
	assert.Less(t, WilsonLowerBound(1, 10, 1.96), WilsonLowerBound(1, 1000, 1.96), "more evidence tightens the bound")
}

func catalog(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("q%02d", i)
	}
	return out
}

func TestPlan_NoHistory(t *testing.T) {
	s, _ := newSampler(t)
	plan := s.Plan(context.Background(), catalog(5), PlanOptions{})

	assert.InDelta(t, 1.0, plan.SampleFraction, 1e-9)
	assert.Equal(t, catalog(5), plan.Quantities)
	assert.Contains(t, plan.Reason, "No validation history")
}

func TestPlan_InsufficientHistoryTestsEverything(t *testing.T) {
	s, _ := newSampler(t, arm("v1", 9, 0, epoch, "q00"))
	plan := s.Plan(context.Background(), catalog(20), PlanOptions{MinFraction: 0.2, MaxFraction: 0.5})

	assert.InDelta(t, 1.0, plan.SampleFraction, 1e-9)
	assert.Len(t, plan.Quantities, 20)
	assert.Contains(t, plan.Reason, "Only 9 validations")
}

func TestPlan_HighConfidenceSamplesMinimum(t *testing.T) {
	s, _ := newSampler(t, arm("v1", 1000, 0, epoch, "q00"))
	plan := s.Plan(context.Background(), catalog(40), PlanOptions{MinFraction: 0.05})

	assert.Greater(t, plan.ConfidenceLevel, 0.95)
	assert.InDelta(t, 0.05, plan.SampleFraction, 1e-9)
	// ceil(0.05·40) = 2, both taken from the untested quantities in catalog order.
	assert.Equal(t, []string{"q01", "q02"}, plan.Quantities)
}

func TestPlanOptions_ZeroTakesDefaults(t *testing.T) {
	o := PlanOptions{}.withDefaults()
	assert.InDelta(t, DefaultMinFraction, o.MinFraction, 1e-12)
	assert.InDelta(t, DefaultMaxFraction, o.MaxFraction, 1e-12)
	assert.InDelta(t, DefaultConfidenceThreshold, o.ConfidenceThreshold, 1e-12)

	o = PlanOptions{MinFraction: 0.8, MaxFraction: 2}.withDefaults()
	assert.InDelta(t, 1.0, o.MaxFraction, 1e-12)
	assert.InDelta(t, 0.8, o.MinFraction, 1e-12)

	o = PlanOptions{MinFraction: 0.6, MaxFraction: 0.4}.withDefaults()
	assert.InDelta(t, 0.4, o.MinFraction, 1e-12)
}

func TestPlan_GoodConfidenceInterpolatesFromMinimum(t *testing.T) {
	s, _ := newSampler(t, arm("v1", 291, 9, epoch))
	plan := s.Plan(context.Background(), catalog(20), PlanOptions{MinFraction: 0.05})

	c := WilsonLowerBound(0.97, 300, 1.96)
	require.Greater(t, c, 0.90)
	require.LessOrEqual(t, c, 0.95)
	want := 0.05 + (0.9-0.05)*(0.95-c)/0.05
	assert.InDelta(t, c, plan.ConfidenceLevel, 1e-12)
	assert.InDelta(t, want, plan.SampleFraction, 1e-12)
	assert.Len(t, plan.Quantities, int(math.Ceil(want*20-1e-9)))
	assert.Contains(t, plan.Reason, "Good confidence")
}

func TestPlan_ModerateConfidenceInterpolates(t *testing.T) {
	s, _ := newSampler(t, arm("v1", 90, 10, epoch))
	plan := s.Plan(context.Background(), catalog(10), PlanOptions{})

	c := WilsonLowerBound(0.9, 100, 1.96)
	require.Greater(t, c, 0.80)
	require.LessOrEqual(t, c, 0.90)
	assert.InDelta(t, c, plan.ConfidenceLevel, 1e-12)
	assert.InDelta(t, 0.3+0.4*(0.90-c)/0.10, plan.SampleFraction, 1e-12)
	assert.Len(t, plan.Quantities, 6)
	assert.Contains(t, plan.Reason, "Moderate confidence")
}

func TestPlan_LowConfidenceUsesMaxFraction(t *testing.T) {
	s, _ := newSampler(t, arm("v1", 5, 15, epoch))
	plan := s.Plan(context.Background(), catalog(10), PlanOptions{MaxFraction: 0.5})

	assert.InDelta(t, 0.5, plan.SampleFraction, 1e-9)
	assert.Len(t, plan.Quantities, 5)
}

func TestPlan_UntestedFirstThenSampleOfTested(t *testing.T) {
	tested := []string{"q00", "q01", "q02", "q03", "q04", "q05", "q06", "q07"}
	s, _ := newSampler(t, arm("v1", 5, 15, epoch, tested...))
	plan := s.Plan(context.Background(), catalog(10), PlanOptions{MaxFraction: 0.5})

	require.Len(t, plan.Quantities, 5)
	assert.Equal(t, []string{"q08", "q09"}, plan.Quantities[:2])
	seen := map[string]bool{}
	for _, q := range plan.Quantities[2:] {
		assert.Contains(t, tested, q)
		assert.False(t, seen[q], "no quantity twice")
		seen[q] = true
	}
}

func TestPlan_FractionStaysWithinBounds(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for range 200 {
		succ := rng.IntN(500)
		fail := rng.IntN(500)
		if succ+fail < 10 {
			continue
		}
		s, _ := newSampler(t, arm("v", succ, fail, epoch))
		lo := 0.01 + rng.Float64()*0.3
		hi := lo + rng.Float64()*(1-lo)
		plan := s.Plan(context.Background(), catalog(25), PlanOptions{MinFraction: lo, MaxFraction: hi})

		assert.GreaterOrEqual(t, plan.SampleFraction, lo-1e-12)
		assert.LessOrEqual(t, plan.SampleFraction, hi+1e-12)
		assert.NotEmpty(t, plan.Quantities)
	}
}

func TestLogBatch_RecordsAndDetectsRegressions(t *testing.T) {
	ctx := context.Background()
	s, _ := newSampler(t)

	first, err := s.LogBatch(ctx, "v1", []string{"eitc", "ctc"}, map[string]float64{"eitc": 1.0, "ctc": 0.9}, "")
	require.NoError(t, err)
	assert.InDelta(t, 0.95, first.OverallMatchRate, 1e-9)
	assert.Empty(t, first.Regressions)

	v1, ok := s.Registry().Arm("v1")
	require.True(t, ok)
	assert.Equal(t, 1, v1.Successes, "eitc reached the success rate")
	assert.Equal(t, 1, v1.Failures)
	assert.Equal(t, []string{"ctc", "eitc"}, v1.QuantitiesTested, "quantities are recorded in sorted order")

	_, err = s.Registry().Register(ctx, "v2")
	require.NoError(t, err)
	second, err := s.LogBatch(ctx, "v2", []string{"eitc", "ctc"}, map[string]float64{"eitc": 0.80, "ctc": 0.95}, "v1")
	require.NoError(t, err)
	assert.Equal(t, []string{"eitc"}, second.Regressions)

	v2, _ := s.Registry().Arm("v2")
	assert.Equal(t, []string{"eitc"}, v2.RegressionsFrom["v1"])

	batches, err := s.Batches(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, "v2", batches[1].Version)
	assert.Equal(t, []string{"eitc"}, batches[1].Regressions)
}

func TestLogBatch_UsesMostRecentPreviousRates(t *testing.T) {
	ctx := context.Background()
	s, _ := newSampler(t)

	_, err := s.LogBatch(ctx, "v1", []string{"eitc"}, map[string]float64{"eitc": 0.5}, "")
	require.NoError(t, err)
	_, err = s.LogBatch(ctx, "v1", []string{"eitc"}, map[string]float64{"eitc": 1.0}, "")
	require.NoError(t, err)

	batch, err := s.LogBatch(ctx, "v2", []string{"eitc"}, map[string]float64{"eitc": 0.9}, "v1")
	require.NoError(t, err)
	assert.Equal(t, []string{"eitc"}, batch.Regressions)
}

func TestLogBatch_UnknownPreviousVersionSkipsComparison(t *testing.T) {
	s, _ := newSampler(t)
	batch, err := s.LogBatch(context.Background(), "v2", []string{"eitc"}, map[string]float64{"eitc": 0}, "ghost")
	require.NoError(t, err)
	assert.Empty(t, batch.Regressions)
}

func TestLogBatch_RejectsNonFiniteRates(t *testing.T) {
	ctx := context.Background()
	s, _ := newSampler(t)

	_, err := s.LogBatch(ctx, "v1", []string{"eitc", "ctc"}, map[string]float64{"eitc": 1, "ctc": math.NaN()}, "")
	require.ErrorIs(t, err, bandit.ErrInvalidMatchRate)

	assert.Equal(t, 0, s.Registry().Len(), "nothing recorded")
	batches, err := s.Batches(ctx)
	require.NoError(t, err)
	assert.Empty(t, batches, "nothing logged")

	_, err = s.LogBatch(ctx, "v1", []string{"eitc"}, map[string]float64{"eitc": 1}, "")
	require.NoError(t, err)
}

func TestLogBatch_EmptyRates(t *testing.T) {
	s, _ := newSampler(t)
	batch, err := s.LogBatch(context.Background(), "v1", nil, nil, "")
	require.NoError(t, err)
	assert.Zero(t, batch.OverallMatchRate)
	assert.Zero(t, s.Registry().Len())
}

func TestStatistics(t *testing.T) {
	s, _ := newSampler(t)
	assert.Equal(t, "no_data", s.Statistics().Status)

	s, _ = newSampler(t,
		arm("v1", 3, 1, epoch, "eitc", "ctc"),
		arm("v2", 6, 0, epoch.Add(time.Hour), "eitc", "snap"),
	)
	st := s.Statistics()
	assert.Equal(t, "active", st.Status)
	assert.Equal(t, 10, st.TotalValidations)
	assert.Equal(t, 9, st.TotalSuccesses)
	assert.InDelta(t, 0.9, st.OverallSuccessRate, 1e-9)
	assert.Equal(t, 3, st.UniqueQuantities)
	assert.Equal(t, 2, st.Versions)
	require.NotNil(t, st.Best)
	assert.Equal(t, "v2", st.Best.Version)
	assert.InDelta(t, 1.0, st.Best.SuccessRate, 1e-9)
}
