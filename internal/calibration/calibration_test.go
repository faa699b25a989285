package calibration

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CosilicoAI/cosilico-validators/internal/model"
	"github.com/CosilicoAI/cosilico-validators/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func clock() func() time.Time {
	now := epoch
	return func() time.Time {
		now = now.Add(time.Minute)
		return now
	}
}

func newTracker(t *testing.T) (*Tracker, string) {
	t.Helper()
	dir := t.TempDir()
	decisions, err := storage.OpenFileKeyed(filepath.Join(dir, "decisions.jsonl"), "id", testLogger())
	require.NoError(t, err)
	log := storage.NewAppendLog(filepath.Join(dir, "calibration.jsonl"), testLogger())
	return New(decisions, log, Options{Logger: testLogger(), Now: clock()}), dir
}

func input() DecisionInput {
	return DecisionInput{
		Question: "Which layer should absorb the EITC phase-out fix?",
		Options: []model.Option{
			{
				Name:  "fix-encoder",
				Layer: "encoder",
				Forecasts: map[string]model.Forecast{
					"match_rate": {PointEstimate: 95, Low: 90, High: 98},
				},
			},
			{
				Name:  "patch-validator",
				Layer: "validator",
				Forecasts: map[string]model.Forecast{
					"match_rate":      {PointEstimate: 92, Low: 88, High: 96},
					"regression_rate": {PointEstimate: 2, Low: 0, High: 5},
				},
			},
		},
	}
}

func TestCreateDecision_FillsDefaults(t *testing.T) {
	tr, _ := newTracker(t)
	d, err := tr.CreateDecision(context.Background(), input())
	require.NoError(t, err)

	assert.NotEmpty(t, d.ID)
	assert.Equal(t, model.StandardKPIs(), d.KPIs)
	f := d.Options[0].Forecasts["match_rate"]
	assert.Equal(t, "match_rate", f.KPI)
	assert.InDelta(t, model.DefaultCoverage, f.ConfidenceLevel, 1e-12)
	assert.Empty(t, d.ChosenOption)
	assert.NotNil(t, d.ActualOutcomes)

	got, err := tr.Decision(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)
	assert.Equal(t, d.Options, got.Options)
}

func TestCreateDecision_Rejects(t *testing.T) {
	cases := map[string]func(*DecisionInput){
		"no options": func(in *DecisionInput) { in.Options = nil },
		"duplicate option names": func(in *DecisionInput) {
			in.Options[1].Name = in.Options[0].Name
		},
		"inverted interval": func(in *DecisionInput) {
			in.Options[0].Forecasts["match_rate"] = model.Forecast{PointEstimate: 95, Low: 98, High: 90}
		},
		"confidence above one": func(in *DecisionInput) {
			in.Options[0].Forecasts["match_rate"] = model.Forecast{Low: 1, High: 2, ConfidenceLevel: 1.5}
		},
		"forecast filed under wrong kpi": func(in *DecisionInput) {
			in.Options[0].Forecasts["match_rate"] = model.Forecast{KPI: "regression_rate", Low: 1, High: 2}
		},
		"missing question": func(in *DecisionInput) { in.Question = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			tr, _ := newTracker(t)
			in := input()
			mutate(&in)
			_, err := tr.CreateDecision(context.Background(), in)
			require.ErrorIs(t, err, ErrInvalidDecision)
		})
	}
}

func TestRecordChoice(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	d, err := tr.CreateDecision(ctx, input())
	require.NoError(t, err)

	_, err = tr.RecordChoice(ctx, d.ID, "rewrite-everything")
	require.ErrorIs(t, err, ErrOptionNotFound)

	_, err = tr.RecordChoice(ctx, "missing", "fix-encoder")
	require.ErrorIs(t, err, ErrDecisionNotFound)

	d, err = tr.RecordChoice(ctx, d.ID, "patch-validator")
	require.NoError(t, err)
	assert.Equal(t, "patch-validator", d.ChosenOption)
	require.NotNil(t, d.DecidedAt)
}

func TestRecordOutcome_ScoresChosenOption(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	d, err := tr.CreateDecision(ctx, input())
	require.NoError(t, err)
	_, err = tr.RecordChoice(ctx, d.ID, "patch-validator")
	require.NoError(t, err)

	c, err := tr.RecordOutcome(ctx, d.ID, map[string]float64{
		"match_rate":      94,
		"regression_rate": 7,
		"unforecast":      1,
	}, "regressions ran higher than planned")
	require.NoError(t, err)

	assert.Equal(t, d.ID, c.DecisionID)
	assert.Equal(t, "patch-validator", c.Option)
	assert.Equal(t, 2, c.Scored)
	assert.Equal(t, 1, c.InInterval)
	assert.False(t, c.AllInInterval)
	assert.InDelta(t, 0.5, c.Coverage, 1e-12)
	assert.InDelta(t, 3.5, c.MeanAbsError, 1e-12)
	assert.NotContains(t, c.KPIs, "unforecast")
	assert.Equal(t, [2]float64{0, 5}, c.KPIs["regression_rate"].Interval)

	stored, err := tr.Decision(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "regressions ran higher than planned", stored.Reflections)
	require.NotNil(t, stored.ScoredAt)

	logged, err := tr.Calibrations(ctx)
	require.NoError(t, err)
	require.Len(t, logged, 1)
	assert.Equal(t, c.DecisionID, logged[0].DecisionID)
}

func TestRecordOutcome_WithoutChoiceKeepsOutcome(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	d, err := tr.CreateDecision(ctx, input())
	require.NoError(t, err)

	_, err = tr.RecordOutcome(ctx, d.ID, map[string]float64{"match_rate": 91}, "")
	require.ErrorIs(t, err, ErrNoChoice)

	stored, err := tr.Decision(ctx, d.ID)
	require.NoError(t, err)
	assert.InDelta(t, 91, stored.ActualOutcomes["match_rate"], 1e-12)

	logged, err := tr.Calibrations(ctx)
	require.NoError(t, err)
	assert.Empty(t, logged)
}

func TestScore_IsIdempotent(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	d, err := tr.CreateDecision(ctx, input())
	require.NoError(t, err)
	_, err = tr.RecordChoice(ctx, d.ID, "fix-encoder")
	require.NoError(t, err)
	_, err = tr.RecordOutcome(ctx, d.ID, map[string]float64{"match_rate": 97}, "")
	require.NoError(t, err)

	stored, err := tr.Decision(ctx, d.ID)
	require.NoError(t, err)
	first, err := Score(stored)
	require.NoError(t, err)
	second, err := Score(stored)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.True(t, first.AllInInterval)
}

func TestScore_NothingForecastIsZero(t *testing.T) {
	d := model.Decision{
		ID:             "d1",
		Options:        input().Options,
		ChosenOption:   "fix-encoder",
		ActualOutcomes: map[string]float64{"regression_rate": 3},
	}
	c, err := Score(d)
	require.NoError(t, err)
	assert.Equal(t, "d1", c.DecisionID)
	assert.Zero(t, c.Scored)
	assert.Zero(t, c.Coverage)
	assert.False(t, c.AllInInterval)
	assert.Empty(t, c.KPIs)
}

func TestScore_ChoiceMustExist(t *testing.T) {
	_, err := Score(model.Decision{ID: "d1", Options: input().Options, ChosenOption: "gone"})
	require.ErrorIs(t, err, ErrOptionNotFound)

	_, err = Score(model.Decision{ID: "d1", Options: input().Options})
	require.ErrorIs(t, err, ErrNoChoice)
}

func TestScore_IntervalIsClosed(t *testing.T) {
	d := model.Decision{
		Options:        input().Options,
		ChosenOption:   "fix-encoder",
		ActualOutcomes: map[string]float64{"match_rate": 98},
	}
	c, err := Score(d)
	require.NoError(t, err)
	assert.True(t, c.KPIs["match_rate"].InInterval)
}

func entry(allIn bool, scored, in int, mae float64) model.Calibration {
	return model.Calibration{Scored: scored, InInterval: in, AllInInterval: allIn, MeanAbsError: mae}
}

func TestSummarize_Empty(t *testing.T) {
	s := Summarize(nil, 0.8)
	assert.Zero(t, s.Decisions)
	assert.Nil(t, s.Coverage)
	assert.Nil(t, s.CalibrationError)
	assert.InDelta(t, 0.8, s.ExpectedCoverage, 1e-12)
	assert.Empty(t, s.Verdict)
}

func TestSummarize_DecisionLevelCoverage(t *testing.T) {
	s := Summarize([]model.Calibration{
		entry(true, 2, 2, 1),
		entry(false, 2, 1, 3),
		entry(true, 1, 1, 2),
		entry(false, 0, 0, 0),
	}, 0.8)

	assert.Equal(t, 3, s.Decisions)
	require.NotNil(t, s.Coverage)
	assert.InDelta(t, 2.0/3, *s.Coverage, 1e-12)
	assert.InDelta(t, 4.0/5, *s.KPICoverage, 1e-12)
	assert.InDelta(t, 2.0/3-0.8, *s.CalibrationError, 1e-12)
	assert.InDelta(t, 2.0, *s.MeanAbsError, 1e-12)
	assert.Equal(t, model.Overconfident, s.Verdict)
}

func TestSummarize_BackfillsLegacyCounts(t *testing.T) {
	legacy := model.Calibration{
		AllInInterval: true,
		KPIs: map[string]model.KPIScore{
			"match_rate": {InInterval: true},
		},
	}
	s := Summarize([]model.Calibration{legacy}, 0.8)
	assert.Equal(t, 1, s.Decisions)
	assert.InDelta(t, 1.0, *s.KPICoverage, 1e-12)
}

func TestInterpret_Bands(t *testing.T) {
	cases := []struct {
		coverage float64
		want     model.CalibrationVerdict
	}{
		{0.80, model.WellCalibrated},
		{0.84, model.WellCalibrated},
		{0.76, model.WellCalibrated},
		{0.72, model.SlightlyOverconfident},
		{0.60, model.Overconfident},
		{0.88, model.SlightlyUnderconfident},
		{0.95, model.Underconfident},
	}
	for _, tc := range cases {
		got, msg := Interpret(tc.coverage, 0.8)
		assert.Equal(t, tc.want, got, "coverage %.2f", tc.coverage)
		assert.NotEmpty(t, msg)
	}
}

func TestSummary_ReadsLog(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	for range 5 {
		d, err := tr.CreateDecision(ctx, input())
		require.NoError(t, err)
		_, err = tr.RecordChoice(ctx, d.ID, "fix-encoder")
		require.NoError(t, err)
		_, err = tr.RecordOutcome(ctx, d.ID, map[string]float64{"match_rate": 96}, "")
		require.NoError(t, err)
	}

	s, err := tr.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, s.Decisions)
	assert.InDelta(t, 1.0, *s.Coverage, 1e-12)
	assert.Equal(t, model.Underconfident, s.Verdict)

	all, err := tr.Decisions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.True(t, all[i-1].CreatedAt.Before(all[i].CreatedAt))
	}
}

func TestTracker_BadgerBackend(t *testing.T) {
	db, err := storage.OpenBadger(storage.BadgerConfig{InMemory: true, Logger: testLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	log := storage.NewAppendLog(filepath.Join(t.TempDir(), "calibration.jsonl"), testLogger())
	tr := New(storage.NewBadgerKeyed(db, "decision/"), log, Options{Logger: testLogger(), Now: clock()})
	ctx := context.Background()

	d, err := tr.CreateDecision(ctx, input())
	require.NoError(t, err)
	_, err = tr.RecordChoice(ctx, d.ID, "fix-encoder")
	require.NoError(t, err)
	c, err := tr.RecordOutcome(ctx, d.ID, map[string]float64{"match_rate": 80}, "")
	require.NoError(t, err)
	assert.False(t, c.AllInInterval)
	assert.InDelta(t, 15, c.MeanAbsError, 1e-12)
}
