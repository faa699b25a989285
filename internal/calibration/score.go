package calibration

import (
	"fmt"
	"maps"
	"math"
	"slices"

	"github.com/CosilicoAI/cosilico-validators/internal/model"
)

// Score calibrates the chosen option of d against its recorded outcomes. Only
// outcomes the option forecast are scored; when none are, the calibration is
// zero apart from its identifiers.
func Score(d model.Decision) (model.Calibration, error) {
	if d.ChosenOption == "" {
		return model.Calibration{}, fmt.Errorf("%w: %s", ErrNoChoice, d.ID)
	}
	opt, ok := d.Option(d.ChosenOption)
	if !ok {
		return model.Calibration{}, fmt.Errorf("%w: %q in %s", ErrOptionNotFound, d.ChosenOption, d.ID)
	}

	c := model.Calibration{
		DecisionID: d.ID,
		Option:     opt.Name,
		KPIs:       map[string]model.KPIScore{},
	}
	var totalErr float64
	for _, name := range slices.Sorted(maps.Keys(d.ActualOutcomes)) {
		f, ok := opt.Forecasts[name]
		if !ok {
			continue
		}
		actual := d.ActualOutcomes[name]
		s := model.KPIScore{
			Predicted:  f.PointEstimate,
			Actual:     actual,
			Interval:   [2]float64{f.Low, f.High},
			InInterval: f.Contains(actual),
			Error:      math.Abs(actual - f.PointEstimate),
		}
		c.KPIs[name] = s
		c.Scored++
		if s.InInterval {
			c.InInterval++
		}
		totalErr += s.Error
	}
	if c.Scored > 0 {
		c.AllInInterval = c.InInterval == c.Scored
		c.Coverage = float64(c.InInterval) / float64(c.Scored)
		c.MeanAbsError = totalErr / float64(c.Scored)
	}
	return c, nil
}

// Summarize aggregates calibrations. Coverage is the share of decisions whose
// every scored KPI landed in its interval; KPICoverage pools all scored KPIs.
// Calibrations with nothing scored are ignored.
func Summarize(entries []model.Calibration, expected float64) model.CalibrationSummary {
	if expected <= 0 {
		expected = model.DefaultCoverage
	}
	sum := model.CalibrationSummary{ExpectedCoverage: expected}

	var allIn, kpiIn, kpiScored int
	var errSum float64
	for _, e := range entries {
		e = backfill(e)
		if e.Scored == 0 {
			continue
		}
		sum.Decisions++
		if e.AllInInterval {
			allIn++
		}
		kpiIn += e.InInterval
		kpiScored += e.Scored
		errSum += e.MeanAbsError
	}
	if sum.Decisions == 0 {
		return sum
	}

	coverage := float64(allIn) / float64(sum.Decisions)
	sum.Coverage = model.Float(coverage)
	sum.KPICoverage = model.Float(float64(kpiIn) / float64(kpiScored))
	sum.CalibrationError = model.Float(coverage - expected)
	sum.MeanAbsError = model.Float(errSum / float64(sum.Decisions))
	sum.Verdict, sum.Interpretation = Interpret(coverage, expected)
	return sum
}

// backfill derives counts for records written without them.
func backfill(e model.Calibration) model.Calibration {
	if e.Scored > 0 || len(e.KPIs) == 0 {
		return e
	}
	e.Scored = len(e.KPIs)
	for _, s := range e.KPIs {
		if s.InInterval {
			e.InInterval++
		}
	}
	return e
}

// Interpret classifies coverage against the expected coverage: within 0.05 is
// well calibrated, more than 0.1 off is over- or underconfident, and anything
// between is the slight variant.
func Interpret(coverage, expected float64) (model.CalibrationVerdict, string) {
	diff := coverage - expected
	pct := coverage * 100
	exp := expected * 100
	switch {
	case math.Abs(diff) < 0.05:
		return model.WellCalibrated, "Well-calibrated: actual coverage matches stated confidence."
	case diff < -0.1:
		return model.Overconfident, fmt.Sprintf("Overconfident: only %.0f%% of actuals in CIs (expected %.0f%%).", pct, exp)
	case diff < 0:
		return model.SlightlyOverconfident, fmt.Sprintf("Slightly overconfident: %.0f%% coverage vs %.0f%% expected.", pct, exp)
	case diff > 0.1:
		return model.Underconfident, fmt.Sprintf("Underconfident: %.0f%% of actuals in CIs (expected %.0f%%).", pct, exp)
	default:
		return model.SlightlyUnderconfident, fmt.Sprintf("Slightly underconfident: %.0f%% coverage vs %.0f%% expected.", pct, exp)
	}
}
