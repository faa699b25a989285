package model

import "time"

// KPIScore is the calibration of a single forecast against its observed value.
type KPIScore struct {
	Predicted  float64    `json:"predicted"`
	Actual     float64    `json:"actual"`
	Interval   [2]float64 `json:"ci"`
	InInterval bool       `json:"in_interval"`
	Error      float64    `json:"error"`
}

// Calibration scores one decision's chosen option.
type Calibration struct {
	DecisionID    string              `json:"decision_id"`
	Option        string              `json:"option"`
	KPIs          map[string]KPIScore `json:"kpis"`
	Scored        int                 `json:"n_scored"`
	InInterval    int                 `json:"n_in_interval"`
	AllInInterval bool                `json:"overall_in_interval"`
	Coverage      float64             `json:"coverage"`
	MeanAbsError  float64             `json:"overall_error"`
	Timestamp     time.Time           `json:"timestamp"`
}

// CalibrationVerdict classifies aggregate coverage against the stated confidence.
type CalibrationVerdict string

const (
	WellCalibrated         CalibrationVerdict = "well_calibrated"
	SlightlyOverconfident  CalibrationVerdict = "slightly_overconfident"
	Overconfident          CalibrationVerdict = "overconfident"
	SlightlyUnderconfident CalibrationVerdict = "slightly_underconfident"
	Underconfident         CalibrationVerdict = "underconfident"
)

// CalibrationSummary aggregates calibration over every scored decision.
// Pointer fields are nil when no decision has been scored.
type CalibrationSummary struct {
	Decisions        int                `json:"n_decisions"`
	Coverage         *float64           `json:"coverage"`
	KPICoverage      *float64           `json:"kpi_coverage"`
	ExpectedCoverage float64            `json:"expected_coverage"`
	CalibrationError *float64           `json:"calibration_error"`
	MeanAbsError     *float64           `json:"mean_absolute_error"`
	Verdict          CalibrationVerdict `json:"verdict,omitempty"`
	Interpretation   string             `json:"interpretation,omitempty"`
}
