package model

import "time"

// DefaultCoverage is the interval coverage a forecast claims unless it says otherwise.
const DefaultCoverage = 0.80

// KPI is a measurable outcome an improvement is forecast against.
type KPI struct {
	Name        string   `json:"name" validate:"required"`
	Description string   `json:"description"`
	Unit        string   `json:"unit"`
	Target      *float64 `json:"target,omitempty"`
	Weight      float64  `json:"weight" validate:"gte=0"`
}

// StandardKPIs are the KPIs used when a decision names none.
func StandardKPIs() []KPI {
	return []KPI{
		{
			Name:        "match_rate",
			Description: "Percentage of test cases achieving full agreement",
			Unit:        "%",
			Target:      Float(99.0),
			Weight:      1.0,
		},
		{
			Name:        "encoding_success_rate",
			Description: "Percentage of quantities that pass validation first try",
			Unit:        "%",
			Target:      Float(80.0),
			Weight:      0.5,
		},
		{
			Name:        "regression_rate",
			Description: "Percentage of previously-passing quantities that fail",
			Unit:        "%",
			Target:      Float(0.0),
			Weight:      0.8,
		},
	}
}

// Forecast is a prediction of one KPI's change: a point estimate and a
// two-sided interval claimed to hold with probability ConfidenceLevel.
type Forecast struct {
	KPI             string   `json:"kpi_name" validate:"required"`
	PointEstimate   float64  `json:"point_estimate"`
	Low             float64  `json:"low"`
	High            float64  `json:"high" validate:"gtefield=Low"`
	ConfidenceLevel float64  `json:"confidence_level" validate:"gte=0,lte=1"`
	Reasoning       string   `json:"reasoning,omitempty"`
	Assumptions     []string `json:"assumptions,omitempty"`
	BaseRate        *float64 `json:"base_rate,omitempty"`
	BaseRateSource  string   `json:"base_rate_source,omitempty"`
}

// Contains reports whether v lies inside the closed forecast interval.
func (f Forecast) Contains(v float64) bool {
	return f.Low <= v && v <= f.High
}

// Option is one candidate improvement with per-KPI forecasts.
type Option struct {
	Name        string              `json:"name" validate:"required"`
	Description string              `json:"description"`
	Layer       string              `json:"layer"`
	Effort      string              `json:"effort_level"`
	Forecasts   map[string]Forecast `json:"forecasts" validate:"dive"`
}

// ExpectedValue is the weight-averaged point estimate over the KPIs this
// option forecasts. Zero when no weighted KPI is forecast.
func (o Option) ExpectedValue(kpis []KPI) float64 {
	var total, weighted float64
	for _, k := range kpis {
		f, ok := o.Forecasts[k.Name]
		if !ok {
			continue
		}
		total += k.Weight
		weighted += k.Weight * f.PointEstimate
	}
	if total == 0 {
		return 0
	}
	return weighted / total
}

// Decision groups competing options, the choice made, and the observed outcome.
// Updated twice (choice, outcome) and never deleted.
type Decision struct {
	ID             string             `json:"id"`
	Question       string             `json:"question"`
	Context        string             `json:"context"`
	KPIs           []KPI              `json:"kpis"`
	Options        []Option           `json:"options"`
	CreatedAt      time.Time          `json:"created_at"`
	DecidedAt      *time.Time         `json:"decided_at,omitempty"`
	ChosenOption   string             `json:"chosen_option,omitempty"`
	ReviewDate     *time.Time         `json:"review_date,omitempty"`
	ActualOutcomes map[string]float64 `json:"actual_outcomes"`
	ScoredAt       *time.Time         `json:"scored_at,omitempty"`
	Reflections    string             `json:"reflections,omitempty"`
}

// Option returns the named option.
func (d Decision) Option(name string) (Option, bool) {
	for _, o := range d.Options {
		if o.Name == name {
			return o, true
		}
	}
	return Option{}, false
}

// BestOption returns the option with the highest expected value; the earliest
// wins ties. False when the decision has no options.
func (d Decision) BestOption() (Option, bool) {
	if len(d.Options) == 0 {
		return Option{}, false
	}
	best := d.Options[0]
	bestEV := best.ExpectedValue(d.KPIs)
	for _, o := range d.Options[1:] {
		if ev := o.ExpectedValue(d.KPIs); ev > bestEV {
			best, bestEV = o, ev
		}
	}
	return best, true
}
