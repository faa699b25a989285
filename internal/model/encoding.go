package model

import "time"

// EncodingStatus is the overall outcome of validating one encoded quantity.
type EncodingStatus string

const (
	StatusPassed             EncodingStatus = "passed"
	StatusUpstreamBug        EncodingStatus = "upstream_bug"
	StatusEncodingError      EncodingStatus = "encoding_error"
	StatusNeedsInvestigation EncodingStatus = "needs_investigation"
)

// Issue records a test case that did not reach agreement.
type Issue struct {
	TestCase  string         `json:"test_case"`
	Expected  *float64       `json:"expected,omitempty"`
	Consensus *float64       `json:"consensus,omitempty"`
	Level     ConsensusLevel `json:"level,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// EncodingResult aggregates consensus results for one quantity across test cases.
type EncodingResult struct {
	Quantity     string             `json:"variable"`
	Status       EncodingStatus     `json:"status"`
	Results      []ValidationResult `json:"-"`
	Passed       bool               `json:"passed"`
	MatchRate    float64            `json:"match_rate"`
	Reward       float64            `json:"reward_signal"`
	Issues       []Issue            `json:"issues,omitempty"`
	UpstreamBugs []BugReport        `json:"upstream_bugs,omitempty"`
}

// EncodingAttempt is one logged attempt at encoding a quantity.
type EncodingAttempt struct {
	Timestamp       time.Time `json:"timestamp"`
	Quantity        string    `json:"variable"`
	Section         string    `json:"section"`
	Round           int       `json:"round"`
	PromptHash      string    `json:"prompt_hash"`
	MatchRate       float64   `json:"match_rate"`
	Reward          float64   `json:"reward_signal"`
	Status          string    `json:"status"`
	Issues          int       `json:"issues_count"`
	UpstreamBugs    int       `json:"upstream_bugs_count"`
	TestCases       int       `json:"test_cases_count"`
	DurationSeconds *float64  `json:"duration_seconds,omitempty"`
	Notes           string    `json:"notes,omitempty"`
}

// QuantityProgress summarizes the attempt history of one quantity.
type QuantityProgress struct {
	Section          string   `json:"section"`
	Rounds           int      `json:"total_rounds"`
	InitialMatchRate *float64 `json:"initial_match_rate"`
	FinalMatchRate   *float64 `json:"final_match_rate"`
	FinalStatus      string   `json:"final_status"`
	AchievedParity   bool     `json:"achieved_parity"`
}
