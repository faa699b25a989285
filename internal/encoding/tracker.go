package encoding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/CosilicoAI/cosilico-validators/internal/model"
	"github.com/CosilicoAI/cosilico-validators/internal/storage"
)

// promptHashLen is the number of hex characters kept from a prompt digest.
const promptHashLen = 12

// UpstreamBug is a suspected bug in an external calculator, as logged.
type UpstreamBug struct {
	model.BugReport
	Quantity string    `json:"variable"`
	LoggedAt time.Time `json:"logged_at"`
	Round    int       `json:"encoding_round"`
}

// AttemptOptions carries the optional fields of an attempt.
type AttemptOptions struct {
	// Round is assigned automatically when zero.
	Round    int
	Duration time.Duration
	Notes    string
}

// Summary aggregates the attempt history.
type Summary struct {
	UpdatedAt      time.Time                         `json:"updated_at"`
	Quantities     int                               `json:"total_variables"`
	AchievedParity int                               `json:"achieved_parity"`
	ParityRate     float64                           `json:"parity_rate"`
	TotalRounds    int                               `json:"total_rounds"`
	AverageRounds  float64                           `json:"average_rounds"`
	UpstreamBugs   int                               `json:"upstream_bugs_found"`
	Progress       map[string]model.QuantityProgress `json:"variables"`
}

// TrackerOptions configures a Tracker.
type TrackerOptions struct {
	Logger *slog.Logger
	Now    func() time.Time
}

// Tracker logs encoding attempts and the upstream bugs they surface. When a
// summary snapshot is given it is rewritten after every attempt.
type Tracker struct {
	attempts *storage.AppendLog
	bugs     *storage.AppendLog
	summary  storage.Snapshot
	logger   *slog.Logger
	now      func() time.Time

	mu sync.Mutex // serializes round assignment and appends
}

// NewTracker returns a tracker writing to attempts and bugs. summary may be nil.
func NewTracker(attempts, bugs *storage.AppendLog, summary storage.Snapshot, opts TrackerOptions) *Tracker {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{
		attempts: attempts,
		bugs:     bugs,
		summary:  summary,
		logger:   opts.Logger,
		now:      opts.Now,
	}
}

// PromptHash is the short digest stored with each attempt.
func PromptHash(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])[:promptHashLen]
}

// LogAttempt records one attempt at encoding res.Quantity.
func (t *Tracker) LogAttempt(ctx context.Context, section string, res model.EncodingResult, prompt string, opts AttemptOptions) (model.EncodingAttempt, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	round := opts.Round
	if round <= 0 {
		next, err := t.nextRound(ctx, res.Quantity)
		if err != nil {
			return model.EncodingAttempt{}, err
		}
		round = next
	}

	a := model.EncodingAttempt{
		Timestamp:    t.now().UTC(),
		Quantity:     res.Quantity,
		Section:      section,
		Round:        round,
		PromptHash:   PromptHash(prompt),
		MatchRate:    res.MatchRate,
		Reward:       res.Reward,
		Status:       string(res.Status),
		Issues:       len(res.Issues),
		UpstreamBugs: len(res.UpstreamBugs),
		TestCases:    len(res.Results),
		Notes:        opts.Notes,
	}
	if opts.Duration > 0 {
		a.DurationSeconds = model.Float(opts.Duration.Seconds())
	}
	if err := t.attempts.Append(ctx, a); err != nil {
		return model.EncodingAttempt{}, fmt.Errorf("encoding: log attempt: %w", err)
	}
	for _, b := range res.UpstreamBugs {
		bug := UpstreamBug{BugReport: b, Quantity: res.Quantity, LoggedAt: a.Timestamp, Round: round}
		if err := t.bugs.Append(ctx, bug); err != nil {
			return a, fmt.Errorf("encoding: log upstream bug: %w", err)
		}
	}
	t.logger.Info("encoding: attempt logged",
		"variable", a.Quantity, "round", a.Round, "status", a.Status, "match_rate", a.MatchRate)

	if t.summary != nil {
		if err := t.writeSummary(ctx); err != nil {
			t.logger.Warn("encoding: summary not written", "error", err)
		}
	}
	return a, nil
}

func (t *Tracker) nextRound(ctx context.Context, quantity string) (int, error) {
	all, err := storage.ReadAll[model.EncodingAttempt](ctx, t.attempts)
	if err != nil {
		return 0, fmt.Errorf("encoding: read attempts: %w", err)
	}
	last := 0
	for _, a := range all {
		if a.Quantity == quantity {
			last = max(last, a.Round)
		}
	}
	return last + 1, nil
}

// History returns the attempts for quantity ordered by round.
func (t *Tracker) History(ctx context.Context, quantity string) ([]model.EncodingAttempt, error) {
	all, err := storage.ReadAll[model.EncodingAttempt](ctx, t.attempts)
	if err != nil {
		return nil, fmt.Errorf("encoding: read attempts: %w", err)
	}
	out := slices.DeleteFunc(all, func(a model.EncodingAttempt) bool { return a.Quantity != quantity })
	slices.SortStableFunc(out, func(a, b model.EncodingAttempt) int { return a.Round - b.Round })
	return out, nil
}

// Progress summarizes every quantity with at least one attempt. The final
// values come from the most recently logged attempt.
func (t *Tracker) Progress(ctx context.Context) (map[string]model.QuantityProgress, error) {
	all, err := storage.ReadAll[model.EncodingAttempt](ctx, t.attempts)
	if err != nil {
		return nil, fmt.Errorf("encoding: read attempts: %w", err)
	}
	out := make(map[string]model.QuantityProgress)
	for _, a := range all {
		p, ok := out[a.Quantity]
		if !ok {
			p.Section = a.Section
		}
		p.Rounds = max(p.Rounds, a.Round)
		if a.Round == 1 {
			p.InitialMatchRate = model.Float(a.MatchRate)
		}
		p.FinalMatchRate = model.Float(a.MatchRate)
		p.FinalStatus = a.Status
		p.AchievedParity = a.Status == string(model.StatusPassed)
		out[a.Quantity] = p
	}
	return out, nil
}

// UpstreamBugs returns every logged upstream bug.
func (t *Tracker) UpstreamBugs(ctx context.Context) ([]UpstreamBug, error) {
	return storage.ReadAll[UpstreamBug](ctx, t.bugs)
}

// Summary aggregates progress over all quantities.
func (t *Tracker) Summary(ctx context.Context) (Summary, error) {
	progress, err := t.Progress(ctx)
	if err != nil {
		return Summary{}, err
	}
	var bugs int
	err = t.bugs.Scan(ctx, func(json.RawMessage) error {
		bugs++
		return nil
	})
	if err != nil {
		return Summary{}, fmt.Errorf("encoding: read upstream bugs: %w", err)
	}

	s := Summary{
		UpdatedAt:    t.now().UTC(),
		Quantities:   len(progress),
		UpstreamBugs: bugs,
		Progress:     progress,
	}
	for _, p := range progress {
		s.TotalRounds += p.Rounds
		if p.AchievedParity {
			s.AchievedParity++
		}
	}
	if s.Quantities > 0 {
		s.ParityRate = float64(s.AchievedParity) / float64(s.Quantities)
		s.AverageRounds = float64(s.TotalRounds) / float64(s.Quantities)
	}
	return s, nil
}

func (t *Tracker) writeSummary(ctx context.Context) error {
	s, err := t.Summary(ctx)
	if err != nil {
		return err
	}
	if s.Quantities == 0 {
		return nil
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding: marshal summary: %w", err)
	}
	if err := t.summary.Save(ctx, data); err != nil {
		return fmt.Errorf("encoding: save summary: %w", err)
	}
	return nil
}

// LoadSummary reads the last written summary snapshot. The error wraps
// storage.ErrNotFound when none was written.
func LoadSummary(ctx context.Context, snap storage.Snapshot) (Summary, error) {
	data, err := snap.Load(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("encoding: load summary: %w", err)
	}
	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return Summary{}, fmt.Errorf("encoding: decode summary: %w", err)
	}
	return s, nil
}
