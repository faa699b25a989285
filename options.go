package cosilico

import (
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/CosilicoAI/cosilico-validators/internal/config"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds every override after applying options.
type resolvedOptions struct {
	config  *config.Config
	dataDir string
	store   string
	logger  *slog.Logger
	version string
	rng     *rand.Rand
	now     func() time.Time
}

// WithConfig replaces environment loading with cfg. Later overrides still apply.
func WithConfig(cfg config.Config) Option {
	return func(o *resolvedOptions) { o.config = &cfg }
}

// WithDataDir overrides the data directory from config (COSILICO_DATA_DIR env var).
func WithDataDir(dir string) Option {
	return func(o *resolvedOptions) { o.dataDir = dir }
}

// WithStore overrides the storage backend from config (COSILICO_STORE env var).
func WithStore(store string) Option {
	return func(o *resolvedOptions) { o.store = store }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs and telemetry.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithRand fixes the random source for arm selection and sampling. It takes
// precedence over COSILICO_RANDOM_SEED.
func WithRand(rng *rand.Rand) Option {
	return func(o *resolvedOptions) { o.rng = rng }
}

// WithClock replaces time.Now for every timestamp the App writes.
func WithClock(now func() time.Time) Option {
	return func(o *resolvedOptions) { o.now = now }
}
