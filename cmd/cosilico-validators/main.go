// Command cosilico-validators prints the state of the validation decision
// core as JSON: arm statistics, the next sample plan, the next version to
// test, encoding progress, and calibration quality.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	cosilico "github.com/CosilicoAI/cosilico-validators"
	"github.com/CosilicoAI/cosilico-validators/internal/adaptive"
	"github.com/CosilicoAI/cosilico-validators/internal/encoding"
	"github.com/CosilicoAI/cosilico-validators/internal/model"
)

// version is set at build time via -ldflags.
var version = "dev"

type status struct {
	Version     string                   `json:"version"`
	Statistics  model.BanditStatistics   `json:"statistics"`
	NextVersion string                   `json:"next_version,omitempty"`
	Plan        model.SamplePlan         `json:"plan"`
	Encoding    encoding.Summary         `json:"encoding"`
	Calibration model.CalibrationSummary `json:"calibration"`
}

func main() {
	os.Exit(run0())
}

func run0() int {
	logger := newLogger(os.Stderr)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

// newLogger loads the .env file if present (non-fatal) and builds the JSON
// logger at COSILICO_LOG_LEVEL.
func newLogger(w io.Writer) *slog.Logger {
	_ = godotenv.Load()
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: logLevel(),
	}))
}

func logLevel() slog.Level {
	if os.Getenv("COSILICO_LOG_LEVEL") == "debug" {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func run(ctx context.Context, logger *slog.Logger) error {
	app, err := cosilico.New(
		cosilico.WithLogger(logger),
		cosilico.WithVersion(version),
	)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close(context.Background()) }()

	st := status{
		Version:    version,
		Statistics: app.Sampler().Statistics(),
		Plan:       app.Sampler().Plan(ctx, app.Config().Quantities, app.PlanOptions()),
	}

	st.NextVersion, err = app.Sampler().Select(adaptive.Thompson)
	if err != nil && !errors.Is(err, adaptive.ErrNoArms) {
		return fmt.Errorf("select: %w", err)
	}

	st.Encoding, err = app.Attempts().Summary(ctx)
	if err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}
	st.Calibration, err = app.Calibration().Summary(ctx)
	if err != nil {
		return fmt.Errorf("calibration summary: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(st); err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	return nil
}
