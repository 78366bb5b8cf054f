package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/tingly-dev/claude-box/internal/obs/exporter"
)

// Config controls the metric pipeline.
type Config struct {
	// DBFile is the SQLite file the exporter writes metric points to.
	// Empty disables the SQLite sink.
	DBFile string

	// Stdout additionally dumps metrics to stdout, for debugging.
	Stdout bool

	ExportInterval time.Duration
	ExportTimeout  time.Duration
}

// DefaultConfig returns the production export cadence.
func DefaultConfig(dbFile string) Config {
	return Config{
		DBFile:         dbFile,
		ExportInterval: 30 * time.Second,
		ExportTimeout:  10 * time.Second,
	}
}

// MeterSetup bundles the provider and the tracker built on it.
type MeterSetup struct {
	meterProvider *sdkmetric.MeterProvider
	sqlite        *exporter.SQLiteExporter
	tracker       *TokenTracker
}

// NewMeterSetup wires exporters into a periodic reader and creates the
// token tracker. Returns nil when no exporter is configured.
func NewMeterSetup(ctx context.Context, cfg Config) (*MeterSetup, error) {
	var exporters []sdkmetric.Exporter
	var sqlite *exporter.SQLiteExporter

	if cfg.DBFile != "" {
		var err error
		sqlite, err = exporter.NewSQLiteExporter(cfg.DBFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open metrics store: %w", err)
		}
		exporters = append(exporters, sqlite)
	}
	if cfg.Stdout {
		stdout, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		exporters = append(exporters, stdout)
	}
	if len(exporters) == 0 {
		return nil, nil
	}

	reader := sdkmetric.NewPeriodicReader(
		exporter.NewMultiExporter(exporters...),
		sdkmetric.WithInterval(cfg.ExportInterval),
		sdkmetric.WithTimeout(cfg.ExportTimeout),
	)
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(meterProvider)

	tracker, err := NewTokenTracker(meterProvider.Meter("claude-box"))
	if err != nil {
		_ = meterProvider.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create token tracker: %w", err)
	}

	return &MeterSetup{meterProvider: meterProvider, sqlite: sqlite, tracker: tracker}, nil
}

// Tracker returns the token tracker, nil when metrics are disabled.
func (ms *MeterSetup) Tracker() *TokenTracker {
	if ms == nil {
		return nil
	}
	return ms.tracker
}

// Shutdown flushes and stops the pipeline.
func (ms *MeterSetup) Shutdown(ctx context.Context) error {
	if ms == nil || ms.meterProvider == nil {
		return nil
	}
	err := ms.meterProvider.Shutdown(ctx)
	if ms.sqlite != nil {
		if closeErr := ms.sqlite.Close(); err == nil {
			err = closeErr
		}
	}
	return err
}
