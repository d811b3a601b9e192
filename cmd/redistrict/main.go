// Command redistrict projects historical election results onto the current
// district map and writes allocations, baselines and PVI tables.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/ahrav/go-redistrict/infrastructure/logging"
	"github.com/ahrav/go-redistrict/infrastructure/middleware"
	"github.com/ahrav/go-redistrict/infrastructure/store"
	"github.com/ahrav/go-redistrict/infrastructure/tables"
	"github.com/ahrav/go-redistrict/internal/application"
	"github.com/ahrav/go-redistrict/internal/ports"
)

type options struct {
	configPath string
	inputDir   string
	outputDir  string
	sqliteDSN  string
	currentMap string
	years      string
	logMode    string
	metricsOut string
	strict     bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "Engine configuration YAML (default: built-in six-stage run)")
	flag.StringVar(&opts.inputDir, "input", ".", "Directory holding votes.csv, districts.csv and optionally winners.csv")
	flag.StringVar(&opts.outputDir, "output", "out", "Directory for the output CSV tables (empty to skip)")
	flag.StringVar(&opts.sqliteDSN, "sqlite", "", "SQLite database that also receives the output tables")
	flag.StringVar(&opts.currentMap, "current-map", "", "Name of the current map in districts.csv")
	flag.StringVar(&opts.years, "years", "", "Comma-separated election years to include (default: all)")
	flag.StringVar(&opts.logMode, "log", "dev", "Log mode: dev or prod")
	flag.StringVar(&opts.metricsOut, "metrics-out", "", "Write Prometheus metrics in text format to this file")
	flag.BoolVar(&opts.strict, "strict", false, "Exit non-zero when any district/year fails")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "redistrict: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, stdout io.Writer) error {
	logger, err := logging.New(opts.logMode)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	metrics, err := middleware.NewPrometheusMetrics(reg)
	if err != nil {
		return err
	}
	registry := application.NewDefaultUnitRegistry(logger, middleware.Instrument(metrics, logger))

	loader, err := application.NewGraphLoader(registry)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	plan, err := loader.LoadConfig(ctx, cfg)
	if err != nil {
		return err
	}

	engine, err := application.NewEngine(plan, logger)
	if err != nil {
		return err
	}

	sink, closeSink, err := buildSink(opts, logger)
	if err != nil {
		return err
	}
	defer closeSink()

	report, err := engine.Run(ctx, tables.NewCSVSource(opts.inputDir), sink)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "run %s: %d aggregates, %d allocations, %d baselines, %d PVI records, %d failures\n",
		report.RunID, len(report.Results.Aggregates), len(report.Results.Allocations),
		len(report.Results.Baselines), len(report.Results.Pvi), len(report.Failures))

	if opts.metricsOut != "" {
		if err := writeMetrics(reg, opts.metricsOut); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}
	if opts.strict {
		return report.Err()
	}
	return nil
}

// loadConfig reads the YAML configuration, or the default one, and applies
// the command-line overrides.
func loadConfig(opts options) (*application.EngineConfig, error) {
	cfg := application.DefaultEngineConfig()
	if opts.configPath != "" {
		f, err := os.Open(filepath.Clean(opts.configPath))
		if err != nil {
			return nil, ports.NewConfigError(opts.configPath, fmt.Errorf("failed to open file: %w", err))
		}
		defer f.Close()
		if cfg, err = application.ParseConfig(f); err != nil {
			return nil, ports.NewConfigError(opts.configPath, err)
		}
	}
	if opts.currentMap != "" {
		cfg.CurrentMap = opts.currentMap
	}
	if opts.years != "" {
		years, err := parseYears(opts.years)
		if err != nil {
			return nil, err
		}
		cfg.Years = years
	}
	return cfg, nil
}

func parseYears(list string) ([]int, error) {
	var years []int
	for _, s := range strings.Split(list, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		y, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("invalid year %q: %w", s, err)
		}
		years = append(years, y)
	}
	return years, nil
}

// fanOutSink writes the same results to every sink in order.
type fanOutSink []ports.TableSink

func (f fanOutSink) Write(ctx context.Context, results ports.Results) error {
	var errs []error
	for _, s := range f {
		if err := s.Write(ctx, results); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func buildSink(opts options, logger *logging.Logger) (ports.TableSink, func(), error) {
	var sinks fanOutSink
	closeFn := func() {}
	if opts.outputDir != "" {
		sinks = append(sinks, tables.NewCSVSink(opts.outputDir))
	}
	if opts.sqliteDSN != "" {
		db, err := store.OpenSQLite(opts.sqliteDSN, logger)
		if err != nil {
			return nil, closeFn, err
		}
		sinks = append(sinks, db)
		closeFn = func() {
			if err := db.Close(); err != nil {
				logger.Warn("closing database failed", "error", err)
			}
		}
	}
	if len(sinks) == 0 {
		return nil, closeFn, nil
	}
	return sinks, closeFn, nil
}

func writeMetrics(g prometheus.Gatherer, path string) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}
	f, err := os.Create(filepath.Clean(path))
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(f, mf); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}
