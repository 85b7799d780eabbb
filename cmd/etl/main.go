// Command etl loads the Online Retail CSV export into a relational store.
//
//	etl -config configs/retail.yaml
//
// Exit codes: 0 on success (failed groups are reported but do not fail the
// run), 1 on invalid config or a fatal run error, 2 on usage errors.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"onlineretail/internal/config"
	"onlineretail/internal/logging"
	"onlineretail/internal/metrics"
	"onlineretail/internal/metrics/datadog"
	"onlineretail/internal/multitable"

	// Register every storage backend; the config picks one.
	_ "onlineretail/internal/storage/all"
)

// runner is the slice of *multitable.Runner the CLI drives.
type runner interface {
	Run(ctx context.Context, cfg *config.Config) (multitable.Summary, error)
}

// appDeps holds the side-effecting seams of runMain.
type appDeps struct {
	readFile    func(path string) ([]byte, error)
	parse       func(path string, data []byte, cfg *config.Config) error
	newLogger   func(level, format string) (*zap.Logger, error)
	initMetrics func(ctx context.Context, logger *zap.Logger, job string, m config.MetricsConfig) (func(), error)
	newRunner   func(logger *zap.Logger, progress io.Writer) runner
}

func defaultDeps() appDeps {
	return appDeps{
		readFile:    os.ReadFile,
		parse:       config.Parse,
		newLogger:   logging.New,
		initMetrics: initMetrics,
		newRunner: func(logger *zap.Logger, progress io.Writer) runner {
			r := multitable.NewDefaultRunner(logger)
			r.OnProgress = func(p multitable.Progress) {
				fmt.Fprintf(progress, "Processed %d rows\n", p.RowsProcessed)
			}
			return r
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	fs := flag.NewFlagSet("etl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		cfgPath        string
		metricsBackend string
		logLevel       string
		validateOnly   bool
	)
	fs.StringVar(&cfgPath, "config", "", "loader config path (.yaml, .yml or .json)")
	fs.StringVar(&metricsBackend, "metrics-backend", "", "metrics backend override (none|datadog)")
	fs.StringVar(&logLevel, "log-level", "", "log level override (debug|info|warn|error)")
	fs.BoolVar(&validateOnly, "validate", false, "validate the configuration and exit")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(cfgPath) == "" {
		fmt.Fprintln(stderr, "usage: etl -config path/to/config.yaml [-validate] [-metrics-backend none|datadog]")
		return 2
	}

	raw, err := deps.readFile(cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "read config: %v\n", err)
		return 1
	}
	cfg := config.Defaults()
	if err := deps.parse(cfgPath, raw, cfg); err != nil {
		fmt.Fprintf(stderr, "parse config: %v\n", err)
		return 1
	}
	if metricsBackend != "" {
		cfg.Metrics.Backend = strings.ToLower(metricsBackend)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	issues := config.Validate(cfg)
	for _, iss := range issues {
		fmt.Fprintf(stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		fmt.Fprintf(stderr, "configuration is invalid: %s\n", cfgPath)
		return 1
	}
	if validateOnly {
		fmt.Fprintf(stdout, "configuration is valid: %s\n", cfgPath)
		return 0
	}

	logger, err := deps.newLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(stderr, "init logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	cleanup, err := deps.initMetrics(ctx, logger, cfg.Job, cfg.Metrics)
	if err != nil {
		fmt.Fprintf(stderr, "init metrics: %v\n", err)
		return 1
	}
	defer cleanup()

	sum, err := deps.newRunner(logger, stdout).Run(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		if sum.RunID != "" {
			fmt.Fprintln(stderr, sum.String())
		}
		return 1
	}

	fmt.Fprintln(stdout, sum.String())
	for _, g := range sum.FailedGroups {
		fmt.Fprintf(stdout, "failed: %v\n", g)
	}
	fmt.Fprintln(stdout, "ok")
	return 0
}

// metricsBackend is what initMetrics needs from a constructed backend beyond
// metrics.Backend: a Close that stops background flushing and flushes once.
type metricsBackend interface {
	Close() error
}

// Seams for initMetrics tests.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		return datadog.NewBackend(ctx, opts)
	}
	setMetricsBackend = func(b any) {
		mb, _ := b.(metrics.Backend)
		metrics.SetBackend(mb)
	}
)

// initMetrics installs the configured metrics backend. The returned cleanup is
// never nil and must be called once the run is over.
func initMetrics(ctx context.Context, logger *zap.Logger, job string, m config.MetricsConfig) (func(), error) {
	logger = logging.OrNop(logger)
	switch strings.ToLower(strings.TrimSpace(m.Backend)) {
	case "", "none", "noop":
		return func() {}, nil

	case "datadog", "dd":
		tags := m.Tags
		if env := os.Getenv("METRICS_TAGS"); env != "" && len(tags) == 0 {
			tags = datadog.ParseTagsCSV(env)
		}
		b, err := newDatadogBackend(ctx, datadog.Options{
			JobName:    job,
			Tags:       tags,
			FlushEvery: m.FlushEvery,
		})
		if err != nil {
			return func() {}, err
		}
		setMetricsBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				logger.Error("metrics: datadog close error", zap.Error(err))
			}
			setMetricsBackend(nil)
		}, nil

	default:
		return func() {}, fmt.Errorf("unknown metrics backend %q (none|datadog)", m.Backend)
	}
}
