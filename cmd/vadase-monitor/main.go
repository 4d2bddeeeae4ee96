package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"vadase-monitor/internal/config"
	"vadase-monitor/internal/metrics"
	"vadase-monitor/internal/output"
	"vadase-monitor/internal/station"
	"vadase-monitor/internal/web"
)

func main() {
	var (
		configPath string
		listen     string
		dryRun     bool
	)
	flag.StringVar(&configPath, "config", "./stations.yaml", "Path to YAML station config")
	flag.StringVar(&listen, "listen", "", "HTTP listen address (overrides http.listen)")
	flag.BoolVar(&dryRun, "dry-run", false, "Log records instead of writing them to the database")
	flag.Parse()

	cfg, err := config.LoadWithOverrides(configPath, config.Overrides{DryRun: dryRun, Listen: listen})
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	logs := web.NewLogBuffer(2000)
	logger := newLogger(cfg.Log, io.MultiWriter(os.Stderr, logs))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, configPath, logger, logs); err != nil {
		logger.Error("vadase-monitor stopped", "error", err)
		os.Exit(1)
	}
}

func newLogger(c config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// buildOutput assembles the port shared by every station. The returned hub
// is nil when live output is disabled.
func buildOutput(c config.OutputConfig, logger *slog.Logger) (output.Port, []string, *output.LiveHub, error) {
	var (
		ports output.Multi
		names []string
	)
	if c.DryRun {
		ports = append(ports, output.NewLogWriter(logger))
		names = append(names, "dry_run")
	} else {
		db, err := output.NewSQLWriter(output.SQLConfig{
			Driver:       c.Database.Driver,
			DSN:          c.Database.DSN,
			TablePrefix:  c.Database.TablePrefix,
			MaxOpenConns: c.Database.MaxOpenConns,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		ports = append(ports, db)
		names = append(names, "sql:"+c.Database.Driver)
	}

	if c.NATS.URL != "" {
		pub, err := output.NewNATSPublisher(output.NATSConfig{
			URL:           c.NATS.URL,
			SubjectPrefix: c.NATS.SubjectPrefix,
			Logger:        logger,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		ports = append(ports, pub)
		names = append(names, "nats")
	}

	var hub *output.LiveHub
	if c.LiveEnabled() {
		hub = output.NewLiveHub(logger)
		ports = append(ports, hub)
		names = append(names, "live")
	}
	return ports, names, hub, nil
}

func run(ctx context.Context, cfg config.Config, configPath string, logger *slog.Logger, logs *web.LogBuffer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	port, outputs, hub, err := buildOutput(cfg.Output, logger)
	if err != nil {
		return fmt.Errorf("output init failed: %w", err)
	}
	if hub != nil {
		defer hub.Shutdown()
	}

	runners := make([]*station.Runner, 0, len(cfg.Stations))
	for _, st := range cfg.Stations {
		r, err := station.New(st, station.Deps{Port: port, Logger: logger, Metrics: m})
		if err != nil {
			return err
		}
		runners = append(runners, r)
	}
	sup := station.NewSupervisor(runners, logger)

	logger.Info("vadase-monitor starting", "config", configPath, "stations", len(runners), "outputs", outputs)
	sup.Start(ctx)

	httpErr := make(chan error, 1)
	if cfg.HTTP.Listen != "" {
		status := web.NewStatus()
		status.SetStatic(configPath, outputs)
		opts := web.Options{Status: status, Stations: sup, Logs: logs, Gatherer: reg}
		if hub != nil {
			opts.Live = hub
		}
		logger.Info("http listening", "addr", cfg.HTTP.Listen)
		go func() { httpErr <- web.Serve(ctx, cfg.HTTP.Listen, web.Handler(opts)) }()
	}

	done := make(chan error, 1)
	go func() { done <- sup.Wait() }()

	select {
	case err = <-done:
	case err = <-httpErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("http server: %w", err)
			sup.Stop()
			err = errors.Join(err, <-done)
		} else {
			err = <-done
		}
	}
	logger.Info("vadase-monitor stopping")
	return err
}
