package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/host"

	"github.com/loykin/sysinitd/internal/config"
	"github.com/loykin/sysinitd/internal/failure"
	"github.com/loykin/sysinitd/internal/history"
	"github.com/loykin/sysinitd/internal/history/factory"
	"github.com/loykin/sysinitd/internal/logger"
	"github.com/loykin/sysinitd/internal/metrics"
	"github.com/loykin/sysinitd/internal/orchestrator"
	"github.com/loykin/sysinitd/internal/server"
	"github.com/loykin/sysinitd/internal/supervisor"
)

// runDaemon starts every service and blocks until ctx is cancelled, a
// termination signal arrives or all services have exited on their own.
func runDaemon(ctx context.Context, global GlobalFlags, f RunFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(global.ConfigPath)
	if err != nil {
		return err
	}
	applyRunFlags(cfg, f)

	logOpts, err := cfg.LoggerOptions(global.Verbose, global.Quiet)
	if err != nil {
		return err
	}
	log := logger.New(logOpts)
	log.Info("Starting sysinitd v" + version)
	preRunCheck(ctx, log)

	if len(cfg.ServiceDirs) == 0 {
		return errors.New("no service directories given")
	}
	svcs, err := config.LoadServices(cfg.ServiceDirs, cfg.Pattern)
	if err != nil {
		return err
	}
	log.Debug("services loaded", "count", len(svcs.Records), "dirs", cfg.ServiceDirs)

	globalEnv, err := cfg.GlobalEnv()
	if err != nil {
		return err
	}
	o, err := orchestrator.New(svcs.Records, orchestrator.Options{
		GracePeriod:       cfg.Shutdown.GracePeriod,
		DiagnosisInterval: cfg.Diagnosis.Interval,
		Env:               globalEnv,
		Rotation:          cfg.Log.Rotation,
		Logger:            log,
	})
	if err != nil {
		return err
	}

	sigCtx, stopSignals := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	srvCtx, stopServers := context.WithCancel(context.Background())
	defer stopServers()
	if err := startServers(srvCtx, cfg, o, svcs, log); err != nil {
		return err
	}

	var rec *history.Recorder
	if cfg.History.DSN != "" {
		sink, err := factory.NewSinkFromDSN(sigCtx, cfg.History.DSN)
		if err != nil {
			return fmt.Errorf("history: %w", err)
		}
		rec = history.NewRecorder(log, sink)
		defer func() { _ = rec.Close() }()
		log.Debug("history enabled", "run_id", rec.RunID)
	}
	pumped := make(chan struct{})
	go func() {
		defer close(pumped)
		for ev := range o.Events() {
			logEvent(log, ev)
			if rec != nil {
				_ = rec.Record(context.Background(), ev)
			}
		}
	}()

	startErr := o.Start(sigCtx)
	if startErr != nil {
		logFailures(log, startErr)
	} else {
		log.Info("all services ready", "count", o.Graph().Len())
		select {
		case <-sigCtx.Done():
			log.Info("shutting down")
		case <-o.Done():
			log.Info("all services exited")
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout(f, cfg, o))
	defer cancel()
	stopErr := o.Shutdown(stopCtx)
	if stopErr != nil {
		logFailures(log, stopErr)
	}
	select {
	case <-pumped:
	case <-stopCtx.Done():
	}
	if errors.Is(startErr, context.Canceled) {
		startErr = nil
	}
	return errors.Join(startErr, stopErr)
}

func applyRunFlags(cfg *config.Config, f RunFlags) {
	cfg.ServiceDirs = append(cfg.ServiceDirs, f.ServiceDirs...)
	if f.MetricsListen != "" {
		cfg.Metrics.Listen = f.MetricsListen
	}
	if f.APIListen != "" {
		cfg.API.Listen = f.APIListen
	}
	if f.HistoryDSN != "" {
		cfg.History.DSN = f.HistoryDSN
	}
}

// stopTimeout bounds the whole shutdown. Each dependency layer may use up to
// one grace period.
func stopTimeout(f RunFlags, cfg *config.Config, o *orchestrator.Orchestrator) time.Duration {
	if f.StopTimeout > 0 {
		return f.StopTimeout
	}
	return time.Duration(len(o.Graph().Layers())+1) * cfg.Shutdown.GracePeriod
}

func preRunCheck(ctx context.Context, log *slog.Logger) {
	kv, err := host.KernelVersionWithContext(ctx)
	if err != nil {
		log.Debug("kernel version unavailable", "error", err)
		return
	}
	log.Debug("pre-run check", "kernel", kv)
}

func startServers(ctx context.Context, cfg *config.Config, o *orchestrator.Orchestrator, svcs *config.Services, log *slog.Logger) error {
	if cfg.Metrics.Listen == "" && cfg.API.Listen == "" {
		return nil
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	local := prometheus.NewRegistry()
	if err := local.Register(metrics.NewResourceCollector(o.PIDs)); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	promHandler := metrics.Handler(prometheus.Gatherers{prometheus.DefaultGatherer, local})

	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promHandler)
		srv, err := server.Serve(ctx, cfg.Metrics.Listen, mux)
		if err != nil {
			return fmt.Errorf("metrics listen: %w", err)
		}
		log.Info("metrics listening", "addr", srv.Addr)
	}
	if cfg.API.Listen != "" {
		h := server.NewRouter(o, svcs.Records, "").WithMetrics(promHandler).Handler()
		srv, err := server.Serve(ctx, cfg.API.Listen, h)
		if err != nil {
			return fmt.Errorf("api listen: %w", err)
		}
		log.Info("api listening", "addr", srv.Addr)
	}
	return nil
}

// logEvent renders one supervisor event as a log record.
func logEvent(log *slog.Logger, ev supervisor.Event) {
	attrs := []any{"service", ev.Service, "seq", ev.Seq, "from", ev.From.String(), "state", ev.State.String()}
	if ev.PID > 0 {
		attrs = append(attrs, "pid", ev.PID)
	}
	if ev.Attempt > 0 {
		attrs = append(attrs, "attempt", ev.Attempt)
	}
	if ev.ExitCode != nil {
		attrs = append(attrs, "exit_code", *ev.ExitCode)
	}
	if ev.Forced {
		attrs = append(attrs, "forced", true)
	}
	if ev.Err != nil {
		attrs = append(attrs, "error", ev.Err)
	} else if ev.Message != "" {
		attrs = append(attrs, "message", ev.Message)
	}

	level := slog.LevelInfo
	switch ev.Type {
	case supervisor.EventFailed:
		level = slog.LevelError
	case supervisor.EventRestarting:
		level = slog.LevelWarn
	case supervisor.EventHealth:
		attrs = append(attrs, "severity", ev.Severity)
		level = logger.LevelTrace
		if ev.Severity > 0 {
			level = slog.LevelWarn
		}
	}
	log.Log(context.Background(), level, "service "+string(ev.Type), attrs...)
}

// logFailures writes one record per error of an aggregate.
func logFailures(log *slog.Logger, err error) {
	var agg *failure.Aggregate
	if !errors.As(err, &agg) {
		log.Error("operation failed", "error", err)
		return
	}
	for _, e := range agg.Errors {
		var se failure.ServiceError
		id := ""
		if errors.As(e, &se) {
			id = se.ServiceID()
		}
		log.Error(agg.Phase+" failed", "service", id, "kind", string(failure.KindOf(e)), "error", e)
	}
}
