// Command autopilotd is the host process for the autopilot execution
// core: it loads configuration, opens the durable store, and drives the
// tick loop that advances runs and missions forward. The core itself is
// synchronous and has no internal scheduler (spec §5); this binary is
// the external caller that decides cadence.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/heikkila-labs/autopilot-core/internal/config"
	"github.com/heikkila-labs/autopilot-core/internal/diagnostics"
	"github.com/heikkila-labs/autopilot-core/internal/learning"
	"github.com/heikkila-labs/autopilot-core/internal/mission"
	"github.com/heikkila-labs/autopilot-core/internal/rules"
	"github.com/heikkila-labs/autopilot-core/internal/runner"
	"github.com/heikkila-labs/autopilot-core/internal/schedulerhost"
	"github.com/heikkila-labs/autopilot-core/internal/store"
	"github.com/heikkila-labs/autopilot-core/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "autopilotd.toml", "path to config file")
	once := flag.Bool("once", false, "run a single scheduler tick then exit")
	listDiagnostics := flag.Int("list-diagnostics", 0, "log the N most recent run diagnostics, one log record each, and exit (0 disables)")
	flag.Parse()

	bootLogger := telemetry.ConfigureLogger("info", "text")
	bootLogger.Info("autopilotd starting", "config", *configPath)

	cfgMgr, err := config.LoadManager(*configPath)
	if err != nil {
		bootLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := cfgMgr.Get()

	logger := telemetry.ConfigureLogger(cfg.General.LogLevel, cfg.Telemetry.LogFormat)

	lockPath := cfg.General.StateDB + ".lock"
	lockFile, err := acquireFlock(lockPath)
	if err != nil {
		logger.Error("failed to acquire lock", "error", err)
		os.Exit(1)
	}
	defer releaseFlock(lockFile)

	st, err := store.Open(cfg.General.StateDB)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.General.StateDB, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	learningPipeline := learning.New(st)
	ruleEngine := rules.NewRuntimeEngine(st, learningPipeline)
	run := runner.New(st, ruleEngine, logger.With("component", "runner"))
	missions := mission.New(st, run)
	diagnosticsEngine := diagnostics.New(st, run, learningPipeline)

	host := schedulerhost.New(cfgMgr, st, run, missions, logger.With("component", "schedulerhost"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *listDiagnostics > 0 {
		reports, err := diagnosticsEngine.ListRunDiagnostics(ctx, *listDiagnostics)
		if err != nil {
			logger.Error("list-diagnostics failed", "error", err)
			os.Exit(1)
		}
		for _, r := range reports {
			logger.Info("run diagnostic",
				"run_id", r.RunID,
				"status", string(r.HealthStatus),
				"summary", r.Summary,
				"suggestions", strconv.Itoa(len(r.Suggestions)),
			)
		}
		return
	}

	if *once {
		logger.Info("running single tick (--once mode)")
		host.RunOnce(ctx)
		logger.Info("single tick complete, exiting")
		return
	}

	var metricsSrv *http.Server
	if addr := cfg.Telemetry.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(telemetry.Registry, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: addr, Handler: mux}
		go func() {
			logger.Info("metrics server starting", "addr", addr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	go host.Run(ctx)

	logger.Info("autopilotd running",
		"state_db", cfg.General.StateDB,
		"tick_interval", cfg.Runner.TickInterval.Duration.String(),
		"max_runs_per_tick", cfg.Runner.MaxRunsPerTick,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for {
		sig := <-sigCh
		switch sig {
		case syscall.SIGHUP:
			if err := cfgMgr.Reload(*configPath); err != nil {
				logger.Error("config reload failed", "error", err)
				continue
			}
			logger.Info("config reloaded")
		default:
			shutdownStart := time.Now()
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			if metricsSrv != nil {
				shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
				metricsSrv.Shutdown(shutCtx)
				shutCancel()
			}
			logger.Info("autopilotd stopped", "shutdown_duration", time.Since(shutdownStart).String())
			return
		}
	}
}

