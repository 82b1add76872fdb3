// Package schedulerhost implements the tick-based dispatch loop that
// drives runs and missions forward. The core itself never schedules
// anything (spec: no internal event loop, no coroutine); this is the host
// half of that contract, calling Runner.Tick/ResumeDueRuns and
// Orchestrator.Tick on a cadence cmd/autopilotd owns.
package schedulerhost

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/heikkila-labs/autopilot-core/internal/config"
	"github.com/heikkila-labs/autopilot-core/internal/mission"
	"github.com/heikkila-labs/autopilot-core/internal/runner"
	"github.com/heikkila-labs/autopilot-core/internal/store"
)

// runDrivenStates are the non-terminal, non-retrying states a tick should
// still advance: ready runs that haven't executed their first step, and
// running runs resuming after a host restart. Retrying runs are handled
// separately by ResumeDueRuns, which honors next_retry_at_ms.
var runDrivenStates = []store.RunState{store.RunReady, store.RunRunning}

// Host runs the dispatch tick loop for runs and missions.
type Host struct {
	cfgMgr   config.Manager
	store    *store.Store
	runner   *runner.Runner
	missions *mission.Orchestrator
	logger   *slog.Logger
	schedule cron.Schedule
}

// New creates a Host that reads config from cfgMgr on each tick.
func New(cfgMgr config.Manager, st *store.Store, r *runner.Runner, m *mission.Orchestrator, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Host{cfgMgr: cfgMgr, store: st, runner: r, missions: m, logger: logger.With("component", "schedulerhost")}
	if cfg := cfgMgr.Get(); cfg != nil && cfg.Scheduler.CronExpr != "" {
		if sched, err := cron.ParseStandard(cfg.Scheduler.CronExpr); err == nil {
			h.schedule = sched
		} else {
			h.logger.Error("invalid scheduler.cron_expr, falling back to tick_interval", "error", err)
		}
	}
	return h
}

// Run blocks until ctx is cancelled, ticking at the configured interval
// (or, when scheduler.cron_expr is set, at the next matching cron time).
func (h *Host) Run(ctx context.Context) {
	cfg := h.cfgMgr.Get()
	interval := cfg.Runner.TickInterval.Duration
	if interval <= 0 {
		interval = 5 * time.Second
	}
	h.logger.Info("scheduler started", "tick_interval", interval, "cron_expr", cfg.Scheduler.CronExpr)

	timer := time.NewTimer(h.nextDelay(interval))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("scheduler stopping")
			return
		case <-timer.C:
			h.tick(ctx)
			cfg = h.cfgMgr.Get()
			interval = cfg.Runner.TickInterval.Duration
			if interval <= 0 {
				interval = 5 * time.Second
			}
			timer.Reset(h.nextDelay(interval))
		}
	}
}

func (h *Host) nextDelay(interval time.Duration) time.Duration {
	if h.schedule == nil {
		return interval
	}
	return time.Until(h.schedule.Next(time.Now()))
}

// RunOnce performs a single dispatch cycle and returns, for callers like
// cmd/autopilotd's --once flag that want one tick without starting the
// timer loop in Run.
func (h *Host) RunOnce(ctx context.Context) {
	h.tick(ctx)
}

// tick performs a single dispatch cycle: resume due retries, advance
// ready/running runs, and tick in-progress missions.
func (h *Host) tick(ctx context.Context) {
	cfg := h.cfgMgr.Get()

	resumed, err := h.runner.ResumeDueRuns(ctx, time.Now().UnixMilli(), cfg.Runner.MaxRunsPerTick)
	if err != nil {
		h.logger.Error("scheduler tick: resume due runs failed", "error", err)
	} else if len(resumed) > 0 {
		h.logger.Info("scheduler tick: resumed due runs", "count", len(resumed))
	}

	runIDs, err := h.store.ListRunIDsInStates(ctx, runDrivenStates, cfg.Runner.MaxRunsPerTick)
	if err != nil {
		h.logger.Error("scheduler tick: list runs in states failed", "error", err)
	}
	for _, id := range runIDs {
		if _, err := h.runner.Tick(ctx, id); err != nil {
			h.logger.Error("scheduler tick: run tick failed", "run_id", id, "error", err)
		}
	}

	if h.missions == nil {
		return
	}
	missionIDs, err := h.store.ListMissionIDsInProgress(ctx, cfg.Mission.MaxMissionsPerTick)
	if err != nil {
		h.logger.Error("scheduler tick: list missions in progress failed", "error", err)
		return
	}
	for _, id := range missionIDs {
		if _, err := h.missions.Tick(ctx, id); err != nil {
			h.logger.Error("scheduler tick: mission tick failed", "mission_id", id, "error", err)
		}
	}
}
