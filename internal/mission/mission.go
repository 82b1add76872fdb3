// Package mission implements the Mission Orchestrator: fanning a single
// user intent out into per-source child runs, then deterministically
// aggregating their outcomes once every child has reached a terminal
// state, never producing a partial summary.
package mission

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/heikkila-labs/autopilot-core/internal/coreerr"
	"github.com/heikkila-labs/autopilot-core/internal/runner"
	"github.com/heikkila-labs/autopilot-core/internal/schema"
	"github.com/heikkila-labs/autopilot-core/internal/store"
)

// maxFanOutWorkers bounds how many child start_run calls a mission may
// have in flight at once.
const maxFanOutWorkers = 4

// TemplateKind is the closed set of mission templates. Only one exists in
// this slice; the type exists so a second template has somewhere to go.
type TemplateKind string

const TemplateDailyBriefMultiSource TemplateKind = "daily_brief_multi_source"

const (
	maxMissionSources  = 10
	maxLabelRunes      = 60
	maxEventSummaryLen = 240
)

// SourceGroup is one child run's worth of source material.
type SourceGroup struct {
	ChildKey string   `json:"childKey"`
	Label    string   `json:"label"`
	Sources  []string `json:"sources"`
}

// DraftPreview is the human-facing summary of what starting the draft
// will do.
type DraftPreview struct {
	ChildRuns int    `json:"childRuns"`
	Contract  string `json:"contract"`
	Note      string `json:"note"`
}

// Draft is a mission proposal the caller can inspect before starting it.
type Draft struct {
	TemplateKind TemplateKind  `json:"templateKind"`
	Provider     string        `json:"provider"`
	Intent       string        `json:"intent"`
	SourceGroups []SourceGroup `json:"sourceGroups"`
	Preview      DraftPreview  `json:"preview"`
}

// ContractStatus reports the mission's deterministic completion contract:
// ready_to_complete holds iff every child is terminal, none needs
// attention, and an aggregation summary has been written.
type ContractStatus struct {
	AllChildrenTerminal       bool `json:"allChildrenTerminal"`
	HasBlockedOrPendingChild  bool `json:"hasBlockedOrPendingChild"`
	AggregationSummaryExists  bool `json:"aggregationSummaryExists"`
	ReadyToComplete           bool `json:"readyToComplete"`
}

// Detail is a mission plus its child links, recent events, and contract.
type Detail struct {
	Mission  store.Mission        `json:"mission"`
	Children []store.MissionRun   `json:"childRuns"`
	Events   []store.MissionEvent `json:"events"`
	Contract ContractStatus       `json:"contract"`
}

// TickResult is the outcome of one mission_tick call.
type TickResult struct {
	Mission        Detail
	ChildRunsTicked int
}

// Orchestrator runs the mission lifecycle over a Store and a child Runner.
type Orchestrator struct {
	store  *store.Store
	runner *runner.Runner
}

// New constructs an Orchestrator.
func New(st *store.Store, r *runner.Runner) *Orchestrator {
	return &Orchestrator{store: st, runner: r}
}

// CreateDraft validates and builds a mission draft without persisting
// anything.
func CreateDraft(templateKind, intent, provider string, sources []string) (Draft, error) {
	kind := TemplateKind(strings.TrimSpace(templateKind))
	if kind != TemplateDailyBriefMultiSource {
		return Draft{}, coreerr.New(coreerr.ValidationError, "only daily_brief_multi_source is available in this slice")
	}
	intent = strings.TrimSpace(intent)
	if intent == "" {
		return Draft{}, coreerr.New(coreerr.ValidationError, "add a mission intent first")
	}
	provider = strings.TrimSpace(provider)
	if provider == "" {
		provider = string(schema.ProviderOpenAI)
	}

	var cleaned []string
	for _, s := range sources {
		s = strings.TrimSpace(s)
		if s != "" {
			cleaned = append(cleaned, s)
		}
	}
	if len(cleaned) == 0 {
		return Draft{}, coreerr.New(coreerr.ValidationError, "add at least one source for this mission")
	}
	if len(cleaned) > maxMissionSources {
		return Draft{}, coreerr.New(coreerr.ValidationError, "keep mission sources to 10 or fewer")
	}

	groups := make([]SourceGroup, 0, len(cleaned))
	for i, source := range cleaned {
		groups = append(groups, SourceGroup{
			ChildKey: fmt.Sprintf("child_%d", i+1),
			Label:    summarizeSourceLabel(source),
			Sources:  []string{source},
		})
	}

	return Draft{
		TemplateKind: kind,
		Provider:     provider,
		Intent:       intent,
		SourceGroups: groups,
		Preview: DraftPreview{
			ChildRuns: len(groups),
			Contract:  "All child runs must finish without blocked/pending states before aggregation completes.",
			Note:      "This mission fans out into child runs, then aggregates a deterministic summary.",
		},
	}, nil
}

func summarizeSourceLabel(source string) string {
	s := strings.TrimSpace(source)
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return truncateRunes(s, maxLabelRunes)
	}
	return "Inline: " + truncateRunes(s, maxLabelRunes)
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

func truncateSummary(s string) string {
	return truncateRunes(s, maxEventSummaryLen)
}

func validateDraft(d Draft) error {
	if d.TemplateKind != TemplateDailyBriefMultiSource {
		return coreerr.New(coreerr.ValidationError, "only daily_brief_multi_source is available in this slice")
	}
	if len(d.SourceGroups) == 0 {
		return coreerr.New(coreerr.ValidationError, "mission draft needs at least one child source group")
	}
	for _, g := range d.SourceGroups {
		if len(g.Sources) == 0 {
			return coreerr.New(coreerr.ValidationError, g.ChildKey+" has no sources")
		}
	}
	return nil
}

// StartMission persists a mission and fans out one child run per source
// group, each with its own derived idempotency key.
func (o *Orchestrator) StartMission(ctx context.Context, draft Draft, idempotencyKey string) (Detail, error) {
	if err := validateDraft(draft); err != nil {
		return Detail{}, err
	}

	providerID := schema.ProviderID(draft.Provider)
	missionID := o.store.NewID("mission")
	if idempotencyKey == "" {
		idempotencyKey = fmt.Sprintf("mission:%s:%s", draft.TemplateKind, missionID)
	}

	if existing, err := o.store.GetMissionByIdempotencyKey(ctx, idempotencyKey); err == nil {
		return o.GetDetail(ctx, existing.ID)
	}

	configJSON, err := json.Marshal(draft)
	if err != nil {
		return Detail{}, fmt.Errorf("mission: encode draft: %w", err)
	}

	now := nowMs()
	err = o.store.Tx(ctx, func(tx *sql.Tx) error {
		if err := o.store.InsertMission(ctx, tx, store.Mission{
			ID:             missionID,
			TemplateKind:   string(draft.TemplateKind),
			IdempotencyKey: idempotencyKey,
			Status:         store.MissionRunning,
			ProviderKind:   draft.Provider,
			ConfigJSON:     string(configJSON),
			CreatedAtMs:    now,
			UpdatedAtMs:    now,
		}); err != nil {
			return err
		}
		details, _ := json.Marshal(map[string]any{"childCount": len(draft.SourceGroups)})
		return o.store.InsertMissionEvent(ctx, tx, missionID, "mission_started", "Mission created. Preparing child runs.", string(details), now)
	})
	if err != nil {
		return Detail{}, fmt.Errorf("mission: start: %w", err)
	}

	// Each child's start_run and its link row write are independently
	// transactional, so the fan-out runs concurrently; only the child count
	// is shared under linkMu, and the mission's own state transition runs
	// after every worker has finished.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxFanOutWorkers)
	var linkMu sync.Mutex
	createdChildren := 0

	for _, group := range draft.SourceGroups {
		group := group
		g.Go(func() error {
			childAutopilotID := fmt.Sprintf("%s_%s", missionID, group.ChildKey)
			childIdempotencyKey := fmt.Sprintf("mission:%s:%s", missionID, group.ChildKey)
			plan := schema.MissionChildPlan(draft.Intent, providerID, group.Label)
			plan.DailySources = group.Sources

			run, err := o.runner.StartRun(gctx, childAutopilotID, plan, childIdempotencyKey, 2)
			if err != nil {
				return fmt.Errorf("mission: start child run %s: %w", group.ChildKey, err)
			}

			childNow := nowMs()
			if err := o.store.Tx(gctx, func(tx *sql.Tx) error {
				return o.store.InsertMissionRun(gctx, tx, store.MissionRun{
					ID:          o.store.NewID("mission_run"),
					MissionID:   missionID,
					ChildKey:    group.ChildKey,
					RunID:       run.ID,
					RunRole:     "child",
					SourceLabel: group.Label,
					Status:      string(run.State),
					CreatedAtMs: childNow,
					UpdatedAtMs: childNow,
				})
			}); err != nil {
				return fmt.Errorf("mission: link child run %s: %w", group.ChildKey, err)
			}

			linkMu.Lock()
			createdChildren++
			linkMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Detail{}, err
	}

	if err := o.updateStatus(ctx, missionID, store.MissionWaitingChildren, "", "",
		"Child runs created. Waiting for child completion.",
		map[string]any{"childRunsCreated": createdChildren}); err != nil {
		return Detail{}, err
	}

	return o.GetDetail(ctx, missionID)
}

func nowMs() int64 { return time.Now().UnixMilli() }
