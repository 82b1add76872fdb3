// Package trigger implements the narrow interface contract external
// ingestion adapters (inbox watcher, webhook relay, pubsub subscriber) use
// to turn a delivered event into a run. It deliberately does not model
// webhook registration, signature verification, or delivery retries —
// those live entirely in the adapter; the core only needs dedupe and a
// run to hand back.
package trigger

import (
	"context"
	"fmt"

	"github.com/heikkila-labs/autopilot-core/internal/coreerr"
	"github.com/heikkila-labs/autopilot-core/internal/runner"
	"github.com/heikkila-labs/autopilot-core/internal/schema"
	"github.com/heikkila-labs/autopilot-core/internal/store"
)

// defaultMaxRetries is applied to every trigger-originated run; adapters
// have no way to tune this through the narrow ingest contract.
const defaultMaxRetries = 3

// Service ingests trigger events into runs.
type Service struct {
	store  *store.Store
	runner *runner.Runner
}

// New constructs a Service.
func New(st *store.Store, rn *runner.Runner) *Service {
	return &Service{store: st, runner: rn}
}

// RunStartResult is the outcome of ingesting one trigger event.
type RunStartResult struct {
	RunID       string
	RunState    store.RunState
	WasDeduped  bool
}

// recipeForProvider maps an adapter's provider label to the recipe its
// delivered content is run through. Adapters report only a provider
// name, not a recipe, so the core owns this mapping.
func recipeForProvider(provider string) schema.Recipe {
	switch provider {
	case "webhook":
		return schema.RecipeWebsiteMonitor
	case "pubsub":
		return schema.RecipeDailyBrief
	default:
		return schema.RecipeInboxTriage
	}
}

// IngestTriggerEvent is the single entry point external producers call.
// Dedupe is by dedupeKey: a redelivered webhook or a re-polled inbox item
// that already has an ingest_events row returns the run that was created
// for it the first time, without starting a second one.
func (s *Service) IngestTriggerEvent(ctx context.Context, provider, dedupeKey, contentSource, autopilotID string) (RunStartResult, error) {
	if dedupeKey == "" {
		return RunStartResult{}, fmt.Errorf("trigger: dedupe_key is required")
	}

	existing, err := s.store.GetIngestEventByDedupeKey(ctx, dedupeKey)
	if err == nil {
		run, err := s.runner.GetRun(ctx, existing.RunID)
		if err != nil {
			return RunStartResult{}, fmt.Errorf("trigger: load deduped run: %w", err)
		}
		return RunStartResult{RunID: run.ID, RunState: run.State, WasDeduped: true}, nil
	}
	if kind, ok := coreerr.As(err); !ok || kind.Kind != coreerr.NotFound {
		return RunStartResult{}, fmt.Errorf("trigger: check dedupe key: %w", err)
	}

	recipe := recipeForProvider(provider)
	plan := schema.BuildPlan(recipe, contentSource, schema.ProviderOpenAI)
	idempotencyKey := "trigger:" + dedupeKey

	run, err := s.runner.StartRun(ctx, autopilotID, plan, idempotencyKey, defaultMaxRetries)
	if err != nil {
		return RunStartResult{}, fmt.Errorf("trigger: start run: %w", err)
	}

	ingestID := s.store.NewID("ingest")
	_, _, err = s.store.InsertIngestEventIfAbsent(ctx, store.IngestEvent{
		ID:             ingestID,
		Provider:       provider,
		DedupeKey:      dedupeKey,
		AutopilotID:    autopilotID,
		ContentSource:  contentSource,
		RunID:          run.ID,
		IdempotencyKey: idempotencyKey,
		CreatedAtMs:    run.CreatedAtMs,
	})
	if err != nil {
		return RunStartResult{}, fmt.Errorf("trigger: record ingest event: %w", err)
	}

	return RunStartResult{RunID: run.ID, RunState: run.State, WasDeduped: false}, nil
}
