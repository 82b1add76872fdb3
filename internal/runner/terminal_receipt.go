package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// TerminalReceipt is the durable record a finished run leaves behind: the
// rationale codes the learning pipeline applied and the key signals its
// evaluation scored on. It exists only once a run has both reached a
// terminal state and been scored/adapted at least once.
type TerminalReceipt struct {
	Redacted       bool
	RationaleCodes []string
	KeySignals     []string
}

// GetTerminalReceipt returns the terminal receipt for runID, or found=false
// if the run hasn't reached a terminal state yet, or reached one without
// ever being evaluated or adapted.
func (r *Runner) GetTerminalReceipt(ctx context.Context, runID string) (TerminalReceipt, bool, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return TerminalReceipt{}, false, fmt.Errorf("runner: get terminal receipt: %w", err)
	}
	if !run.State.Terminal() {
		return TerminalReceipt{}, false, nil
	}

	evaluation, hasEvaluation, err := r.store.GetRunEvaluation(ctx, runID)
	if err != nil {
		return TerminalReceipt{}, false, fmt.Errorf("runner: get terminal receipt: %w", err)
	}
	adaptation, hasAdaptation, err := r.store.GetAdaptationLogByRunID(ctx, runID)
	if err != nil {
		return TerminalReceipt{}, false, fmt.Errorf("runner: get terminal receipt: %w", err)
	}
	if !hasEvaluation && !hasAdaptation {
		return TerminalReceipt{}, false, nil
	}

	var keySignals []string
	if hasEvaluation {
		keySignals = summarizeSignals(evaluation.SignalsJSON)
	}
	var rationaleCodes []string
	if hasAdaptation {
		_ = json.Unmarshal([]byte(adaptation.RationaleCodesJSON), &rationaleCodes)
	}

	return TerminalReceipt{
		Redacted:       false,
		RationaleCodes: rationaleCodes,
		KeySignals:     keySignals,
	}, true, nil
}

// summarizeSignals flattens an evaluation's opaque signals_json object into
// sorted "key=value" strings — the closest Go equivalent of the original's
// free-form key_signals list without redeclaring the learning pipeline's
// private signal shape here.
func summarizeSignals(signalsJSON string) []string {
	var raw map[string]any
	if err := json.Unmarshal([]byte(signalsJSON), &raw); err != nil || len(raw) == 0 {
		return nil
	}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%v", k, raw[k]))
	}
	return out
}
