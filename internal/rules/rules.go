// Package rules implements Rule Cards: user guidance turned into small,
// bounded policy overlays that mutate a run's runtime profile. A rule
// starts as a proposal parsed from free-text guidance, goes through an
// approval gate, and once active is matched against runs by the same
// scope it was proposed for.
package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/heikkila-labs/autopilot-core/internal/coreerr"
	"github.com/heikkila-labs/autopilot-core/internal/schema"
	"github.com/heikkila-labs/autopilot-core/internal/store"
)

const (
	maxPendingProposalsPerDay = 3
	maxActiveRulesPerScope    = 20
	proposalRateWindowMs      = 24 * 60 * 60 * 1000
)

// RuleType is the closed set of overlays this slice understands. Only
// three are implemented; the rest are accepted by the parser's keyword
// table but always rejected with a capability_denied error, the same way
// the originating guidance engine staged them before it could support
// them.
type RuleType string

const (
	RuleNoiseSuppression RuleType = "noise_suppression"
	RuleDailyBriefScope  RuleType = "daily_brief_scope"
	RuleReplyStyle       RuleType = "reply_style"
	RuleDeliveryDefaults RuleType = "delivery_defaults"
	RuleApprovalPref     RuleType = "approval_preference"
)

// ScopeKind is how broadly a rule card applies.
type ScopeKind string

const (
	ScopeAutopilot ScopeKind = "autopilot"
	ScopeRun       ScopeKind = "run"
)

// GuidanceScope identifies what a proposed rule should bind to.
type GuidanceScope struct {
	Kind        ScopeKind
	AutopilotID string
	RunID       string
}

// Trigger is the matching condition stored with a rule card.
type Trigger struct {
	ScopeKind   ScopeKind `json:"scope_kind"`
	AutopilotID string    `json:"autopilot_id"`
	RunID       string    `json:"run_id,omitempty"`
}

// Proposal is a parsed, not-yet-persisted rule card awaiting approval.
type Proposal struct {
	Title      string
	RuleType   RuleType
	Scope      GuidanceScope
	EffectJSON string
}

// prohibitedEffectPhrases reject guidance that tries to expand
// capability rather than narrow behavior. Matched case-insensitively
// against the raw guidance text before any keyword parsing runs.
var prohibitedEffectPhrases = []string{
	"enable send",
	"enable sending",
	"disable approval",
	"add recipient",
	"allowlist",
	"domain allowlist",
	"send to anyone",
	"new primitive",
	"run shell",
	"execute code",
}

func rejectProhibitedEffectText(guidance string) error {
	lower := strings.ToLower(guidance)
	for _, phrase := range prohibitedEffectPhrases {
		if strings.Contains(lower, phrase) {
			return coreerr.New(coreerr.Forbidden, "that guidance tries to expand what this autopilot can do, which isn't allowed from a rule card")
		}
	}
	return nil
}

// ParseGuidanceToRule turns free-text guidance into a bounded rule
// proposal for one of the recipes understood in this scope. Guidance
// that doesn't match a known pattern, or that asks for anything
// capability-expanding, is rejected rather than guessed at.
func ParseGuidanceToRule(guidance string, recipe schema.Recipe, scope GuidanceScope) (Proposal, error) {
	trimmed := strings.TrimSpace(guidance)
	if trimmed == "" {
		return Proposal{}, coreerr.New(coreerr.ValidationError, "guidance text is empty")
	}
	if len([]rune(trimmed)) > 500 {
		return Proposal{}, coreerr.New(coreerr.ValidationError, "guidance text exceeds 500 characters")
	}
	if err := rejectProhibitedEffectText(trimmed); err != nil {
		return Proposal{}, err
	}

	lower := strings.ToLower(trimmed)
	trigger := Trigger{ScopeKind: scope.Kind, AutopilotID: scope.AutopilotID, RunID: scope.RunID}

	switch {
	case strings.Contains(lower, "don't tell me") || strings.Contains(lower, "stop notifying") || strings.Contains(lower, "too noisy") || strings.Contains(lower, "quiet down"):
		threshold := extractSmallNumberAfterKeyword(lower, "above", 0.5)
		effect := map[string]any{"min_diff_score_to_notify": clampFloat(threshold, 0.1, 0.9)}
		return buildProposal("Reduce notification noise", RuleNoiseSuppression, scope, trigger, effect)

	case strings.Contains(lower, "only include") || strings.Contains(lower, "focus on") || strings.Contains(lower, "fewer sources") || strings.Contains(lower, "max sources"):
		n := extractSmallNumber(lower, 6)
		effect := map[string]any{"max_sources": clampInt(n, 2, 10)}
		return buildProposal("Narrow daily brief sources", RuleDailyBriefScope, scope, trigger, effect)

	case strings.Contains(lower, "keep it short") || strings.Contains(lower, "shorter replies") || strings.Contains(lower, "be brief"):
		effect := map[string]any{"reply_length_hint": "short"}
		return buildProposal("Prefer shorter replies", RuleReplyStyle, scope, trigger, effect)

	case strings.Contains(lower, "fewer bullets") || strings.Contains(lower, "max bullets"):
		n := extractSmallNumber(lower, 4)
		effect := map[string]any{"max_bullets": clampInt(n, 3, 10)}
		return buildProposal("Limit brief bullet count", RuleDailyBriefScope, scope, trigger, effect)

	case strings.Contains(lower, "default delivery") || strings.Contains(lower, "always email") || strings.Contains(lower, "always notify"):
		return Proposal{}, coreerr.New(coreerr.CapabilityDenied, "delivery-default rules aren't supported yet")

	case strings.Contains(lower, "auto approve") || strings.Contains(lower, "skip approval") || strings.Contains(lower, "approval preference"):
		return Proposal{}, coreerr.New(coreerr.CapabilityDenied, "approval-preference rules aren't supported yet")

	default:
		return Proposal{}, coreerr.New(coreerr.ValidationError, "couldn't turn that guidance into a rule; try being more specific")
	}
}

func buildProposal(title string, ruleType RuleType, scope GuidanceScope, trigger Trigger, effect map[string]any) (Proposal, error) {
	if err := validateRuleEffect(ruleType, effect); err != nil {
		return Proposal{}, err
	}
	effectJSON, err := boundedJSON(effect, 512)
	if err != nil {
		return Proposal{}, err
	}
	return Proposal{Title: title, RuleType: ruleType, Scope: scope, EffectJSON: effectJSON}, nil
}

// validateRuleEffect enforces the closed per-type bounds a rule card's
// effect is allowed to declare, mirroring the knob bounds the learning
// pipeline's own sanitizer applies.
func validateRuleEffect(ruleType RuleType, effect map[string]any) error {
	switch ruleType {
	case RuleNoiseSuppression:
		v, ok := effect["min_diff_score_to_notify"].(float64)
		if !ok || v < 0.1 || v > 0.9 {
			return coreerr.New(coreerr.ValidationError, "min_diff_score_to_notify must be between 0.1 and 0.9")
		}
	case RuleDailyBriefScope:
		if v, ok := effect["max_sources"]; ok {
			n, ok := v.(int)
			if !ok || n < 2 || n > 10 {
				return coreerr.New(coreerr.ValidationError, "max_sources must be between 2 and 10")
			}
		}
		if v, ok := effect["max_bullets"]; ok {
			n, ok := v.(int)
			if !ok || n < 3 || n > 10 {
				return coreerr.New(coreerr.ValidationError, "max_bullets must be between 3 and 10")
			}
		}
	case RuleReplyStyle:
		v, ok := effect["reply_length_hint"].(string)
		if !ok || (v != "short" && v != "medium") {
			return coreerr.New(coreerr.ValidationError, "reply_length_hint must be short or medium")
		}
	default:
		return coreerr.New(coreerr.CapabilityDenied, fmt.Sprintf("rule type %s isn't supported yet", ruleType))
	}
	return nil
}

func boundedJSON(v any, maxBytes int) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("rules: encode effect: %w", err)
	}
	if len(b) > maxBytes {
		return "", coreerr.New(coreerr.ValidationError, "rule effect payload is too large")
	}
	return string(b), nil
}

func extractSmallNumber(text string, fallback int) int {
	for _, field := range strings.FieldsFunc(text, func(r rune) bool { return !(r >= '0' && r <= '9') }) {
		if n, err := strconv.Atoi(field); err == nil && n > 0 && n <= 50 {
			return n
		}
	}
	return fallback
}

func extractSmallNumberAfterKeyword(text, keyword string, fallback float64) float64 {
	idx := strings.Index(text, keyword)
	if idx < 0 {
		return fallback
	}
	rest := text[idx+len(keyword):]
	for _, field := range strings.Fields(rest) {
		field = strings.TrimRight(field, "%.,")
		if n, err := strconv.ParseFloat(field, 64); err == nil {
			if n > 1 {
				n = n / 100
			}
			return n
		}
		break
	}
	return fallback
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func clampFloat(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func nowMs() int64 { return time.Now().UnixMilli() }

// Engine runs the Rule Cards lifecycle and runtime application over a
// Store, the same "no in-memory state, everything is re-derived"
// discipline as the Runner and the learning Pipeline.
type Engine struct {
	store *store.Store
}

// New constructs an Engine.
func New(st *store.Store) *Engine {
	return &Engine{store: st}
}

// ProposeRuleFromGuidance parses guidance and persists it as a
// pending_approval rule card, enforcing the per-day proposal rate limit
// and per-scope active-rule cap.
func (e *Engine) ProposeRuleFromGuidance(ctx context.Context, guidance string, recipe schema.Recipe, scope GuidanceScope, sourceRunID string) (store.RuleCard, error) {
	if scope.AutopilotID == "" {
		return store.RuleCard{}, coreerr.New(coreerr.ValidationError, "a rule proposal needs an autopilot id")
	}

	since := nowMs() - proposalRateWindowMs
	pendingCount, err := e.store.CountPendingRuleCardsSince(ctx, scope.AutopilotID, since)
	if err != nil {
		return store.RuleCard{}, err
	}
	if pendingCount >= maxPendingProposalsPerDay {
		return store.RuleCard{}, coreerr.New(coreerr.ValidationError, "you've proposed enough rules today; try again tomorrow")
	}

	activeCount, err := e.store.CountActiveRuleCards(ctx, scope.AutopilotID)
	if err != nil {
		return store.RuleCard{}, err
	}
	if activeCount >= maxActiveRulesPerScope {
		return store.RuleCard{}, coreerr.New(coreerr.ValidationError, "this autopilot already has the maximum number of active rules")
	}

	proposal, err := ParseGuidanceToRule(guidance, recipe, scope)
	if err != nil {
		return store.RuleCard{}, err
	}

	triggerJSON, err := boundedJSON(Trigger{ScopeKind: scope.Kind, AutopilotID: scope.AutopilotID, RunID: scope.RunID}, 512)
	if err != nil {
		return store.RuleCard{}, err
	}

	sourceKind := "guidance_text"
	now := nowMs()
	card := store.RuleCard{
		ID:          e.store.NewID("rule"),
		AutopilotID: scope.AutopilotID,
		Title:       proposal.Title,
		RuleType:    string(proposal.RuleType),
		Status:      store.RuleStatusPendingApproval,
		TriggerJSON: triggerJSON,
		EffectJSON:  proposal.EffectJSON,
		SourceKind:  sourceKind,
		SourceRunID: sourceRunID,
		Version:     1,
		CreatedAtMs: now,
		UpdatedAtMs: now,
	}
	if err := e.store.InsertRuleCard(ctx, card); err != nil {
		return store.RuleCard{}, err
	}
	return card, nil
}

// ListActiveRuleCardsForAutopilot is a thin pass-through; kept on Engine so
// callers don't need to reach into the store package directly.
func (e *Engine) ListActiveRuleCardsForAutopilot(ctx context.Context, autopilotID string) ([]store.RuleCard, error) {
	return e.store.ListActiveRuleCardsForAutopilot(ctx, autopilotID)
}

// GetRuleCard loads a rule card by id.
func (e *Engine) GetRuleCard(ctx context.Context, id string) (store.RuleCard, error) {
	return e.store.GetRuleCard(ctx, id)
}

// transitionRuleStatus enforces the rule card's strict lifecycle graph
// before delegating the write to the store.
func (e *Engine) transitionRuleStatus(ctx context.Context, id string, to store.RuleCardStatus, effectJSON string) error {
	card, err := e.store.GetRuleCard(ctx, id)
	if err != nil {
		return err
	}
	allowed := map[store.RuleCardStatus][]store.RuleCardStatus{
		store.RuleStatusPendingApproval: {store.RuleStatusActive, store.RuleStatusRejected},
		store.RuleStatusActive:          {store.RuleStatusDisabled, store.RuleStatusSuperseded},
		store.RuleStatusDisabled:        {store.RuleStatusActive, store.RuleStatusSuperseded},
	}
	ok := false
	for _, candidate := range allowed[card.Status] {
		if candidate == to {
			ok = true
			break
		}
	}
	if !ok {
		return coreerr.New(coreerr.ConflictingState, fmt.Sprintf("rule card can't move from %s to %s", card.Status, to))
	}
	if to == store.RuleStatusActive {
		activeCount, err := e.store.CountActiveRuleCards(ctx, card.AutopilotID)
		if err != nil {
			return err
		}
		if activeCount >= maxActiveRulesPerScope {
			return coreerr.New(coreerr.ValidationError, "this autopilot already has the maximum number of active rules")
		}
	}
	return e.store.UpdateRuleCardStatus(ctx, id, to, effectJSON, nowMs())
}

// ApproveRuleProposal activates a pending_approval rule card.
func (e *Engine) ApproveRuleProposal(ctx context.Context, id string) error {
	return e.transitionRuleStatus(ctx, id, store.RuleStatusActive, "")
}

// RejectRuleProposal rejects a pending_approval rule card.
func (e *Engine) RejectRuleProposal(ctx context.Context, id string) error {
	return e.transitionRuleStatus(ctx, id, store.RuleStatusRejected, "")
}

// DisableRuleCard disables an active rule card.
func (e *Engine) DisableRuleCard(ctx context.Context, id string) error {
	return e.transitionRuleStatus(ctx, id, store.RuleStatusDisabled, "")
}

// EnableRuleCard reactivates a disabled rule card, subject to the active
// rule cap.
func (e *Engine) EnableRuleCard(ctx context.Context, id string) error {
	return e.transitionRuleStatus(ctx, id, store.RuleStatusActive, "")
}
