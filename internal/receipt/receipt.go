// Package receipt assembles the Context Receipt: a read-only, redacted
// projection of what a run actually saw and did, built for the user-facing
// "why did this happen" view rather than for replay or audit. It never
// exposes prompt content, memory card bodies, or raw outcome payloads —
// only their shape and provenance.
package receipt

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/heikkila-labs/autopilot-core/internal/learning"
	"github.com/heikkila-labs/autopilot-core/internal/runner"
	"github.com/heikkila-labs/autopilot-core/internal/store"
)

// Service assembles Context Receipts from the core's durable state. It
// holds no state of its own.
type Service struct {
	store    *store.Store
	runner   *runner.Runner
	learning *learning.Pipeline
}

// New constructs a Service.
func New(st *store.Store, rn *runner.Runner, lp *learning.Pipeline) *Service {
	return &Service{store: st, runner: rn, learning: lp}
}

// ContextSource is one provenance record of content a run read, with the
// raw content itself always omitted.
type ContextSource struct {
	SourceKind    string
	SourceID      string
	URL           string
	Status        string
	FetchedAtMs   int64
	ContentHash   string
	ExcerptChars  int
	Changed       bool
	HasChanged    bool
	DiffScore     float64
	HasDiffScore  bool
	Error         string
}

// ProviderCallView is the redacted projection of one provider_calls row:
// usage accounting only, never prompt or completion text.
type ProviderCallView struct {
	Provider     string
	Model        string
	RequestKind  string
	InputChars   int64
	OutputChars  int64
	LatencyMs    int64
	CostCentsEst int64
	CreatedAtMs  int64
}

// SendPolicyView reflects the core's fixed email send policy. The core
// never has a real send capability (only write_email_draft), so this is a
// constant derived from that invariant rather than a row read from
// storage — there is no persisted send policy to project.
type SendPolicyView struct {
	AllowSending            bool
	RecipientAllowlistCount int
	MaxSendsPerDay          int64
	QuietHoursStartLocal    int64
	QuietHoursEndLocal      int64
	AllowOutsideQuietHours  bool
}

// PolicyConstraints is the policy surface a run operated under.
type PolicyConstraints struct {
	DenyByDefaultPrimitives bool
	AllowedPrimitives       []string
	WebAllowedDomains       []string
	ApprovalRequiredSteps   []string
	SendPolicy              SendPolicyView
}

// RuntimeProfileOverlay is the effective learning-pipeline knobs view a
// run's provider calls were shaped by.
type RuntimeProfileOverlay struct {
	LearningEnabled       bool
	Mode                  string
	SuppressUntilMs       int64
	HasSuppressUntil      bool
	MinDiffScoreToNotify  float64
	MaxSources            int
	MaxBullets            int
	ReplyLengthHint       string
}

// ContextReceipt is the full redacted projection for one run.
type ContextReceipt struct {
	RunID                 string
	AutopilotID            string
	Recipe                 string
	ProviderKind            string
	ProviderTier            string
	RunState                string
	TerminalReceiptFound    bool
	Sources                 []ContextSource
	MemoryTitlesUsed        []string
	MemoryCardsUsed         []store.MemoryCard
	PolicyConstraints       PolicyConstraints
	RuntimeProfileOverlay   RuntimeProfileOverlay
	RedactionFlags          []string
	RationaleCodes          []string
	KeySignals              []string
	ProviderCalls           []ProviderCallView
}

// Get assembles the Context Receipt for a run. It never fails just
// because a run hasn't reached a terminal state yet; an in-flight run
// simply gets an empty rationale/signal/title projection.
func (s *Service) Get(ctx context.Context, runID string) (ContextReceipt, error) {
	run, err := s.runner.GetRun(ctx, runID)
	if err != nil {
		return ContextReceipt{}, fmt.Errorf("receipt: get run: %w", err)
	}
	terminal, found, err := s.runner.GetTerminalReceipt(ctx, runID)
	if err != nil {
		return ContextReceipt{}, fmt.Errorf("receipt: get terminal receipt: %w", err)
	}
	memoryCards, err := s.store.ListMemoryCardsByRecency(ctx, run.AutopilotID)
	if err != nil {
		return ContextReceipt{}, fmt.Errorf("receipt: list memory cards: %w", err)
	}
	profile, err := s.learning.GetRuntimeProfile(ctx, run.AutopilotID)
	if err != nil {
		return ContextReceipt{}, fmt.Errorf("receipt: get runtime profile: %w", err)
	}
	providerCalls, err := s.store.ListProviderCallsForRun(ctx, runID)
	if err != nil {
		return ContextReceipt{}, fmt.Errorf("receipt: list provider calls: %w", err)
	}
	outcomes, err := s.store.ListOutcomesForRun(ctx, runID)
	if err != nil {
		return ContextReceipt{}, fmt.Errorf("receipt: list outcomes: %w", err)
	}

	memoryTitles, rationaleCodes, keySignals, redactionFlags := deriveContextMetadata(found, terminal)
	memoryCardsUsed := selectMemoryCardsByTitle(memoryCards, memoryTitles)

	var approvalRequiredSteps []string
	for _, step := range run.Plan.Steps {
		if step.RequiresApproval {
			approvalRequiredSteps = append(approvalRequiredSteps, step.Label)
		}
	}
	allowedPrimitives := make([]string, 0, len(run.Plan.AllowedPrimitives))
	for _, p := range run.Plan.AllowedPrimitives {
		allowedPrimitives = append(allowedPrimitives, string(p))
	}

	return ContextReceipt{
		RunID:                run.ID,
		AutopilotID:          run.AutopilotID,
		Recipe:               string(run.Plan.Recipe),
		ProviderKind:         run.ProviderKind,
		ProviderTier:         run.ProviderTier,
		RunState:             string(run.State),
		TerminalReceiptFound: found,
		Sources:              loadContextSources(outcomes),
		MemoryTitlesUsed:     memoryTitles,
		MemoryCardsUsed:      memoryCardsUsed,
		PolicyConstraints: PolicyConstraints{
			DenyByDefaultPrimitives: true,
			AllowedPrimitives:       allowedPrimitives,
			WebAllowedDomains:       run.Plan.WebAllowedDomains,
			ApprovalRequiredSteps:   approvalRequiredSteps,
			SendPolicy:              fixedSendPolicy(),
		},
		RuntimeProfileOverlay: RuntimeProfileOverlay{
			LearningEnabled:      profile.LearningEnabled,
			Mode:                 string(profile.Mode),
			SuppressUntilMs:      profile.Suppression.SuppressUntilMs,
			HasSuppressUntil:     profile.Suppression.SuppressUntilMs > 0,
			MinDiffScoreToNotify: profile.Knobs.MinDiffScoreToNotify,
			MaxSources:           profile.Knobs.MaxSources,
			MaxBullets:           profile.Knobs.MaxBullets,
			ReplyLengthHint:      profile.Knobs.ReplyLengthHint,
		},
		RedactionFlags: redactionFlags,
		RationaleCodes: rationaleCodes,
		KeySignals:     keySignals,
		ProviderCalls:  toProviderCallViews(providerCalls),
	}, nil
}

// fixedSendPolicy reflects the core's unconditional refusal to send real
// email: there is no send capability in-core, only drafts, so every
// field here is a constant rather than a configured value.
func fixedSendPolicy() SendPolicyView {
	return SendPolicyView{
		AllowSending:            false,
		RecipientAllowlistCount: 0,
		MaxSendsPerDay:          0,
		QuietHoursStartLocal:    0,
		QuietHoursEndLocal:      0,
		AllowOutsideQuietHours:  false,
	}
}

// deriveContextMetadata mirrors the original's handling of an absent
// terminal receipt: the redaction flags always note that memory and
// source content was omitted, and additionally flag a missing or
// redacted receipt when that's the case.
func deriveContextMetadata(found bool, t runner.TerminalReceipt) (memoryTitles, rationaleCodes, keySignals, redactionFlags []string) {
	redactionFlags = []string{"memory_content_omitted", "source_content_excerpts_omitted"}
	if !found {
		redactionFlags = append(redactionFlags, "terminal_receipt_missing")
		return nil, nil, nil, redactionFlags
	}
	if t.Redacted {
		redactionFlags = append(redactionFlags, "receipt_redacted")
	}
	return nil, t.RationaleCodes, t.KeySignals, redactionFlags
}

func selectMemoryCardsByTitle(cards []store.MemoryCard, titles []string) []store.MemoryCard {
	if len(titles) == 0 {
		return nil
	}
	byTitle := make(map[string]store.MemoryCard, len(cards))
	for _, c := range cards {
		byTitle[c.Title] = c
	}
	var out []store.MemoryCard
	for _, title := range titles {
		if c, ok := byTitle[title]; ok {
			out = append(out, c)
		}
	}
	return out
}

func toProviderCallViews(calls []store.ProviderCall) []ProviderCallView {
	out := make([]ProviderCallView, 0, len(calls))
	for _, c := range calls {
		out = append(out, ProviderCallView{
			Provider:     c.Provider,
			Model:        c.Model,
			RequestKind:  c.RequestKind,
			InputChars:   c.InputChars,
			OutputChars:  c.OutputChars,
			LatencyMs:    c.LatencyMs,
			CostCentsEst: c.CostCentsEst,
			CreatedAtMs:  c.CreatedAtMs,
		})
	}
	return out
}

// loadContextSources projects web_read, inbox_read and daily_sources
// outcomes into provenance-only records, in the order they were
// recorded.
func loadContextSources(outcomes []store.Outcome) []ContextSource {
	var out []ContextSource
	for _, o := range outcomes {
		switch o.Kind {
		case store.OutcomeWebRead:
			out = append(out, parseWebSource(o.Content))
		case store.OutcomeInboxRead:
			out = append(out, parseInboxSource(o.Content))
		case store.OutcomeDailySources:
			out = append(out, parseDailySources(o.Content)...)
		}
	}
	return out
}

func decodeJSONObject(raw string) map[string]any {
	var v map[string]any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil
	}
	return v
}

func asString(v map[string]any, key string) string {
	if v == nil {
		return ""
	}
	s, _ := v[key].(string)
	return s
}

func asInt64(v map[string]any, key string) (int64, bool) {
	if v == nil {
		return 0, false
	}
	f, ok := v[key].(float64)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

func asBool(v map[string]any, key string) (bool, bool) {
	if v == nil {
		return false, false
	}
	b, ok := v[key].(bool)
	return b, ok
}

func asFloat64(v map[string]any, key string) (float64, bool) {
	if v == nil {
		return 0, false
	}
	f, ok := v[key].(float64)
	return f, ok
}

func parseWebSource(raw string) ContextSource {
	v := decodeJSONObject(raw)
	changed, hasChanged := asBool(v, "changed")
	diffScore, hasDiffScore := asFloat64(v, "diff_score")
	fetchedAt, _ := asInt64(v, "fetched_at_ms")
	excerpt := asString(v, "current_excerpt")
	return ContextSource{
		SourceKind:   "web_read",
		URL:          asString(v, "url"),
		Status:       "captured",
		FetchedAtMs:  fetchedAt,
		ContentHash:  asString(v, "content_hash"),
		ExcerptChars: len([]rune(excerpt)),
		Changed:      changed,
		HasChanged:   hasChanged,
		DiffScore:    diffScore,
		HasDiffScore: hasDiffScore,
	}
}

func parseInboxSource(raw string) ContextSource {
	v := decodeJSONObject(raw)
	deduped, _ := asBool(v, "deduped_existing")
	status := "captured"
	if deduped {
		status = "deduped"
	}
	createdAt, _ := asInt64(v, "created_at_ms")
	excerpt := asString(v, "text_excerpt")
	return ContextSource{
		SourceKind:   "forwarded_email",
		SourceID:     asString(v, "item_id"),
		Status:       status,
		FetchedAtMs:  createdAt,
		ContentHash:  asString(v, "content_hash"),
		ExcerptChars: len([]rune(excerpt)),
	}
}

func parseDailySources(raw string) []ContextSource {
	v := decodeJSONObject(raw)
	if v == nil {
		return nil
	}
	arr, ok := v["source_results"].([]any)
	if !ok {
		return nil
	}
	out := make([]ContextSource, 0, len(arr))
	for _, item := range arr {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		fetchErr := asString(m, "fetch_error")
		status := "captured"
		if fetchErr != "" {
			status = "fetch_error"
		}
		fetchedAt, _ := asInt64(m, "fetched_at_ms")
		excerpt := asString(m, "text_excerpt")
		out = append(out, ContextSource{
			SourceKind:   "daily_source",
			SourceID:     asString(m, "source_id"),
			URL:          asString(m, "url"),
			Status:       status,
			FetchedAtMs:  fetchedAt,
			ExcerptChars: len([]rune(excerpt)),
			Error:        fetchErr,
		})
	}
	return out
}
