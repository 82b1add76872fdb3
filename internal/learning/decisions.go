package learning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/heikkila-labs/autopilot-core/internal/coreerr"
	"github.com/heikkila-labs/autopilot-core/internal/store"
)

// DecisionEventType is the closed set of user-feedback signals the
// learning pipeline consumes.
type DecisionEventType string

const (
	EventApprovalApproved DecisionEventType = "approval_approved"
	EventApprovalRejected DecisionEventType = "approval_rejected"
	EventApprovalExpired  DecisionEventType = "approval_expired"
	EventOutcomeOpened    DecisionEventType = "outcome_opened"
	EventOutcomeIgnored   DecisionEventType = "outcome_ignored"
	EventDraftEdited      DecisionEventType = "draft_edited"
	EventDraftCopied      DecisionEventType = "draft_copied"
)

func parseDecisionEventType(value string) (DecisionEventType, bool) {
	switch DecisionEventType(value) {
	case EventApprovalApproved, EventApprovalRejected, EventApprovalExpired,
		EventOutcomeOpened, EventOutcomeIgnored, EventDraftEdited, EventDraftCopied:
		return DecisionEventType(value), true
	default:
		return "", false
	}
}

// DecisionEventMetadata is the closed schema of optional feedback fields.
// Pointer fields distinguish "absent" from "zero" the way the event-type
// gating rules require.
type DecisionEventMetadata struct {
	LatencyMs      *int64   `json:"latency_ms,omitempty"`
	ReasonCode     *string  `json:"reason_code,omitempty"`
	ProviderKind   *string  `json:"provider_kind,omitempty"`
	USDCentsActual *int64   `json:"usd_cents_actual,omitempty"`
	DiffScore      *float64 `json:"diff_score,omitempty"`
	ContentHash    *string  `json:"content_hash,omitempty"`
	ContentLength  *int64   `json:"content_length,omitempty"`
	DraftLength    *int64   `json:"draft_length,omitempty"`
}

func allowedMetadataKeysForEvent(t DecisionEventType) map[string]bool {
	switch t {
	case EventApprovalApproved, EventApprovalRejected:
		return map[string]bool{"latency_ms": true, "reason_code": true, "provider_kind": true, "usd_cents_actual": true}
	case EventApprovalExpired:
		return map[string]bool{"reason_code": true}
	case EventOutcomeOpened:
		return map[string]bool{"reason_code": true}
	case EventOutcomeIgnored:
		return map[string]bool{"reason_code": true, "diff_score": true, "content_hash": true, "content_length": true}
	case EventDraftEdited, EventDraftCopied:
		return map[string]bool{"reason_code": true, "content_hash": true, "content_length": true, "draft_length": true}
	default:
		return nil
	}
}

// parseAndValidateMetadataJSON decodes rawJSON against the event type's
// allowed-key set, rejecting unknown fields and out-of-scope keys before
// the semantic validation/sanitization pass runs.
func parseAndValidateMetadataJSON(eventType DecisionEventType, rawJSON string) (DecisionEventMetadata, error) {
	var meta DecisionEventMetadata
	if strings.TrimSpace(rawJSON) == "" {
		return meta, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(rawJSON), &obj); err != nil {
		return DecisionEventMetadata{}, coreerr.Wrap(coreerr.ValidationError, "metadata_json must be a JSON object", err)
	}
	allowed := allowedMetadataKeysForEvent(eventType)
	for key := range obj {
		if !allowed[key] {
			return DecisionEventMetadata{}, coreerr.New(coreerr.ValidationError, fmt.Sprintf("unsupported metadata key: %s", key))
		}
	}

	decoder := json.NewDecoder(bytes.NewReader([]byte(rawJSON)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&meta); err != nil {
		return DecisionEventMetadata{}, coreerr.Wrap(coreerr.ValidationError, "invalid metadata shape", err)
	}
	return validateAndSanitizeMetadata(eventType, meta)
}

func validateAndSanitizeMetadata(eventType DecisionEventType, meta DecisionEventMetadata) (DecisionEventMetadata, error) {
	if meta.ReasonCode != nil {
		if err := ensureTextIsSafe(*meta.ReasonCode, "reason_code"); err != nil {
			return DecisionEventMetadata{}, err
		}
		truncated := truncateRunesLocal(*meta.ReasonCode, 40)
		meta.ReasonCode = &truncated
	}
	if meta.ProviderKind != nil {
		if err := ensureTextIsSafe(*meta.ProviderKind, "provider_kind"); err != nil {
			return DecisionEventMetadata{}, err
		}
		truncated := strings.ToLower(truncateRunesLocal(*meta.ProviderKind, 20))
		meta.ProviderKind = &truncated
	}
	if meta.ContentHash != nil {
		if err := ensureTextIsSafe(*meta.ContentHash, "content_hash"); err != nil {
			return DecisionEventMetadata{}, err
		}
		truncated := truncateRunesLocal(*meta.ContentHash, 32)
		meta.ContentHash = &truncated
	}
	if meta.DiffScore != nil {
		clamped := clampFloat(*meta.DiffScore, 0.0, 1.0)
		meta.DiffScore = &clamped
	}
	if meta.ContentLength != nil {
		clamped := int64(clampInt(int(*meta.ContentLength), 0, 50_000))
		meta.ContentLength = &clamped
	}
	if meta.DraftLength != nil {
		clamped := int64(clampInt(int(*meta.DraftLength), 0, 20_000))
		meta.DraftLength = &clamped
	}
	if err := validateEventMetadataSemantics(eventType, meta); err != nil {
		return DecisionEventMetadata{}, err
	}
	return meta, nil
}

func validateEventMetadataSemantics(eventType DecisionEventType, meta DecisionEventMetadata) error {
	allowed := allowedMetadataKeysForEvent(eventType)
	if !allowed["latency_ms"] && meta.LatencyMs != nil {
		return coreerr.New(coreerr.ValidationError, "latency_ms is not allowed for this event type")
	}
	if !allowed["provider_kind"] && meta.ProviderKind != nil {
		return coreerr.New(coreerr.ValidationError, "provider_kind is not allowed for this event type")
	}
	if !allowed["usd_cents_actual"] && meta.USDCentsActual != nil {
		return coreerr.New(coreerr.ValidationError, "usd_cents_actual is not allowed for this event type")
	}
	if !allowed["diff_score"] && meta.DiffScore != nil {
		return coreerr.New(coreerr.ValidationError, "diff_score is not allowed for this event type")
	}
	if !allowed["draft_length"] && meta.DraftLength != nil {
		return coreerr.New(coreerr.ValidationError, "draft_length is not allowed for this event type")
	}
	return nil
}

func truncateRunesLocal(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

func ensureTextIsSafe(value, fieldName string) error {
	if len([]rune(value)) > 256 {
		return coreerr.New(coreerr.ValidationError, fieldName+" exceeds max length")
	}
	lower := strings.ToLower(value)
	for _, forbidden := range redactionForbiddenSubstrings {
		if strings.Contains(lower, forbidden) {
			return coreerr.New(coreerr.Forbidden, fieldName+" contains disallowed secret-like content")
		}
	}
	if looksLikeEmailDump(value) {
		return coreerr.New(coreerr.Forbidden, fieldName+" appears to contain raw message content")
	}
	return nil
}

// looksLikeEmailDump heuristically rejects raw message content smuggled
// into a feedback field: either a long multi-line block, or a cluster of
// header-like tokens.
func looksLikeEmailDump(value string) bool {
	lines := strings.Split(value, "\n")
	if len(lines) >= 5 {
		for _, line := range lines {
			if len([]rune(line)) > 200 {
				return true
			}
		}
	}
	lower := strings.ToLower(value)
	headerHits := 0
	for _, h := range []string{"subject:", "from:", "to:", "cc:", "bcc:", "date:"} {
		if strings.Contains(lower, h) {
			headerHits++
		}
	}
	return headerHits >= 3
}

func sanitizeClientEventID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", nil
	}
	if len([]rune(trimmed)) > 80 {
		return "", coreerr.New(coreerr.ValidationError, "client_event_id must be 80 chars or less")
	}
	for _, r := range trimmed {
		isAllowed := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' || r == ':'
		if !isAllowed {
			return "", coreerr.New(coreerr.ValidationError, "client_event_id contains unsupported characters")
		}
	}
	return trimmed, nil
}

// RecordDecisionEventInput is the caller-facing request for a feedback
// signal. MetadataJSON is the caller's raw, untrusted JSON object; it is
// revalidated against the event type's allowed-key schema before
// persisting.
type RecordDecisionEventInput struct {
	AutopilotID   string
	RunID         string
	StepID        string
	EventType     string
	MetadataJSON  string
	ClientEventID string
}

// RecordDecisionEvent admits, validates, and persists one decision event,
// then triggers compaction every 25 events per autopilot. A duplicate
// client_event_id is treated as an idempotent no-op.
func (p *Pipeline) RecordDecisionEvent(ctx context.Context, in RecordDecisionEventInput) error {
	eventType, ok := parseDecisionEventType(in.EventType)
	if !ok {
		return coreerr.New(coreerr.ValidationError, fmt.Sprintf("unsupported decision event type: %s", in.EventType))
	}
	if err := p.enforceRateLimit(ctx, in.AutopilotID); err != nil {
		return err
	}

	meta, err := parseAndValidateMetadataJSON(eventType, in.MetadataJSON)
	if err != nil {
		return err
	}
	metadataJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("learning: encode decision event metadata: %w", err)
	}
	if len(metadataJSON) > maxMetadataJSONBytes {
		return coreerr.New(coreerr.ValidationError, "metadata_json payload exceeded 2048 bytes")
	}

	clientEventID, err := sanitizeClientEventID(in.ClientEventID)
	if err != nil {
		return err
	}

	err = p.store.InsertDecisionEvent(ctx, store.DecisionEvent{
		EventID:       p.store.NewID("decision"),
		ClientEventID: clientEventID,
		AutopilotID:   in.AutopilotID,
		RunID:         in.RunID,
		StepID:        in.StepID,
		EventType:     string(eventType),
		MetadataJSON:  string(metadataJSON),
		CreatedAtMs:   nowMs(),
	})
	if err != nil {
		if err == store.ErrDuplicateClientEvent {
			return nil
		}
		return fmt.Errorf("learning: insert decision event: %w", err)
	}

	return p.maybeCompactAfterInsert(ctx, in.AutopilotID)
}

func (p *Pipeline) enforceRateLimit(ctx context.Context, autopilotID string) error {
	cutoff := nowMs() - 60_000
	count, err := p.store.CountDecisionEventsSince(ctx, autopilotID, cutoff)
	if err != nil {
		return fmt.Errorf("learning: check rate limit: %w", err)
	}
	if count >= decisionEventRateLimitPerMinute {
		return coreerr.New(coreerr.ValidationError, "Too many learning signals in a short window. Try again in a minute.")
	}
	return nil
}

func (p *Pipeline) maybeCompactAfterInsert(ctx context.Context, autopilotID string) error {
	count, err := p.store.CountDecisionEventsForAutopilot(ctx, autopilotID)
	if err != nil {
		return fmt.Errorf("learning: count decision events: %w", err)
	}
	if count > 0 && count%compactionTriggerInterval == 0 {
		if _, err := p.CompactLearningData(ctx, autopilotID, false); err != nil {
			return err
		}
	}
	return nil
}
