package learning

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/heikkila-labs/autopilot-core/internal/store"
)

// Knobs are the tunable levers adapt_autopilot adjusts in place. They are
// interpreted by the runner when assembling a run's RuntimeProfile.
type Knobs struct {
	MinDiffScoreToNotify float64 `json:"min_diff_score_to_notify"`
	MaxSources           int     `json:"max_sources"`
	MaxBullets           int     `json:"max_bullets"`
	ReplyLengthHint      string  `json:"reply_length_hint"`
}

// Suppression holds a temporary quiet period, expressed as an absolute
// deadline so it survives a host restart without a running timer.
type Suppression struct {
	SuppressUntilMs int64 `json:"suppress_until_ms,omitempty"`
}

func defaultKnobs() Knobs {
	return Knobs{
		MinDiffScoreToNotify: 0.3,
		MaxSources:           6,
		MaxBullets:           6,
		ReplyLengthHint:      "medium",
	}
}

func (k Knobs) sanitized() Knobs {
	k.MinDiffScoreToNotify = clampFloat(k.MinDiffScoreToNotify, 0.1, 0.9)
	k.MaxSources = clampInt(k.MaxSources, 2, 10)
	k.MaxBullets = clampInt(k.MaxBullets, 3, 10)
	k.ReplyLengthHint = normalizeReplyLengthHint(k.ReplyLengthHint)
	return k
}

func normalizeReplyLengthHint(hint string) string {
	if hint == "short" {
		return "short"
	}
	return "medium"
}

// RuntimeProfile is the effective knobs/suppression view the rest of the
// system reads; it never exposes the raw JSON columns.
type RuntimeProfile struct {
	AutopilotID     string
	LearningEnabled bool
	Mode            store.ProfileMode
	Knobs           Knobs
	Suppression     Suppression
	Version         int
	UpdatedAtMs     int64
}

func decodeProfileRow(row store.AutopilotProfileRow) (RuntimeProfile, error) {
	var knobs Knobs
	if row.KnobsJSON != "" {
		if err := json.Unmarshal([]byte(row.KnobsJSON), &knobs); err != nil {
			knobs = defaultKnobs()
		}
	} else {
		knobs = defaultKnobs()
	}
	var suppression Suppression
	if row.SuppressionJSON != "" {
		if err := json.Unmarshal([]byte(row.SuppressionJSON), &suppression); err != nil {
			suppression = Suppression{}
		}
	}
	return RuntimeProfile{
		AutopilotID:     row.AutopilotID,
		LearningEnabled: row.LearningEnabled,
		Mode:            row.Mode,
		Knobs:           knobs.sanitized(),
		Suppression:     suppression,
		Version:         row.Version,
		UpdatedAtMs:     row.UpdatedAtMs,
	}, nil
}

func encodeProfileRow(p RuntimeProfile) (store.AutopilotProfileRow, error) {
	knobsJSON, err := json.Marshal(p.Knobs.sanitized())
	if err != nil {
		return store.AutopilotProfileRow{}, fmt.Errorf("learning: encode knobs: %w", err)
	}
	suppressionJSON, err := json.Marshal(p.Suppression)
	if err != nil {
		return store.AutopilotProfileRow{}, fmt.Errorf("learning: encode suppression: %w", err)
	}
	return store.AutopilotProfileRow{
		AutopilotID:     p.AutopilotID,
		LearningEnabled: p.LearningEnabled,
		Mode:            p.Mode,
		KnobsJSON:       string(knobsJSON),
		SuppressionJSON: string(suppressionJSON),
		Version:         p.Version,
		UpdatedAtMs:     p.UpdatedAtMs,
	}, nil
}

// GetRuntimeProfile returns the effective profile for an autopilot,
// creating a default balanced-mode one if none exists yet.
func (p *Pipeline) GetRuntimeProfile(ctx context.Context, autopilotID string) (RuntimeProfile, error) {
	defaultJSON, err := json.Marshal(defaultKnobs())
	if err != nil {
		return RuntimeProfile{}, fmt.Errorf("learning: encode default knobs: %w", err)
	}
	row, err := p.store.GetOrCreateProfile(ctx, autopilotID, string(defaultJSON), nowMs())
	if err != nil {
		return RuntimeProfile{}, fmt.Errorf("learning: get or create profile: %w", err)
	}
	return decodeProfileRow(row)
}

// SetAutopilotSuppressionUntil is a direct knob used by interventions like
// pause_autopilot_15m; it bumps the profile version like any other write.
func (p *Pipeline) SetAutopilotSuppressionUntil(ctx context.Context, autopilotID string, untilMs int64) error {
	profile, err := p.GetRuntimeProfile(ctx, autopilotID)
	if err != nil {
		return err
	}
	profile.Suppression.SuppressUntilMs = untilMs
	profile.Version++
	profile.UpdatedAtMs = nowMs()
	row, err := encodeProfileRow(profile)
	if err != nil {
		return err
	}
	if err := p.store.SaveProfile(ctx, row); err != nil {
		return fmt.Errorf("learning: save profile: %w", err)
	}
	return nil
}
