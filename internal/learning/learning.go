// Package learning implements the Learning Pipeline: decision-event
// ingest, terminal-run evaluation, profile adaptation, memory-card
// summarization, and retention compaction. Every public function accepts
// a context and the owning autopilot id and returns a coreerr.Error on
// rejection, so callers can branch on Kind the same way the Runner does.
package learning

import (
	"time"

	"github.com/heikkila-labs/autopilot-core/internal/store"
)

const (
	maxMetadataJSONBytes   = 2048
	maxSignalsJSONBytes    = 2000
	maxAdaptationJSONBytes = 2000
	maxMemoryCardBytes     = 4096
	maxMemoryCardTitle     = 80
	maxMemoryContextCards  = 5
	maxMemoryContextChars  = 1500

	decisionEventRateLimitPerMinute = 30
	decisionEventsRetentionMax      = 500
	decisionEventsRetentionDays     = 90
	adaptationLogRetentionMax       = 200
	runEvaluationsRetentionMax      = 500
	runEvaluationsRetentionDays     = 180
	protectedRecentRunsForRetention = 10
	compactionTriggerInterval       = 25
	compactionDeleteChunk           = 200
)

var redactionForbiddenSubstrings = []string{
	"bearer ",
	"sk-",
	"api_key",
	"authorization",
	"x-api-key",
	"openai_api_key",
}

// Pipeline runs the learning pipeline over a Store. It holds no other
// state; every call re-derives its decision from durable rows, matching
// the Runner's own "everything comes from the store" discipline.
type Pipeline struct {
	store *store.Store
}

// New constructs a Pipeline.
func New(st *store.Store) *Pipeline {
	return &Pipeline{store: st}
}

func nowMs() int64 { return time.Now().UnixMilli() }

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
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

// fnv1a64Hex hashes input with 64-bit FNV-1a, matching the adaptation
// dedup hash the original scoring engine used.
func fnv1a64Hex(input string) string {
	var hash uint64 = 0xcbf29ce484222325
	for i := 0; i < len(input); i++ {
		hash ^= uint64(input[i])
		hash *= 0x100000001b3
	}
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hexDigits[hash&0xf]
		hash >>= 4
	}
	return string(buf)
}
