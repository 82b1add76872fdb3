package trigger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/heikkila-labs/autopilot-core/internal/runner"
	"github.com/heikkila-labs/autopilot-core/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "trigger.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	rn := runner.New(st, nil, nil)
	return New(st, rn), st
}

func TestIngestTriggerEvent_StartsRunOnFirstDelivery(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	result, err := svc.IngestTriggerEvent(ctx, "inbox", "dedupe-1", "forwarded message body", "ap1")
	require.NoError(t, err)
	require.NotEmpty(t, result.RunID)
	require.Equal(t, store.RunReady, result.RunState)
	require.False(t, result.WasDeduped)
}

func TestIngestTriggerEvent_RedeliveryIsDeduped(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.IngestTriggerEvent(ctx, "webhook", "dedupe-2", "https://example.com changed", "ap1")
	require.NoError(t, err)

	second, err := svc.IngestTriggerEvent(ctx, "webhook", "dedupe-2", "https://example.com changed", "ap1")
	require.NoError(t, err)

	require.Equal(t, first.RunID, second.RunID)
	require.True(t, second.WasDeduped)
}

func TestIngestTriggerEvent_DistinctDedupeKeysStartDistinctRuns(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.IngestTriggerEvent(ctx, "pubsub", "dedupe-3a", "daily digest payload", "ap1")
	require.NoError(t, err)
	second, err := svc.IngestTriggerEvent(ctx, "pubsub", "dedupe-3b", "daily digest payload", "ap1")
	require.NoError(t, err)

	require.NotEqual(t, first.RunID, second.RunID)
}

func TestIngestTriggerEvent_RejectsEmptyDedupeKey(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.IngestTriggerEvent(ctx, "inbox", "", "body", "ap1")
	require.Error(t, err)
}
