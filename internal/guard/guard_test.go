package guard

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/heikkila-labs/autopilot-core/internal/coreerr"
	"github.com/heikkila-labs/autopilot-core/internal/schema"
)

func TestValidateAllowsListedPrimitive(t *testing.T) {
	g := New([]schema.Primitive{schema.PrimitiveReadWeb, schema.PrimitiveNotifyUser})

	require.NoError(t, g.Validate(schema.PrimitiveReadWeb))
	require.NoError(t, g.Validate(schema.PrimitiveNotifyUser))
}

func TestValidateRejectsUnlistedPrimitive(t *testing.T) {
	g := New([]schema.Primitive{schema.PrimitiveReadWeb})

	err := g.Validate(schema.PrimitiveSendEmail)
	require.Error(t, err)
	ce, ok := coreerr.As(err)
	require.True(t, ok)
	require.Equal(t, coreerr.CapabilityDenied, ce.Kind)
}

func TestValidateEmptyAllowlistRejectsEverything(t *testing.T) {
	g := New(nil)
	require.Error(t, g.Validate(schema.PrimitiveReadWeb))
}
