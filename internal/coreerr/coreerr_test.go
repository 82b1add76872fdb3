package coreerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorMessageFormatting(t *testing.T) {
	plain := New(ValidationError, "bad input")
	require.Equal(t, "validation_error: bad input", plain.Error())

	wrapped := Wrap(TransientIO, "fetch failed", errors.New("dial timeout"))
	require.Equal(t, "transient_io: fetch failed: dial timeout", wrapped.Error())
	require.Equal(t, "dial timeout", wrapped.Unwrap().Error())
}

func TestRetryable(t *testing.T) {
	require.True(t, New(TransientIO, "x").Retryable())
	for _, k := range []Kind{NotFound, ConflictingState, ValidationError, CapabilityDenied, PermanentIO, SerializationError, Forbidden} {
		require.False(t, New(k, "x").Retryable(), "kind %s should not be retryable", k)
	}
}

func TestAsAndKindOf(t *testing.T) {
	err := New(CapabilityDenied, "nope")
	var wrapped error = err

	got, ok := As(wrapped)
	require.True(t, ok)
	require.Equal(t, CapabilityDenied, got.Kind)
	require.Equal(t, CapabilityDenied, KindOf(wrapped))

	plain := errors.New("not a core error")
	_, ok = As(plain)
	require.False(t, ok)
	require.Equal(t, PermanentIO, KindOf(plain), "unclassified errors default to PermanentIO")
}
