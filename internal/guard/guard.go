// Package guard enforces the primitive allowlist every side-effecting
// step must pass before execution.
package guard

import (
	"github.com/heikkila-labs/autopilot-core/internal/coreerr"
	"github.com/heikkila-labs/autopilot-core/internal/schema"
)

// PrimitiveGuard validates that a step's primitive is permitted for the
// run it belongs to. It is constructed fresh per-step from the run's
// persisted allowlist.
type PrimitiveGuard struct {
	allowlist map[schema.Primitive]struct{}
}

// New builds a guard from a plan's allowed primitives.
func New(allowlist []schema.Primitive) PrimitiveGuard {
	set := make(map[schema.Primitive]struct{}, len(allowlist))
	for _, p := range allowlist {
		set[p] = struct{}{}
	}
	return PrimitiveGuard{allowlist: set}
}

// Validate returns a CapabilityDenied error if primitive is not allowed.
func (g PrimitiveGuard) Validate(primitive schema.Primitive) error {
	if _, ok := g.allowlist[primitive]; ok {
		return nil
	}
	return coreerr.New(coreerr.CapabilityDenied, "this action isn't allowed for this autopilot yet")
}
