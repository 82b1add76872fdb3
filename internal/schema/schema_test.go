package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildPlanIsDeterministic(t *testing.T) {
	intent := "Monitor https://Example.com/Pricing for changes"
	a := BuildPlan(RecipeWebsiteMonitor, intent, ProviderOpenAI)
	b := BuildPlan(RecipeWebsiteMonitor, intent, ProviderOpenAI)
	require.Equal(t, a, b)
}

func TestBuildPlanExtractsLowercasedHost(t *testing.T) {
	plan := BuildPlan(RecipeWebsiteMonitor, "watch https://Example.COM/Pricing for changes", ProviderOpenAI)
	require.Equal(t, "https://Example.COM/Pricing", plan.WebSourceURL)
	require.Equal(t, []string{"example.com"}, plan.WebAllowedDomains)
}

func TestBuildPlanNoURLInIntent(t *testing.T) {
	plan := BuildPlan(RecipeInboxTriage, "triage the forwarded email from my accountant", ProviderOpenAI)
	require.Empty(t, plan.WebSourceURL)
	require.Empty(t, plan.WebAllowedDomains)
}

func TestBuildPlanEveryStepPrimitiveIsAllowed(t *testing.T) {
	for _, recipe := range []Recipe{RecipeWebsiteMonitor, RecipeInboxTriage, RecipeDailyBrief} {
		plan := BuildPlan(recipe, "do something useful", ProviderAnthropic)
		require.NotEmpty(t, plan.Steps, "recipe %s should produce steps", recipe)
		for _, step := range plan.Steps {
			require.True(t, plan.AllowsPrimitive(step.Primitive),
				"recipe %s step %s uses primitive %s not in allowlist", recipe, step.ID, step.Primitive)
		}
	}
}

func TestProviderTierDerivation(t *testing.T) {
	require.Equal(t, TierSupported, ProviderMetadataFromID(ProviderOpenAI).Tier)
	require.Equal(t, TierSupported, ProviderMetadataFromID(ProviderAnthropic).Tier)
	require.Equal(t, TierExperimental, ProviderMetadataFromID(ProviderGemini).Tier)
}

func TestMissionChildPlanStripsApprovalGatedSteps(t *testing.T) {
	plan := MissionChildPlan("summarize https://news.example.com", ProviderOpenAI, "news-example")
	for _, step := range plan.Steps {
		require.False(t, step.RequiresApproval, "mission child step %s must not require approval", step.ID)
	}
	last := plan.Steps[len(plan.Steps)-1]
	require.Equal(t, PrimitiveAggregateDailySummary, last.Primitive)
}

func TestAllowsPrimitiveRejectsUnlisted(t *testing.T) {
	plan := BuildPlan(RecipeWebsiteMonitor, "watch https://example.com", ProviderOpenAI)
	require.False(t, plan.AllowsPrimitive(PrimitiveSendEmail))
}
