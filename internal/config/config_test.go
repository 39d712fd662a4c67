package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsAndEnvOverlay(t *testing.T) {
	os.Clearenv()
	t.Setenv("BUDGET_DAILY_LIMIT", "10")
	t.Setenv("BUDGET_CONVERSATION_LIMIT", "5")
	t.Setenv("BUDGET_TURN_LIMIT", "1")
	t.Setenv("RAG_TOP_K", "8")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10.0, cfg.Budget.DailyLimit)
	assert.Equal(t, 5.0, cfg.Budget.ConversationLimit)
	assert.Equal(t, 1.0, cfg.Budget.TurnLimit)
	assert.Equal(t, 8, cfg.RAG.TopK)
	// unset fields keep their defaults
	assert.Equal(t, 3, cfg.Budget.FailureThreshold)
	assert.Equal(t, 0.3, cfg.RAG.WeightRelevance)
}

func TestValidate_RejectsInvertedLimits(t *testing.T) {
	os.Clearenv()
	t.Setenv("BUDGET_DAILY_LIMIT", "1")
	t.Setenv("BUDGET_CONVERSATION_LIMIT", "5")
	t.Setenv("BUDGET_TURN_LIMIT", "1")

	_, err := Load()
	require.Error(t, err)
}

func TestValidate_RejectsBadCompositeWeights(t *testing.T) {
	cfg := defaults()
	cfg.RAG.WeightRelevance = 0.5
	err := validate(cfg)
	require.Error(t, err)
}
