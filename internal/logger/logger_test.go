package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRedactsCredentialKeys(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	log := FromZap(zap.New(core))

	log.Info("provider configured", "provider", "anthropic", "api_key", "sk-123", "OpenAI_APIKey", "x")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "anthropic", fields["provider"])
	assert.Equal(t, "[REDACTED]", fields["api_key"])
	assert.Equal(t, "[REDACTED]", fields["OpenAI_APIKey"])
}

func TestWithCarriesFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	log := FromZap(zap.New(core)).With("learner_id", "l-1")

	log.Warn("pool expanded", "band", "hard")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "l-1", fields["learner_id"])
	assert.Equal(t, "hard", fields["band"])
}

func TestOddKeyValues(t *testing.T) {
	assert.Equal(t, []any{"a", 1, "dangling"}, sanitize([]any{"a", 1, "dangling"}))
}
