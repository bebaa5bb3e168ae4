package config

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anolis-robotics/anolis-core/internal/obslog"
)

func testLogger(buf *bytes.Buffer) *obslog.Logger {
	return obslog.New(obslog.Config{Level: obslog.Debug, Component: "test", Output: buf})
}

func TestParseValidConfiguration(t *testing.T) {
	doc := []byte(`
providers:
  - id: sim0
    executable_path: /bin/sim0
    restart:
      enabled: true
      max_attempts: 3
      backoff_ms: [100, 200, 400]
automation:
  enabled: true
  policy: OVERRIDE
`)
	cfg, err := Parse(doc, nil)
	require.NoError(t, err)
	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, "sim0", cfg.Providers[0].ID)
	assert.Equal(t, 3, cfg.Providers[0].Restart.MaxAttempts)
	assert.True(t, cfg.Automation.Enabled)
}

func TestParseRejectsBackoffMsLengthMismatch(t *testing.T) {
	doc := []byte(`
providers:
  - id: sim0
    executable_path: /bin/sim0
    restart:
      enabled: true
      max_attempts: 3
      backoff_ms: [100, 200]
`)
	_, err := Parse(doc, nil)
	assert.Error(t, err)
}

func TestParseRejectsMissingExecutablePath(t *testing.T) {
	doc := []byte(`
providers:
  - id: sim0
`)
	_, err := Parse(doc, nil)
	assert.Error(t, err)
}

func TestParseRejectsUnknownAutomationPolicy(t *testing.T) {
	doc := []byte(`
automation:
  policy: FROBNICATE
`)
	_, err := Parse(doc, nil)
	assert.Error(t, err)
}

func TestParseWarnsNotErrorsOnUnknownTopLevelField(t *testing.T) {
	doc := []byte(`
totally_unknown_field: true
polling_interval_ms: 250
`)
	var buf bytes.Buffer
	cfg, err := Parse(doc, testLogger(&buf))
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "totally_unknown_field")
	assert.Equal(t, 250*1_000_000, int(cfg.PollingInterval))
}

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{}`), nil)
	require.NoError(t, err)
	assert.Equal(t, 500*1_000_000, int(cfg.PollingInterval))
	assert.Equal(t, 32, cfg.EventEmitterCapacity)
	assert.Equal(t, 64, cfg.MaxSubscribers)
}
