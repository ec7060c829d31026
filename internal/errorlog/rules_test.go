package errorlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dynoinc/tokenguard/internal/aierrors"
)

var testRules = `
rules:
  - id: critical
    name: Critical AI errors
    conditions:
      severities: [critical]
    channels: [log, slack]
    recipients: ["#ai-oncall"]
  - id: network-storm
    name: Network storm
    enabled: false
    conditions:
      categories: [network]
      codes: [network_error]
      threshold: 10
    channels: [webhook]
`

func TestParseRules(t *testing.T) {
	rules, err := ParseRules([]byte(testRules))
	require.NoError(t, err)
	require.Len(t, rules, 2)

	require.Equal(t, "critical", rules[0].ID)
	require.True(t, rules[0].Enabled)
	require.Equal(t, []aierrors.Severity{aierrors.SeverityCritical}, rules[0].Conditions.Severities)
	require.Equal(t, []string{"log", "slack"}, rules[0].Channels)
	require.Equal(t, []string{"#ai-oncall"}, rules[0].Recipients)

	require.False(t, rules[1].Enabled)
	require.Equal(t, 10, rules[1].Conditions.Threshold)
	require.Equal(t, []aierrors.Category{aierrors.CategoryNetwork}, rules[1].Conditions.Categories)
}

func TestParseRulesRequirements(t *testing.T) {
	// Empty is okay
	rules, err := ParseRules([]byte(``))
	require.NoError(t, err)
	require.Empty(t, rules)

	_, err = ParseRules([]byte(`
rules:
  - name: no channels
`))
	require.Error(t, err)

	_, err = ParseRules([]byte(`
rules:
  - name: bad category
    conditions:
      categories: [weather]
    channels: [log]
`))
	require.Error(t, err)

	_, err = ParseRules([]byte(`
rules:
  - id: dup
    name: one
    channels: [log]
  - id: dup
    name: two
    channels: [log]
`))
	require.ErrorContains(t, err, "duplicate")
}

func TestLoadRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testRules), 0o600))

	rules, err := LoadRules(path)
	require.NoError(t, err)
	require.Len(t, rules, 2)

	_, err = LoadRules(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
