package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePolicy(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultPolicy_IsValid(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())
}

func TestLoadPolicy_KeepsDefaultsForMissingFields(t *testing.T) {
	path := writePolicy(t, t.TempDir(), `
visibility:
  off_screen_after: 15s
escalation:
  max_violations: 8
  severities:
    fullscreen-exit: high
`)

	p, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, p.Visibility.OffScreenAfter)
	assert.Equal(t, 8, p.Escalation.MaxViolations)
	assert.Equal(t, "high", p.Escalation.Severities["fullscreen-exit"])
	assert.Equal(t, 10*time.Second, p.Face.Interval)
	assert.Equal(t, 50, p.Audio.Window)
}

func TestLoadPolicy_RejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"zero interval":    "face:\n  interval: 0s\n",
		"window too large": "face:\n  history_size: 3\n  window: 5\n",
		"bad severity":     "escalation:\n  severities:\n    tab-switch: extreme\n",
		"bad yaml":         "face: [",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadPolicy(writePolicy(t, t.TempDir(), body))
			assert.Error(t, err)
		})
	}
}

func TestPolicyWatcher_DefaultsWithoutFile(t *testing.T) {
	w, err := NewPolicyWatcher("", zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy(), w.Current())
	assert.NoError(t, w.Watch(context.Background()))
}

func TestPolicyWatcher_ReloadKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, "escalation:\n  max_violations: 7\n")

	w, err := NewPolicyWatcher(path, zerolog.Nop())
	require.NoError(t, err)

	var seen []int
	w.OnChange(func(p *Policy) { seen = append(seen, p.Escalation.MaxViolations) })

	writePolicy(t, dir, "escalation:\n  max_violations: 9\n")
	require.NoError(t, w.Reload())
	assert.Equal(t, 9, w.Current().Escalation.MaxViolations)

	writePolicy(t, dir, "escalation:\n  max_violations: -1\n")
	assert.Error(t, w.Reload())
	assert.Equal(t, 9, w.Current().Escalation.MaxViolations)
	assert.Equal(t, []int{9}, seen)
}

func TestPolicyWatcher_PicksUpFileChanges(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, "visibility:\n  off_screen_after: 10s\n")

	w, err := NewPolicyWatcher(path, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Watch(ctx))

	writePolicy(t, dir, "visibility:\n  off_screen_after: 20s\n")
	assert.Eventually(t, func() bool {
		return w.Current().Visibility.OffScreenAfter == 20*time.Second
	}, 3*time.Second, 20*time.Millisecond)
}
