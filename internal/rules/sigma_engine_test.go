package rules

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshmon/internal/telemetry"
)

const channelRule = `title: Node on restricted channel
id: 3c1d7a52-0b3e-4f59-9a0c-6a1f2f0c4d11
status: experimental
level: high
logsource:
  product: meshmon
  service: nodewatcher
detection:
  selection:
    wifi.channel: '13'
  condition: selection
`

const windowsRule = `title: Not for us
id: 9b2a0d34-7f6e-4c1a-8d5b-2e3f4a5b6c7d
logsource:
  product: windows
  service: sysmon
detection:
  selection:
    EventID: 1
  condition: selection
`

const countRule = `title: Too many
id: 1f2e3d4c-5b6a-4978-8695-a4b3c2d1e0f9
logsource:
  product: meshmon
detection:
  selection:
    wifi.essid: mesh
  condition: selection | count() > 5
`

func writeRules(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "channel.yml"), []byte(channelRule), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "windows.yaml"), []byte(windowsRule), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "count.yml"), []byte(countRule), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yml"), []byte("title: [unterminated"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644))
	return dir
}

func TestSigmaEngineLoadStats(t *testing.T) {
	engine, stats, err := NewSigmaEngine(writeRules(t))
	require.NoError(t, err)

	assert.Equal(t, 4, stats.TotalFiles)
	assert.Equal(t, 1, stats.Loaded)
	assert.Equal(t, 1, stats.SkippedDatasource)
	assert.Equal(t, 1, stats.SkippedComplex)
	assert.Equal(t, 1, stats.SkippedInvalid)
	assert.Equal(t, 1, engine.Len())
}

func TestSigmaEngineApply(t *testing.T) {
	engine, _, err := NewSigmaEngine(writeRules(t))
	require.NoError(t, err)

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	doc, err := telemetry.Parse([]byte("wifi.channel: 13\nwifi.essid: mesh\n"), now)
	require.NoError(t, err)

	matches := engine.Apply(doc)
	require.Len(t, matches, 1)
	assert.Equal(t, "3c1d7a52-0b3e-4f59-9a0c-6a1f2f0c4d11", matches[0].ID)
	assert.Equal(t, "high", matches[0].Level)

	doc, err = telemetry.Parse([]byte("wifi.channel: 6\n"), now)
	require.NoError(t, err)
	assert.Empty(t, engine.Apply(doc))
}

func TestSigmaEngineMissingPath(t *testing.T) {
	_, _, err := NewSigmaEngine(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestNoopEngine(t *testing.T) {
	assert.Nil(t, (&NoopEngine{}).Apply(nil))
}
