package memory

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-drift/arbor/pkg/errors"
)

func TestParseOptions(t *testing.T) {
	opts, err := ParseOptions([]byte(`
enableLeakDetection: true
maxRetainedObjects: 250
warnThreshold: 100
leakDetectionInterval: 15s
debugMode: true
elementAgeThreshold: 2m
`))
	require.NoError(t, err)

	assert.True(t, opts.EnableLeakDetection)
	assert.True(t, opts.DebugMode)
	assert.Equal(t, 250, opts.MaxRetainedObjects)
	assert.Equal(t, 100, opts.WarnThreshold)
	assert.Equal(t, 15*time.Second, opts.LeakDetectionInterval)
	assert.Equal(t, 2*time.Minute, opts.ElementAgeThreshold)
	assert.Equal(t, defaultNodeAgeThreshold, opts.NodeAgeThreshold, "unset fields keep defaults")
}

func TestParseOptionsRejectsInvalid(t *testing.T) {
	_, err := ParseOptions([]byte("maxRetainedObjects: -1\n"))
	require.Error(t, err)
	var rt *errors.RuntimeError
	require.ErrorAs(t, err, &rt)
	assert.Equal(t, errors.KindConfig, rt.Kind)

	_, err = ParseOptions([]byte("warnThreshold: [1, 2]\n"))
	assert.Error(t, err)
}

func TestLoadOptions(t *testing.T) {
	dir := t.TempDir()

	opts, err := LoadOptions(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultOptions(), opts)

	path := filepath.Join(dir, "arbor.yaml")
	require.NoError(t, os.WriteFile(path, []byte("warnThreshold: 7\n"), 0o644))
	opts, err = LoadOptions(path)
	require.NoError(t, err)
	assert.Equal(t, 7, opts.WarnThreshold)
}

func TestWarnThresholdLogsOncePerCrossing(t *testing.T) {
	m := NewManager(Options{WarnThreshold: 1})
	require.NoError(t, m.Register(mounted(1)))
	assert.False(t, m.warned)
	require.NoError(t, m.Register(mounted(2)))
	assert.True(t, m.warned)

	m.CleanupElement(mounted(2))
	require.NoError(t, m.Register(mounted(3)))
	assert.True(t, m.warned)
}
