package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, float64(7), cfg.Dot.ForceDispatchThreshold)
	assert.Equal(t, 30, cfg.Pipeline.MaxStepIterations)
	assert.Equal(t, 2, cfg.Scheduler.MaxConcurrent)
	assert.Equal(t, 2*time.Hour, cfg.Scheduler.GracePeriod)
}

func TestLoadFileAndEnvOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server_url: wss://example.test/ws
log:
  level: debug
dot:
  force_dispatch_threshold: 8
`), 0o600))

	t.Setenv("DOTBOT_SERVER", "wss://env-wins.test/ws")
	t.Setenv("DOTBOT_INSTALL_DIR", dir)
	t.Setenv("DEEPSEEK_API_KEY", "ds-key")
	t.Setenv("ANTHROPIC_API_KEY", "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "wss://env-wins.test/ws", cfg.ServerURL, "env overrides the file")
	assert.Equal(t, dir, cfg.InstallDir)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, float64(8), cfg.Dot.ForceDispatchThreshold)
	assert.Equal(t, "ds-key", cfg.LLM.APIKeys["deepseek"])
	_, hasAnthropic := cfg.LLM.APIKeys["anthropic"]
	assert.False(t, hasAnthropic, "blank env keys are not registered")
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{not yaml: ["), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	t.Setenv("DOTBOT_SERVER", "")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server_url: wss://one.test/ws\n"), 0o600))

	var mu sync.Mutex
	var seen []string
	stop, err := Watch(path, func(cfg *Config) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, cfg.ServerURL)
	}, nil)
	require.NoError(t, err)
	defer stop()

	require.NoError(t, os.WriteFile(path, []byte("server_url: wss://two.test/ws\n"), 0o600))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, url := range seen {
			if url == "wss://two.test/ws" {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatchReportsReloadErrors(t *testing.T) {
	t.Setenv("DOTBOT_SERVER", "")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server_url: wss://one.test/ws\n"), 0o600))

	var mu sync.Mutex
	var errs int
	var changes int
	stop, err := Watch(path, func(cfg *Config) {
		mu.Lock()
		defer mu.Unlock()
		changes++
	}, func(error) {
		mu.Lock()
		defer mu.Unlock()
		errs++
	})
	require.NoError(t, err)
	defer stop()

	require.NoError(t, os.WriteFile(path, []byte("{broken: ["), 0o600))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return errs > 0
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, changes, "a broken file never reaches onChange")
}
