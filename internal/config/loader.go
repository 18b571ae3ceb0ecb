package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// providerKeyEnv maps provider names to the environment variables carrying
// their API keys.
var providerKeyEnv = map[string]string{
	"deepseek":  "DEEPSEEK_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"gemini":    "GEMINI_API_KEY",
	"xai":       "XAI_API_KEY",
}

// Load reads the config file at path (missing file is fine), overlays the
// environment, and normalizes defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// No file: env + defaults only.
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)
	cfg.Normalize()
	return cfg, nil
}

// DefaultPath returns the well-known config file location under the
// install dir.
func DefaultPath() string {
	if dir := os.Getenv("DOTBOT_INSTALL_DIR"); dir != "" {
		return filepath.Join(dir, "config.yaml")
	}
	return filepath.Join(defaultInstallDir(), "config.yaml")
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DOTBOT_SERVER"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("DOTBOT_INSTALL_DIR"); v != "" {
		cfg.InstallDir = v
	}
	if cfg.LLM.APIKeys == nil {
		cfg.LLM.APIKeys = map[string]string{}
	}
	for provider, env := range providerKeyEnv {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			cfg.LLM.APIKeys[provider] = v
		}
	}
}

// Watch re-loads the config whenever the file changes and invokes onChange
// with the fresh config. Returns a stop function. Errors during reload are
// reported through onError and the previous config stays in effect.
func Watch(path string, onChange func(*Config), onError func(error)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					if onError != nil {
						onError(err)
					}
					continue
				}
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(err)
				}
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
